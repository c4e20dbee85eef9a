/*
Package recipe turns a detected project plus user config into everything
the engine needs: a Dockerfile, auxiliary build-context files, the
runtime environment, labels, volume mounts and startup expectations.
Synthesis is a pure function of the project tree and the config, so the
same inputs always produce the same recipe.
*/
package recipe

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/portside-dev/portside/detect"
	"github.com/portside-dev/portside/models"
)

// Recipe is the synthesized build and run plan for one deployment.
type Recipe struct {
	// Dockerfile is the image definition; Files are additional files to
	// write into the build context next to it (.dockerignore, server
	// config, settings overrides).
	Dockerfile string
	Files      map[string]string

	// ContainerName doubles as the image tag; the deterministic name is
	// what pre-build cleanup keys on.
	ContainerName string

	// ContainerPort is the in-container listening port to publish.
	ContainerPort string

	// Env is the base runtime environment. User-supplied variables are
	// merged on top, so an explicit user value always wins.
	Env map[string]string

	// Labels mark the container as platform-owned and carry its
	// deployment id for reconciliation and cleanup.
	Labels map[string]string

	// Volumes maps named volume to bind path inside the container.
	Volumes map[string]string

	RestartPolicy string

	// StartupWait is how long the executor sleeps before the final
	// running check. PollReady instead polls second-by-second up to
	// StartupWait (used for static sites, which come up fast).
	StartupWait time.Duration
	PollReady   bool
}

const (
	// PlatformLabel is the `app` label value marking platform-owned
	// containers; listing and cleanup filter on it.
	PlatformLabel = "deployment-platform"

	// VolumeMount is where persistent named volumes land in every
	// runtime.
	VolumeMount = "/app/data"
)

// Synthesize builds the recipe for a deployment. The config is the
// merged view of detection defaults and user overrides.
func Synthesize(dir, deploymentID string, deploymentType models.DeploymentType, cfg models.DeployConfig) (*Recipe, error) {
	if deploymentType == models.TypeStatic {
		return staticRecipe(dir, deploymentID, cfg)
	}

	switch cfg.Runtime {
	case string(models.RuntimeJava):
		return javaRecipe(dir, deploymentID, cfg)
	case string(models.RuntimeNodeJS):
		if cfg.UseDevMode {
			return nodeDevRecipe(dir, deploymentID, cfg)
		}
		return nodeRecipe(dir, deploymentID, cfg)
	default:
		return pythonRecipe(dir, deploymentID, cfg)
	}
}

// ContainerNameFor reproduces the deterministic container/image name a
// deployment's recipe would assign, without reading the project tree.
// Callers that only have the stored record (delete, image cleanup) use
// this instead of re-synthesizing.
func ContainerNameFor(deploymentID string, deploymentType models.DeploymentType, cfg models.DeployConfig) string {
	switch {
	case deploymentType == models.TypeStatic:
		return "deploy-" + deploymentID
	case cfg.Runtime == string(models.RuntimeJava):
		return "java-" + deploymentID
	case cfg.Runtime == string(models.RuntimeNodeJS) && cfg.UseDevMode:
		return "dev-" + deploymentID
	default:
		return "web-" + deploymentID
	}
}

// baseLabels returns the label set shared by every recipe.
func baseLabels(deploymentID, containerType string, runtime models.Runtime) map[string]string {
	labels := map[string]string{
		"app":           PlatformLabel,
		"type":          containerType,
		"deployment_id": deploymentID,
	}
	if runtime != "" {
		labels["runtime"] = string(runtime)
	}
	return labels
}

// volumeMounts resolves the persistent storage mount, if configured.
// The volume name defaults to persistent_data_{id}.
func volumeMounts(deploymentID string, cfg models.DeployConfig) map[string]string {
	if !cfg.PersistentStorage {
		return nil
	}
	name := cfg.VolumeName
	if name == "" {
		name = "persistent_data_" + deploymentID
	}
	return map[string]string{name: VolumeMount}
}

// VolumeName returns the named volume a deployment would use, or ""
// when persistent storage is off.
func VolumeName(deploymentID string, cfg models.DeployConfig) string {
	for name := range volumeMounts(deploymentID, cfg) {
		return name
	}
	return ""
}

// healthPath returns the configured liveness probe path with a leading
// slash, defaulting to "/".
func healthPath(cfg models.DeployConfig) string {
	path := strings.TrimSpace(cfg.HealthCheckPath)
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

// restartPolicy maps autoRestart onto the engine restart policy; off
// means no policy at all, so a crashed container stays down.
func restartPolicy(cfg models.DeployConfig) string {
	if cfg.AutoRestart {
		return "unless-stopped"
	}
	return ""
}

var firstInt = regexp.MustCompile(`(\d+)`)

// nodeVersion snaps an engines.node constraint to a supported major:
// >=22 gives 22, >=20 gives 20, >=18 gives 18, >=16 gives 16, anything
// older (or unparseable) gives the fallback.
func nodeVersion(constraint, fallback string) string {
	if constraint == "" {
		return fallback
	}

	cleaned := constraint
	for _, prefix := range []string{"^", "~", ">=", ">", "="} {
		cleaned = strings.ReplaceAll(cleaned, prefix, "")
	}
	match := firstInt.FindString(strings.TrimSpace(cleaned))
	if match == "" {
		return fallback
	}

	required, err := strconv.Atoi(match)
	if err != nil {
		return fallback
	}
	switch {
	case required >= 22:
		return "22"
	case required >= 20:
		return "20"
	case required >= 18:
		return "18"
	case required >= 16:
		return "16"
	default:
		return "18"
	}
}

// rewriteNPMInstall adds --legacy-peer-deps to a bare `npm install`
// unless the user already opted into a peer-dep strategy.
func rewriteNPMInstall(buildCommand string) string {
	if !strings.Contains(buildCommand, "npm install") {
		return buildCommand
	}
	if strings.Contains(buildCommand, "--legacy-peer-deps") || strings.Contains(buildCommand, "--force") {
		return buildCommand
	}
	return strings.ReplaceAll(buildCommand, "npm install", "npm install --legacy-peer-deps")
}

// buildSteps renders a user build command as one RUN instruction per
// `&&` segment.
func buildSteps(buildCommand string) string {
	segments := strings.Split(buildCommand, "&&")
	for i, segment := range segments {
		segments[i] = strings.TrimSpace(segment)
	}
	return "RUN " + strings.Join(segments, " && \\\n    ")
}

// commandJSON renders a shell command as a Dockerfile exec-form array,
// honoring single and double quotes.
func commandJSON(command string) string {
	parts := shellSplit(command)
	if len(parts) == 0 {
		return "[]"
	}
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = strconv.Quote(part)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// shellCommandJSON wraps a compound shell command in `sh -c`.
func shellCommandJSON(command string) string {
	escaped := strings.ReplaceAll(command, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	return fmt.Sprintf(`["sh", "-c", "%s"]`, escaped)
}

// shellSplit splits a command on whitespace while keeping quoted
// segments intact.
func shellSplit(command string) []string {
	var parts []string
	var current strings.Builder
	var quote rune

	flush := func() {
		if current.Len() > 0 {
			parts = append(parts, current.String())
			current.Reset()
		}
	}

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ' ' || r == '\t':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return parts
}

// engineNodeVersion reads engines.node from the project and snaps it.
func engineNodeVersion(dir, fallback string) string {
	return nodeVersion(detect.NodeEngineConstraint(dir), fallback)
}
