package engine

// build.go implements image builds from a context directory. The daemon
// streams JSON records back; stdout chunks are forwarded line by line to
// the caller's log function and an error record fails the build.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/archive"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
)

// LogFunc receives one build output line at a time.
type LogFunc func(line string)

// BuildImage tars the context directory (honoring its .dockerignore),
// builds it under the given tag, and streams build output to logFn.
// The tag is the image reference callers run afterwards.
func (engine *Client) BuildImage(ctx context.Context, contextDir, tag string, logFn func(line string)) error {
	excludes := readDockerignore(contextDir)

	buildContext, err := archive.TarWithOptions(contextDir, &archive.TarOptions{
		ExcludePatterns: excludes,
	})
	if err != nil {
		return fmt.Errorf("tar build context %q: %w", contextDir, err)
	}
	defer buildContext.Close()

	response, err := engine.sdk.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		Dockerfile:  "Dockerfile",
	})
	if err != nil {
		return fmt.Errorf("start image build %q: %w", tag, err)
	}
	defer response.Body.Close()

	return drainBuildStream(response.Body, logFn)
}

// buildRecord is one JSON message on the daemon's build stream.
type buildRecord struct {
	Stream      string `json:"stream"`
	ErrorMsg    string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

func drainBuildStream(body io.Reader, logFn LogFunc) error {
	decoder := json.NewDecoder(body)
	for {
		var record buildRecord
		if err := decoder.Decode(&record); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("decode build stream: %w", err)
		}

		if record.ErrorMsg != "" {
			if logFn != nil {
				logFn(record.ErrorMsg)
			}
			return fmt.Errorf("image build failed: %s", record.ErrorMsg)
		}

		if logFn != nil {
			if line := strings.TrimSpace(record.Stream); line != "" {
				logFn(line)
			}
		}
	}
}

// readDockerignore parses the context's .dockerignore into exclude
// patterns; a missing file means no excludes.
func readDockerignore(contextDir string) []string {
	content, err := os.ReadFile(filepath.Join(contextDir, ".dockerignore"))
	if err != nil {
		return nil
	}

	var patterns []string
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	return patterns
}

// CleanupPrevious removes the container and image carrying the
// deterministic per-deployment name before a rebuild. Missing or in-use
// errors are swallowed: a first deploy has nothing to clean.
func (engine *Client) CleanupPrevious(ctx context.Context, name string) {
	if err := engine.sdk.ContainerStop(ctx, name, container.StopOptions{Timeout: intPtr(5)}); err != nil && !errdefs.IsNotFound(err) {
		engine.logger.Debug("pre-build container stop", "name", name, "error", err)
	}
	if err := engine.sdk.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		engine.logger.Debug("pre-build container remove", "name", name, "error", err)
	}
	if _, err := engine.sdk.ImageRemove(ctx, name, image.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		engine.logger.Debug("pre-build image remove", "tag", name, "error", err)
	}
}

func intPtr(n int) *int {
	return &n
}
