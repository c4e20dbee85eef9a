/*
Package detect inspects a project directory and infers how to deploy it:
static site or long-running service, which runtime, which framework, and
a default config the user can override. Detection is read-only and
depends only on file contents, so running it twice on the same tree
yields the same result.
*/
package detect

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/portside-dev/portside/models"
)

// Result is the outcome of scanning one project directory.
type Result struct {
	Type      models.DeploymentType `json:"type"`
	Runtime   models.Runtime        `json:"runtime"`
	Framework string                `json:"framework"`
	BuildTool string                `json:"buildTool,omitempty"`
	Config    models.DeployConfig   `json:"config"`
}

// markerFiles is the closed set of files the detector looks at in the
// project root.
var markerFiles = []string{
	"package.json", "requirements.txt", "pom.xml", "build.gradle",
	"Gemfile", "go.mod", "Cargo.toml", "composer.json",
	"index.html", "index.js", "app.py", "main.py", "server.js",
	"next.config.js", "vite.config.js", "vue.config.js",
	"angular.json", "gatsby-config.js", "nuxt.config.js",
	"manage.py", "wsgi.py",
}

// scan holds the marker files found in one project directory, name to
// absolute path.
type scan struct {
	dir   string
	files map[string]string
}

func scanDir(dir string) *scan {
	s := &scan{dir: dir, files: make(map[string]string)}

	for _, name := range markerFiles {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			s.files[name] = path
		}
	}

	// Django keeps wsgi.py inside the project package, not the root;
	// take the first one found anywhere in the tree.
	if _, ok := s.files["wsgi.py"]; !ok {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && d.Name() == "wsgi.py" {
				s.files["wsgi.py"] = path
				return filepath.SkipAll
			}
			return nil
		})
	}

	return s
}

func (s *scan) has(name string) bool {
	_, ok := s.files[name]
	return ok
}

// read returns the lowercased contents of a marker file, or "".
func (s *scan) read(name string) string {
	path, ok := s.files[name]
	if !ok {
		return ""
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(content)
}

// packageJSON is the subset of package.json the detector cares about.
type packageJSON struct {
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
	Engines         struct {
		Node string `json:"node"`
	} `json:"engines"`
}

func (s *scan) packageJSON() *packageJSON {
	raw := s.read("package.json")
	if raw == "" {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal([]byte(raw), &pkg); err != nil {
		return nil
	}
	return &pkg
}

// hasDep reports whether the dependency appears in either dependency set.
func (pkg *packageJSON) hasDep(name string) bool {
	if _, ok := pkg.Dependencies[name]; ok {
		return true
	}
	_, ok := pkg.DevDependencies[name]
	return ok
}

// Project detects the deployment shape of the given directory. Ambiguous
// input never fails: the fallback is a plain static site.
func Project(dir string) Result {
	s := scanDir(dir)

	result := s.detectType()
	result.Framework = s.detectFramework(result)
	result.Config = s.generateConfig(result)
	return result
}

// detectType applies the ordered marker rules; first match wins.
func (s *scan) detectType() Result {
	if reqs := strings.ToLower(s.read("requirements.txt")); reqs != "" {
		for _, fw := range []string{"django", "flask", "fastapi", "uvicorn", "starlette"} {
			if strings.Contains(reqs, fw) {
				return Result{Type: models.TypeService, Runtime: models.RuntimePython}
			}
		}
	}

	if s.has("app.py") || s.has("main.py") || s.has("manage.py") {
		return Result{Type: models.TypeService, Runtime: models.RuntimePython}
	}

	if s.has("pom.xml") {
		return Result{Type: models.TypeService, Runtime: models.RuntimeJava, BuildTool: "maven"}
	}
	if s.has("build.gradle") {
		return Result{Type: models.TypeService, Runtime: models.RuntimeJava, BuildTool: "gradle"}
	}

	if pkg := s.packageJSON(); pkg != nil {
		frontendDeps := []string{"vite", "next", "gatsby", "vue", "react", "angular", "svelte"}
		for _, dep := range frontendDeps {
			if pkg.hasDep(dep) {
				if _, ok := pkg.Scripts["build"]; ok {
					return Result{Type: models.TypeStatic, Runtime: models.RuntimeNodeJS}
				}
				break
			}
		}

		serverDeps := []string{"express", "koa", "fastify", "hapi", "nestjs"}
		for _, dep := range serverDeps {
			if pkg.hasDep(dep) {
				return Result{Type: models.TypeService, Runtime: models.RuntimeNodeJS}
			}
		}

		if s.has("server.js") || s.has("index.js") {
			return Result{Type: models.TypeService, Runtime: models.RuntimeNodeJS}
		}

		if _, ok := pkg.Scripts["build"]; ok {
			return Result{Type: models.TypeStatic, Runtime: models.RuntimeNodeJS}
		}
	}

	return Result{Type: models.TypeStatic, Runtime: models.RuntimeStatic}
}

func (s *scan) detectFramework(result Result) string {
	switch result.Runtime {
	case models.RuntimePython:
		return s.detectPythonFramework()
	case models.RuntimeNodeJS:
		return s.detectNodeFramework()
	case models.RuntimeJava:
		if s.has("pom.xml") {
			return "maven"
		}
		if s.has("build.gradle") {
			return "gradle"
		}
		return "java"
	default:
		return "html"
	}
}

func (s *scan) detectPythonFramework() string {
	if s.has("manage.py") {
		return "django"
	}

	reqs := strings.ToLower(s.read("requirements.txt"))
	switch {
	case strings.Contains(reqs, "django"):
		return "django"
	case strings.Contains(reqs, "fastapi"):
		return "fastapi"
	case strings.Contains(reqs, "flask"):
		return "flask"
	}
	return "python"
}

// Node framework priority is fixed: next beats vite beats vue beats
// express.
func (s *scan) detectNodeFramework() string {
	pkg := s.packageJSON()
	if pkg == nil {
		return "nodejs"
	}

	switch {
	case pkg.hasDep("next"):
		return "nextjs"
	case pkg.hasDep("vite"):
		return "react-vite"
	case pkg.hasDep("vue"):
		return "vue"
	case pkg.hasDep("express"):
		return "express"
	}
	return "nodejs"
}

func (s *scan) generateConfig(result Result) models.DeployConfig {
	if result.Type == models.TypeStatic {
		return staticConfig(result.Framework)
	}

	switch result.Runtime {
	case models.RuntimePython:
		return s.pythonConfig(result.Framework)
	case models.RuntimeNodeJS:
		return s.nodeConfig()
	case models.RuntimeJava:
		return models.DeployConfig{Runtime: string(models.RuntimeJava), Port: "8080"}
	}
	return models.DeployConfig{}
}

func staticConfig(framework string) models.DeployConfig {
	switch framework {
	case "react-vite":
		return models.DeployConfig{BuildCommand: "npm install && npm run build", PublishDir: "dist"}
	case "nextjs":
		return models.DeployConfig{BuildCommand: "npm install && npm run build && npm run export", PublishDir: "out"}
	case "html":
		return models.DeployConfig{BuildCommand: `echo "No build needed"`, PublishDir: "."}
	default:
		return models.DeployConfig{BuildCommand: "npm install && npm run build", PublishDir: "dist"}
	}
}

var settingsModulePattern = regexp.MustCompile(`["']DJANGO_SETTINGS_MODULE["']\s*,\s*["']([^"']+)["']`)

// DjangoProjectName resolves the Django project package: the parent
// directory of wsgi.py when present, else the DJANGO_SETTINGS_MODULE
// assignment in manage.py.
func (s *scan) djangoProjectName() string {
	if path, ok := s.files["wsgi.py"]; ok {
		name := filepath.Base(filepath.Dir(path))
		if name != "." && name != string(filepath.Separator) {
			return name
		}
	}

	if match := settingsModulePattern.FindStringSubmatch(s.read("manage.py")); match != nil {
		return strings.SplitN(match[1], ".", 2)[0]
	}
	return ""
}

// DjangoProjectName exposes the project package resolution for the given
// directory, used when synthesizing the settings override.
func DjangoProjectName(dir string) string {
	return scanDir(dir).djangoProjectName()
}

// HasGunicorn reports whether requirements.txt declares a production
// WSGI runner.
func HasGunicorn(dir string) bool {
	return strings.Contains(strings.ToLower(scanDir(dir).read("requirements.txt")), "gunicorn")
}

func (s *scan) pythonConfig(framework string) models.DeployConfig {
	config := models.DeployConfig{
		Runtime:   string(models.RuntimePython),
		EntryFile: "app.py",
		Port:      "5000",
	}

	hasGunicorn := strings.Contains(strings.ToLower(s.read("requirements.txt")), "gunicorn")

	switch framework {
	case "django":
		config.Port = "8000"
		config.EntryFile = "manage.py"
		if hasGunicorn {
			project := s.djangoProjectName()
			if project == "" {
				project = "<project_name>"
			}
			config.StartCommand = "gunicorn " + project + ".wsgi:application --bind 0.0.0.0:8000"
		} else {
			config.StartCommand = "python manage.py runserver 0.0.0.0:8000"
		}
	case "flask":
		if hasGunicorn {
			config.StartCommand = "gunicorn app:app --bind 0.0.0.0:5000"
		} else {
			config.StartCommand = "python app.py"
		}
	}

	return config
}

func (s *scan) nodeConfig() models.DeployConfig {
	config := models.DeployConfig{
		Runtime:      string(models.RuntimeNodeJS),
		EntryFile:    "index.js",
		Port:         "3000",
		StartCommand: "node index.js",
	}

	if pkg := s.packageJSON(); pkg != nil && pkg.Scripts["start"] != "" {
		config.StartCommand = "npm start"
	}
	return config
}

// NodeEngineConstraint returns the raw engines.node value from
// package.json, or "".
func NodeEngineConstraint(dir string) string {
	pkg := scanDir(dir).packageJSON()
	if pkg == nil {
		return ""
	}
	return pkg.Engines.Node
}
