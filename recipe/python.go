package recipe

// python.go synthesizes the python service recipe. Django projects get
// special handling: a settings_local.py override dropped next to the
// project package, a migrate+collectstatic runtime wrapper, and a
// gunicorn command when requirements declare one.

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/portside-dev/portside/models"
)

const pythonIgnore = `__pycache__/
*.py[cod]
*.pyo
*.pyd
.Python
*.so
*.egg
*.egg-info/
dist/
build/
venv/
env/
.venv
ENV/
.git/
.gitignore
.vscode/
.idea/
.DS_Store
*.log
.pytest_cache/
.coverage
htmlcov/
.tox/
.mypy_cache/
.ruff_cache/
README.md
docs/
tests/
`

// envSourcePrefix loads a project .env before anything else runs.
const envSourcePrefix = `if [ -f .env ]; then export $(grep -v "^#" .env | xargs); fi; `

// djangoPreStart runs migrations and collectstatic before the server,
// downgrading their failures to warnings.
const djangoPreStart = `mkdir -p /app/data /app/data/staticfiles /app/data/media && ` +
	`echo 'Running migrations...' && python manage.py migrate --noinput 2>&1 || ` +
	`echo 'Warning: migrations failed, continuing anyway' && ` +
	`echo 'Collecting static files...' && python manage.py collectstatic --noinput 2>&1 || ` +
	`echo 'Warning: collectstatic failed, continuing anyway' && ` +
	`echo 'Starting server...' && `

func pythonRecipe(dir, deploymentID string, cfg models.DeployConfig) (*Recipe, error) {
	port := cfg.Port
	if port == "" {
		port = "5000"
	}
	entryFile := cfg.EntryFile
	if entryFile == "" {
		entryFile = "app.py"
	}

	files := map[string]string{".dockerignore": pythonIgnore}

	hasRequirements := fileExists(filepath.Join(dir, "requirements.txt"))
	hasPipfile := fileExists(filepath.Join(dir, "Pipfile"))
	if !hasRequirements && !hasPipfile {
		// Nothing to install from: assume a minimal Flask app.
		files["requirements.txt"] = "Flask==3.0.0\ngunicorn==21.2.0\n"
		hasRequirements = true
	}

	requirements := strings.ToLower(readFileOr(filepath.Join(dir, "requirements.txt"), files["requirements.txt"]))
	if !hasRequirements && hasPipfile {
		requirements = strings.ToLower(readFileOr(filepath.Join(dir, "Pipfile"), ""))
	}

	django := detectDjango(dir, requirements)
	if django.isDjango && django.projectName != "" {
		files[filepath.Join(django.projectName, "settings_local.py")] = djangoSettingsLocal(django.projectName)
	}

	cmd := pythonCommand(dir, cfg, port, entryFile, requirements, django)

	env := map[string]string{
		"PORT":             port,
		"PYTHONUNBUFFERED": "1",
		"FLASK_APP":        entryFile,
		"FLASK_RUN_HOST":   "0.0.0.0",
		"FLASK_RUN_PORT":   port,
	}
	if django.isDjango {
		if django.projectName != "" {
			env["DJANGO_SETTINGS_MODULE"] = django.projectName + ".settings_local"
		}
		if cfg.PersistentStorage {
			// User env merged later overrides this default.
			env["DATABASE_URL"] = "sqlite:////" + strings.TrimPrefix(VolumeMount, "/") + "/db.sqlite3"
		}
	}

	wait := 30 * time.Second
	if django.isDjango {
		// Migrations take a while on first boot.
		wait = 40 * time.Second
	}

	return &Recipe{
		Dockerfile:    pythonDockerfile(cfg, port, entryFile, cmd, django),
		Files:         files,
		ContainerName: "web-" + deploymentID,
		ContainerPort: port,
		Env:           env,
		Labels:        baseLabels(deploymentID, "web-service", models.RuntimePython),
		Volumes:       volumeMounts(deploymentID, cfg),
		RestartPolicy: restartPolicy(cfg),
		StartupWait:   wait,
	}, nil
}

type djangoInfo struct {
	isDjango    bool
	projectName string
	procfileCmd string
}

var settingsModuleRe = regexp.MustCompile(`["']DJANGO_SETTINGS_MODULE["']\s*,\s*["']([^"']+)["']`)

// detectDjango finds manage.py anywhere in the tree and resolves the
// project package from DJANGO_SETTINGS_MODULE, falling back to the
// first directory holding a settings.py.
func detectDjango(dir, requirements string) djangoInfo {
	var info djangoInfo

	var managePath string
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && d.Name() == "manage.py" {
			managePath = path
			return filepath.SkipAll
		}
		return nil
	})

	info.isDjango = strings.Contains(requirements, "django") || managePath != ""
	if !info.isDjango {
		return info
	}

	if managePath != "" {
		content, _ := os.ReadFile(managePath)
		if match := settingsModuleRe.FindSubmatch(content); match != nil {
			info.projectName = strings.SplitN(string(match[1]), ".", 2)[0]
		}
	}
	if info.projectName == "" {
		filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if !d.IsDir() && d.Name() == "settings.py" && filepath.Dir(path) != dir {
				info.projectName = filepath.Base(filepath.Dir(path))
				return filepath.SkipAll
			}
			return nil
		})
	}

	// A Procfile web: line overrides the default start command.
	if content := readFileOr(filepath.Join(dir, "Procfile"), ""); content != "" {
		for _, line := range strings.Split(content, "\n") {
			line = strings.TrimSpace(line)
			if after, ok := strings.CutPrefix(line, "web:"); ok {
				info.procfileCmd = strings.TrimSpace(after)
				break
			}
		}
	}

	return info
}

// pythonCommand selects the container CMD as an exec-form JSON array.
func pythonCommand(dir string, cfg models.DeployConfig, port, entryFile, requirements string, django djangoInfo) string {
	hasGunicorn := strings.Contains(requirements, "gunicorn")

	if custom := strings.TrimSpace(cfg.StartCommand); custom != "" {
		if django.isDjango {
			return shellCommandJSON(envSourcePrefix + djangoPreStart + custom)
		}
		return commandJSON(custom)
	}

	if django.isDjango {
		var start string
		switch {
		case django.projectName != "" && hasGunicorn:
			start = fmt.Sprintf(
				"gunicorn %s.wsgi:application --bind 0.0.0.0:%s --workers 3 --timeout 120 --access-logfile - --error-logfile -",
				django.projectName, port)
		case django.procfileCmd != "":
			start = django.procfileCmd
		default:
			start = "python manage.py runserver 0.0.0.0:" + port
		}
		return shellCommandJSON(envSourcePrefix + djangoPreStart + start)
	}

	switch {
	case strings.Contains(requirements, "fastapi") || strings.Contains(requirements, "uvicorn"):
		return fmt.Sprintf(`["uvicorn", "main:app", "--host", "0.0.0.0", "--port", "%s"]`, port)
	case hasGunicorn:
		app := strings.TrimSuffix(entryFile, ".py")
		return fmt.Sprintf(`["gunicorn", "--bind", "0.0.0.0:%s", "%s:app"]`, port, app)
	default:
		return fmt.Sprintf(`["python", "-m", "flask", "run", "--host=0.0.0.0", "--port=%s"]`, port)
	}
}

func pythonDockerfile(cfg models.DeployConfig, port, entryFile, cmd string, django djangoInfo) string {
	buildCommand := strings.TrimSpace(cfg.BuildCommand)

	installDeps := `
COPY requirements.txt* Pipfile* ./
RUN if [ -f requirements.txt ]; then \
    pip install --no-cache-dir --upgrade pip && pip install --no-cache-dir -r requirements.txt; \
elif [ -f Pipfile ]; then \
    pip install --no-cache-dir --upgrade pip pipenv && pipenv install --deploy --system; \
fi
`
	if buildCommand != "" && strings.Contains(strings.ToLower(buildCommand), "pip install") {
		// The user's build command owns dependency installation.
		installDeps = `
COPY requirements.txt* Pipfile* ./
`
	}

	customBuild := ""
	if buildCommand != "" {
		customBuild = "\n" + buildSteps(buildCommand) + "\n"
	}

	djangoEnv := ""
	makeDataDirs := ""
	if django.isDjango && django.projectName != "" {
		djangoEnv = "\nENV DJANGO_SETTINGS_MODULE=" + django.projectName + ".settings_local"
		makeDataDirs = "\nRUN mkdir -p /app/data/staticfiles /app/data/media || true"
	}

	return fmt.Sprintf(`FROM python:3.11-slim
WORKDIR /app

RUN apt-get update && apt-get install -y --no-install-recommends \
    git \
    gcc \
    python3-dev \
    libpq-dev \
    pkg-config \
  && rm -rf /var/lib/apt/lists/*
%s
COPY . .
%s%s
EXPOSE %s

ENV FLASK_APP=%s
ENV FLASK_RUN_HOST=0.0.0.0
ENV FLASK_RUN_PORT=%s
ENV PYTHONUNBUFFERED=1
ENV PORT=%s%s

HEALTHCHECK --interval=30s --timeout=10s --start-period=40s --retries=3 CMD python -c "import socket; s=socket.socket(); s.connect(('localhost', %s)); s.close()" || exit 1

CMD %s
`, installDeps, customBuild, makeDataDirs, port, entryFile, port, port, djangoEnv, port, cmd)
}

// djangoSettingsLocal renders the settings override placed next to the
// project package: it imports the real settings, then forces container
// friendly values for hosts, database, static files and the secret key.
func djangoSettingsLocal(projectName string) string {
	return strings.ReplaceAll(`import os

# Default the database to SQLite in persistent storage before the real
# settings import, so URL parsing there cannot fail.
if not os.environ.get('DATABASE_URL', '').strip():
    os.environ['DATABASE_URL'] = 'sqlite:////app/data/db.sqlite3'

from @PROJECT@.settings import *

DEBUG = os.environ.get('DEBUG', 'True').lower() in ('true', '1', 'yes')
ALLOWED_HOSTS = os.environ.get('ALLOWED_HOSTS', '*').split(',') if os.environ.get('ALLOWED_HOSTS') else ['*']

database_url = os.environ.get('DATABASE_URL', '').strip()
if database_url.startswith('sqlite'):
    if database_url.startswith('sqlite:////'):
        db_path = database_url.replace('sqlite:////', '/')
    elif database_url.startswith('sqlite:///'):
        db_path = database_url.replace('sqlite:///', '')
    else:
        db_path = database_url.replace('sqlite://', '')
    db_dir = os.path.dirname(db_path)
    if db_dir and not os.path.exists(db_dir):
        os.makedirs(db_dir, exist_ok=True)
    DATABASES = {
        'default': {
            'ENGINE': 'django.db.backends.sqlite3',
            'NAME': db_path,
        }
    }
elif database_url:
    try:
        import dj_database_url
        DATABASES = {
            'default': dj_database_url.parse(database_url, conn_max_age=600, ssl_require=False)
        }
    except Exception:
        db_path = '/app/data/db.sqlite3'
        os.makedirs(os.path.dirname(db_path), exist_ok=True)
        DATABASES = {
            'default': {
                'ENGINE': 'django.db.backends.sqlite3',
                'NAME': db_path,
            }
        }

STATIC_ROOT = '/app/data/staticfiles'
MEDIA_ROOT = '/app/data/media'

try:
    import whitenoise
    if 'whitenoise.middleware.WhiteNoiseMiddleware' not in MIDDLEWARE:
        try:
            security_index = MIDDLEWARE.index('django.middleware.security.SecurityMiddleware')
            MIDDLEWARE.insert(security_index + 1, 'whitenoise.middleware.WhiteNoiseMiddleware')
        except ValueError:
            MIDDLEWARE.insert(0, 'whitenoise.middleware.WhiteNoiseMiddleware')
    STATICFILES_STORAGE = 'whitenoise.storage.CompressedManifestStaticFilesStorage'
except ImportError:
    pass

if 'SECRET_KEY' in os.environ:
    SECRET_KEY = os.environ['SECRET_KEY']
elif not globals().get('SECRET_KEY'):
    import secrets
    SECRET_KEY = secrets.token_urlsafe(50)

if not globals().get('WSGI_APPLICATION'):
    WSGI_APPLICATION = '@PROJECT@.wsgi.application'
`, "@PROJECT@", projectName)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// readFileOr reads a file, returning the fallback when it is missing.
func readFileOr(path, fallback string) string {
	content, err := os.ReadFile(path)
	if err != nil {
		return fallback
	}
	return string(content)
}
