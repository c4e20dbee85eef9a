package detect

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portside-dev/portside/models"
)

// projectDir creates a throwaway project tree from a map of relative
// path to file contents.
func projectDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return dir
}

func TestDetectViteProject(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{
			"scripts": {"build": "vite build", "dev": "vite"},
			"devDependencies": {"vite": "^5.0.0"},
			"dependencies": {"react": "^18.2.0"}
		}`,
		"vite.config.js": "export default {}",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeStatic, result.Type)
	assert.Equal(t, models.RuntimeNodeJS, result.Runtime)
	assert.Equal(t, "react-vite", result.Framework)
	assert.Equal(t, "npm install && npm run build", result.Config.BuildCommand)
	assert.Equal(t, "dist", result.Config.PublishDir)
}

func TestDetectNextBeatsVite(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{
			"scripts": {"build": "next build"},
			"dependencies": {"next": "^14.0.0", "vite": "^5.0.0"}
		}`,
	})

	result := Project(dir)
	assert.Equal(t, "nextjs", result.Framework)
	assert.Equal(t, "out", result.Config.PublishDir)
}

func TestDetectExpressService(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{
			"scripts": {"start": "node server.js"},
			"dependencies": {"express": "^4.18.0"}
		}`,
		"server.js": "const express = require('express')",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeService, result.Type)
	assert.Equal(t, models.RuntimeNodeJS, result.Runtime)
	assert.Equal(t, "express", result.Framework)
	assert.Equal(t, "npm start", result.Config.StartCommand, "start script wins over node index.js")
	assert.Equal(t, "3000", result.Config.Port)
}

func TestDetectNodeWithoutStartScript(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{"dependencies": {"express": "^4.18.0"}}`,
		"index.js":     "require('express')",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeService, result.Type)
	assert.Equal(t, "node index.js", result.Config.StartCommand)
}

func TestDetectDjango(t *testing.T) {
	t.Run("with gunicorn and wsgi.py", func(t *testing.T) {
		dir := projectDir(t, map[string]string{
			"requirements.txt":  "Django==4.2\ngunicorn==21.2\n",
			"manage.py":         `os.environ.setdefault("DJANGO_SETTINGS_MODULE", "mysite.settings")`,
			"mysite/wsgi.py":    "application = get_wsgi_application()",
			"mysite/settings.py": "DEBUG = True",
		})

		result := Project(dir)
		assert.Equal(t, models.TypeService, result.Type)
		assert.Equal(t, models.RuntimePython, result.Runtime)
		assert.Equal(t, "django", result.Framework)
		assert.Equal(t, "8000", result.Config.Port)
		assert.Equal(t, "manage.py", result.Config.EntryFile)
		assert.Equal(t, "gunicorn mysite.wsgi:application --bind 0.0.0.0:8000", result.Config.StartCommand)
	})

	t.Run("without gunicorn falls back to runserver", func(t *testing.T) {
		dir := projectDir(t, map[string]string{
			"requirements.txt": "Django==4.2\n",
			"manage.py":        "#!/usr/bin/env python",
		})

		result := Project(dir)
		assert.Equal(t, "django", result.Framework)
		assert.Equal(t, "python manage.py runserver 0.0.0.0:8000", result.Config.StartCommand)
	})
}

func TestDjangoProjectName(t *testing.T) {
	t.Run("from wsgi.py location", func(t *testing.T) {
		dir := projectDir(t, map[string]string{
			"manage.py":      "#!/usr/bin/env python",
			"blogsite/wsgi.py": "application = get_wsgi_application()",
		})
		assert.Equal(t, "blogsite", DjangoProjectName(dir))
	})

	t.Run("from manage.py settings module", func(t *testing.T) {
		dir := projectDir(t, map[string]string{
			"manage.py": `os.environ.setdefault("DJANGO_SETTINGS_MODULE", "shop.settings")`,
		})
		assert.Equal(t, "shop", DjangoProjectName(dir))
	})

	t.Run("unresolvable", func(t *testing.T) {
		dir := projectDir(t, map[string]string{"manage.py": "pass"})
		assert.Equal(t, "", DjangoProjectName(dir))
	})
}

func TestDetectFlask(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"requirements.txt": "Flask==3.0\n",
		"app.py":           "from flask import Flask",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeService, result.Type)
	assert.Equal(t, "flask", result.Framework)
	assert.Equal(t, "5000", result.Config.Port)
	assert.Equal(t, "python app.py", result.Config.StartCommand)

	t.Run("gunicorn switches the start command", func(t *testing.T) {
		dir := projectDir(t, map[string]string{
			"requirements.txt": "flask==3.0\ngunicorn==21.2\n",
			"app.py":           "from flask import Flask",
		})
		result := Project(dir)
		assert.Equal(t, "gunicorn app:app --bind 0.0.0.0:5000", result.Config.StartCommand)
	})
}

func TestDetectFastAPIFromRequirements(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"requirements.txt": "fastapi==0.110\nuvicorn==0.29\n",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeService, result.Type)
	assert.Equal(t, models.RuntimePython, result.Runtime)
	assert.Equal(t, "fastapi", result.Framework)
}

func TestDetectJava(t *testing.T) {
	t.Run("maven", func(t *testing.T) {
		dir := projectDir(t, map[string]string{"pom.xml": "<project/>"})
		result := Project(dir)
		assert.Equal(t, models.TypeService, result.Type)
		assert.Equal(t, models.RuntimeJava, result.Runtime)
		assert.Equal(t, "maven", result.BuildTool)
		assert.Equal(t, "8080", result.Config.Port)
	})

	t.Run("gradle", func(t *testing.T) {
		dir := projectDir(t, map[string]string{"build.gradle": "plugins {}"})
		result := Project(dir)
		assert.Equal(t, "gradle", result.BuildTool)
		assert.Equal(t, "gradle", result.Framework)
	})
}

func TestDetectPlainHTMLFallback(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"index.html": "<!doctype html><title>hi</title>",
	})

	result := Project(dir)
	assert.Equal(t, models.TypeStatic, result.Type)
	assert.Equal(t, models.RuntimeStatic, result.Runtime)
	assert.Equal(t, "html", result.Framework)
	assert.Equal(t, ".", result.Config.PublishDir)
}

func TestDetectEmptyDirFallsBackToStatic(t *testing.T) {
	result := Project(t.TempDir())
	assert.Equal(t, models.TypeStatic, result.Type)
	assert.Equal(t, models.RuntimeStatic, result.Runtime)
}

func TestDetectIsDeterministic(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{"scripts": {"build": "vite build"}, "dependencies": {"vite": "^5.0.0"}}`,
	})

	first := Project(dir)
	second := Project(dir)
	assert.Equal(t, first, second)
}

func TestNodeEngineConstraint(t *testing.T) {
	dir := projectDir(t, map[string]string{
		"package.json": `{"engines": {"node": ">=20"}}`,
	})
	assert.Equal(t, ">=20", NodeEngineConstraint(dir))

	t.Run("absent", func(t *testing.T) {
		assert.Equal(t, "", NodeEngineConstraint(t.TempDir()))
	})
}

func TestHasGunicorn(t *testing.T) {
	dir := projectDir(t, map[string]string{"requirements.txt": "Gunicorn==21.2\n"})
	assert.True(t, HasGunicorn(dir))
	assert.False(t, HasGunicorn(t.TempDir()))
}
