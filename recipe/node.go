package recipe

// node.go synthesizes the nodejs service recipes: a production image and
// a dev-mode variant that installs dev dependencies and runs `npm run
// dev`.

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/portside-dev/portside/models"
)

const nodeIgnore = `node_modules/
npm-debug.log
yarn-error.log
.git/
.gitignore
.vscode/
.idea/
.DS_Store
*.log
.env
.env.local
.next/
.nuxt/
dist/
build/
coverage/
README.md
docs/
`

func nodeRecipe(dir, deploymentID string, cfg models.DeployConfig) (*Recipe, error) {
	port := cfg.Port
	if port == "" {
		port = "3000"
	}
	entryFile := cfg.EntryFile
	if entryFile == "" {
		entryFile = "index.js"
	}

	var cmd string
	if start := cfg.StartCommand; start != "" {
		cmd = commandJSON(start)
	} else {
		// Source .env, then walk the start fallback chain: npm start,
		// yarn start, conventional entry files, configured entry last.
		fallback := `if [ -f package.json ] && (npm run | grep -q ' start'); then npm start; ` +
			`elif command -v yarn >/dev/null 2>&1 && [ -f package.json ] && (yarn run | grep -q ' start'); then yarn start; ` +
			`elif [ -f server.js ]; then node server.js; ` +
			`elif [ -f app.js ]; then node app.js; ` +
			`elif [ -f index.js ]; then node index.js; ` +
			`else node ` + entryFile + `; fi`
		cmd = shellCommandJSON(envSourcePrefix + fallback)
	}

	install := `
RUN if [ -f yarn.lock ]; then \
  (command -v yarn >/dev/null 2>&1 || npm i -g yarn) && yarn install --prod || yarn install; \
elif [ -f package.json ]; then \
  npm install --production --loglevel=error --ignore-scripts || \
  npm install --loglevel=error --ignore-scripts; \
fi
`
	if buildCommand := cfg.BuildCommand; buildCommand != "" {
		install = "\n" + buildSteps(rewriteNPMInstall(buildCommand)) + "\n"
	}

	dockerfile := fmt.Sprintf(`FROM node:%s-alpine
WORKDIR /app

COPY . .
%s
EXPOSE %s

ENV PORT=%s
ENV NODE_ENV=production

HEALTHCHECK --interval=30s --timeout=10s --start-period=30s --retries=3 \
  CMD node -e "require('http').get('http://localhost:%s%s', (r) => {r.statusCode === 200 ? process.exit(0) : process.exit(1)})" || exit 1

CMD %s
`, engineNodeVersion(dir, "18"), install, port, port, port, healthPath(cfg), cmd)

	return &Recipe{
		Dockerfile:    dockerfile,
		Files:         map[string]string{".dockerignore": nodeIgnore},
		ContainerName: "web-" + deploymentID,
		ContainerPort: port,
		Env: map[string]string{
			"PORT":     port,
			"NODE_ENV": "production",
		},
		Labels:        baseLabels(deploymentID, "web-service", models.RuntimeNodeJS),
		Volumes:       volumeMounts(deploymentID, cfg),
		RestartPolicy: restartPolicy(cfg),
		StartupWait:   15 * time.Second,
	}, nil
}

func nodeDevRecipe(dir, deploymentID string, cfg models.DeployConfig) (*Recipe, error) {
	port := cfg.Port
	if port == "" {
		port = "3000"
	}

	raw, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("dev mode requires package.json: %w", err)
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(raw, &pkg); err != nil {
		return nil, fmt.Errorf("parse package.json: %w", err)
	}
	if pkg.Scripts["dev"] == "" {
		return nil, fmt.Errorf("no 'dev' script found in package.json")
	}

	dockerfile := fmt.Sprintf(`FROM node:%s
WORKDIR /app

COPY package*.json ./

# Dev mode needs devDependencies
RUN npm install --loglevel=error || npm install --legacy-peer-deps --loglevel=error

COPY . .

EXPOSE %s

ENV PORT=%s
ENV NODE_ENV=development

CMD ["npm", "run", "dev"]
`, engineNodeVersion(dir, "20"), port, port)

	return &Recipe{
		Dockerfile:    dockerfile,
		Files:         map[string]string{".dockerignore": nodeIgnore},
		ContainerName: "dev-" + deploymentID,
		ContainerPort: port,
		Env: map[string]string{
			"PORT":     port,
			"NODE_ENV": "development",
		},
		Labels:        baseLabels(deploymentID, "web-service-dev", models.RuntimeNodeJS),
		Volumes:       volumeMounts(deploymentID, cfg),
		RestartPolicy: restartPolicy(cfg),
		StartupWait:   15 * time.Second,
	}, nil
}
