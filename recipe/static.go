package recipe

// static.go synthesizes the two-stage static site recipe: a node build
// stage followed by an nginx runtime stage, with an HTML rescue step in
// between so a build that emits HTML under a non-default name still
// serves as index.html.

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/portside-dev/portside/models"
)

const staticIgnore = `node_modules/
npm-debug.log
yarn-error.log
package-lock.json
yarn.lock
.git/
.gitignore
.vscode/
.idea/
*.swp
.DS_Store
Thumbs.db
.env
.env.local
.env.*.local
*.log
.cache/
.next/
.nuxt/
.output/
dist-ssr/
README.md
docs/
coverage/
.nyc_output/
`

// nginxConf is baked into every static image: SPA fallback via
// try_files, gzip, long-cache headers for assets.
const nginxConf = `server {
    listen 80;
    listen [::]:80;

    root /usr/share/nginx/html;
    index index.html index.htm;

    include /etc/nginx/mime.types;
    default_type application/octet-stream;

    gzip on;
    gzip_vary on;
    gzip_min_length 1024;
    gzip_types text/plain text/css text/xml text/javascript application/javascript application/json application/xml+rss font/truetype font/opentype image/svg+xml;

    location / {
        try_files $uri $uri/ /index.html;
        add_header X-Frame-Options "SAMEORIGIN" always;
        add_header X-Content-Type-Options "nosniff" always;
        add_header Access-Control-Allow-Origin "*" always;
    }

    location ~* \.css$ {
        add_header Content-Type "text/css" always;
        add_header Cache-Control "public, max-age=31536000" always;
    }

    location ~* \.(js|mjs|jsx)$ {
        add_header Content-Type "application/javascript" always;
        add_header Cache-Control "public, max-age=31536000" always;
    }

    location ~* \.(jpg|jpeg|png|gif|ico|svg|webp)$ {
        add_header Cache-Control "public, max-age=31536000" always;
    }

    error_page 404 /index.html;
}`

func staticRecipe(dir, deploymentID string, cfg models.DeployConfig) (*Recipe, error) {
	buildCommand := cfg.BuildCommand
	if buildCommand == "" {
		buildCommand = "npm install && npm run build"
	}
	publishDir := cfg.PublishDir
	if publishDir == "" {
		publishDir = "dist"
	}

	_, err := os.Stat(filepath.Join(dir, "package.json"))
	hasPackageJSON := err == nil

	var dockerfile string
	if hasPackageJSON {
		buildCommand = rewriteNPMInstall(buildCommand)
		node := engineNodeVersion(dir, "22")
		dockerfile = builtStaticDockerfile(node, buildCommand, publishDir, healthPath(cfg))
	} else {
		// No toolchain: serve the tree as-is.
		dockerfile = plainStaticDockerfile(healthPath(cfg))
	}

	return &Recipe{
		Dockerfile: dockerfile,
		Files: map[string]string{
			".dockerignore": staticIgnore,
			"default.conf":  nginxConf,
		},
		ContainerName: "deploy-" + deploymentID,
		ContainerPort: "80",
		Labels:        baseLabels(deploymentID, "static", ""),
		Volumes:       volumeMounts(deploymentID, cfg),
		RestartPolicy: restartPolicy(cfg),
		StartupWait:   15 * time.Second,
		PollReady:     true,
	}, nil
}

// htmlRescue emits the build step that promotes any top-two-level HTML
// file to index.html when the build did not produce one, failing the
// build when no HTML exists at all.
func htmlRescue(root string) string {
	return fmt.Sprintf(`RUN if [ ! -f %[1]s/index.html ]; then \
  echo "index.html not found in %[1]s/, searching for alternative HTML files..." && \
  HTML_FILE=$(find %[1]s -maxdepth 2 -type f -name "*.html" | head -n 1) && \
  if [ -n "$HTML_FILE" ]; then \
    echo "Found $(basename "$HTML_FILE"), copying to index.html" && \
    cp "$HTML_FILE" %[1]s/index.html; \
  else \
    echo "ERROR: No HTML files found in %[1]s/" && \
    ls -la %[1]s/ && \
    exit 1; \
  fi; \
else \
  echo "index.html found in %[1]s/"; \
fi`, root)
}

func builtStaticDockerfile(nodeVersion, buildCommand, publishDir, probePath string) string {
	return fmt.Sprintf(`# Build stage
FROM node:%s-alpine as builder
WORKDIR /app

# Install dependencies first for layer caching
COPY package*.json ./
RUN npm install --legacy-peer-deps --loglevel=error || npm install --force --loglevel=error || npm install --loglevel=error

COPY . .

RUN %s

%s

# Runtime stage
FROM nginx:alpine

COPY --from=builder /app/%s /usr/share/nginx/html/
COPY --from=builder /app/default.conf /etc/nginx/conf.d/default.conf

EXPOSE 80

HEALTHCHECK --interval=30s --timeout=3s --start-period=5s --retries=3 \
  CMD wget --quiet --tries=1 --spider http://localhost:80%s || exit 1

CMD ["nginx", "-g", "daemon off;"]
`, nodeVersion, buildCommand, htmlRescue(publishDir), publishDir, probePath)
}

func plainStaticDockerfile(probePath string) string {
	return fmt.Sprintf(`FROM nginx:alpine
WORKDIR /usr/share/nginx/html

COPY . .
COPY default.conf /etc/nginx/conf.d/default.conf

%s

EXPOSE 80

HEALTHCHECK --interval=30s --timeout=3s --start-period=5s --retries=3 \
  CMD wget --quiet --tries=1 --spider http://localhost:80%s || exit 1

CMD ["nginx", "-g", "daemon off;"]
`, htmlRescue("/usr/share/nginx/html"), probePath)
}
