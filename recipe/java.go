package recipe

// java.go synthesizes the java service recipe: a two-stage Maven or
// Gradle build when a build file is present, a single-stage prebuilt-JAR
// image otherwise. The runtime stage is always a JRE-only Alpine image.

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/portside-dev/portside/models"
)

const javaIgnore = `target/
build/
.gradle/
.git/
.gitignore
.vscode/
.idea/
*.iml
.DS_Store
*.log
README.md
docs/
`

func javaRecipe(dir, deploymentID string, cfg models.DeployConfig) (*Recipe, error) {
	port := cfg.Port
	if port == "" {
		port = "8080"
	}
	entryJar := cfg.EntryFile
	if entryJar == "" {
		entryJar = "app.jar"
	}

	// An unconfigured probe path tries the Spring actuator endpoint
	// first; the plain root stays the fallback either way.
	probe := healthPath(cfg)
	if probe == "/" {
		probe = "/actuator/health"
	}

	var dockerfile string
	switch {
	case fileExists(filepath.Join(dir, "pom.xml")):
		dockerfile = javaMavenDockerfile(port, probe)
	case fileExists(filepath.Join(dir, "build.gradle")) || fileExists(filepath.Join(dir, "build.gradle.kts")):
		dockerfile = javaGradleDockerfile(port, probe)
	default:
		dockerfile = javaJarDockerfile(port, entryJar, probe)
	}

	return &Recipe{
		Dockerfile:    dockerfile,
		Files:         map[string]string{".dockerignore": javaIgnore},
		ContainerName: "java-" + deploymentID,
		ContainerPort: port,
		Env: map[string]string{
			"SERVER_PORT": port,
			"JAVA_OPTS":   "-Xmx512m -Xms256m",
		},
		Labels:        baseLabels(deploymentID, "web-service", models.RuntimeJava),
		Volumes:       volumeMounts(deploymentID, cfg),
		RestartPolicy: restartPolicy(cfg),
		// JVM frameworks are the slowest starters on the platform.
		StartupWait: 60 * time.Second,
	}, nil
}

func javaMavenDockerfile(port, probePath string) string {
	return fmt.Sprintf(`# Build stage
FROM maven:3.9-eclipse-temurin-17 AS builder
WORKDIR /app

COPY pom.xml .
RUN mvn dependency:go-offline -B

COPY src ./src
RUN mvn clean package -DskipTests -B

# Runtime stage
FROM eclipse-temurin:17-jre-alpine
WORKDIR /app

COPY --from=builder /app/target/*.jar app.jar

EXPOSE %s

ENV JAVA_OPTS="-Xmx512m -Xms256m"
ENV SERVER_PORT=%s

HEALTHCHECK --interval=30s --timeout=10s --start-period=60s --retries=3 \
  CMD wget --quiet --tries=1 --spider http://localhost:%s%s || \
      wget --quiet --tries=1 --spider http://localhost:%s/ || exit 1

ENTRYPOINT ["sh", "-c", "java $JAVA_OPTS -Dserver.port=$SERVER_PORT -jar app.jar"]
`, port, port, port, probePath, port)
}

func javaGradleDockerfile(port, probePath string) string {
	return fmt.Sprintf(`# Build stage
FROM gradle:8.5-jdk17 AS builder
WORKDIR /app

COPY build.gradle* settings.gradle* gradlew ./
COPY gradle ./gradle

RUN gradle dependencies --no-daemon || true

COPY src ./src
RUN gradle bootJar --no-daemon -x test

# Runtime stage
FROM eclipse-temurin:17-jre-alpine
WORKDIR /app

COPY --from=builder /app/build/libs/*.jar app.jar

EXPOSE %s

ENV JAVA_OPTS="-Xmx512m -Xms256m"
ENV SERVER_PORT=%s

HEALTHCHECK --interval=30s --timeout=10s --start-period=60s --retries=3 \
  CMD wget --quiet --tries=1 --spider http://localhost:%s%s || \
      wget --quiet --tries=1 --spider http://localhost:%s/ || exit 1

ENTRYPOINT ["sh", "-c", "java $JAVA_OPTS -Dserver.port=$SERVER_PORT -jar app.jar"]
`, port, port, port, probePath, port)
}

func javaJarDockerfile(port, entryJar, probePath string) string {
	return fmt.Sprintf(`FROM eclipse-temurin:17-jre-alpine
WORKDIR /app

COPY %s app.jar

EXPOSE %s

ENV JAVA_OPTS="-Xmx512m -Xms256m"
ENV SERVER_PORT=%s

HEALTHCHECK --interval=30s --timeout=10s --start-period=60s --retries=3 \
  CMD wget --quiet --tries=1 --spider http://localhost:%s%s || exit 1

ENTRYPOINT ["sh", "-c", "java $JAVA_OPTS -Dserver.port=$SERVER_PORT -jar app.jar"]
`, entryJar, port, port, port, probePath)
}
