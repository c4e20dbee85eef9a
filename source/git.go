// Package source materializes project sources on disk: shallow git
// clones for repository deployments and zip extraction for uploads.
package source

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// CloneOptions configures one repository clone.
type CloneOptions struct {
	RepoURL string
	Branch  string // empty means "main", with a "master" fallback
	Token   string // optional GitHub token for private repositories
}

// Clone shallow-clones a repository into destinationDir, which must not
// already exist. Git's progress output (it goes to stderr) is streamed
// to logWriter so clone activity shows up in the deployment log.
//
// Shelling out to the system git binary is deliberate: it is faster
// than a pure-Go implementation, handles every protocol edge case, and
// costs one `apk add git` in the platform image.
func Clone(ctx context.Context, opts CloneOptions, destinationDir string, logWriter io.Writer) error {
	branch := opts.Branch
	if branch == "" {
		branch = "main"
	}

	cloneURL, err := authenticatedURL(opts.RepoURL, opts.Token)
	if err != nil {
		return err
	}

	if err := runClone(ctx, cloneURL, branch, destinationDir, logWriter); err != nil {
		// Older repositories still default to master; retry once before
		// reporting the user's branch as missing.
		if opts.Branch == "" && branch == "main" {
			os.RemoveAll(destinationDir)
			if retryErr := runClone(ctx, cloneURL, "master", destinationDir, logWriter); retryErr == nil {
				return nil
			}
		}
		return fmt.Errorf("git clone failed for %q (branch %q): %w", opts.RepoURL, branch, err)
	}
	return nil
}

func runClone(ctx context.Context, cloneURL, branch, destinationDir string, logWriter io.Writer) error {
	cmd := exec.CommandContext(ctx,
		"git", "clone",
		"--depth", "1",
		"--single-branch",
		"--branch", branch,
		cloneURL,
		destinationDir,
	)
	cmd.Stdout = logWriter
	cmd.Stderr = logWriter
	// Never let git block on a credential prompt inside the worker.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.Run()
}

// authenticatedURL injects the token as basic-auth userinfo for private
// repositories. Only https URLs are accepted; anything else (ssh, file,
// a bare path) is rejected before it reaches git.
func authenticatedURL(repoURL, token string) (string, error) {
	parsed, err := url.Parse(repoURL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return "", fmt.Errorf("unsupported repository url %q: only https is accepted", repoURL)
	}
	if token == "" {
		return repoURL, nil
	}

	parsed.User = url.UserPassword("x-access-token", token)
	return parsed.String(), nil
}

// RepoName extracts the final path segment of a repository URL without
// its .git suffix, used as the default project name.
func RepoName(repoURL string) string {
	trimmed := strings.TrimSuffix(strings.TrimRight(repoURL, "/"), ".git")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	return trimmed
}
