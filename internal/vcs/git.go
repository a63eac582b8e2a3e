// Package vcs shells out to git for the version-control operations the
// plan engine needs: capture refs, stage, commit, and restore files to a
// previous ref during rollback.
package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"autoforge/internal/logging"
)

// Git runs git commands inside one repository.
type Git struct {
	repoDir string
}

// NewGit binds the adapter to a repository directory.
func NewGit(repoDir string) *Git {
	return &Git{repoDir: repoDir}
}

// run executes one git command and returns trimmed stdout.
func (g *Git) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	logging.VCSDebug("git %s", strings.Join(args, " "))
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s failed: %w (%s)", args[0], err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CurrentRef returns the commit hash of HEAD.
func (g *Git) CurrentRef(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "HEAD")
}

// CurrentBranch returns the current branch name.
func (g *Git) CurrentBranch(ctx context.Context) (string, error) {
	return g.run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
}

// Branch switches to the named branch, creating it from HEAD when it
// does not exist yet.
func (g *Git) Branch(ctx context.Context, name string) error {
	if _, err := g.run(ctx, "rev-parse", "--verify", "refs/heads/"+name); err != nil {
		_, err = g.run(ctx, "checkout", "-q", "-b", name)
		return err
	}
	_, err := g.run(ctx, "checkout", "-q", name)
	return err
}

// Status returns porcelain status output. Empty means clean.
func (g *Git) Status(ctx context.Context) (string, error) {
	return g.run(ctx, "status", "--porcelain")
}

// Diff returns the diff between two refs, optionally restricted to
// paths. Empty refs fall back to git's defaults, so Diff(ctx, "", "")
// is the working-tree diff.
func (g *Git) Diff(ctx context.Context, refA, refB string, paths ...string) (string, error) {
	args := []string{"diff"}
	if refA != "" {
		args = append(args, refA)
	}
	if refB != "" {
		args = append(args, refB)
	}
	if len(paths) > 0 {
		args = append(args, "--")
		args = append(args, paths...)
	}
	return g.run(ctx, args...)
}

// FileLastRef returns the last commit that touched a path, or "" when the
// path has no history yet (a brand new file).
func (g *Git) FileLastRef(ctx context.Context, path string) (string, error) {
	out, err := g.run(ctx, "log", "-n", "1", "--format=%H", "--", path)
	if err != nil {
		return "", err
	}
	return out, nil
}

// Stage adds the given paths to the index.
func (g *Git) Stage(ctx context.Context, paths ...string) error {
	args := append([]string{"add", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Unstage drops index entries for the given paths without touching the
// working tree. Paths absent from the index are tolerated so rollback
// stays idempotent.
func (g *Git) Unstage(ctx context.Context, paths ...string) error {
	args := append([]string{"rm", "-q", "--cached", "--ignore-unmatch", "--"}, paths...)
	_, err := g.run(ctx, args...)
	return err
}

// Commit records the staged changes and returns the new commit hash.
func (g *Git) Commit(ctx context.Context, message string) (string, error) {
	if _, err := g.run(ctx, "commit", "-m", message); err != nil {
		return "", err
	}
	return g.CurrentRef(ctx)
}

// CheckoutFile restores one path to its content at ref.
func (g *Git) CheckoutFile(ctx context.Context, ref, path string) error {
	_, err := g.run(ctx, "checkout", ref, "--", path)
	return err
}

// WriteFile writes content to a path under the repository, creating
// parent directories as needed.
func (g *Git) WriteFile(path string, content []byte) error {
	full := filepath.Join(g.repoDir, path)
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a path under the repository.
func (g *Git) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(g.repoDir, path))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// DeleteFile removes a path from the working tree. Missing files are
// tolerated so rollback stays idempotent.
func (g *Git) DeleteFile(path string) error {
	err := os.Remove(filepath.Join(g.repoDir, path))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a path exists in the working tree.
func (g *Git) Exists(path string) bool {
	_, err := os.Stat(filepath.Join(g.repoDir, path))
	return err == nil
}

// ExistsPrefix reports whether any working-tree path starts with the
// given prefix. Used to pick the next free migration sequence number.
func (g *Git) ExistsPrefix(prefix string) bool {
	matches, err := filepath.Glob(filepath.Join(g.repoDir, prefix+"*"))
	return err == nil && len(matches) > 0
}
