// Package git shells out to the git binary for the worktree and commit
// operations Gobby needs. Every call takes a context deadline from the
// caller.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes git commands in a repository.
type Runner struct {
	// Bin overrides the git binary path, defaulting to "git" on PATH.
	Bin string
}

func (r *Runner) bin() string {
	if r.Bin != "" {
		return r.Bin
	}
	return "git"
}

func (r *Runner) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, r.bin(), args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("git %s: %s", args[0], msg)
	}
	return strings.TrimSpace(stdout.String()), nil
}

// DefaultBranch detects the repository's default branch, falling back to
// "main" when detection fails.
func (r *Runner) DefaultBranch(ctx context.Context, repo string) string {
	if out, err := r.run(ctx, repo, "symbolic-ref", "refs/remotes/origin/HEAD", "--short"); err == nil {
		if i := strings.LastIndex(out, "/"); i >= 0 {
			return out[i+1:]
		}
		return out
	}
	// No remote HEAD; use the current branch if there is one.
	if out, err := r.run(ctx, repo, "branch", "--show-current"); err == nil && out != "" {
		return out
	}
	return "main"
}

// NormalizeSHA resolves ref to a short commit SHA in repo. Unresolvable refs
// fail rather than being stored raw.
func (r *Runner) NormalizeSHA(ctx context.Context, repo, ref string) (string, error) {
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("empty commit reference")
	}
	out, err := r.run(ctx, repo, "rev-parse", "--short", ref+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolve commit %q: %w", ref, err)
	}
	return out, nil
}

// AddWorktree creates a new worktree at path with a new branch off base.
func (r *Runner) AddWorktree(ctx context.Context, repo, path, branch, base string) error {
	if _, err := r.run(ctx, repo, "worktree", "add", "-b", branch, path, base); err != nil {
		return err
	}
	return nil
}

// RemoveWorktree force-removes the worktree and optionally its branch.
func (r *Runner) RemoveWorktree(ctx context.Context, repo, path, branch string, deleteBranch bool) error {
	if _, err := r.run(ctx, repo, "worktree", "remove", "--force", path); err != nil {
		return err
	}
	if deleteBranch && branch != "" {
		if _, err := r.run(ctx, repo, "branch", "-D", branch); err != nil {
			return err
		}
	}
	return nil
}

// Status returns porcelain status output for handoff enrichment.
func (r *Runner) Status(ctx context.Context, repo string) (string, error) {
	return r.run(ctx, repo, "status", "--porcelain")
}

// RecentCommits returns the latest n one-line commit subjects.
func (r *Runner) RecentCommits(ctx context.Context, repo string, n int) ([]string, error) {
	if n <= 0 {
		n = 5
	}
	out, err := r.run(ctx, repo, "log", fmt.Sprintf("-%d", n), "--oneline")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// SafeBranchName derives the worktree branch for a task id, flattening path
// separators so the name is filesystem-safe.
func SafeBranchName(taskRef string) string {
	return strings.ReplaceAll("task/"+taskRef, "/", "-")
}
