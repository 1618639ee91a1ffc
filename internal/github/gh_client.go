package github

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
)

// GHClient shells out to the gh CLI to open or update pull requests on
// behalf of the worktree manager's `pull-request` merge policy (spec
// §4.8).
type GHClient struct{}

// NewGHClient creates a new gh CLI-based client.
func NewGHClient() *GHClient {
	return &GHClient{}
}

// GHAvailable checks if the gh CLI is installed and accessible.
func GHAvailable() bool {
	_, err := exec.LookPath("gh")
	return err == nil
}

// CreateOrUpdatePullRequest opens a pull request for branch against base
// in the repository checked out at dir, or does nothing if one already
// exists for that branch (spec §4.8's `pull-request` merge policy).
func (c *GHClient) CreateOrUpdatePullRequest(ctx context.Context, dir, branch, base string) error {
	if _, err := c.runIn(ctx, dir, "pr", "view", branch); err == nil {
		return nil
	}
	title := fmt.Sprintf("Sync %s into %s", branch, base)
	_, err := c.runIn(ctx, dir, "pr", "create",
		"--head", branch, "--base", base, "--title", title, "--body", "", "--fill-first")
	if err != nil {
		return fmt.Errorf("gh pr create: %w", err)
	}
	return nil
}

// runIn is run with an explicit working directory, needed because gh
// resolves the target repository from the current checkout.
func (c *GHClient) runIn(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), fmt.Errorf("gh %s: %w: %s", args[0], err, stderr.String())
	}
	return stdout.String(), nil
}

// PullRequestOpener adapts GHClient to the worktree package's
// PullRequestOpener seam (spec §4.8 `pull-request` merge policy).
type PullRequestOpener struct {
	client *GHClient
}

// NewPullRequestOpener wraps client for use as a worktree.PullRequestOpener.
func NewPullRequestOpener(client *GHClient) *PullRequestOpener {
	return &PullRequestOpener{client: client}
}

func (o *PullRequestOpener) OpenOrUpdatePullRequest(ctx context.Context, repositoryPath, branch, baseBranch string) error {
	return o.client.CreateOrUpdatePullRequest(ctx, repositoryPath, branch, baseBranch)
}
