package worktree

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Notifier delivers a worktree-manager notice to a workspace. Implementations
// route to system_notice when the workspace has an active session (the
// notice becomes LLM-visible on next wake) or to host_message otherwise
// (spec §4.8's closing paragraph).
type Notifier interface {
	NotifyWorktree(ctx context.Context, folder, message string) error
}

// SetNotifier wires the notification sink used by MergeWorktreeToMain's
// broadcast side-effect.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// EnsureWorktree implements spec §4.8 ensure_worktree: create the
// workspace's `worktree/<folder>` branch and checkout on first access, or
// fast-forward it from main on subsequent calls.
func (m *Manager) EnsureWorktree(ctx context.Context, folder, repositoryPath, baseBranch string) (*Worktree, error) {
	existing, err := m.GetBySessionID(ctx, folder)
	if err == nil && existing != nil && m.IsValid(existing.Path) {
		if err := m.fastForwardFromMain(ctx, existing, baseBranch); err != nil {
			m.logger.Warn("fast-forward from main failed, worktree left as-is",
				zap.String("folder", folder), zap.Error(err))
		}
		return existing, nil
	}

	return m.Create(ctx, CreateRequest{
		SessionID:            folder,
		TaskID:               folder,
		RepositoryID:         folder,
		RepositoryPath:       repositoryPath,
		BaseBranch:           baseBranch,
		PullBeforeWorktree:   true,
		WorktreeBranchPrefix: "worktree/",
		TaskTitle:            folder,
	})
}

// fastForwardFromMain fetches origin and rebases wt's branch onto main if
// main has moved ahead, running `git rebase main` inside the worktree
// itself (a worktree's checked-out branch cannot be rebased from the main
// clone).
func (m *Manager) fastForwardFromMain(ctx context.Context, wt *Worktree, baseBranch string) error {
	fetchCmd := m.newNonInteractiveGitCmd(ctx, wt.Path, "fetch", "origin", baseBranch)
	if out, err := fetchCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("fetch origin %s: %w (%s)", baseBranch, err, strings.TrimSpace(string(out)))
	}

	ahead, _, err := m.aheadBehind(ctx, wt.Path, wt.Branch, "origin/"+baseBranch)
	if err != nil {
		return err
	}
	if ahead == 0 {
		return nil
	}

	rebaseCmd := m.newNonInteractiveGitCmd(ctx, wt.Path, "rebase", "origin/"+baseBranch)
	if out, err := rebaseCmd.CombinedOutput(); err != nil {
		_ = m.newNonInteractiveGitCmd(context.Background(), wt.Path, "rebase", "--abort").Run()
		return fmt.Errorf("rebase onto %s: %w (%s)", baseBranch, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// aheadBehind reports how many commits ref is ahead of and behind base.
func (m *Manager) aheadBehind(ctx context.Context, repoPath, ref, base string) (ahead, behind int, err error) {
	cmd := m.newNonInteractiveGitCmd(ctx, repoPath, "rev-list", "--left-right", "--count", ref+"..."+base)
	out, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("rev-list %s...%s: %w", ref, base, err)
	}
	fields := strings.Fields(string(out))
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("unexpected rev-list output: %q", string(out))
	}
	ahead, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, err
	}
	behind, err = strconv.Atoi(fields[1])
	if err != nil {
		return 0, 0, err
	}
	return ahead, behind, nil
}

// isWorkingTreeClean reports whether wt's checkout has no uncommitted
// changes (staged, unstaged, or untracked).
func (m *Manager) isWorkingTreeClean(ctx context.Context, repoPath string) (bool, error) {
	cmd := m.newNonInteractiveGitCmd(ctx, repoPath, "status", "--porcelain")
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	return len(bytes.TrimSpace(out)) == 0, nil
}

// MergeWorktreeToMain implements spec §4.8 merge_worktree_to_main: rebases
// the workspace's worktree branch onto main, fast-forward-merges it into
// main, pushes (retrying once if origin advanced mid-push), or — under the
// "pull-request" policy — pushes the branch and leaves the merge to a PR.
// On success it runs the broadcast side-effect against every other
// workspace's worktree.
func (m *Manager) MergeWorktreeToMain(ctx context.Context, folder, baseBranch string) error {
	wt, err := m.GetBySessionID(ctx, folder)
	if err != nil || wt == nil {
		return fmt.Errorf("%w: %s", ErrWorktreeNotFound, folder)
	}
	if !m.IsValid(wt.Path) {
		return fmt.Errorf("%w: %s", ErrWorktreeCorrupted, wt.Path)
	}

	repoLock := m.getRepoLock(wt.RepositoryPath)
	repoLock.Lock()
	defer func() {
		repoLock.Unlock()
		m.releaseRepoLock(wt.RepositoryPath)
	}()

	ahead, _, err := m.aheadBehind(ctx, wt.Path, "origin/"+baseBranch, wt.Branch)
	if err != nil {
		return err
	}
	if ahead == 0 {
		m.logger.Info("nothing to merge", zap.String("folder", folder))
		return nil
	}

	if err := m.fastForwardFromMain(ctx, wt, baseBranch); err != nil {
		return fmt.Errorf("rebase before merge: %w", err)
	}

	if m.config.MergePolicy == MergePolicyPullRequest {
		return m.pushAndOpenPullRequest(ctx, wt, baseBranch)
	}
	return m.fastForwardMergeAndPush(ctx, wt, baseBranch)
}

// fastForwardMergeAndPush merges wt's branch into the repository's main
// checkout with --ff-only and pushes, retrying the push once (after a
// re-fetch and re-rebase) if origin advanced between fetch and push.
func (m *Manager) fastForwardMergeAndPush(ctx context.Context, wt *Worktree, baseBranch string) error {
	merge := func() error {
		checkoutCmd := m.newNonInteractiveGitCmd(ctx, wt.RepositoryPath, "checkout", baseBranch)
		if out, err := checkoutCmd.CombinedOutput(); err != nil {
			return fmt.Errorf("checkout %s: %w (%s)", baseBranch, err, strings.TrimSpace(string(out)))
		}
		mergeCmd := m.newNonInteractiveGitCmd(ctx, wt.RepositoryPath, "merge", "--ff-only", wt.Branch)
		if out, err := mergeCmd.CombinedOutput(); err != nil {
			return fmt.Errorf("ff-merge %s: %w (%s)", wt.Branch, err, strings.TrimSpace(string(out)))
		}
		return nil
	}
	push := func() error {
		pushCmd := m.newNonInteractiveGitCmd(ctx, wt.RepositoryPath, "push", m.config.RemoteName, baseBranch)
		out, err := pushCmd.CombinedOutput()
		return wrapGitOutput(err, out)
	}

	if err := merge(); err != nil {
		return err
	}
	if err := push(); err == nil {
		m.logger.Info("merged worktree to main", zap.String("branch", wt.Branch))
		return nil
	}

	// Origin advanced between our fetch and push: re-fetch, rebase the
	// worktree branch again, and retry exactly once.
	if err := m.fastForwardFromMain(ctx, wt, baseBranch); err != nil {
		return fmt.Errorf("retry rebase: %w", err)
	}
	if err := merge(); err != nil {
		return fmt.Errorf("retry merge: %w", err)
	}
	if err := push(); err != nil {
		return fmt.Errorf("retry push: %w", err)
	}
	m.logger.Info("merged worktree to main after push retry", zap.String("branch", wt.Branch))
	return nil
}

// pushAndOpenPullRequest pushes wt's branch to origin. Opening or updating
// the actual pull request is delegated to an external PullRequestOpener
// (wired via SetPullRequestOpener) since doing so requires a forge API
// client; without one configured, the branch is pushed and left for manual
// PR creation.
func (m *Manager) pushAndOpenPullRequest(ctx context.Context, wt *Worktree, baseBranch string) error {
	pushCmd := m.newNonInteractiveGitCmd(ctx, wt.Path, "push", "-u", m.config.RemoteName, wt.Branch)
	out, err := pushCmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("push branch %s: %w (%s)", wt.Branch, err, strings.TrimSpace(string(out)))
	}
	if m.prOpener == nil {
		m.logger.Info("pushed branch for manual PR creation; no PullRequestOpener configured",
			zap.String("branch", wt.Branch))
		return nil
	}
	return m.prOpener.OpenOrUpdatePullRequest(ctx, wt.RepositoryPath, wt.Branch, baseBranch)
}

// PullRequestOpener opens or updates a pull request for a pushed branch.
type PullRequestOpener interface {
	OpenOrUpdatePullRequest(ctx context.Context, repositoryPath, branch, baseBranch string) error
}

// SetPullRequestOpener wires the forge client used under the
// "pull-request" merge policy.
func (m *Manager) SetPullRequestOpener(o PullRequestOpener) {
	m.prOpener = o
}

func wrapGitOutput(err error, out []byte) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w (%s)", err, strings.TrimSpace(string(out)))
}

// BroadcastRebase implements spec §4.8's merge broadcast side-effect:
// after a successful merge to main, every other workspace's worktree that
// is behind and clean is rebased and its agent notified; dirty worktrees
// are asked to stash or commit; worktrees left mid-conflict are asked to
// finish the rebase by hand.
func (m *Manager) BroadcastRebase(ctx context.Context, baseBranch, mergedFolder, mergeSummary string) error {
	worktrees, err := m.store.ListActiveWorktrees(ctx)
	if err != nil {
		return fmt.Errorf("list active worktrees: %w", err)
	}

	for _, wt := range worktrees {
		if wt.SessionID == mergedFolder {
			continue
		}
		if !m.IsValid(wt.Path) {
			continue
		}
		m.broadcastOne(ctx, wt, baseBranch, mergeSummary)
	}
	return nil
}

func (m *Manager) broadcastOne(ctx context.Context, wt *Worktree, baseBranch, mergeSummary string) {
	clean, err := m.isWorkingTreeClean(ctx, wt.Path)
	if err != nil {
		m.logger.Warn("failed to check worktree cleanliness", zap.String("folder", wt.SessionID), zap.Error(err))
		return
	}

	fetchCmd := m.newNonInteractiveGitCmd(ctx, wt.Path, "fetch", "origin", baseBranch)
	if _, err := fetchCmd.CombinedOutput(); err != nil {
		m.logger.Warn("broadcast fetch failed", zap.String("folder", wt.SessionID), zap.Error(err))
		return
	}

	ahead, behind, err := m.aheadBehind(ctx, wt.Path, wt.Branch, "origin/"+baseBranch)
	_ = ahead
	if err != nil || behind == 0 {
		return
	}

	if !clean {
		m.notify(ctx, wt.SessionID, "uncommitted changes; stash or commit then sync")
		return
	}

	rebaseCmd := m.newNonInteractiveGitCmd(ctx, wt.Path, "rebase", "origin/"+baseBranch)
	out, err := rebaseCmd.CombinedOutput()
	if err != nil {
		m.notify(ctx, wt.SessionID, "resolve then `git rebase --continue`")
		m.logger.Info("rebase conflict left for agent to resolve",
			zap.String("folder", wt.SessionID), zap.String("output", strings.TrimSpace(string(out))))
		return
	}

	msg := fmt.Sprintf("Auto-rebased %d commits; commit message: %s", behind, mergeSummary)
	m.notify(ctx, wt.SessionID, msg)
}

func (m *Manager) notify(ctx context.Context, folder, message string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyWorktree(ctx, folder, message); err != nil {
		m.logger.Warn("notify failed", zap.String("folder", folder), zap.Error(err))
	}
}

// ExecGitForTest runs a git command in dir; used by tests to set up
// conflicting/dirty fixtures without shelling out from the test files
// directly.
func ExecGitForTest(dir string, args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return cmd.Run()
}
