package deploy

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/crypdick/pynchy/internal/common/logger"
	"github.com/stretchr/testify/require"
)

// runGit runs a git command with a throwaway local identity so tests never
// depend on (or pollute) the host's global git config.
func runGit(t *testing.T, dir string, args ...string) string {
	t.Helper()
	base := []string{"-c", "user.email=test@example.com", "-c", "user.name=Test"}
	cmd := exec.Command("git", append(base, args...)...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// newCommitRepo creates a local repo with one commit and returns its dir
// and that commit's sha.
func newCommitRepo(t *testing.T) (dir, sha string) {
	t.Helper()
	dir = t.TempDir()
	runGit(t, dir, "init", "--initial-branch=main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "file.txt"), []byte("v1\n"), 0o644))
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	out := runGit(t, dir, "rev-parse", "HEAD")
	return dir, trimNL(out)
}

func trimNL(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func TestHead(t *testing.T) {
	repo, sha := newCommitRepo(t)
	d := New(repo, t.TempDir(), nil, logger.Default())

	gotSHA, gotCommit, err := d.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, sha, gotSHA)
	require.Equal(t, "initial", gotCommit)
}

func TestDeploy_SuccessWritesMarker(t *testing.T) {
	origin, firstSHA := newCommitRepo(t)
	clone := t.TempDir()
	runGit(t, clone, "clone", origin, ".")

	// Push a second commit to origin so the clone has something to pull.
	require.NoError(t, os.WriteFile(filepath.Join(origin, "file.txt"), []byte("v2\n"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "second")
	secondSHA := trimNL(runGit(t, origin, "rev-parse", "HEAD"))

	dataDir := t.TempDir()
	validated := false
	d := New(clone, dataDir, func(ctx context.Context, repoDir string) error {
		validated = true
		return nil
	}, logger.Default())

	result, err := d.Deploy(context.Background())
	require.NoError(t, err)
	require.True(t, validated)
	require.Equal(t, "ok", result.Status)
	require.Equal(t, secondSHA, result.SHA)
	require.Equal(t, firstSHA, result.PreviousSHA)
	require.Equal(t, "second", result.Commit)

	marker, err := os.ReadFile(d.markerPath())
	require.NoError(t, err)
	var rec rollbackMarker
	require.NoError(t, json.Unmarshal(marker, &rec))
	require.Equal(t, firstSHA, rec.PreviousSHA)
}

func TestDeploy_ValidationFailureRollsBack(t *testing.T) {
	origin, firstSHA := newCommitRepo(t)
	clone := t.TempDir()
	runGit(t, clone, "clone", origin, ".")

	require.NoError(t, os.WriteFile(filepath.Join(origin, "file.txt"), []byte("v2\n"), 0o644))
	runGit(t, origin, "add", ".")
	runGit(t, origin, "commit", "-m", "second")

	d := New(clone, t.TempDir(), func(ctx context.Context, repoDir string) error {
		return os.ErrInvalid
	}, logger.Default())

	result, err := d.Deploy(context.Background())
	require.Error(t, err)
	require.Equal(t, "rolled_back", result.Status)
	require.Equal(t, firstSHA, result.SHA)

	head, err := d.Head(context.Background())
	require.NoError(t, err)
	_ = head

	sha, _, err := d.Head(context.Background())
	require.NoError(t, err)
	require.Equal(t, firstSHA, sha)
}

func TestRecordStartupFailure_NoMarker(t *testing.T) {
	dataDir := t.TempDir()
	d := New(t.TempDir(), dataDir, nil, logger.Default())

	require.NoError(t, d.RecordStartupFailure("admin clean-room violation"))
	_, err := os.Stat(filepath.Join(dataDir, rollbackContinuationFile))
	require.True(t, os.IsNotExist(err))
}

func TestRecordStartupFailure_WritesContinuation(t *testing.T) {
	repo, firstSHA := newCommitRepo(t)
	dataDir := t.TempDir()
	d := New(repo, dataDir, func(ctx context.Context, repoDir string) error { return nil }, logger.Default())
	require.NoError(t, d.writeRollbackMarker(firstSHA))

	require.NoError(t, d.RecordStartupFailure("admin clean-room violation"))

	b, err := os.ReadFile(filepath.Join(dataDir, rollbackContinuationFile))
	require.NoError(t, err)
	var cont rollbackContinuation
	require.NoError(t, json.Unmarshal(b, &cont))
	require.Equal(t, firstSHA, cont.PreviousSHA)
	require.Equal(t, "admin clean-room violation", cont.Reason)
}

func TestConsumeRollbackContinuation_NoFile(t *testing.T) {
	repo, _ := newCommitRepo(t)
	// Should be a silent no-op, not a panic or error.
	ConsumeRollbackContinuation(repo, t.TempDir(), logger.Default())
}

func TestConsumeRollbackContinuation_ResetsRepo(t *testing.T) {
	repo, firstSHA := newCommitRepo(t)
	require.NoError(t, os.WriteFile(filepath.Join(repo, "file.txt"), []byte("v2\n"), 0o644))
	runGit(t, repo, "add", ".")
	runGit(t, repo, "commit", "-m", "second")

	dataDir := t.TempDir()
	cont := rollbackContinuation{PreviousSHA: firstSHA, Reason: "test"}
	b, err := json.Marshal(cont)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, rollbackContinuationFile), b, 0o644))

	ConsumeRollbackContinuation(repo, dataDir, logger.Default())

	head := trimNL(runGit(t, repo, "rev-parse", "HEAD"))
	require.Equal(t, firstSHA, head)

	_, err = os.Stat(filepath.Join(dataDir, rollbackContinuationFile))
	require.True(t, os.IsNotExist(err))
}
