// Package deploy implements the host's self-update path: POST /deploy
// pulls the orchestrator's own repository, validates the new tree, and
// hands back the sha/commit pair for the caller to restart on (spec §6
// "pull-validate-restart"). A failed validation rolls the working tree
// back to the pre-pull sha immediately; a startup-time validation
// failure (e.g. an admin clean-room violation discovered only after the
// new code/config loads) instead persists a rollback continuation file
// that the next process start consumes before retrying (spec §7, §6
// Exit codes).
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/crypdick/pynchy/internal/common/logger"
	"go.uber.org/zap"
)

const (
	gitTimeout             = 30 * time.Second
	rollbackContinuationFile = "rollback_continuation.json"
)

// Result is the POST /deploy response body (spec §6).
type Result struct {
	Status      string `json:"status"`
	SHA         string `json:"sha"`
	Commit      string `json:"commit"`
	PreviousSHA string `json:"previous_sha"`
}

// Validator runs after a pull to decide whether the new tree is safe to
// run. The orchestrator's default validator shells out to `go build`;
// callers may substitute a stricter one (e.g. one that also runs tests).
type Validator func(ctx context.Context, repoDir string) error

// Deployer owns the orchestrator's self-update: its own repo checkout
// plus the rollback-continuation marker persisted under the host's data
// directory.
type Deployer struct {
	repoDir  string
	dataDir  string
	validate Validator
	logger   *logger.Logger
}

// New constructs a Deployer. repoDir is the orchestrator's own working
// tree (defaults to "." if empty); dataDir is where the rollback
// continuation marker is persisted, matching every other piece of host
// state (spec §6).
func New(repoDir, dataDir string, validate Validator, log *logger.Logger) *Deployer {
	if repoDir == "" {
		repoDir = "."
	}
	if validate == nil {
		validate = DefaultValidator
	}
	return &Deployer{
		repoDir:  repoDir,
		dataDir:  dataDir,
		validate: validate,
		logger:   log.WithFields(zap.String("component", "deploy")),
	}
}

// DefaultValidator runs `go build ./...` against the freshly-pulled
// tree: the cheapest check that the new code at least compiles before
// handing it to a restart.
func DefaultValidator(ctx context.Context, repoDir string) error {
	cmd := exec.CommandContext(ctx, "go", "build", "./...")
	cmd.Dir = repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("go build failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Head returns the repository's current sha and commit subject, for
// GET /health's head_sha/head_commit fields (spec §6).
func (d *Deployer) Head(ctx context.Context) (sha, commit string, err error) {
	sha, err = d.head(ctx)
	if err != nil {
		return "", "", err
	}
	commit, err = d.commitSubject(ctx, sha)
	if err != nil {
		return sha, "", nil
	}
	return sha, commit, nil
}

// Deploy performs one pull-validate cycle. On validation failure the
// repository is immediately reset back to the pre-pull sha (no restart
// is needed since the running process never re-read the new tree); the
// returned error carries the validator's message.
func (d *Deployer) Deploy(ctx context.Context) (Result, error) {
	previousSHA, err := d.head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("resolve current head: %w", err)
	}

	if err := d.gitCmd(ctx, "fetch", "--quiet", "origin"); err != nil {
		return Result{}, fmt.Errorf("git fetch: %w", err)
	}
	if err := d.gitCmd(ctx, "reset", "--hard", "origin/HEAD"); err != nil {
		return Result{}, fmt.Errorf("git reset to origin/HEAD: %w", err)
	}

	sha, err := d.head(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("resolve new head: %w", err)
	}
	commit, err := d.commitSubject(ctx, sha)
	if err != nil {
		commit = ""
	}

	if err := d.validate(ctx, d.repoDir); err != nil {
		d.logger.Warn("deploy validation failed, rolling back",
			zap.String("sha", sha), zap.String("previous_sha", previousSHA), zap.Error(err))
		if rbErr := d.gitCmd(ctx, "reset", "--hard", previousSHA); rbErr != nil {
			d.logger.Error("rollback to previous sha failed", zap.Error(rbErr))
		}
		return Result{Status: "rolled_back", SHA: previousSHA, PreviousSHA: previousSHA},
			fmt.Errorf("validation failed, rolled back to %s: %w", previousSHA, err)
	}

	if err := d.writeRollbackMarker(previousSHA); err != nil {
		d.logger.Warn("failed to persist rollback marker", zap.Error(err))
	}

	d.logger.Info("deploy succeeded", zap.String("sha", sha), zap.String("previous_sha", previousSHA))
	return Result{Status: "ok", SHA: sha, Commit: commit, PreviousSHA: previousSHA}, nil
}

// RecordStartupFailure persists the rollback continuation file spec §6
// says a terminal startup-validation failure must write before the
// process exits with code 1 (e.g. the admin clean-room check). previousSHA
// should be the marker left by the Deploy that produced the now-failing
// tree; if none is on record this is a no-op (there is nothing safe to
// roll back to).
func (d *Deployer) RecordStartupFailure(reason string) error {
	marker := d.markerPath()
	b, err := os.ReadFile(marker)
	if err != nil {
		return nil // no prior deploy recorded; nothing to roll back to
	}
	var rec rollbackMarker
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	cont := rollbackContinuation{PreviousSHA: rec.PreviousSHA, Reason: reason, RecordedAt: time.Now().UTC().Format(time.RFC3339)}
	out, err := json.Marshal(cont)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(d.dataDir, rollbackContinuationFile), out, 0o644)
}

// ConsumeRollbackContinuation is run once at the very start of main(),
// before configuration is loaded: if a previous run recorded a
// rollback-continuation file, this resets the repository to its
// recorded sha and deletes the marker, so the retried startup sees a
// known-good tree (spec §6).
func ConsumeRollbackContinuation(repoDir, dataDir string, log *logger.Logger) {
	path := filepath.Join(dataDir, rollbackContinuationFile)
	b, err := os.ReadFile(path)
	if err != nil {
		return
	}
	var cont rollbackContinuation
	if err := json.Unmarshal(b, &cont); err != nil || cont.PreviousSHA == "" {
		os.Remove(path)
		return
	}

	l := log.WithFields(zap.String("component", "deploy"))
	l.Warn("consuming rollback continuation from previous failed start",
		zap.String("previous_sha", cont.PreviousSHA), zap.String("reason", cont.Reason))

	if repoDir == "" {
		repoDir = "."
	}
	cmd := exec.Command("git", "reset", "--hard", cont.PreviousSHA)
	cmd.Dir = repoDir
	if out, err := cmd.CombinedOutput(); err != nil {
		l.Error("rollback continuation git reset failed", zap.Error(err), zap.ByteString("output", out))
	}
	os.Remove(path)
}

type rollbackMarker struct {
	PreviousSHA string `json:"previous_sha"`
}

type rollbackContinuation struct {
	PreviousSHA string `json:"previous_sha"`
	Reason      string `json:"reason"`
	RecordedAt  string `json:"recorded_at"`
}

func (d *Deployer) markerPath() string {
	return filepath.Join(d.dataDir, "deploy_previous_sha.json")
}

func (d *Deployer) writeRollbackMarker(previousSHA string) error {
	b, err := json.Marshal(rollbackMarker{PreviousSHA: previousSHA})
	if err != nil {
		return err
	}
	return os.WriteFile(d.markerPath(), b, 0o644)
}

func (d *Deployer) head(ctx context.Context) (string, error) {
	out, err := d.gitOutput(ctx, "rev-parse", "HEAD")
	return strings.TrimSpace(out), err
}

func (d *Deployer) commitSubject(ctx context.Context, sha string) (string, error) {
	out, err := d.gitOutput(ctx, "log", "-1", "--format=%s", sha)
	return strings.TrimSpace(out), err
}

func (d *Deployer) gitCmd(ctx context.Context, args ...string) error {
	_, err := d.gitOutput(ctx, args...)
	return err
}

func (d *Deployer) gitOutput(ctx context.Context, args ...string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, "git", args...)
	cmd.Dir = d.repoDir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
