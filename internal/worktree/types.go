package worktree

import "time"

// Status is the lifecycle state of a persisted Worktree record.
type Status string

const (
	StatusActive  Status = "active"
	StatusMerged  Status = "merged"
	StatusDeleted Status = "deleted"
)

// Worktree is a persisted record of one git worktree checked out for a
// workspace's isolated branch (spec §4.8 Git Worktree Manager).
type Worktree struct {
	ID             string     `db:"id"`
	SessionID      string     `db:"session_id"` // workspace folder, in pynchy's usage
	TaskID         string     `db:"task_id"`
	RepositoryID   string     `db:"repository_id"`
	RepositoryPath string     `db:"repository_path"`
	Path           string     `db:"worktree_path"`
	Branch         string     `db:"worktree_branch"`
	BaseBranch     string     `db:"base_branch"`
	Status         Status     `db:"status"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
	MergedAt       *time.Time `db:"merged_at"`
	DeletedAt      *time.Time `db:"deleted_at"`
}

// CreateRequest describes one worktree to create or reuse.
type CreateRequest struct {
	SessionID            string
	TaskID               string
	TaskTitle            string
	RepositoryID         string
	RepositoryPath       string
	BaseBranch           string
	PullBeforeWorktree   bool
	WorktreeBranchPrefix string
	WorktreeID           string
}

// Validate checks the minimal fields needed to create a worktree.
func (r CreateRequest) Validate() error {
	if r.SessionID == "" {
		return ErrInvalidSession
	}
	if r.RepositoryPath == "" {
		return ErrRepoNotGit
	}
	if r.BaseBranch == "" {
		return ErrInvalidBaseBranch
	}
	return nil
}
