package worktree

import "context"

// Repository contains repository information needed for script execution.
type Repository struct {
	ID            string
	SetupScript   string
	CleanupScript string
}

// RepositoryProvider provides access to repository information.
type RepositoryProvider interface {
	GetRepository(ctx context.Context, repositoryID string) (*Repository, error)
}

// StaticRepositoryProvider serves a single fixed Repository regardless of
// the requested id. Pynchy deployments isolate one project repository per
// workspace's worktree (spec §4.8); there is no multi-repository catalog
// to look up.
type StaticRepositoryProvider struct {
	repo Repository
}

func NewStaticRepositoryProvider(repo Repository) *StaticRepositoryProvider {
	return &StaticRepositoryProvider{repo: repo}
}

func (p *StaticRepositoryProvider) GetRepository(_ context.Context, _ string) (*Repository, error) {
	r := p.repo
	return &r, nil
}
