package github

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeGH writes a small script named "gh" onto PATH that records its
// arguments and exits with a fixed status, so CreateOrUpdatePullRequest can
// be exercised without a real GitHub remote.
func fakeGH(t *testing.T, script string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "gh")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	t.Setenv("PATH", dir+string(os.PathListSeparator)+os.Getenv("PATH"))
}

func TestCreateOrUpdatePullRequest_ExistingPR(t *testing.T) {
	fakeGH(t, "#!/bin/sh\nif [ \"$1\" = view ]; then exit 0; fi\nexit 1\n")
	c := NewGHClient()
	err := c.CreateOrUpdatePullRequest(context.Background(), t.TempDir(), "feature", "main")
	require.NoError(t, err)
}

func TestCreateOrUpdatePullRequest_CreatesNew(t *testing.T) {
	fakeGH(t, "#!/bin/sh\nif [ \"$1\" = view ]; then exit 1; fi\nif [ \"$1\" = create ]; then exit 0; fi\nexit 1\n")
	c := NewGHClient()
	err := c.CreateOrUpdatePullRequest(context.Background(), t.TempDir(), "feature", "main")
	require.NoError(t, err)
}

func TestCreateOrUpdatePullRequest_CreateFails(t *testing.T) {
	fakeGH(t, "#!/bin/sh\nif [ \"$1\" = view ]; then exit 1; fi\necho boom 1>&2\nexit 1\n")
	c := NewGHClient()
	err := c.CreateOrUpdatePullRequest(context.Background(), t.TempDir(), "feature", "main")
	require.Error(t, err)
}

func TestGHAvailable(t *testing.T) {
	// No assertion on the result (depends on the host running the test);
	// this just exercises the PATH lookup without panicking.
	_ = GHAvailable()
}
