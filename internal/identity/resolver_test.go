package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devtrail/devtrail/internal/models"
	"github.com/devtrail/devtrail/internal/store"
)

func TestResolveWorkspace_CreatesWithULID(t *testing.T) {
	st := store.NewMemory()
	r := NewResolver(st)
	ctx := context.Background()

	ws, err := r.ResolveWorkspace(ctx, "github.com/acme/widget.git", WorkspaceHints{})
	require.NoError(t, err)
	assert.Len(t, ws.ID, 26)
	assert.Equal(t, "widget", ws.DisplayName)
	assert.Equal(t, "main", ws.DefaultBranch)

	// Same canonical ID resolves to the same workspace.
	again, err := r.ResolveWorkspace(ctx, "github.com/acme/widget.git", WorkspaceHints{DisplayName: "other"})
	require.NoError(t, err)
	assert.Equal(t, ws.ID, again.ID)
	assert.Equal(t, "widget", again.DisplayName, "hints apply only on insert")
}

func TestResolveWorkspace_HintsOnInsert(t *testing.T) {
	st := store.NewMemory()
	r := NewResolver(st)

	ws, err := r.ResolveWorkspace(context.Background(), "github.com/acme/api",
		WorkspaceHints{DisplayName: "API Service", DefaultBranch: "develop"})
	require.NoError(t, err)
	assert.Equal(t, "API Service", ws.DisplayName)
	assert.Equal(t, "develop", ws.DefaultBranch)
}

func TestResolveDevice_Defaults(t *testing.T) {
	st := store.NewMemory()
	r := NewResolver(st)
	ctx := context.Background()

	require.NoError(t, r.ResolveDevice(ctx, "dev-1", DeviceHints{}))
	d, err := st.GetDevice(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "unknown-device", d.Name)
	assert.Equal(t, models.DeviceLocal, d.Type)
}

func TestEnsureLink_RaisesPromptOnFirstInsert(t *testing.T) {
	st := store.NewMemory()
	r := NewResolver(st)
	ctx := context.Background()

	ws, err := r.ResolveWorkspace(ctx, "github.com/acme/widget", WorkspaceHints{})
	require.NoError(t, err)
	require.NoError(t, r.ResolveDevice(ctx, "dev-1", DeviceHints{}))

	path := "/home/dev/widget"
	link, err := r.EnsureLink(ctx, ws.ID, "dev-1", &path, time.Now())
	require.NoError(t, err)
	assert.True(t, link.PendingGitHooksPrompt)

	// A later session for the same pair does not re-raise after dismissal.
	require.NoError(t, st.DismissGitHooksPrompt(ctx, ws.ID, "dev-1", false))
	link, err = r.EnsureLink(ctx, ws.ID, "dev-1", nil, time.Now())
	require.NoError(t, err)
	assert.False(t, link.PendingGitHooksPrompt)
}

func TestDisplayNameFromCanonical(t *testing.T) {
	cases := map[string]string{
		"github.com/acme/widget.git": "widget",
		"github.com/acme/widget":     "widget",
		"widget":                     "widget",
		"/var/repos/tool/":           "tool",
	}
	for in, want := range cases {
		assert.Equal(t, want, DisplayNameFromCanonical(in), in)
	}
}
