package integrations

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

type memStore struct {
	mu sync.Mutex
	m  map[string]string
}

func newMemStore() *memStore { return &memStore{m: map[string]string{}} }

func (s *memStore) GetMeta(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memStore) SetMeta(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
	return nil
}

func present(string) (string, error) { return "/usr/bin/x", nil }
func absent(string) (string, error)  { return "", errors.New("not found") }

func testSnippet(t *testing.T, existing string) *SnippetProvider {
	t.Helper()
	path := filepath.Join(t.TempDir(), ".zshrc")
	if existing != "" {
		require.NoError(t, os.WriteFile(path, []byte(existing), 0o600))
	}
	p := NewSnippet("zsh", "Zsh", path, "zsh", `eval "$(termbridge init zsh)"`)
	p.lookPath = present
	return p
}

func TestSnippetLifecycle(t *testing.T) {
	ctx := context.Background()
	p := testSnippet(t, "export EDITOR=vi")

	assert.Equal(t, StatusNotInstalled, p.Verify(ctx).Kind)
	assert.Equal(t, StatusInstalled, p.Install(ctx).Kind)
	assert.Equal(t, StatusInstalled, p.Verify(ctx).Kind)

	// Installing twice keeps one block.
	assert.Equal(t, StatusInstalled, p.Install(ctx).Kind)
	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, "export EDITOR=vi\n"+markerStart+"\neval \"$(termbridge init zsh)\"\n"+markerEnd+"\n", string(data))

	st, err := os.Stat(p.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm(), "mode preserved")

	assert.Equal(t, StatusNotInstalled, p.Uninstall(ctx).Kind)
	data, err = os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, "export EDITOR=vi\n", string(data))
	assert.Equal(t, StatusNotInstalled, p.Uninstall(ctx).Kind)
}

func TestSnippetOutdatedBlock(t *testing.T) {
	ctx := context.Background()
	p := testSnippet(t, "a\n"+markerStart+"\nold line\n"+markerEnd+"\nb\n")

	st := p.Verify(ctx)
	assert.Equal(t, StatusFailed, st.Kind)
	assert.Contains(t, st.String(), "outdated")

	require.Equal(t, StatusInstalled, p.Install(ctx).Kind)
	data, err := os.ReadFile(p.Path())
	require.NoError(t, err)
	assert.Equal(t, "a\n"+markerStart+"\neval \"$(termbridge init zsh)\"\n"+markerEnd+"\nb\n", string(data))
}

func TestRegistryApplyAndList(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	zsh := testSnippet(t, "")
	fish := NewSnippet("fish", "Fish", filepath.Join(t.TempDir(), "termbridge.fish"), "fish", "x")
	fish.lookPath = absent
	r := NewRegistry(store, zsh, fish)

	assert.Equal(t, []string{"fish", "zsh"}, r.IDs())

	st, err := r.Apply(ctx, "zsh", ipc.ActionInstall)
	require.NoError(t, err)
	assert.Equal(t, StatusInstalled, st.Kind)
	assert.Equal(t, "installed", store.m["integration.zsh.status"])

	st, err = r.Apply(ctx, "fish", ipc.ActionInstall)
	require.NoError(t, err)
	assert.Equal(t, StatusApplicationNotInstalled, st.Kind)

	assert.Equal(t, []ipc.TerminalIntegration{
		{BundleIdentifier: "fish", Name: "Fish", Status: "application not installed"},
		{BundleIdentifier: "zsh", Name: "Zsh", Status: "installed"},
	}, r.List(ctx))

	r.SetDisabled(func(id string) bool { return id == "zsh" })
	assert.Equal(t, "disabled", r.List(ctx)[1].Status)
}

func TestUnknownIdentifierSuggests(t *testing.T) {
	r := NewRegistry(nil, Defaults("/home/u", "")...)

	_, err := r.Get("zhs")
	require.ErrorIs(t, err, ErrUnknown)
	assert.NotContains(t, err.Error(), "did you mean", "no subsequence match")

	_, err = r.Get("tmx")
	require.ErrorIs(t, err, ErrUnknown)
	assert.Contains(t, err.Error(), `did you mean "tmux"`)

	_, err = r.Apply(context.Background(), "nope", ipc.ActionVerifyInstall)
	assert.ErrorIs(t, err, ErrUnknown)

	assert.Equal(t, []string{"bash", "fish", "tmux", "zsh"}, r.Suggest(""))
}

func TestIntegrationReadyHook(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, testSnippet(t, ""))
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return now }
	d := dispatch.New(nil)
	r.Subscribe(d)

	_, ok := r.LastReady("zsh")
	assert.False(t, ok)

	d.DispatchHook(context.Background(), &ipc.Hook{Body: &ipc.IntegrationReadyHook{Identifier: "zsh"}})
	d.DispatchHook(context.Background(), &ipc.Hook{Body: &ipc.IntegrationReadyHook{Identifier: "nope"}})

	got, ok := r.LastReady("zsh")
	require.True(t, ok)
	assert.True(t, got.Equal(now))
	_, ok = store.m["integration.nope.ready"]
	assert.False(t, ok)
}

func TestDefaultsPaths(t *testing.T) {
	ps := Defaults("/home/u", "/opt/tb")
	paths := map[string]string{}
	for _, p := range ps {
		paths[p.ID()] = p.(*SnippetProvider).Path()
	}
	assert.Equal(t, "/home/u/.zshrc", paths["zsh"])
	assert.Equal(t, "/home/u/.config/fish/conf.d/termbridge.fish", paths["fish"])
	assert.Contains(t, ps[3].(*SnippetProvider).snippet, "/opt/tb hook tmux-pane-changed")
}
