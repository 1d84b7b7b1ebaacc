package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

func TestLoadFileMissingUsesDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TERMBRIDGE_HOME", home)

	cfg, err := LoadFile(filepath.Join(home, FileName))
	require.NoError(t, err)

	assert.Equal(t, "tmux", cfg.Window.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Window.SettleDelay)
	assert.Equal(t, ipc.DefaultMaxFrameSize, cfg.IPC.MaxFrameSize)
	assert.Equal(t, time.Duration(0), cfg.Linker.IdleTTL)
	assert.Equal(t, filepath.Join(home, "logs"), cfg.Logs.Dir)
	assert.Equal(t, filepath.Join(home, "history.db"), cfg.History.DBPath)
	assert.True(t, cfg.History.HistoryEnabled())
	assert.Contains(t, cfg.Window.AllowList, "com.googlecode.iterm2")
	assert.Equal(t, "termbridge.socket", filepath.Base(cfg.IPC.ModernSocket))
	assert.Equal(t, filepath.Join(os.TempDir(), "termbridge.socket"), cfg.IPC.LegacySocket)
}

func TestLoadFileDecodesTOML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TERMBRIDGE_HOME", home)
	path := filepath.Join(home, FileName)

	content := `
debug = true

[ipc]
modern_socket = "/tmp/tb-test/modern.sock"
legacy_socket = "/tmp/tb-test/legacy.sock"
max_frame_size = 1024

[window]
backend = "none"
allow_list = ["com.example.term"]
settle_delay = "100ms"

[linker]
idle_ttl = "30m"

[history]
enabled = false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.True(t, cfg.Debug)
	assert.Equal(t, "/tmp/tb-test/modern.sock", cfg.IPC.ModernSocket)
	assert.Equal(t, 1024, cfg.IPC.MaxFrameSize)
	assert.Equal(t, "none", cfg.Window.Backend)
	assert.Equal(t, []string{"com.example.term"}, cfg.Window.AllowList)
	assert.Equal(t, 100*time.Millisecond, cfg.Window.SettleDelay)
	assert.Equal(t, 30*time.Minute, cfg.Linker.IdleTTL)
	assert.False(t, cfg.History.HistoryEnabled())
}

func TestEnvironmentOverridesFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TERMBRIDGE_HOME", home)
	path := filepath.Join(home, FileName)
	require.NoError(t, os.WriteFile(path, []byte("[logs]\nlevel = \"warn\"\n"), 0o600))

	t.Setenv("TERMBRIDGE_LOGS_LEVEL", "debug")
	t.Setenv("TERMBRIDGE_LINKER_IDLE_TTL", "5m")
	t.Setenv("TERMBRIDGE_WINDOW_ALLOW_LIST", "a.term,b.term")

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logs.Level)
	assert.Equal(t, 5*time.Minute, cfg.Linker.IdleTTL)
	assert.Equal(t, []string{"a.term", "b.term"}, cfg.Window.AllowList)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad toml", "[ipc\n"},
		{"unknown backend", "[window]\nbackend = \"x11\"\n"},
		{"unknown format", "[logs]\nformat = \"xml\"\n"},
		{"shared socket", "[ipc]\nmodern_socket = \"/tmp/a\"\nlegacy_socket = \"/tmp/a\"\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			home := t.TempDir()
			t.Setenv("TERMBRIDGE_HOME", home)
			path := filepath.Join(home, FileName)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TERMBRIDGE_HOME", home)
	path := filepath.Join(home, "nested", FileName)

	cfg := Default()
	cfg.Debug = true
	cfg.Linker.IdleTTL = time.Hour
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, loaded.Debug)
	assert.Equal(t, time.Hour, loaded.Linker.IdleTTL)
	assert.Equal(t, cfg.IPC.ModernSocket, loaded.IPC.ModernSocket)
}

func TestLoadCaches(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TERMBRIDGE_HOME", home)
	ClearCache()
	defer ClearCache()

	first, err := Load()
	require.NoError(t, err)
	second, err := Load()
	require.NoError(t, err)
	assert.Same(t, first, second)

	reloaded, err := Reload()
	require.NoError(t, err)
	assert.NotSame(t, first, reloaded)
}
