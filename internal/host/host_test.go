package host

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/config"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
	"github.com/tchow-twistedxcom/termbridge/internal/web"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("TERMBRIDGE_HOME", t.TempDir())
	sockDir, err := os.MkdirTemp("", "tbh")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(sockDir) })

	cfg := config.Default()
	cfg.IPC.ModernSocket = filepath.Join(sockDir, "m.sock")
	cfg.IPC.LegacySocket = filepath.Join(sockDir, "l.sock")
	cfg.Window.Backend = "none"
	cfg.History.DBPath = filepath.Join(t.TempDir(), "history.db")
	return cfg
}

func startHost(t *testing.T, cfg *config.Config) (*Host, <-chan error) {
	t.Helper()
	h, err := New(Options{
		Version:            "9.9.9",
		Config:             cfg,
		DataDir:            t.TempDir(),
		Home:               t.TempDir(),
		DisablePTY:         true,
		DisableUpdateCheck: true,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.Run(context.Background()) }()
	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.IPC.ModernSocket)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)
	return h, done
}

func waitStopped(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("host did not stop")
	}
}

func TestHostServesCommandsAndHooks(t *testing.T) {
	cfg := testConfig(t)
	h, done := startHost(t, cfg)

	events, unsubscribe := h.Feed.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := transport.Dial(ctx, cfg.IPC.ModernSocket)
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Request(ctx, &ipc.DiagnosticsCommand{}, ipc.EncodingBinary)
	require.NoError(t, err)
	diag, ok := resp.Body.(*ipc.DiagnosticsResponse)
	require.True(t, ok, "%#v", resp.Body)
	assert.Equal(t, "9.9.9", diag.Version)
	assert.Equal(t, "false", diag.Accessibility)
	assert.EqualValues(t, 1, diag.Connections)

	require.NoError(t, c.Send(ipc.NewHook(&ipc.PostExecHook{
		Context: &ipc.ShellContext{SessionID: "s1", ProcessName: "zsh"},
		Command: "make test",
	}), ipc.EncodingJSON))

	select {
	case ev := <-events:
		assert.Equal(t, web.EventHook, ev.Type)
		assert.Equal(t, "s1", ev.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no feed event")
	}
	require.Eventually(t, func() bool {
		n, err := h.History.Count(context.Background())
		return err == nil && n == 1
	}, 2*time.Second, 10*time.Millisecond)

	resp, err = c.Request(ctx, &ipc.QuitCommand{}, ipc.EncodingJSON)
	require.NoError(t, err)
	_, ok = resp.Body.(*ipc.SuccessResponse)
	assert.True(t, ok)

	waitStopped(t, done)
	assert.False(t, h.RestartRequested())
	_, err = os.Stat(cfg.IPC.ModernSocket)
	assert.True(t, os.IsNotExist(err), "socket removed on close")
}

func TestHostShutdownRequestsRestart(t *testing.T) {
	cfg := testConfig(t)
	cfg.IPC.DisableLegacy = true
	h, done := startHost(t, cfg)

	_, err := os.Stat(cfg.IPC.LegacySocket)
	assert.True(t, os.IsNotExist(err), "legacy socket disabled")

	h.Shutdown(true)
	waitStopped(t, done)
	assert.True(t, h.RestartRequested())
	assert.NoError(t, h.Close(), "close is idempotent")
}

func TestIntegrationsHonorDisabledSetting(t *testing.T) {
	cfg := testConfig(t)
	h, err := New(Options{Config: cfg, DataDir: t.TempDir(), Home: t.TempDir(), DisablePTY: true, DisableUpdateCheck: true})
	require.NoError(t, err)
	defer h.Close()

	require.NoError(t, h.Settings.Update(map[string]any{
		IntegrationDisabledKey("fish"): true,
	}))
	_, err = h.Settings.Reload()
	require.NoError(t, err)

	list := h.Integrations.List(context.Background())
	var fish ipc.TerminalIntegration
	for _, it := range list {
		if it.BundleIdentifier == "fish" {
			fish = it
		}
	}
	assert.Equal(t, "disabled", fish.Status)
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Window.Backend = "x11"
	_, err := New(Options{Config: cfg, DataDir: t.TempDir(), Home: t.TempDir()})
	require.Error(t, err)
}
