package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndRecent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i, cmd := range []string{"ls", "git status", "make test"} {
		_, err := s.Record(ctx, Entry{SessionID: "s1", Command: cmd, Cwd: "/repo", CreatedAt: base.Add(time.Duration(i) * time.Second)})
		require.NoError(t, err)
	}
	id, err := s.Record(ctx, Entry{Command: "   "})
	require.NoError(t, err)
	assert.Zero(t, id, "blank commands are skipped")

	got, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "make test", got[0].Command)
	assert.Equal(t, "git status", got[1].Command)
	assert.Equal(t, "/repo", got[0].Cwd)
	assert.True(t, got[0].CreatedAt.Equal(base.Add(2*time.Second)))

	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReopenKeepsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	s, err := Open(path)
	require.NoError(t, err)
	_, err = s.Record(context.Background(), Entry{Command: "echo hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	v, err := s.GetMeta("schema_version")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestSearchEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, cmd := range []string{"grep 100%", "grep 1000", "rm some_file", "rm someXfile"} {
		_, err := s.Record(ctx, Entry{Command: cmd})
		require.NoError(t, err)
	}

	got, err := s.Search(ctx, "100%", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "grep 100%", got[0].Command)

	got, err = s.Search(ctx, "some_", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "rm some_file", got[0].Command)
}

func TestPruneAndClear(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := s.Record(ctx, Entry{Command: fmt.Sprintf("cmd %d", i)})
		require.NoError(t, err)
	}

	removed, err := s.Prune(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)
	got, err := s.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "cmd 9", got[0].Command)
	assert.Equal(t, "cmd 6", got[3].Command)

	require.NoError(t, s.Clear(ctx))
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	v, err := s.GetMeta("missing")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, s.SetMeta("k", "v1"))
	require.NoError(t, s.SetMeta("k", "v2"))
	v, err = s.GetMeta("k")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestEntryFromHookUsesActiveContext(t *testing.T) {
	e := EntryFromHook(&ipc.PostExecHook{
		Command:  "uptime",
		ExitCode: 3,
		Context: &ipc.ShellContext{
			PID:       10,
			SessionID: "s1",
			RemoteContext: &ipc.ShellContext{
				PID:                     99,
				ProcessName:             "bash",
				CurrentWorkingDirectory: "/srv",
				Hostname:                "box",
			},
		},
	})
	assert.Equal(t, Entry{
		SessionID: "s1",
		Command:   "uptime",
		Cwd:       "/srv",
		ExitCode:  3,
		Shell:     "bash",
		Hostname:  "box",
		PID:       99,
	}, e)

	assert.Equal(t, "x", EntryFromHook(&ipc.PostExecHook{Command: "x"}).Command)
}

func TestSubscribeRecordsPostExec(t *testing.T) {
	s := newTestStore(t)
	d := dispatch.New(nil)
	s.Subscribe(d)
	ctx := context.Background()

	d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.PostExecHook{Command: "go test ./...", Context: &ipc.ShellContext{SessionID: "s1"}}})
	d.DispatchHook(ctx, &ipc.Hook{Body: &ipc.PreExecHook{Context: &ipc.ShellContext{SessionID: "s1"}}})

	got, err := s.Recent(ctx, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "go test ./...", got[0].Command)
	assert.Equal(t, "s1", got[0].SessionID)
}

func TestConcurrentRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := s.Record(ctx, Entry{Command: fmt.Sprintf("w%d-%d", i, j)})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
	n, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 80, n)
}
