package dispatch

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/metrics"
	"github.com/tchow-twistedxcom/termbridge/internal/transport"
)

type recordingResponder struct {
	mu        sync.Mutex
	responses []ipc.CommandResponse
	encodings []ipc.Encoding
	err       error
}

func (r *recordingResponder) WriteResponse(resp ipc.CommandResponse, enc ipc.Encoding) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.responses = append(r.responses, resp)
	r.encodings = append(r.encodings, enc)
	return nil
}

func TestCommandResponseCarriesRequestID(t *testing.T) {
	d := New(nil)
	d.Handle(ipc.CmdDiagnostics, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		return &ipc.DiagnosticsResponse{Version: "1.0"}, nil
	})

	r := &recordingResponder{}
	d.Dispatch(context.Background(), ipc.NewCommand(9, &ipc.DiagnosticsCommand{}), r, ipc.EncodingJSON)

	require.Len(t, r.responses, 1)
	assert.EqualValues(t, 9, *r.responses[0].ID)
	assert.Equal(t, ipc.EncodingJSON, r.encodings[0])
	assert.Equal(t, &ipc.DiagnosticsResponse{Version: "1.0"}, r.responses[0].Body)
}

func TestNoResponseAndMissingHandler(t *testing.T) {
	d := New(nil)
	ran := false
	d.Handle(ipc.CmdQuit, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		ran = true
		return ipc.Success("bye"), nil
	})

	r := &recordingResponder{}
	d.Dispatch(context.Background(), ipc.Envelope{Command: &ipc.Command{NoResponse: true, Body: &ipc.QuitCommand{}}}, r, ipc.EncodingBinary)
	assert.True(t, ran, "handler runs even when no response is wanted")
	assert.Empty(t, r.responses)

	d.Dispatch(context.Background(), ipc.NewCommand(1, &ipc.LogoutCommand{}), r, ipc.EncodingBinary)
	assert.Empty(t, r.responses, "unhandled kinds get no reply")
}

func TestHandlerErrorsBecomeErrorResponses(t *testing.T) {
	d := New(metrics.New())
	d.Handle(ipc.CmdResetCache, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		return nil, errors.New("cache locked")
	})
	d.Handle(ipc.CmdBuild, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		panic("boom")
	})

	r := &recordingResponder{}
	d.Dispatch(context.Background(), ipc.NewCommand(1, &ipc.ResetCacheCommand{}), r, ipc.EncodingBinary)
	d.Dispatch(context.Background(), ipc.NewCommand(2, &ipc.BuildCommand{}), r, ipc.EncodingBinary)

	require.Len(t, r.responses, 2)
	first, ok := r.responses[0].Body.(*ipc.ErrorResponse)
	require.True(t, ok)
	assert.Equal(t, "cache locked", first.Message)
	second, ok := r.responses[1].Body.(*ipc.ErrorResponse)
	require.True(t, ok)
	assert.Contains(t, second.Message, "internal error")
}

func TestWriteFailureIsDropped(t *testing.T) {
	d := New(nil)
	d.Handle(ipc.CmdRestart, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		return ipc.Success(""), nil
	})
	r := &recordingResponder{err: errors.New("broken pipe")}
	assert.NotPanics(t, func() {
		d.Dispatch(context.Background(), ipc.NewCommand(3, &ipc.RestartCommand{}), r, ipc.EncodingJSON)
	})
}

func TestHookSubscribersRunInOrder(t *testing.T) {
	d := New(nil)
	var order []string
	d.Subscribe(ipc.HookPrompt, "first", func(context.Context, *ipc.Hook) { order = append(order, "first") })
	d.SubscribeAll("all", func(_ context.Context, h *ipc.Hook) { order = append(order, "all:"+string(h.Kind())) })
	d.Subscribe(ipc.HookPrompt, "panics", func(context.Context, *ipc.Hook) { panic("subscriber bug") })
	d.Subscribe(ipc.HookPrompt, "last", func(context.Context, *ipc.Hook) { order = append(order, "last") })
	d.Subscribe(ipc.HookHide, "hide", func(context.Context, *ipc.Hook) { order = append(order, "hide") })

	r := &recordingResponder{}
	d.Dispatch(context.Background(), ipc.NewHook(&ipc.PromptHook{}), r, ipc.EncodingBinary)

	assert.Equal(t, []string{"first", "all:prompt", "last"}, order)
	assert.Empty(t, r.responses, "hooks are never answered")
}

func TestDispatchLegacy(t *testing.T) {
	d := New(nil)
	var got []*ipc.Hook
	d.SubscribeAll("collect", func(_ context.Context, h *ipc.Hook) { got = append(got, h) })

	msg, ok := ipc.ParseLegacyTokens([]string{"bg:zsh-keybuffer", "sess1", "4", "ttys001", "123", "7", "3", `"hello"`})
	require.True(t, ok)
	assert.True(t, d.DispatchLegacy(context.Background(), msg))

	cd, ok := ipc.ParseLegacyTokens([]string{"bg:cd", "sess1", "4", "/tmp"})
	require.True(t, ok)
	assert.False(t, d.DispatchLegacy(context.Background(), cd))

	require.Len(t, got, 1)
	eb, ok := got[0].Body.(*ipc.EditBufferHook)
	require.True(t, ok)
	assert.Equal(t, "hello", eb.Text)
	assert.EqualValues(t, 3, eb.Cursor)
}

func TestHandledKinds(t *testing.T) {
	d := New(nil)
	noop := func(context.Context, *ipc.Command) (ipc.ResponseBody, error) { return nil, nil }
	d.Handle(ipc.CmdQuit, noop)
	d.Handle(ipc.CmdDiagnostics, noop)
	assert.Equal(t, []ipc.CommandKind{ipc.CmdDiagnostics, ipc.CmdQuit}, d.Handled())
}

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tbd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return filepath.Join(dir, "host.sock")
}

func serve(t *testing.T, d *Dispatcher, path string) *transport.Server {
	t.Helper()
	srv := transport.NewServer(transport.Options{ModernPath: path}, d)
	srv.OnClose(d.ConnClosed)
	require.NoError(t, srv.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

func TestCommandCorrelationOverSocket(t *testing.T) {
	d := New(nil)
	d.Handle(ipc.CmdListTerminalIntegrations, func(context.Context, *ipc.Command) (ipc.ResponseBody, error) {
		return &ipc.IntegrationListResponse{Integrations: []ipc.TerminalIntegration{
			{BundleIdentifier: "net.kovidgoyal.kitty", Name: "Kitty", Status: "installed"},
		}}, nil
	})
	path := socketPath(t)
	serve(t, d, path)

	for _, enc := range []ipc.Encoding{ipc.EncodingBinary, ipc.EncodingJSON} {
		enc := enc
		t.Run(enc.String(), func(t *testing.T) {
			nc, err := net.Dial("unix", path)
			require.NoError(t, err)
			defer nc.Close()

			frame, err := ipc.Serialize(ipc.NewCommand(7, &ipc.ListTerminalIntegrationsCommand{}), enc)
			require.NoError(t, err)
			_, err = nc.Write(frame)
			require.NoError(t, err)

			require.NoError(t, nc.SetReadDeadline(time.Now().Add(2*time.Second)))
			gotEnc, payload, err := ipc.ReadFrame(nc, 0)
			require.NoError(t, err)
			assert.Equal(t, enc, gotEnc)

			resp, err := ipc.DecodeResponse(gotEnc, payload)
			require.NoError(t, err)
			require.NotNil(t, resp.ID)
			assert.EqualValues(t, 7, *resp.ID)
			list, ok := resp.Body.(*ipc.IntegrationListResponse)
			require.True(t, ok)
			assert.Equal(t, "Kitty", list.Integrations[0].Name)

			// Exactly one response: nothing else arrives.
			require.NoError(t, nc.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
			_, _, err = ipc.ReadFrame(nc, 0)
			var ne net.Error
			require.ErrorAs(t, err, &ne)
			assert.True(t, ne.Timeout())
		})
	}
}

func TestRoutesFollowConnections(t *testing.T) {
	d := New(nil)
	path := socketPath(t)
	srv := serve(t, d, path)

	hooked := make(chan struct{}, 1)
	d.Subscribe(ipc.HookPrompt, "signal", func(context.Context, *ipc.Hook) { hooked <- struct{}{} })

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	frame, err := ipc.Serialize(ipc.NewHook(&ipc.PromptHook{Context: &ipc.ShellContext{SessionID: "s-1"}}), ipc.EncodingBinary)
	require.NoError(t, err)
	_, err = nc.Write(frame)
	require.NoError(t, err)

	select {
	case <-hooked:
	case <-time.After(2 * time.Second):
		t.Fatal("hook not dispatched")
	}
	connID, ok := d.SessionConn("s-1")
	require.True(t, ok)
	_, live := srv.Conn(connID)
	assert.True(t, live)

	require.NoError(t, nc.Close())
	require.Eventually(t, func() bool {
		_, ok := d.SessionConn("s-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, d.Routes())
}
