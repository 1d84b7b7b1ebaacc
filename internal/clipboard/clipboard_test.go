package clipboard

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tchow-twistedxcom/termbridge/internal/platform"
)

type recorder struct {
	name string
	args []string
	text string
}

func fakeOptions(p platform.Platform, env map[string]string, installed ...string) (Options, *recorder) {
	rec := &recorder{}
	have := map[string]bool{}
	for _, name := range installed {
		have[name] = true
	}
	return Options{
		Platform: p,
		Getenv:   func(k string) string { return env[k] },
		LookPath: func(name string) (string, error) {
			if have[name] {
				return "/usr/bin/" + name, nil
			}
			return "", errors.New("not found")
		},
		Run: func(name string, args []string, text string) error {
			rec.name, rec.args, rec.text = name, args, text
			return nil
		},
	}, rec
}

func TestCopyRejectsEmpty(t *testing.T) {
	_, err := Copy("", Options{})
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestCopyPrefersNativeTools(t *testing.T) {
	tests := []struct {
		name      string
		platform  platform.Platform
		env       map[string]string
		installed []string
		want      string
		wantArgs  []string
	}{
		{"macos", platform.PlatformMacOS, nil, []string{"pbcopy"}, "pbcopy", nil},
		{"wsl", platform.PlatformWSL2, nil, []string{"clip.exe"}, "clip.exe", nil},
		{"wayland", platform.PlatformLinux, map[string]string{"WAYLAND_DISPLAY": "wayland-0"},
			[]string{"wl-copy", "xclip"}, "wl-copy", nil},
		{"x11 without wayland", platform.PlatformLinux, nil,
			[]string{"wl-copy", "xclip"}, "xclip", []string{"-selection", "clipboard"}},
		{"xsel fallback", platform.PlatformLinux, nil,
			[]string{"xsel"}, "xsel", []string{"--clipboard", "--input"}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			opts, rec := fakeOptions(tt.platform, tt.env, tt.installed...)
			res, err := Copy("a\nb\n", opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Method)
			assert.Equal(t, "/usr/bin/"+tt.want, rec.name)
			assert.Equal(t, tt.wantArgs, rec.args)
			assert.Equal(t, "a\nb\n", rec.text)
			assert.Equal(t, 4, res.ByteSize)
			assert.Equal(t, 2, res.LineCount)
		})
	}
}

func TestCopyFallsBackToOSC52(t *testing.T) {
	opts, _ := fakeOptions(platform.PlatformLinux, nil)
	var tty bytes.Buffer
	opts.TTY = &tty

	res, err := Copy("hello", opts)
	require.NoError(t, err)
	assert.Equal(t, "osc52", res.Method)
	encoded := base64.StdEncoding.EncodeToString([]byte("hello"))
	assert.Contains(t, tty.String(), "\x1b]52;c;"+encoded)
	assert.NotContains(t, tty.String(), "tmux")
}

func TestCopyOSC52InsideTmux(t *testing.T) {
	opts, _ := fakeOptions(platform.PlatformLinux, map[string]string{"TMUX": "/tmp/tmux-1/default,1,0", "TMUX_PANE": "%1"})
	var tty bytes.Buffer
	opts.TTY = &tty

	_, err := Copy("hello", opts)
	require.NoError(t, err)
	assert.Contains(t, tty.String(), "\x1bPtmux;")
}

func TestCopyUnavailable(t *testing.T) {
	opts, _ := fakeOptions(platform.PlatformLinux, nil)
	opts.DisableOSC52 = true
	_, err := Copy("x", opts)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 0, countLines(""))
	assert.Equal(t, 1, countLines("one"))
	assert.Equal(t, 3, countLines("1\n2\n3"))
	assert.Equal(t, 3, countLines("1\n2\n3\n"))
	assert.Equal(t, 3, countLines("\n\n\n"))
}
