package platform

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlatformString(t *testing.T) {
	tests := []struct {
		platform Platform
		expected string
	}{
		{PlatformMacOS, "macOS"},
		{PlatformLinux, "Linux"},
		{PlatformWSL1, "WSL1"},
		{PlatformWSL2, "WSL2"},
		{PlatformWindows, "Windows"},
		{PlatformUnknown, "Unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.platform.String())
	}
}

func TestDetectLinuxVariants(t *testing.T) {
	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}
	version := func(v string) func(string) ([]byte, error) {
		return func(string) ([]byte, error) {
			if v == "" {
				return nil, errors.New("unreadable")
			}
			return []byte(v), nil
		}
	}
	none := func(string) bool { return false }

	tests := []struct {
		name    string
		goos    string
		vars    map[string]string
		version string
		exists  func(string) bool
		want    Platform
	}{
		{"darwin", "darwin", nil, "", none, PlatformMacOS},
		{"windows", "windows", nil, "", none, PlatformWindows},
		{"freebsd", "freebsd", nil, "", none, PlatformUnknown},
		{"native linux", "linux", nil, "Linux version 6.8.0-generic", none, PlatformLinux},
		{"unreadable proc", "linux", nil, "", none, PlatformLinux},
		{"wsl2 kernel", "linux", nil, "Linux version 5.15.90.1-microsoft-standard-WSL2", none, PlatformWSL2},
		{"wsl1 kernel", "linux", nil, "Linux version 4.4.0-19041-Microsoft", none, PlatformWSL1},
		{"wsl env with vsock", "linux", map[string]string{"WSL_DISTRO_NAME": "Ubuntu"}, "", func(p string) bool { return p == "/dev/vsock" }, PlatformWSL2},
		{"wsl env fallback", "linux", map[string]string{"WSL_DISTRO_NAME": "Ubuntu"}, "", none, PlatformWSL1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, detect(tt.goos, env(tt.vars), version(tt.version), tt.exists))
		})
	}
}

func TestDetectOnCurrentPlatform(t *testing.T) {
	p := Detect()
	assert.Equal(t, p, Detect(), "cached")
	switch runtime.GOOS {
	case "darwin":
		assert.Equal(t, PlatformMacOS, p)
		assert.True(t, SupportsUnixSockets())
	case "linux":
		assert.Contains(t, []Platform{PlatformLinux, PlatformWSL1, PlatformWSL2}, p)
	}
	assert.Contains(t, Describe(), runtime.GOARCH)
}

func TestFsnotifyWarning(t *testing.T) {
	mounts := `rootfs / ext4 rw 0 0
drvfs /mnt/c 9p rw 0 0
server:/export /home/u/nfs nfs4 rw 0 0
u@host:/ /home/u/remote fuse.sshfs rw 0 0
`
	assert.Empty(t, fsnotifyWarning("/home/u/.termbridge/settings.json", mounts))
	assert.Contains(t, fsnotifyWarning("/mnt/c/Users/u/settings.json", mounts), "9p")
	assert.Contains(t, fsnotifyWarning("/home/u/nfs/settings.json", mounts), "NFS")
	assert.Contains(t, fsnotifyWarning("/home/u/remote/x", mounts), "SSHFS")
}

func TestParseLsofCwd(t *testing.T) {
	assert.Equal(t, "/Users/u/src", parseLsofCwd([]byte("p123\nfcwd\nn/Users/u/src\n")))
	assert.Empty(t, parseLsofCwd([]byte("p123\n")))
}

func TestProcessWorkingDir(t *testing.T) {
	assert.Empty(t, ProcessWorkingDir(0))
	if runtime.GOOS != "linux" {
		t.Skip("procfs only")
	}
	wd, err := os.Getwd()
	assert.NoError(t, err)
	wd, err = filepath.EvalSymlinks(wd)
	assert.NoError(t, err)
	assert.Equal(t, wd, ProcessWorkingDir(int32(os.Getpid())))
}

func TestDetectTerminal(t *testing.T) {
	tests := []struct {
		vars map[string]string
		want string
	}{
		{map[string]string{"TERM_PROGRAM": "iTerm.app"}, "iterm2"},
		{map[string]string{"KITTY_WINDOW_ID": "1"}, "kitty"},
		{map[string]string{"ALACRITTY_SOCKET": "/tmp/a"}, "alacritty"},
		{map[string]string{"TERM_PROGRAM": "vscode"}, "vscode"},
		{map[string]string{"WEZTERM_PANE": "0"}, "wezterm"},
		{map[string]string{"GNOME_TERMINAL_SCREEN": "/org/gnome"}, "gnome-terminal"},
		{map[string]string{"TERM_PROGRAM": "Ghostty"}, "ghostty"},
		{nil, "unknown"},
	}
	for _, tt := range tests {
		tt := tt
		got := DetectTerminal(func(k string) string { return tt.vars[k] })
		assert.Equal(t, tt.want, got, "%v", tt.vars)
	}

	assert.True(t, InTmux(func(k string) string {
		return map[string]string{"TMUX": "/tmp/tmux-1000/default,1,0", "TMUX_PANE": "%3"}[k]
	}))
	assert.False(t, InTmux(func(string) string { return "" }))
}
