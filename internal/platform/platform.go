// Package platform answers questions about the host OS: which platform it
// is, where a process is working and which terminal emulator a shell runs in.
package platform

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// Platform represents the detected platform
type Platform string

const (
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformWSL1    Platform = "wsl1"
	PlatformWSL2    Platform = "wsl2"
	PlatformWindows Platform = "windows"
	PlatformUnknown Platform = "unknown"
)

var (
	detectOnce sync.Once
	detected   Platform
)

// Detect returns the current platform, caching the result
func Detect() Platform {
	detectOnce.Do(func() {
		detected = detect(runtime.GOOS, os.Getenv, os.ReadFile, fileExists)
	})
	return detected
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func detect(goos string, getenv func(string) string, readFile func(string) ([]byte, error), exists func(string) bool) Platform {
	switch goos {
	case "darwin":
		return PlatformMacOS
	case "windows":
		return PlatformWindows
	case "linux":
	default:
		return PlatformUnknown
	}

	version, _ := readFile("/proc/version")
	v := string(version)
	if getenv("WSL_DISTRO_NAME") == "" && !strings.Contains(strings.ToLower(v), "microsoft") {
		return PlatformLinux
	}

	// WSL2 kernels say "microsoft-standard"; WSL1 says "Microsoft".
	switch {
	case strings.Contains(v, "microsoft-standard"):
		return PlatformWSL2
	case strings.Contains(v, "Microsoft"):
		return PlatformWSL1
	case exists("/run/WSL"), exists("/dev/vsock"):
		return PlatformWSL2
	}
	return PlatformWSL1
}

// IsWSL returns true if running in any WSL environment
func IsWSL() bool {
	p := Detect()
	return p == PlatformWSL1 || p == PlatformWSL2
}

// SupportsUnixSockets returns true if the platform reliably supports Unix domain sockets
func SupportsUnixSockets() bool {
	switch Detect() {
	case PlatformMacOS, PlatformLinux, PlatformWSL2:
		return true
	default:
		return false
	}
}

// String returns a human-readable platform name
func (p Platform) String() string {
	switch p {
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformWSL1:
		return "WSL1"
	case PlatformWSL2:
		return "WSL2"
	case PlatformWindows:
		return "Windows"
	default:
		return "Unknown"
	}
}

// Describe returns the platform and architecture, as shown by diagnostics.
func Describe() string {
	return fmt.Sprintf("%s (%s)", Detect(), runtime.GOARCH)
}

// CheckFsnotifySupport returns a warning when path lives on a filesystem
// where fsnotify events are unreliable (9p, nfs, cifs, sshfs), else "".
func CheckFsnotifySupport(path string) string {
	if runtime.GOOS != "linux" {
		return ""
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}
	mounts, err := os.ReadFile("/proc/mounts")
	if err != nil {
		return ""
	}
	return fsnotifyWarning(abs, string(mounts))
}

func fsnotifyWarning(abs, mounts string) string {
	// Longest mount point containing abs wins.
	var mountPoint, fsType string
	for _, line := range strings.Split(mounts, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		if strings.HasPrefix(abs, fields[1]) && len(fields[1]) > len(mountPoint) {
			mountPoint, fsType = fields[1], fields[2]
		}
	}

	switch {
	case fsType == "9p":
		return "settings on a 9p mount (WSL2 Windows filesystem): file changes are not detected, use restart-settings-listener"
	case fsType == "nfs" || fsType == "nfs4":
		return "settings on an NFS mount: file change detection may be unreliable"
	case fsType == "cifs" || fsType == "smbfs":
		return "settings on a CIFS/SMB mount: file change detection may be unreliable"
	case strings.HasPrefix(fsType, "fuse.sshfs"):
		return "settings on an SSHFS mount: file changes are not detected, use restart-settings-listener"
	}
	return ""
}

// ProcessWorkingDir returns the current directory of pid, or "" when it
// cannot be determined.
func ProcessWorkingDir(pid int32) string {
	if pid <= 0 {
		return ""
	}
	switch runtime.GOOS {
	case "linux":
		dir, err := os.Readlink(filepath.Join("/proc", strconv.Itoa(int(pid)), "cwd"))
		if err != nil {
			return ""
		}
		return dir
	case "darwin":
		out, err := exec.Command("lsof", "-a", "-p", strconv.Itoa(int(pid)), "-d", "cwd", "-Fn").Output()
		if err != nil {
			return ""
		}
		return parseLsofCwd(out)
	}
	return ""
}

// parseLsofCwd extracts the name field from `lsof -Fn` output.
func parseLsofCwd(out []byte) string {
	for _, line := range bytes.Split(out, []byte("\n")) {
		if len(line) > 1 && line[0] == 'n' {
			return string(line[1:])
		}
	}
	return ""
}

// DetectTerminal names the terminal emulator a shell is running in, from
// the variables terminals export into their children.
func DetectTerminal(getenv func(string) string) string {
	if getenv == nil {
		getenv = os.Getenv
	}
	termProgram := getenv("TERM_PROGRAM")
	switch {
	case termProgram == "WarpTerminal" || getenv("WARP_IS_LOCAL_SHELL_SESSION") != "":
		return "warp"
	case termProgram == "iTerm.app" || getenv("ITERM_SESSION_ID") != "":
		return "iterm2"
	case getenv("TERM") == "xterm-kitty" || getenv("KITTY_WINDOW_ID") != "":
		return "kitty"
	case getenv("ALACRITTY_SOCKET") != "" || getenv("ALACRITTY_LOG") != "":
		return "alacritty"
	case termProgram == "vscode" || getenv("VSCODE_INJECTION") != "":
		return "vscode"
	case getenv("WT_SESSION") != "":
		return "windows-terminal"
	case termProgram == "WezTerm" || getenv("WEZTERM_PANE") != "":
		return "wezterm"
	case termProgram == "Apple_Terminal":
		return "apple-terminal"
	case termProgram == "Hyper":
		return "hyper"
	case getenv("GNOME_TERMINAL_SCREEN") != "":
		return "gnome-terminal"
	case getenv("KONSOLE_VERSION") != "":
		return "konsole"
	case termProgram != "":
		return strings.ToLower(termProgram)
	}
	return "unknown"
}

// InTmux reports whether the environment belongs to a tmux pane.
func InTmux(getenv func(string) string) bool {
	if getenv == nil {
		getenv = os.Getenv
	}
	return getenv("TMUX") != "" && getenv("TMUX_PANE") != ""
}
