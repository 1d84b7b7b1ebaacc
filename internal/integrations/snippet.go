package integrations

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const (
	markerStart = "# >>> termbridge >>>"
	markerEnd   = "# <<< termbridge <<<"
)

// SnippetProvider owns a marked block inside a configuration file.
type SnippetProvider struct {
	id      string
	name    string
	path    string
	snippet string
	// program is looked up on PATH to decide availability. Empty means always.
	program  string
	lookPath func(string) (string, error)
}

// NewSnippet returns a provider that manages snippet inside path.
func NewSnippet(id, name, path, program, snippet string) *SnippetProvider {
	return &SnippetProvider{
		id:       id,
		name:     name,
		path:     path,
		snippet:  strings.TrimRight(snippet, "\n"),
		program:  program,
		lookPath: exec.LookPath,
	}
}

func (p *SnippetProvider) ID() string   { return p.id }
func (p *SnippetProvider) Name() string { return p.name }
func (p *SnippetProvider) Path() string { return p.path }

func (p *SnippetProvider) Available() bool {
	if p.program == "" {
		return true
	}
	_, err := p.lookPath(p.program)
	return err == nil
}

func (p *SnippetProvider) block() string {
	return markerStart + "\n" + p.snippet + "\n" + markerEnd + "\n"
}

func (p *SnippetProvider) read() (string, error) {
	data, err := os.ReadFile(p.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// findBlock returns the byte range of the marked block, end exclusive and
// including its trailing newline.
func findBlock(content string) (start, end int, ok bool) {
	start = strings.Index(content, markerStart)
	if start < 0 {
		return 0, 0, false
	}
	rel := strings.Index(content[start:], markerEnd)
	if rel < 0 {
		return 0, 0, false
	}
	end = start + rel + len(markerEnd)
	if end < len(content) && content[end] == '\n' {
		end++
	}
	return start, end, true
}

func (p *SnippetProvider) Verify(ctx context.Context) Status {
	content, err := p.read()
	if err != nil {
		return failed("read %s: %v", p.path, err)
	}
	start, end, ok := findBlock(content)
	if !ok {
		return Status{Kind: StatusNotInstalled}
	}
	if strings.TrimRight(content[start:end], "\n") != strings.TrimRight(p.block(), "\n") {
		return failed("%s has an outdated integration block", p.path)
	}
	return Status{Kind: StatusInstalled}
}

func (p *SnippetProvider) Install(ctx context.Context) Status {
	content, err := p.read()
	if err != nil {
		return failed("read %s: %v", p.path, err)
	}
	if start, end, ok := findBlock(content); ok {
		content = content[:start] + p.block() + content[end:]
	} else {
		if content != "" && !strings.HasSuffix(content, "\n") {
			content += "\n"
		}
		content += p.block()
	}
	if err := writeAtomic(p.path, content); err != nil {
		return failed("%v", err)
	}
	return Status{Kind: StatusInstalled}
}

func (p *SnippetProvider) Uninstall(ctx context.Context) Status {
	content, err := p.read()
	if err != nil {
		return failed("read %s: %v", p.path, err)
	}
	start, end, ok := findBlock(content)
	if !ok {
		return Status{Kind: StatusNotInstalled}
	}
	if err := writeAtomic(p.path, content[:start]+content[end:]); err != nil {
		return failed("%v", err)
	}
	return Status{Kind: StatusNotInstalled}
}

func writeAtomic(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	mode := os.FileMode(0o644)
	if st, err := os.Stat(path); err == nil {
		mode = st.Mode().Perm()
	}
	tmp := path + ".termbridge.tmp"
	if err := os.WriteFile(tmp, []byte(content), mode); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// Defaults returns the built-in providers rooted at home. cli is the
// command the snippets invoke.
func Defaults(home, cli string) []Provider {
	if cli == "" {
		cli = "termbridge"
	}
	return []Provider{
		NewSnippet("zsh", "Zsh", filepath.Join(home, ".zshrc"), "zsh",
			fmt.Sprintf(`[ -z "$TERMBRIDGE_PTY" ] && eval "$(%s init zsh)"`, cli)),
		NewSnippet("bash", "Bash", filepath.Join(home, ".bashrc"), "bash",
			fmt.Sprintf(`[ -z "$TERMBRIDGE_PTY" ] && eval "$(%s init bash)"`, cli)),
		NewSnippet("fish", "Fish", filepath.Join(home, ".config", "fish", "conf.d", "termbridge.fish"), "fish",
			fmt.Sprintf(`test -z "$TERMBRIDGE_PTY"; and %s init fish | source`, cli)),
		NewSnippet("tmux", "tmux", filepath.Join(home, ".tmux.conf"), "tmux",
			fmt.Sprintf(`set-hook -g pane-focus-in 'run-shell -b "%s hook tmux-pane-changed #{pane_id}"'`, cli)),
	}
}
