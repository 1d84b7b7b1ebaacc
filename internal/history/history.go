// Package history stores commands reported by post-exec hooks in SQLite.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tchow-twistedxcom/termbridge/internal/dispatch"
	"github.com/tchow-twistedxcom/termbridge/internal/ipc"
	"github.com/tchow-twistedxcom/termbridge/internal/logging"
)

var historyLog = logging.ForComponent(logging.CompHistory)

// SchemaVersion tracks the current database schema version.
const SchemaVersion = 1

// Store wraps the history database. Safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Entry is one executed command.
type Entry struct {
	ID        int64
	SessionID string
	Command   string
	Cwd       string
	ExitCode  int32
	Shell     string
	Hostname  string
	TTY       string
	PID       int32
	CreatedAt time.Time
}

// Open creates or opens the database at dbPath with WAL mode and busy timeout.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("history: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("history: open: %w", err)
	}

	// One connection: pragmas apply per connection and writes serialize anyway.
	db.SetMaxOpenConns(1)

	// WAL lets the CLI read while the host writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: wal mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: busy timeout: %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("history: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("history: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS history (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL DEFAULT '',
			command    TEXT NOT NULL,
			cwd        TEXT NOT NULL DEFAULT '',
			exit_code  INTEGER NOT NULL DEFAULT 0,
			shell      TEXT NOT NULL DEFAULT '',
			hostname   TEXT NOT NULL DEFAULT '',
			tty        TEXT NOT NULL DEFAULT '',
			pid        INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("history: create history: %w", err)
	}

	if _, err := tx.Exec(`CREATE INDEX IF NOT EXISTS history_created ON history (created_at)`); err != nil {
		return fmt.Errorf("history: create index: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, strconv.Itoa(SchemaVersion)); err != nil {
		return fmt.Errorf("history: set schema version: %w", err)
	}

	return tx.Commit()
}

// Record appends e and returns its id. A zero CreatedAt is set to now.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	if strings.TrimSpace(e.Command) == "" {
		return 0, nil
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO history (session_id, command, cwd, exit_code, shell, hostname, tty, pid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.SessionID, e.Command, e.Cwd, e.ExitCode, e.Shell, e.Hostname, e.TTY, e.PID, e.CreatedAt.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("history: record: %w", err)
	}
	return res.LastInsertId()
}

const selectColumns = `id, session_id, command, cwd, exit_code, shell, hostname, tty, pid, created_at`

// Recent returns up to limit entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM history ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	return scanEntries(rows)
}

// Search returns up to limit entries whose command contains query, newest first.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Entry, error) {
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM history WHERE command LIKE ? ESCAPE '\' ORDER BY id DESC LIMIT ?`,
		pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}
	return scanEntries(rows)
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Command, &e.Cwd, &e.ExitCode,
			&e.Shell, &e.Hostname, &e.TTY, &e.PID, &created); err != nil {
			return nil, fmt.Errorf("history: scan: %w", err)
		}
		e.CreatedAt = time.Unix(0, created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM history").Scan(&n)
	return n, err
}

// Prune keeps the newest keep entries and returns how many were removed.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM history WHERE id NOT IN (
			SELECT id FROM history ORDER BY id DESC LIMIT ?
		)
	`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return res.RowsAffected()
}

// Clear removes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM history"); err != nil {
		return fmt.Errorf("history: clear: %w", err)
	}
	return nil
}

// SetMeta sets a key-value pair in the metadata table.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// EntryFromHook converts a post-exec hook into an entry.
func EntryFromHook(h *ipc.PostExecHook) Entry {
	e := Entry{Command: h.Command, ExitCode: h.ExitCode}
	if c := h.Context.Active(); c != nil {
		e.SessionID = c.SessionID
		e.Cwd = c.CurrentWorkingDirectory
		e.Shell = c.ProcessName
		e.Hostname = c.Hostname
		e.TTY = c.TTYs
		e.PID = c.PID
	}
	return e
}

// Subscribe records every post-exec hook dispatched by d.
func (s *Store) Subscribe(d *dispatch.Dispatcher) {
	d.Subscribe(ipc.HookPostExec, "history", func(ctx context.Context, h *ipc.Hook) {
		b, ok := h.Body.(*ipc.PostExecHook)
		if !ok {
			return
		}
		if _, err := s.Record(ctx, EntryFromHook(b)); err != nil {
			historyLog.Warn("history_record_failed", slog.String("error", err.Error()))
			return
		}
		logging.Aggregate(logging.CompHistory, "command_recorded")
	})
}
