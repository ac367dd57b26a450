// Package db opens the SQLite archive that backs the audit trail and the
// event log.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".actionline"
	fileName = "actionline.db"

	defaultBusyTimeout = 5 * time.Second
	defaultSynchronous = "NORMAL"
)

// ErrNotWAL is returned when SQLite refused to switch the archive to WAL,
// e.g. on a filesystem without shared memory.
var ErrNotWAL = errors.New("archive is not in WAL mode")

// Config locates the archive and tunes its connection. serve appends while
// the CLI reads, so the archive always runs in WAL mode.
type Config struct {
	Workspace   string
	BusyTimeout time.Duration
	Synchronous string
}

// Dir is the state directory holding the archive.
func (c Config) Dir() string {
	ws := c.Workspace
	if ws == "" {
		ws = "."
	}
	return filepath.Join(ws, stateDir)
}

func (c Config) Path() string {
	return filepath.Join(c.Dir(), fileName)
}

// Pragmas lists the connection pragmas in the order SQLite applies them.
func (c Config) Pragmas() []string {
	busy := c.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	sync := strings.ToUpper(c.Synchronous)
	if sync == "" {
		sync = defaultSynchronous
	}
	return []string{
		"journal_mode(WAL)",
		fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()),
		fmt.Sprintf("synchronous(%s)", sync),
	}
}

func (c Config) DSN() string {
	var b strings.Builder
	b.WriteString("file:")
	b.WriteString(c.Path())
	for i, p := range c.Pragmas() {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString("_pragma=")
		b.WriteString(p)
	}
	return b.String()
}

// Open creates the state directory, opens the archive with a single writer
// connection and checks that WAL took effect.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if err := os.MkdirAll(cfg.Dir(), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	conn, err := sql.Open("sqlite", cfg.DSN())
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	var mode string
	if err := conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read journal mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: journal_mode=%s", ErrNotWAL, mode)
	}
	return conn, nil
}

// Path returns the archive path for a workspace.
func Path(workspace string) string {
	return Config{Workspace: workspace}.Path()
}
