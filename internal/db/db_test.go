package db

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPragmasDefaults(t *testing.T) {
	cfg := Config{Workspace: "/srv/clinic"}
	assert.Equal(t, []string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(NORMAL)"}, cfg.Pragmas())
	assert.Equal(t, filepath.Join("/srv/clinic", ".actionline", "actionline.db"), cfg.Path())
	assert.Equal(t,
		"file:"+cfg.Path()+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)",
		cfg.DSN())
}

func TestPragmasFollowConfig(t *testing.T) {
	cfg := Config{BusyTimeout: 750 * time.Millisecond, Synchronous: "full"}
	assert.Equal(t, []string{"journal_mode(WAL)", "busy_timeout(750)", "synchronous(FULL)"}, cfg.Pragmas())
	assert.Equal(t, filepath.Join(".", ".actionline"), cfg.Dir())
	assert.Equal(t, cfg.Path(), Path(""))
}

func TestOpenCreatesArchiveInWAL(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	conn, err := Open(ctx, Config{Workspace: dir, BusyTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.ExecContext(ctx, "CREATE TABLE t (id INTEGER PRIMARY KEY)")
	require.NoError(t, err)
	_, err = os.Stat(Path(dir))
	require.NoError(t, err)

	var mode string
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", mode)
	var busy int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busy))
	assert.Equal(t, 2000, busy)
	var sync int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&sync))
	assert.Equal(t, 1, sync, "NORMAL")
}

func TestOpenFailsWhenStateDirIsAFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".actionline"), []byte("x"), 0o644))
	_, err := Open(context.Background(), Config{Workspace: dir})
	assert.Error(t, err)
}
