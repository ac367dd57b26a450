package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionline/internal/audit"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/migrate"
	"actionline/internal/repo"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)
	return repo.Repo{DB: conn}
}

func TestAuditArchiveRoundTrip(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC)
	entries := []domain.AuditLogEntry{
		{ID: "a1", ActorID: "dr", Role: "Doctor", ActionID: "send-reminders", RequiredCapability: "canModifySchedules", Timestamp: base, Success: true,
			Context: domain.ActionContext{ScreenScope: "agenda", Role: "Doctor", Aux: map[string]any{"source": "toolbar"}},
			Details: map[string]any{"label": "Send appointment reminders"}},
		{ID: "a2", ActorID: "nurse", Role: "Nurse", ActionID: "call-patient", Timestamp: base.Add(500 * time.Millisecond)},
		{ID: "a3", ActorID: "dr", Role: "Doctor", ActionID: "generate-medical-summary", Timestamp: base.Add(time.Second), Success: true},
	}
	for _, e := range entries {
		require.NoError(t, r.AppendAudit(ctx, e))
	}

	all, err := r.ListAudit(ctx, repo.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"a3", "a2", "a1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	got, err := r.GetAudit(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Timestamp.Equal(base))
	assert.True(t, got.Success)
	assert.Equal(t, "toolbar", got.Context.Aux["source"])
	assert.Equal(t, "Send appointment reminders", got.Details["label"])
	assert.Equal(t, "canModifySchedules", got.RequiredCapability)

	doctor, err := r.ListAudit(ctx, repo.AuditQuery{Role: "Doctor", Limit: 1})
	require.NoError(t, err)
	require.Len(t, doctor, 1)
	assert.Equal(t, "a3", doctor[0].ID)

	byAction, err := r.ListAudit(ctx, repo.AuditQuery{Action: "CALL"})
	require.NoError(t, err)
	require.Len(t, byAction, 1)
	assert.Equal(t, "a2", byAction[0].ID)

	since, err := r.ListAudit(ctx, repo.AuditQuery{Since: base.Add(100 * time.Millisecond)})
	require.NoError(t, err)
	assert.Len(t, since, 2)

	n, err := r.CountAudit(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = r.GetAudit(ctx, "missing")
	assert.True(t, errors.Is(err, repo.ErrNotFound))
}

func TestArchiveBacksAuditStore(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	store := audit.NewStore(10)
	store.Sink = r
	store.Append(ctx, domain.AuditLogEntry{ActorID: "dr", Role: "Doctor", ActionID: "send-reminders", Success: true})
	store.Append(ctx, domain.AuditLogEntry{ActorID: "dr", Role: "Doctor", ActionID: "optimize-schedule"})

	archived, err := r.ListAudit(ctx, repo.AuditQuery{})
	require.NoError(t, err)
	require.Len(t, archived, 2)

	restored := audit.NewStore(10)
	restored.Restore(archived)
	m := restored.Metrics("Doctor")
	assert.Equal(t, 2, m.TotalActions)
	assert.Equal(t, 50.0, m.SuccessRate)
}
