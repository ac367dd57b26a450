package events_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"actionline/internal/activity"
	"actionline/internal/db"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/migrate"
)

func TestRecordWritesOneEventPerTransition(t *testing.T) {
	conn, err := db.Open(context.Background(), db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	_, err = migrate.Migrate(context.Background(), conn)
	require.NoError(t, err)

	w := events.Writer{DB: conn}
	tracker := activity.NewTracker()
	ch, unsubscribe := tracker.Subscribe("")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Record(ctx, ch, nil) }()

	a, err := tracker.Create(activity.CreateOptions{Type: domain.ActivityCall, Title: "Call patient back", SubjectID: "p-1",
		Details: map[string]any{"requested_by": "nurse-joy"}})
	require.NoError(t, err)
	_, _ = tracker.Transition(a.ID, domain.StatusInProgress, nil)
	_, _ = tracker.Transition(a.ID, domain.StatusFailed, map[string]any{"reason": "no answer"})

	require.Eventually(t, func() bool {
		evts, err := w.List(context.Background(), a.ID, 0)
		return err == nil && len(evts) == 3
	}, 2*time.Second, 10*time.Millisecond)
	unsubscribe()
	require.NoError(t, <-done)
	cancel()

	evts, err := w.List(context.Background(), a.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, "activity.failed", evts[0].Type)
	assert.Equal(t, "no answer", evts[0].Payload["reason"])
	assert.Equal(t, "nurse-joy", evts[0].ActorID)
	assert.Equal(t, "p-1", evts[0].SubjectID)
	assert.Equal(t, "activity.pending", evts[2].Type)

	latest, err := w.List(context.Background(), "", 1)
	require.NoError(t, err)
	assert.Len(t, latest, 1)
}
