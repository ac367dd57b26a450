package notices

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"actionline/internal/activity"
	"actionline/internal/config"
	"actionline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRender(t *testing.T) {
	a := domain.Activity{Title: "Send reminders", Attempts: 2, Details: map[string]any{"reason": "cancelled"}}
	cases := []struct {
		from, to string
		event    string
		message  string
	}{
		{"", domain.StatusPending, "", ""},
		{domain.StatusPending, domain.StatusInProgress, "", ""},
		{domain.StatusFailed, domain.StatusInProgress, EventRetrying, "Send reminders: retrying (attempt 2)"},
		{domain.StatusInProgress, domain.StatusCompleted, EventCompleted, "Send reminders: completed"},
		{domain.StatusInProgress, domain.StatusFailed, EventFailed, "Send reminders: failed (cancelled)"},
	}
	for _, tc := range cases {
		n, ok := Render(activity.Transition{Activity: a, From: tc.from, To: tc.to})
		assert.Equal(t, tc.event != "", ok, "%s -> %s", tc.from, tc.to)
		assert.Equal(t, tc.event, n.Event)
		assert.Equal(t, tc.message, n.Message)
	}
}

func TestEventFilter(t *testing.T) {
	assert.True(t, newEventFilter(nil).match(EventFailed))
	assert.True(t, newEventFilter([]string{" "}).match(EventFailed))
	f := newEventFilter([]string{EventFailed, " activity.retrying "})
	assert.True(t, f.match(EventFailed))
	assert.True(t, f.match(EventRetrying))
	assert.False(t, f.match(EventCompleted))
}

func TestRelayDeliversFilteredNotices(t *testing.T) {
	var mu sync.Mutex
	var got []Notice
	var secrets []string
	received := make(chan struct{}, 10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n Notice
		_ = json.NewDecoder(r.Body).Decode(&n)
		mu.Lock()
		got = append(got, n)
		secrets = append(secrets, r.Header.Get("X-Actionline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		received <- struct{}{}
	}))
	defer srv.Close()

	disabled := false
	tracker := activity.NewTracker()
	relay := &Relay{
		Source: tracker,
		Webhooks: []config.WebhookConfig{
			{URL: srv.URL, Events: []string{EventFailed, EventRetrying}, Secret: "s3cret"},
			{URL: srv.URL, Enabled: &disabled},
		},
		Client: &http.Client{Transport: &http.Transport{DisableKeepAlives: true}},
	}
	ctx, cancel := context.WithCancel(context.Background())
	wait := relay.Start(ctx)

	a, err := tracker.Create(activity.CreateOptions{Type: domain.ActivityCall, Title: "Call patient back", SubjectID: "p-1"})
	require.NoError(t, err)
	_, _ = tracker.Transition(a.ID, domain.StatusInProgress, nil)
	_, _ = tracker.Transition(a.ID, domain.StatusFailed, map[string]any{"reason": "no answer"})
	_, _ = tracker.Transition(a.ID, domain.StatusInProgress, nil)
	_, _ = tracker.Transition(a.ID, domain.StatusCompleted, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected delivery %d", i)
		}
	}
	cancel()
	require.NoError(t, wait())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.Equal(t, EventFailed, got[0].Event)
	assert.Equal(t, "Call patient back: failed (no answer)", got[0].Message)
	assert.Equal(t, EventRetrying, got[1].Event)
	assert.Equal(t, []string{"s3cret", "s3cret"}, secrets)
}

func TestRelayStopsWithoutHooks(t *testing.T) {
	tracker := activity.NewTracker()
	relay := &Relay{Source: tracker}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()
	a, _ := tracker.Create(activity.CreateOptions{Type: domain.ActivityCall, Title: "x"})
	_, _ = tracker.Transition(a.ID, domain.StatusInProgress, nil)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
