package activity

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"actionline/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newActivity(t *testing.T, tr *Tracker, subject string) domain.Activity {
	t.Helper()
	a, err := tr.Create(CreateOptions{Type: domain.ActivityReminder, Title: "Send reminders", SubjectID: subject, ActionID: "send-reminders"})
	require.NoError(t, err)
	return a
}

func TestLifecycleHappyPath(t *testing.T) {
	tr := NewTracker()
	a := newActivity(t, tr, "p-1")
	assert.Equal(t, domain.StatusPending, a.Status)

	a, err := tr.Transition(a.ID, domain.StatusInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, a.Attempts)

	a, err = tr.Transition(a.ID, domain.StatusCompleted, map[string]any{"messages_sent": 12})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, a.Status)
	assert.Equal(t, 12, a.Details["messages_sent"])
}

func TestCompletedIsTerminal(t *testing.T) {
	tr := NewTracker()
	a := newActivity(t, tr, "")
	_, err := tr.Transition(a.ID, domain.StatusInProgress, nil)
	require.NoError(t, err)
	_, err = tr.Transition(a.ID, domain.StatusCompleted, nil)
	require.NoError(t, err)

	for _, next := range []string{domain.StatusPending, domain.StatusInProgress, domain.StatusFailed, domain.StatusCompleted} {
		_, err := tr.Transition(a.ID, next, nil)
		var ite domain.InvalidTransitionError
		require.True(t, errors.As(err, &ite), next)
		assert.Equal(t, domain.StatusCompleted, ite.From)
		assert.Equal(t, a.ID, ite.ID)
	}
	got, err := tr.Get(a.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestRetryFromFailed(t *testing.T) {
	tr := NewTracker()
	a := newActivity(t, tr, "")
	_, _ = tr.Transition(a.ID, domain.StatusInProgress, nil)
	_, err := tr.Transition(a.ID, domain.StatusFailed, map[string]any{"reason": "boom"})
	require.NoError(t, err)
	a, err = tr.Transition(a.ID, domain.StatusInProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, "boom", a.Details["reason"])
}

func TestInvalidEdges(t *testing.T) {
	cases := []struct {
		from []string
		to   string
	}{
		{nil, domain.StatusCompleted},
		{nil, domain.StatusFailed},
		{[]string{domain.StatusInProgress}, domain.StatusPending},
		{[]string{domain.StatusInProgress, domain.StatusFailed}, domain.StatusCompleted},
		{[]string{domain.StatusInProgress, domain.StatusFailed}, domain.StatusPending},
		{nil, "archived"},
	}
	for _, tc := range cases {
		tr := NewTracker()
		a := newActivity(t, tr, "")
		for _, step := range tc.from {
			_, err := tr.Transition(a.ID, step, nil)
			require.NoError(t, err)
		}
		_, err := tr.Transition(a.ID, tc.to, nil)
		var ite domain.InvalidTransitionError
		assert.True(t, errors.As(err, &ite), "%v -> %s", tc.from, tc.to)
	}
}

func TestCreateValidation(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Create(CreateOptions{Type: "dance", Title: "x"})
	assert.Error(t, err)
	_, err = tr.Create(CreateOptions{Type: domain.ActivityCall})
	assert.Error(t, err)
}

func TestGetUnknown(t *testing.T) {
	tr := NewTracker()
	_, err := tr.Get("missing")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = tr.Transition("missing", domain.StatusInProgress, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestListFilters(t *testing.T) {
	tr := NewTracker()
	clock := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { clock = clock.Add(time.Second); return clock }
	a := newActivity(t, tr, "p-1")
	b := newActivity(t, tr, "p-2")
	c := newActivity(t, tr, "p-1")
	_, _ = tr.Transition(c.ID, domain.StatusInProgress, nil)

	all := tr.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, c.ID, all[0].ID)
	assert.Equal(t, a.ID, all[2].ID)

	p1 := tr.List(Filter{SubjectID: "p-1"})
	assert.Len(t, p1, 2)
	running := tr.List(Filter{Status: domain.StatusInProgress})
	require.Len(t, running, 1)
	assert.Equal(t, c.ID, running[0].ID)
	assert.Len(t, tr.List(Filter{SubjectID: b.SubjectID}), 1)
}

func TestSubscribeBySubject(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe("p-1")
	defer cancel()

	other := newActivity(t, tr, "p-2")
	_, _ = tr.Transition(other.ID, domain.StatusInProgress, nil)
	mine := newActivity(t, tr, "p-1")
	_, _ = tr.Transition(mine.ID, domain.StatusInProgress, nil)
	_, _ = tr.Transition(mine.ID, domain.StatusFailed, nil)
	_, _ = tr.Transition(mine.ID, domain.StatusInProgress, nil)

	var got []Transition
	for i := 0; i < 4; i++ {
		select {
		case evt := <-ch:
			got = append(got, evt)
		case <-time.After(time.Second):
			t.Fatalf("expected transition %d", i)
		}
	}
	for _, evt := range got {
		assert.Equal(t, mine.ID, evt.Activity.ID)
	}
	assert.Equal(t, "", got[0].From)
	assert.True(t, got[2].IsTerminal())
	assert.True(t, got[3].IsRetry())

	select {
	case evt := <-ch:
		t.Fatalf("unexpected transition %+v", evt)
	default:
	}
}

func TestSubscribeAllAndCancel(t *testing.T) {
	tr := NewTracker()
	ch, cancel := tr.Subscribe("")
	newActivity(t, tr, "p-9")
	evt := <-ch
	assert.Equal(t, "p-9", evt.Activity.SubjectID)

	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)
	newActivity(t, tr, "p-9")
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	tr := NewTracker()
	_, cancel := tr.Subscribe("")
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < defaultSubscriberBuffer*3; i++ {
			newActivity(t, tr, "")
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tracker blocked on a full subscriber")
	}
}

func TestConcurrentTransitionsStayMonotonic(t *testing.T) {
	tr := NewTracker()
	a := newActivity(t, tr, "")
	_, _ = tr.Transition(a.ID, domain.StatusInProgress, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	completed := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := tr.Transition(a.ID, domain.StatusCompleted, nil); err == nil {
				mu.Lock()
				completed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, completed)
}
