// Package activity owns the lifecycle of units of work spawned by actions.
package activity

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionline/internal/domain"
)

const defaultSubscriberBuffer = 32

// Transition is published to subscribers on every status change. From is
// empty for a newly created activity.
type Transition struct {
	Activity domain.Activity `json:"activity"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to"`
}

// IsRetry reports a failed -> in-progress move.
func (t Transition) IsRetry() bool {
	return t.From == domain.StatusFailed && t.To == domain.StatusInProgress
}

// IsTerminal reports a move into completed or failed.
func (t Transition) IsTerminal() bool {
	return t.To == domain.StatusCompleted || t.To == domain.StatusFailed
}

type subscription struct {
	subject string
	ch      chan Transition
	dropped int
}

// Tracker is the single owner of activity state. All mutations and
// notifications happen under one lock, so subscribers observe each
// activity's transitions in order.
type Tracker struct {
	mu      sync.RWMutex
	items   map[string]*domain.Activity
	subs    map[int]*subscription
	nextSub int

	Logger *zap.Logger
	Now    func() time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		items:  map[string]*domain.Activity{},
		subs:   map[int]*subscription{},
		Logger: zap.NewNop(),
		Now:    time.Now,
	}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now().UTC()
	}
	return time.Now().UTC()
}

func (t *Tracker) logger() *zap.Logger {
	if t.Logger != nil {
		return t.Logger
	}
	return zap.NewNop()
}

type CreateOptions struct {
	Type        string
	Title       string
	Description string
	SubjectID   string
	ActionID    string
	Details     map[string]any
}

// Create registers a pending activity. Direct commands may call it without
// going through the executor.
func (t *Tracker) Create(opts CreateOptions) (domain.Activity, error) {
	if !validType(opts.Type) {
		return domain.Activity{}, fmt.Errorf("unknown activity type %q", opts.Type)
	}
	if opts.Title == "" {
		return domain.Activity{}, fmt.Errorf("activity title is required")
	}
	now := t.now()
	a := &domain.Activity{
		ID:          uuid.New().String(),
		Type:        opts.Type,
		Title:       opts.Title,
		Description: opts.Description,
		Status:      domain.StatusPending,
		SubjectID:   opts.SubjectID,
		ActionID:    opts.ActionID,
		Details:     domain.CloneMap(opts.Details),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.items[a.ID] = a
	t.publishLocked(Transition{Activity: clone(a), To: a.Status})
	return clone(a), nil
}

// Transition moves an activity to status, merging details into the stored
// map. Moves outside the lifecycle graph return InvalidTransitionError.
func (t *Tracker) Transition(id, status string, details map[string]any) (domain.Activity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	a, ok := t.items[id]
	if !ok {
		return domain.Activity{}, fmt.Errorf("activity %s: %w", id, domain.ErrNotFound)
	}
	from := a.Status
	if err := ensureActivityTransition(id, from, status); err != nil {
		return clone(a), err
	}
	a.Status = status
	if status == domain.StatusInProgress {
		a.Attempts++
	}
	if len(details) > 0 {
		if a.Details == nil {
			a.Details = make(map[string]any, len(details))
		}
		for k, v := range details {
			a.Details[k] = v
		}
	}
	a.UpdatedAt = t.now()
	t.logger().Debug("activity transition",
		zap.String("activity_id", id), zap.String("from", from), zap.String("to", status))
	t.publishLocked(Transition{Activity: clone(a), From: from, To: status})
	return clone(a), nil
}

func ensureActivityTransition(id, from, to string) error {
	switch from {
	case domain.StatusPending:
		if to == domain.StatusInProgress {
			return nil
		}
	case domain.StatusInProgress:
		if to == domain.StatusCompleted || to == domain.StatusFailed {
			return nil
		}
	case domain.StatusFailed:
		if to == domain.StatusInProgress {
			return nil
		}
	}
	return domain.InvalidTransitionError{Entity: "activity", ID: id, From: from, To: to}
}

func (t *Tracker) Get(id string) (domain.Activity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	a, ok := t.items[id]
	if !ok {
		return domain.Activity{}, fmt.Errorf("activity %s: %w", id, domain.ErrNotFound)
	}
	return clone(a), nil
}

type Filter struct {
	SubjectID string
	Status    string
}

// List returns matching activities, newest first.
func (t *Tracker) List(f Filter) []domain.Activity {
	t.mu.RLock()
	out := make([]domain.Activity, 0, len(t.items))
	for _, a := range t.items {
		if f.SubjectID != "" && a.SubjectID != f.SubjectID {
			continue
		}
		if f.Status != "" && a.Status != f.Status {
			continue
		}
		out = append(out, clone(a))
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Subscribe streams transitions of activities tied to subjectID, or of all
// activities when subjectID is empty. Notifications are dropped rather than
// blocking the tracker when the subscriber falls behind. The returned func
// unsubscribes and closes the channel; it is safe to call more than once.
func (t *Tracker) Subscribe(subjectID string) (<-chan Transition, func()) {
	ch := make(chan Transition, defaultSubscriberBuffer)
	t.mu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = &subscription{subject: subjectID, ch: ch}
	t.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if sub, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (t *Tracker) publishLocked(tr Transition) {
	for _, sub := range t.subs {
		if sub.subject != "" && sub.subject != tr.Activity.SubjectID {
			continue
		}
		select {
		case sub.ch <- tr:
		default:
			sub.dropped++
			t.logger().Warn("activity subscriber lagging; notification dropped",
				zap.String("subject", sub.subject), zap.Int("dropped", sub.dropped))
		}
	}
}

func clone(a *domain.Activity) domain.Activity {
	out := *a
	out.Details = domain.CloneMap(a.Details)
	return out
}

func validType(t string) bool {
	for _, known := range domain.ActivityTypes {
		if known == t {
			return true
		}
	}
	return false
}
