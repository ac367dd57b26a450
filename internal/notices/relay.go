// Package notices turns activity transitions into one-line user notices and
// relays them to the log and to configured webhooks.
package notices

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"actionline/internal/activity"
	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/observability"
)

const (
	EventRetrying  = "activity.retrying"
	EventCompleted = "activity.completed"
	EventFailed    = "activity.failed"

	defaultQueueSize      = 256
	defaultWebhookTimeout = 5 * time.Second
)

type Notice struct {
	ID       string          `json:"id"`
	Event    string          `json:"event"`
	Message  string          `json:"message"`
	Activity domain.Activity `json:"activity"`
	TS       time.Time       `json:"ts"`
}

// Render returns the notice for a transition, if it warrants one.
func Render(tr activity.Transition) (Notice, bool) {
	a := tr.Activity
	n := Notice{ID: uuid.New().String(), Activity: a, TS: a.UpdatedAt}
	switch {
	case tr.IsRetry():
		n.Event = EventRetrying
		n.Message = fmt.Sprintf("%s: retrying (attempt %d)", a.Title, a.Attempts)
	case tr.To == domain.StatusCompleted:
		n.Event = EventCompleted
		n.Message = fmt.Sprintf("%s: completed", a.Title)
	case tr.To == domain.StatusFailed:
		n.Event = EventFailed
		n.Message = fmt.Sprintf("%s: failed", a.Title)
		if reason, ok := a.Details["reason"].(string); ok && reason != "" {
			n.Message = fmt.Sprintf("%s: failed (%s)", a.Title, reason)
		}
	default:
		return Notice{}, false
	}
	return n, true
}

// Source is the subscription side of the activity tracker.
type Source interface {
	Subscribe(subjectID string) (<-chan activity.Transition, func())
}

// Relay subscribes to every transition and delivers notices until its
// context is cancelled.
type Relay struct {
	Source    Source
	Webhooks  []config.WebhookConfig
	Logger    *zap.Logger
	Client    *http.Client
	QueueSize int
}

func (r *Relay) logger() *zap.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return zap.NewNop()
}

func (r *Relay) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return &http.Client{Timeout: defaultWebhookTimeout}
}

// Run blocks until ctx is done. Notices that do not fit the queue are
// dropped and logged.
func (r *Relay) Run(ctx context.Context) error {
	return r.Start(ctx)()
}

// Start subscribes before returning, so no transition after Start is missed,
// and returns a func that waits for the relay to stop.
func (r *Relay) Start(ctx context.Context) func() error {
	transitions, cancel := r.Source.Subscribe("")
	size := r.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	queue := make(chan Notice, size)
	client := r.client()
	hooks := activeHooks(r.Webhooks)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(queue)
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case tr, ok := <-transitions:
				if !ok {
					return nil
				}
				n, ok := Render(tr)
				if !ok {
					continue
				}
				r.logger().Info(n.Message,
					zap.String("event", n.Event),
					zap.String("activity_id", n.Activity.ID),
					zap.String("subject_id", n.Activity.SubjectID))
				if len(hooks) == 0 {
					continue
				}
				select {
				case queue <- n:
				default:
					r.logger().Warn("notice queue full; dropping", zap.String("notice_id", n.ID))
					observability.RecordNoticeDelivery("dropped")
				}
			}
		}
	})
	g.Go(func() error {
		defer client.CloseIdleConnections()
		for n := range queue {
			if gctx.Err() != nil {
				continue
			}
			for _, hook := range hooks {
				if !hook.filter.match(n.Event) {
					continue
				}
				if err := postNotice(gctx, client, hook.WebhookConfig, n); err != nil {
					r.logger().Warn("notice delivery failed", zap.String("url", hook.URL), zap.Error(err))
					observability.RecordNoticeDelivery("failed")
					continue
				}
				observability.RecordNoticeDelivery("delivered")
			}
		}
		return nil
	})
	return g.Wait
}

type hook struct {
	config.WebhookConfig
	filter eventFilter
}

func activeHooks(in []config.WebhookConfig) []hook {
	out := make([]hook, 0, len(in))
	for _, h := range in {
		if h.Enabled != nil && !*h.Enabled {
			continue
		}
		if strings.TrimSpace(h.URL) == "" {
			continue
		}
		out = append(out, hook{WebhookConfig: h, filter: newEventFilter(h.Events)})
	}
	return out
}

func postNotice(ctx context.Context, client *http.Client, h config.WebhookConfig, n Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if h.TimeoutSeconds > 0 {
		timeout = time.Duration(h.TimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actionline-Event", n.Event)
	req.Header.Set("X-Actionline-Delivery", n.ID)
	if strings.TrimSpace(h.Secret) != "" {
		req.Header.Set("X-Actionline-Secret", h.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
