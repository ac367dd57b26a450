// Package audit keeps the append-only trail of execution attempts.
package audit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionline/internal/domain"
)

const topActions = 5

// Sink receives every appended entry, e.g. a durable archive.
type Sink interface {
	AppendAudit(ctx context.Context, entry domain.AuditLogEntry) error
}

// Store is a bounded ring of audit entries. Writes are serialized; reads
// copy under a read lock.
type Store struct {
	mu       sync.RWMutex
	entries  []domain.AuditLogEntry
	head     int // index of the oldest entry once the ring is full
	capacity int

	Sink   Sink
	Logger *zap.Logger
	Now    func() time.Time
}

func NewStore(capacity int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		capacity: capacity,
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Store) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Append records entry, filling ID and Timestamp when empty, and returns a
// copy of what was stored. The oldest entry is overwritten once capacity is
// reached.
func (s *Store) Append(ctx context.Context, entry domain.AuditLogEntry) domain.AuditLogEntry {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now().UTC()
	}
	entry = clone(entry)

	s.mu.Lock()
	if len(s.entries) < s.capacity {
		s.entries = append(s.entries, entry)
	} else {
		s.entries[s.head] = entry
		s.head = (s.head + 1) % s.capacity
	}
	s.mu.Unlock()

	if s.Sink != nil {
		if err := s.Sink.AppendAudit(ctx, clone(entry)); err != nil {
			s.logger().Warn("audit sink append failed", zap.String("audit_id", entry.ID), zap.Error(err))
		}
	}
	return clone(entry)
}

// clone detaches the entry's maps from the ring.
func clone(e domain.AuditLogEntry) domain.AuditLogEntry {
	e.Context = e.Context.Snapshot()
	e.Details = domain.CloneMap(e.Details)
	return e
}

// at returns the i-th entry counting from the oldest. Callers hold mu.
func (s *Store) at(i int) domain.AuditLogEntry {
	return s.entries[(s.head+i)%len(s.entries)]
}

// Restore replaces the ring contents, keeping the newest entries up to
// capacity. Restored entries are not forwarded to the sink.
func (s *Store) Restore(entries []domain.AuditLogEntry) {
	cp := make([]domain.AuditLogEntry, 0, len(entries))
	for _, e := range entries {
		cp = append(cp, clone(e))
	}
	sort.SliceStable(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })
	if len(cp) > s.capacity {
		cp = cp[len(cp)-s.capacity:]
	}
	s.mu.Lock()
	s.entries = cp
	s.head = 0
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

type Filter struct {
	ActorID         string
	Role            string
	ActionSubstring string
	From            time.Time
	To              time.Time
	Limit           int
}

func (f Filter) validate() error {
	if f.Limit < 0 {
		return fmt.Errorf("%w: negative limit", domain.ErrInvalidFilter)
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.From.After(f.To) {
		return fmt.Errorf("%w: from is after to", domain.ErrInvalidFilter)
	}
	return nil
}

func (f Filter) match(e domain.AuditLogEntry) bool {
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Role != "" && e.Role != f.Role {
		return false
	}
	if f.ActionSubstring != "" && !strings.Contains(strings.ToLower(e.ActionID), strings.ToLower(f.ActionSubstring)) {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Query returns matching entries, newest first.
func (s *Store) Query(f Filter) ([]domain.AuditLogEntry, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]domain.AuditLogEntry, 0, len(s.entries))
	for i := len(s.entries) - 1; i >= 0; i-- {
		if e := s.at(i); f.match(e) {
			out = append(out, clone(e))
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Metrics aggregates entries, optionally restricted to one role.
func (s *Store) Metrics(role string) domain.Metrics {
	now := s.now().UTC()
	s.mu.RLock()
	matched := make([]domain.AuditLogEntry, 0, len(s.entries))
	for i := range s.entries {
		if e := s.at(i); role == "" || e.Role == role {
			matched = append(matched, e)
		}
	}
	s.mu.RUnlock()

	m := domain.Metrics{MostUsedActions: []domain.ActionCount{}}
	if len(matched) == 0 {
		return m
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Timestamp.Before(matched[j].Timestamp) })

	y, mo, d := now.Date()
	dayStart := time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	weekStart := now.Add(-7 * 24 * time.Hour)
	counts := map[string]int{}
	firstSeen := map[string]int{}
	successes := 0
	for i, e := range matched {
		ts := e.Timestamp.UTC()
		if !ts.Before(dayStart) {
			m.TodayActions++
		}
		if ts.After(weekStart) {
			m.WeekActions++
		}
		if e.Success {
			successes++
		}
		if _, ok := firstSeen[e.ActionID]; !ok {
			firstSeen[e.ActionID] = i
		}
		counts[e.ActionID]++
	}
	m.TotalActions = len(matched)
	m.SuccessRate = round2(float64(successes) / float64(m.TotalActions) * 100)

	for id, n := range counts {
		m.MostUsedActions = append(m.MostUsedActions, domain.ActionCount{ActionID: id, Count: n})
	}
	sort.Slice(m.MostUsedActions, func(i, j int) bool {
		a, b := m.MostUsedActions[i], m.MostUsedActions[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return firstSeen[a.ActionID] < firstSeen[b.ActionID]
	})
	if len(m.MostUsedActions) > topActions {
		m.MostUsedActions = m.MostUsedActions[:topActions]
	}

	days := int(now.Sub(matched[0].Timestamp.UTC())/(24*time.Hour)) + 1
	if days < 1 {
		days = 1
	}
	m.AverageActionsPerDay = round2(float64(m.TotalActions) / float64(days))
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
