// Package events appends activity transitions to the archive's event log.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"actionline/internal/activity"
)

const tsLayout = "2006-01-02T15:04:05.000000000Z"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	SubjectID  string         `json:"subject_id,omitempty"`
	ActorID    string         `json:"actor_id,omitempty"`
	Payload    map[string]any `json:"payload"`
}

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, subjectID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(tsLayout)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,subject_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), nullable(subjectID), nullable(actorID), string(data))
	return err
}

// List returns the latest events, newest first. entityID narrows to one
// activity when set.
func (w Writer) List(ctx context.Context, entityID string, limit int) ([]Event, error) {
	query := `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),COALESCE(subject_id,''),COALESCE(actor_id,''),payload_json FROM events`
	var args []any
	if entityID != "" {
		query += ` WHERE entity_id=?`
		args = append(args, entityID)
	}
	query += ` ORDER BY id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Event
	for rows.Next() {
		var evt Event
		var payload string
		if err := rows.Scan(&evt.ID, &evt.TS, &evt.Type, &evt.EntityKind, &evt.EntityID, &evt.SubjectID, &evt.ActorID, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &evt.Payload); err != nil {
			return nil, fmt.Errorf("event %d: decode payload: %w", evt.ID, err)
		}
		res = append(res, evt)
	}
	return res, rows.Err()
}

// Record appends one event per activity transition until ctx is done or
// the subscription closes.
func (w Writer) Record(ctx context.Context, transitions <-chan activity.Transition, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case tr, ok := <-transitions:
			if !ok {
				return nil
			}
			a := tr.Activity
			payload := EventPayload{
				"from":      tr.From,
				"to":        tr.To,
				"type":      a.Type,
				"title":     a.Title,
				"action_id": a.ActionID,
				"attempts":  a.Attempts,
			}
			if reason, ok := a.Details["reason"]; ok {
				payload["reason"] = reason
			}
			actor, _ := a.Details["requested_by"].(string)
			if err := w.Append(context.WithoutCancel(ctx), "activity."+tr.To, "activity", a.ID, a.SubjectID, actor, payload); err != nil {
				logger.Warn("event append failed", zap.String("activity_id", a.ID), zap.Error(err))
			}
		}
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
