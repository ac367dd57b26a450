// Package repo is the SQLite archive behind the in-memory audit ring.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"actionline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// TSLayout is fixed width so archived timestamps sort as text.
const TSLayout = "2006-01-02T15:04:05.000000000Z"

// AppendAudit archives one entry. It satisfies audit.Sink.
func (r Repo) AppendAudit(ctx context.Context, e domain.AuditLogEntry) error {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("marshal audit context: %w", err)
	}
	var detailsJSON any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("marshal audit details: %w", err)
		}
		detailsJSON = string(data)
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO audit_log(id,ts,actor_id,role,action_id,required_capability,success,context_json,details_json) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UTC().Format(TSLayout), e.ActorID, e.Role, e.ActionID,
		nullable(e.RequiredCapability), boolInt(e.Success), string(contextJSON), detailsJSON)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

type AuditQuery struct {
	ActorID string
	Role    string
	Action  string
	Since   time.Time
	Limit   int
}

// ListAudit returns archived entries newest first.
func (r Repo) ListAudit(ctx context.Context, q AuditQuery) ([]domain.AuditLogEntry, error) {
	var (
		where []string
		args  []any
	)
	if q.ActorID != "" {
		where = append(where, "actor_id=?")
		args = append(args, q.ActorID)
	}
	if q.Role != "" {
		where = append(where, "role=?")
		args = append(args, q.Role)
	}
	if q.Action != "" {
		where = append(where, "LOWER(action_id) LIKE ?")
		args = append(args, "%"+strings.ToLower(q.Action)+"%")
	}
	if !q.Since.IsZero() {
		where = append(where, "ts>=?")
		args = append(args, q.Since.UTC().Format(TSLayout))
	}
	query := `SELECT id,ts,actor_id,role,action_id,COALESCE(required_capability,''),success,context_json,COALESCE(details_json,'') FROM audit_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY ts DESC, seq DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditLogEntry
	for rows.Next() {
		e, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// GetAudit returns one archived entry by id.
func (r Repo) GetAudit(ctx context.Context, id string) (domain.AuditLogEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,actor_id,role,action_id,COALESCE(required_capability,''),success,context_json,COALESCE(details_json,'') FROM audit_log WHERE id=?`, id)
	if err != nil {
		return domain.AuditLogEntry{}, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return domain.AuditLogEntry{}, err
		}
		return domain.AuditLogEntry{}, ErrNotFound
	}
	return scanAudit(rows)
}

func (r Repo) CountAudit(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`).Scan(&n)
	return n, err
}

func scanAudit(rows *sql.Rows) (domain.AuditLogEntry, error) {
	var (
		e           domain.AuditLogEntry
		ts          string
		success     int
		contextJSON string
		detailsJSON string
	)
	if err := rows.Scan(&e.ID, &ts, &e.ActorID, &e.Role, &e.ActionID, &e.RequiredCapability, &success, &contextJSON, &detailsJSON); err != nil {
		return e, err
	}
	parsed, err := time.Parse(TSLayout, ts)
	if err != nil {
		return e, fmt.Errorf("audit %s: bad timestamp %q: %w", e.ID, ts, err)
	}
	e.Timestamp = parsed
	e.Success = success != 0
	if err := json.Unmarshal([]byte(contextJSON), &e.Context); err != nil {
		return e, fmt.Errorf("audit %s: decode context: %w", e.ID, err)
	}
	if detailsJSON != "" {
		if err := json.Unmarshal([]byte(detailsJSON), &e.Details); err != nil {
			return e, fmt.Errorf("audit %s: decode details: %w", e.ID, err)
		}
	}
	return e, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
