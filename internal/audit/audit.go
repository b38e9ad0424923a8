// Package audit persists the mandatory trail for financial mutations.
// Penalty runs, closed-period overrides and payment voids directly affect
// money owed, so their audit records are part of the write contract, not
// optional logging.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Event is one audit record.
type Event struct {
	Action    string
	ActorID   int64
	RequestID string
	Entity    string
	EntityIDs []string
	Meta      map[string]any
	At        time.Time
}

// Recorder is the sink port consumed by services.
type Recorder interface {
	Record(ctx context.Context, ev Event) error
}

// Logger writes events into audit_logs.
type Logger struct {
	pool *pgxpool.Pool
}

// NewLogger returns a new Logger.
func NewLogger(pool *pgxpool.Pool) *Logger {
	return &Logger{pool: pool}
}

// Record persists the event.
func (l *Logger) Record(ctx context.Context, ev Event) error {
	if l == nil || l.pool == nil {
		return errors.New("audit: logger not initialised")
	}
	if ev.Action == "" || ev.Entity == "" {
		return errors.New("audit: action and entity required")
	}
	if ev.RequestID == "" {
		// Worker jobs and CLI paths have no inbound request id; mint one so
		// every audit row stays correlatable.
		ev.RequestID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(ev.Meta)
	if err != nil {
		return err
	}
	idsJSON, err := json.Marshal(ev.EntityIDs)
	if err != nil {
		return err
	}
	_, err = l.pool.Exec(ctx,
		`INSERT INTO audit_logs (actor_id, request_id, action, entity, entity_ids, meta, occurred_at)
		 VALUES ($1, $2, $3, $4, $5, $6, COALESCE(NULLIF($7, '0001-01-01'::timestamptz), NOW()))`,
		ev.ActorID, ev.RequestID, ev.Action, ev.Entity, idsJSON, metaJSON, ev.At)
	return err
}
