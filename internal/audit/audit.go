// Package audit keeps an append-only log of every change pushed upstream.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypePatched     = "conversation.patched"
	TypePatchFailed = "conversation.patch_failed"
)

type Event struct {
	Seq            int64   `json:"seq"`
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Job            *string `json:"job,omitempty"`
	ConversationID *string `json:"conversation_id,omitempty"`
	CreatedAt      int64   `json:"created_at"`
	Payload        *string `json:"payload_json,omitempty"`
}

// Log appends events to patch_events. A nil Log drops events.
type Log struct {
	db *sql.DB
}

func New(db *sql.DB) *Log {
	return &Log{db: db}
}

// Emit appends one event.
func (l *Log) Emit(ctx context.Context, typ, job, conversationID string, payload any) error {
	if l == nil {
		return nil
	}
	if typ == "" {
		return fmt.Errorf("type is required")
	}

	var jobVal, convVal, payloadVal any
	if job != "" {
		jobVal = job
	}
	if conversationID != "" {
		convVal = conversationID
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
		payloadVal = string(b)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO patch_events (id, type, job, conversation_id, created_at, payload_json)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), typ, jobVal, convVal, time.Now().Unix(), payloadVal)
	if err != nil {
		return fmt.Errorf("failed to insert patch event: %w", err)
	}
	return nil
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	AfterSeq       int64
	ConversationID string
	Limit          int
}

// List returns events in sequence order.
func List(ctx context.Context, db *sql.DB, f Filter) ([]Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx, `
		SELECT seq, id, type, job, conversation_id, created_at, payload_json
		FROM patch_events
		WHERE seq > ? AND (? = '' OR conversation_id = ?)
		ORDER BY seq ASC
		LIMIT ?
	`, f.AfterSeq, f.ConversationID, f.ConversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query patch events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                 Event
			job, conv, payload sql.NullString
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Type, &job, &conv, &e.CreatedAt, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan patch event: %w", err)
		}
		if job.Valid {
			e.Job = &job.String
		}
		if conv.Valid {
			e.ConversationID = &conv.String
		}
		if payload.Valid {
			e.Payload = &payload.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating patch events: %w", err)
	}
	return out, nil
}
