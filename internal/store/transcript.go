package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MessageSeparator joins message texts in a transcript.
const MessageSeparator = "\n<Next_Message>\n"

type messageText struct {
	Text      string          `json:"text"`
	Content   string          `json:"content"`
	TS        json.RawMessage `json:"ts"`
	CreatedAt string          `json:"createdAt"`
}

func (m messageText) body() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Content
}

// sortKey orders messages by Slack ts, then createdAt. Unknown is zero.
func (m messageText) sortKey() float64 {
	if len(m.TS) > 0 {
		var s string
		if err := json.Unmarshal(m.TS, &s); err == nil {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
		var f float64
		if err := json.Unmarshal(m.TS, &f); err == nil {
			return f
		}
	}
	if m.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339Nano, m.CreatedAt); err == nil {
			return float64(t.UnixNano()) / 1e9
		}
	}
	return 0
}

// Transcript returns the text of a conversation's stored messages in
// chronological order. When no messages were stored it falls back to the
// "messages" array embedded in the conversation payload. An empty string
// means nothing usable was found.
func (s *Store) Transcript(ctx context.Context, conversationID string) (string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return "", fmt.Errorf("failed to query messages for %s: %w", conversationID, err)
	}
	var msgs []messageText
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			rows.Close()
			return "", fmt.Errorf("failed to scan message: %w", err)
		}
		var m messageText
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("failed iterating messages: %w", err)
	}

	if len(msgs) == 0 {
		doc, ok, err := s.GetDocument(ctx, TableConversations, conversationID)
		if err != nil || !ok {
			return "", err
		}
		var conv struct {
			Messages []messageText `json:"messages"`
		}
		if err := json.Unmarshal(doc.Data, &conv); err != nil {
			return "", nil
		}
		msgs = conv.Messages
	}

	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].sortKey() < msgs[j].sortKey() })

	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if b := strings.TrimSpace(m.body()); b != "" {
			parts = append(parts, b)
		}
	}
	return strings.Join(parts, MessageSeparator), nil
}
