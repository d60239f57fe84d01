package unthread

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Entities with a POST /{entity}/list endpoint.
const (
	EntityUsers         = "users"
	EntityCustomers     = "customers"
	EntityConversations = "conversations"
)

// Filter is one clause of a list query's "where" array.
type Filter struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value"`
}

// ListQuery is the request body of a list endpoint, minus the cursor.
type ListQuery struct {
	Limit      int
	Order      []string
	Descending bool
	Where      []Filter
}

func (q ListQuery) body() map[string]any {
	body := map[string]any{}
	if q.Limit > 0 {
		body["limit"] = q.Limit
	}
	if len(q.Order) > 0 {
		body["order"] = q.Order
		body["descending"] = q.Descending
	}
	if len(q.Where) > 0 {
		body["where"] = q.Where
	}
	return body
}

// ConversationFilter narrows the conversation list. ConversationID, when set,
// takes precedence over the date range.
type ConversationFilter struct {
	CreatedAfter   time.Time
	CreatedBefore  time.Time
	ConversationID string
}

const dateLayout = "2006-01-02"

// Query builds the list query for f, ordered newest first.
func (f ConversationFilter) Query() ListQuery {
	q := ListQuery{
		Order:      []string{"createdAt", "id"},
		Descending: true,
	}
	switch {
	case f.ConversationID != "":
		q.Where = []Filter{{Field: "id", Operator: "==", Value: f.ConversationID}}
	case !f.CreatedAfter.IsZero() || !f.CreatedBefore.IsZero():
		if !f.CreatedAfter.IsZero() {
			q.Where = append(q.Where, Filter{Field: "createdAt", Operator: ">=", Value: f.CreatedAfter.Format(dateLayout)})
		}
		if !f.CreatedBefore.IsZero() {
			q.Where = append(q.Where, Filter{Field: "createdAt", Operator: "<=", Value: f.CreatedBefore.Format(dateLayout)})
		}
	}
	return q
}

// ParseDate parses a YYYY-MM-DD date. An empty string yields the zero time.
func ParseDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date format: %s. Use YYYY-MM-DD format", s)
	}
	return t, nil
}

// ListPage fetches one page of POST /{entity}/list.
func (c *Client) ListPage(ctx context.Context, entity string, q ListQuery, cursor string) (Page, error) {
	return c.Request(ctx, Request{
		Endpoint: "/" + entity + "/list",
		Method:   http.MethodPost,
		Body:     q.body(),
		Cursor:   cursor,
	})
}

// GetConversation fetches the full conversation detail.
func (c *Client) GetConversation(ctx context.Context, id string) (json.RawMessage, error) {
	page, err := c.Request(ctx, Request{
		Endpoint: "/conversations/" + id,
		Method:   http.MethodGet,
	})
	if err != nil {
		return nil, err
	}
	if len(page.Items) == 0 {
		return nil, fmt.Errorf("no data returned for conversation %s", id)
	}
	return page.Raw, nil
}

// ListMessagesPage fetches one page of a conversation's messages.
func (c *Client) ListMessagesPage(ctx context.Context, conversationID, cursor string) (Page, error) {
	return c.Request(ctx, Request{
		Endpoint: "/conversations/" + conversationID + "/messages/list",
		Method:   http.MethodPost,
		Body:     map[string]any{},
		Cursor:   cursor,
	})
}

// PatchTicketFields sends {"ticketTypeFields": fields} to the conversation.
func (c *Client) PatchTicketFields(ctx context.Context, conversationID string, fields map[string]any) error {
	_, err := c.Request(ctx, Request{
		Endpoint: "/conversations/" + conversationID,
		Method:   http.MethodPatch,
		Body:     map[string]any{"ticketTypeFields": fields},
	})
	return err
}
