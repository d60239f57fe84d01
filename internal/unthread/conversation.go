package unthread

import "encoding/json"

// Document is the minimal shape shared by every upstream entity: an id plus
// the raw payload.
type Document struct {
	ID   string
	Data json.RawMessage
}

// DecodeDocuments extracts the "id" of each item. Items without a string id
// are rejected.
func DecodeDocuments(items []json.RawMessage) ([]Document, error) {
	docs := make([]Document, 0, len(items))
	for _, item := range items {
		id, err := DocumentID(item)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Document{ID: id, Data: item})
	}
	return docs, nil
}

// DocumentID returns the "id" field of a JSON object.
func DocumentID(item json.RawMessage) (string, error) {
	var head struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(item, &head); err != nil {
		return "", &DecodeError{Reason: "item is not a JSON object", Err: err}
	}
	var id string
	if err := json.Unmarshal(head.ID, &id); err != nil || id == "" {
		return "", &DecodeError{Reason: "item has no string id"}
	}
	return id, nil
}

// TicketTypeFields returns the custom-field map of a conversation payload.
// A missing or null map yields an empty, non-nil map.
func TicketTypeFields(conversation json.RawMessage) map[string]any {
	var c struct {
		TicketTypeFields map[string]any `json:"ticketTypeFields"`
	}
	if err := json.Unmarshal(conversation, &c); err != nil || c.TicketTypeFields == nil {
		return map[string]any{}
	}
	return c.TicketTypeFields
}

// FieldString returns fields[id] as a string. nil, missing, and the literal
// "None" left behind by earlier tooling all count as absent.
func FieldString(fields map[string]any, id string) (string, bool) {
	v, ok := fields[id]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" || s == "None" {
		return "", false
	}
	return s, true
}

// DecodeError reports an upstream item that could not be interpreted.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return "decode item: " + e.Reason + ": " + e.Err.Error()
	}
	return "decode item: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }
