package types

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// PageInfo contains pagination metadata for list responses.
type PageInfo struct {
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// ListResponse is a generic paginated response wrapper.
type ListResponse[T any] struct {
	Data     []T      `json:"data"`
	PageInfo PageInfo `json:"pagination"`
}

// PageRequest carries keyset pagination input for event listings.
// Events are ordered by (received_at DESC, id DESC).
type PageRequest struct {
	Limit  int
	Cursor *EventCursor
}

// EventCursor is the position after which the next page starts.
type EventCursor struct {
	ReceivedAt time.Time
	ID         string
}

// Encode renders the cursor as an opaque URL-safe token.
func (c EventCursor) Encode() string {
	raw := c.ReceivedAt.UTC().Format(time.RFC3339Nano) + "|" + c.ID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeEventCursor parses a token produced by EventCursor.Encode.
func DecodeEventCursor(token string) (*EventCursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidCursor, "cursor is not valid base64", err)
	}
	ts, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, NewAppError(ErrCodeValidationInvalidCursor, "cursor is malformed", nil)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, NewAppError(ErrCodeValidationInvalidCursor, fmt.Sprintf("cursor timestamp %q is invalid", ts), err)
	}
	return &EventCursor{ReceivedAt: t, ID: id}, nil
}
