package feed

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidCursor indicates a malformed pagination cursor.
var ErrInvalidCursor = errors.New("feed: invalid cursor")

// Cursor encodes a keyset position ("before created_at T / before id X"),
// not an offset, so notifications arriving during pagination cannot shift
// results already returned.
type Cursor struct {
	CreatedAt time.Time `json:"t"`
	ID        uuid.UUID `json:"id"`
}

// Encode serializes the cursor for the API surface.
func (c Cursor) Encode() string {
	raw, _ := json.Marshal(c)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeCursor parses an encoded cursor.
func DecodeCursor(s string) (*Cursor, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	var c Cursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, ErrInvalidCursor
	}
	if c.CreatedAt.IsZero() || c.ID == uuid.Nil {
		return nil, ErrInvalidCursor
	}
	return &c, nil
}
