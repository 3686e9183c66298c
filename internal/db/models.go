package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Notification is the persisted feed entry. Created by the dispatch worker
// exactly once per successfully processed job; after creation the worker
// never mutates it — only the feed service flips IsRead (false to true),
// and rows are deleted only by owner action or zero-state cleanup.
type Notification struct {
	ID         uuid.UUID       `json:"id"`
	UserID     string          `json:"user_id"`
	Type       string          `json:"type"`
	Title      string          `json:"title"`
	Message    string          `json:"message"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	ActorID    *string         `json:"actor_id,omitempty"`
	EntityType string          `json:"entity_type"`
	EntityID   *string         `json:"entity_id,omitempty"`
	IsRead     bool            `json:"is_read"`
	CreatedAt  time.Time       `json:"created_at"`
}
