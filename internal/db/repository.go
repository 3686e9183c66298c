package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrNotFound is returned when a notification does not exist or does not
// belong to the requesting user. The feed API maps it to 404.
var ErrNotFound = errors.New("notification not found")

// Repository handles database operations for persisted notifications.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository.
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a new notification row.
func (r *Repository) CreateNotification(ctx context.Context, notif *Notification) error {
	query := `
		INSERT INTO notifications (
			id, user_id, type, title, message, metadata,
			actor_id, entity_type, entity_id, is_read
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		notif.ID,
		notif.UserID,
		notif.Type,
		notif.Title,
		notif.Message,
		notif.Metadata,
		notif.ActorID,
		notif.EntityType,
		notif.EntityID,
		notif.IsRead,
	).Scan(&notif.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", notif.ID.String()),
			zap.String("user_id", notif.UserID),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	return nil
}

// GetNotification retrieves a single notification scoped to its owner.
func (r *Repository) GetNotification(ctx context.Context, id uuid.UUID, userID string) (*Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, metadata,
		       actor_id, entity_type, entity_id, is_read, created_at
		FROM notifications
		WHERE id = $1 AND user_id = $2
	`

	var notif Notification
	err := r.db.Pool().QueryRow(ctx, query, id, userID).Scan(
		&notif.ID,
		&notif.UserID,
		&notif.Type,
		&notif.Title,
		&notif.Message,
		&notif.Metadata,
		&notif.ActorID,
		&notif.EntityType,
		&notif.EntityID,
		&notif.IsRead,
		&notif.CreatedAt,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query notification: %w", err)
	}

	return &notif, nil
}

// ListNotifications returns up to limit notifications for a user, newest
// first. The keyset position (beforeCreatedAt, beforeID) makes pagination
// stable under concurrent inserts: rows created after the walk started sort
// ahead of the cursor and cannot shift pages already returned. A nil isRead
// returns both read and unread entries.
func (r *Repository) ListNotifications(
	ctx context.Context,
	userID string,
	limit int,
	beforeCreatedAt *time.Time,
	beforeID *uuid.UUID,
	isRead *bool,
) ([]*Notification, error) {
	query := `
		SELECT id, user_id, type, title, message, metadata,
		       actor_id, entity_type, entity_id, is_read, created_at
		FROM notifications
		WHERE user_id = $1
		  AND ($2::timestamptz IS NULL OR (created_at, id) < ($2, $3))
		  AND ($4::boolean IS NULL OR is_read = $4)
		ORDER BY created_at DESC, id DESC
		LIMIT $5
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, beforeCreatedAt, beforeID, isRead, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		var notif Notification
		err := rows.Scan(
			&notif.ID,
			&notif.UserID,
			&notif.Type,
			&notif.Title,
			&notif.Message,
			&notif.Metadata,
			&notif.ActorID,
			&notif.EntityType,
			&notif.EntityID,
			&notif.IsRead,
			&notif.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &notif)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// MarkRead flips an unread notification to read, scoped to its owner.
// Row-level update, no read-modify-write in application code. The is_read
// guard makes the mutation report 0 rows for an already-read row, so
// callers maintaining the unread counter can tell a real transition from
// a repeat.
func (r *Repository) MarkRead(ctx context.Context, id uuid.UUID, userID string) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND user_id = $2 AND is_read = FALSE`

	result, err := r.db.Pool().Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllRead marks every unread notification for a user as read and
// returns the number of rows mutated.
func (r *Repository) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	query := `UPDATE notifications SET is_read = TRUE WHERE user_id = $1 AND is_read = FALSE`

	result, err := r.db.Pool().Exec(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return result.RowsAffected(), nil
}

// DeleteNotification removes a notification, scoped to its owner.
func (r *Repository) DeleteNotification(ctx context.Context, id uuid.UUID, userID string) error {
	query := `DELETE FROM notifications WHERE id = $1 AND user_id = $2`

	result, err := r.db.Pool().Exec(ctx, query, id, userID)
	if err != nil {
		return fmt.Errorf("delete notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteByEntity removes the notification linked to (type, entity, user).
// Used by the worker's zero-state cleanup, e.g. removing a like notification
// once the like count returns to zero. Reports whether a row was deleted.
func (r *Repository) DeleteByEntity(ctx context.Context, notifType, entityID, userID string) (bool, error) {
	query := `DELETE FROM notifications WHERE type = $1 AND entity_id = $2 AND user_id = $3`

	result, err := r.db.Pool().Exec(ctx, query, notifType, entityID, userID)
	if err != nil {
		return false, fmt.Errorf("delete by entity: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// CountUnread returns the authoritative unread count for a user. The cached
// counter is reconciled against this query on every cache miss.
func (r *Repository) CountUnread(ctx context.Context, userID string) (int64, error) {
	var count int64
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}
