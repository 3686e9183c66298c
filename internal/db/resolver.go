package db

import (
	"context"
	"fmt"
)

// LikeCounts reads the authoritative like count for a post from the
// platform's post_likes table (owned by the social service, read-only
// here). The worker re-resolves this at build time because a coalesced
// job's payload only carries the last trigger's snapshot, which may be
// stale by the time the delayed job fires.
type LikeCounts struct {
	db *DB
}

// NewLikeCounts creates the like-count reader.
func NewLikeCounts(db *DB) *LikeCounts {
	return &LikeCounts{db: db}
}

// LikeCount returns the current number of likes on a post.
func (l *LikeCounts) LikeCount(ctx context.Context, postID string) (int, error) {
	var count int
	err := l.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM post_likes WHERE post_id = $1`,
		postID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count post likes: %w", err)
	}
	return count, nil
}
