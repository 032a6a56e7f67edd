package ports

import (
	"context"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// Bookmark is the persisted playback position for one recording,
// identified by the identifier the host passed to playback.New.
type Bookmark struct {
	Identifier    string
	CurrentTime   domain.Time
	Subscriptions domain.Subscriptions
	Speed         float64
}

// BookmarkRepository persists and retrieves playback bookmarks so a
// session can resume where the user left off.
type BookmarkRepository interface {
	Upsert(ctx context.Context, b Bookmark) error
	Get(ctx context.Context, identifier string) (Bookmark, error)
}
