package ports

import (
	"context"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// InitResult is returned by MessageSource.Initialize.
type InitResult struct {
	Start  domain.Time
	End    domain.Time
	Topics []domain.TopicInfo
}

// IterateOptions configures MessageSource.Iterate.
type IterateOptions struct {
	Topics  []string
	Start   *domain.Time
	End     *domain.Time
	Reverse bool
}

// BackfillOptions configures MessageSource.Backfill.
type BackfillOptions struct {
	Topics []string
	Time   domain.Time
}

// Iterator is a lazy, restartable-only-by-recreation stream of IterItem.
// Cancelling ctx (the one passed to Iterate) must release cache
// references promptly; Close is idempotent.
type Iterator interface {
	Next(ctx context.Context) (domain.IterItem, bool, error)
	Close()
}

// MessageSource adapts a byte-oriented recording file into the typed,
// topic/time-filtered asynchronous iterator and backfill lookups
// PlaybackCore consumes.
type MessageSource interface {
	Initialize(ctx context.Context) (InitResult, error)
	Iterate(ctx context.Context, opts IterateOptions) (Iterator, error)
	Backfill(ctx context.Context, opts BackfillOptions) ([]domain.Message, error)
	Terminate() error
}
