package ports

import (
	"context"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// IndexedRecord is one persisted (receiveTime -> offset/length) entry,
// enough to read a record's payload without consulting the decoder's
// own index.
type IndexedRecord struct {
	ReceiveTime domain.Time
	Offset      int64
	Length      int64
}

// TopicIndex is a persisted per-topic (receiveTime -> offset) index so
// a single-topic backfill lookup need not go through the decoder's own
// index at all once an entry has been recorded.
type TopicIndex interface {
	// Lookup returns the latest indexed record for topic with
	// ReceiveTime <= at, or ok=false if nothing is indexed at or before
	// at yet.
	Lookup(ctx context.Context, recordingID, topic string, at domain.Time) (rec IndexedRecord, ok bool, err error)
	// Record stores one (topic, receiveTime) -> record entry.
	Record(ctx context.Context, recordingID, topic string, at domain.Time, rec IndexedRecord) error
	Close() error
}
