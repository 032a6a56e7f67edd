package ports

import (
	"context"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
)

// RecordCursor walks decoded records in the direction the decoder
// opened it (Forward or Reverse), lowest-level primitive MessageSource
// builds iteration on.
type RecordCursor interface {
	// Next returns the next record in the cursor's direction, or
	// ok=false at end of stream. The returned offset is the byte offset of
	// the record within the recording, usable for a reverse-lookup index.
	Next(ctx context.Context) (msg domain.Message, offset int64, ok bool, err error)
	Close() error
}

// Decoder is a black-box collaborator: it owns the concrete binary
// record format, topic/schema catalog, decompression, and reverse
// iteration. The playback core never inspects bytes directly; it only
// asks the decoder for cursors.
type Decoder interface {
	// Summarize reads just enough of the recording to report its time
	// bounds and topic catalog.
	Summarize(ctx context.Context) (start, end domain.Time, topics []domain.TopicInfo, err error)
	// Forward returns a cursor yielding records for the given topics with
	// ReceiveTime >= from, non-decreasing by ReceiveTime within each topic.
	Forward(ctx context.Context, topics []string, from domain.Time) (RecordCursor, error)
	// Reverse returns a cursor yielding records for the given topics with
	// ReceiveTime <= from, non-increasing by ReceiveTime within each topic.
	Reverse(ctx context.Context, topics []string, from domain.Time) (RecordCursor, error)
}
