// Package decoder implements one concrete binary record format behind
// the Decoder contract. The concrete format is not part of this
// system's external surface — MessageSource consumes Decoder only
// through Summarize/Forward/Reverse, never the bytes directly.
package decoder

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// ByteSource is the random-access byte view the decoder reads through.
// *cachedfile.File satisfies this directly.
type ByteSource interface {
	Read(ctx context.Context, offset, length int64) ([]byte, error)
	Size() (int64, error)
}

// BinaryDecoder implements ports.Decoder over the fixed header + index
// + records layout described in format.go.
type BinaryDecoder struct {
	source ByteSource
	logger *slog.Logger

	once    sync.Once
	loadErr error
	idx     *recordIndex
	header  fileHeader
}

var _ ports.Decoder = (*BinaryDecoder)(nil)

// New constructs a BinaryDecoder reading through source.
func New(source ByteSource, logger *slog.Logger) *BinaryDecoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &BinaryDecoder{source: source, logger: logger}
}

func (d *BinaryDecoder) ensureLoaded(ctx context.Context) error {
	d.once.Do(func() {
		header, err := readHeader(ctx, d.source)
		if err != nil {
			d.loadErr = fmt.Errorf("%w: reading header: %v", domain.ErrDecoder, err)
			return
		}
		raw, err := d.source.Read(ctx, header.IndexOffset, header.IndexLength)
		if err != nil {
			d.loadErr = fmt.Errorf("%w: reading index: %v", domain.ErrDecoder, err)
			return
		}
		idx, err := parseIndex(raw)
		if err != nil {
			d.loadErr = fmt.Errorf("%w: parsing index: %v", domain.ErrDecoder, err)
			return
		}
		d.header = header
		d.idx = idx
		d.logger.Info("decoder index loaded",
			slog.Int("topics", len(idx.topics)),
			slog.Int("records", len(idx.global)),
		)
	})
	return d.loadErr
}

// Summarize reports the recording's time bounds and topic catalog.
func (d *BinaryDecoder) Summarize(ctx context.Context) (domain.Time, domain.Time, []domain.TopicInfo, error) {
	if err := d.ensureLoaded(ctx); err != nil {
		return domain.Time{}, domain.Time{}, nil, err
	}
	start := domain.Time{Sec: d.header.StartSec, Nsec: d.header.StartNsec}
	end := domain.Time{Sec: d.header.EndSec, Nsec: d.header.EndNsec}
	topics := make([]domain.TopicInfo, len(d.idx.topics))
	copy(topics, d.idx.topics)
	return start, end, topics, nil
}

// Forward returns a cursor over topics with ReceiveTime >= from, merged
// in non-decreasing time order.
func (d *BinaryDecoder) Forward(ctx context.Context, topics []string, from domain.Time) (ports.RecordCursor, error) {
	if err := d.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return newMergeCursor(d.source, d.idx, topics, from, false), nil
}

// Reverse returns a cursor over topics with ReceiveTime <= from, merged
// in non-increasing time order.
func (d *BinaryDecoder) Reverse(ctx context.Context, topics []string, from domain.Time) (ports.RecordCursor, error) {
	if err := d.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	return newMergeCursor(d.source, d.idx, topics, from, true), nil
}
