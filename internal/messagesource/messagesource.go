// Package messagesource adapts a byte-oriented cached file plus a
// decoder into the typed, topic/time-filtered iterator and backfill
// contract PlaybackCore consumes. It is a thin use-case layer: it
// exclusively owns its File and Decoder collaborators and holds no
// state of its own beyond them, an opened flag, and the recording id.
package messagesource

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/caterpi11ar/rosbag-engine/internal/decoder"
	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// File is the byte-level collaborator Source opens and reads through.
// *cachedfile.File satisfies this.
type File interface {
	Open(ctx context.Context) error
	Close() error
	decoder.ByteSource
}

// Source implements ports.MessageSource over a File and a Decoder,
// with an optional TopicIndex used to accelerate Backfill.
type Source struct {
	file    File
	decoder ports.Decoder
	index   ports.TopicIndex // optional
	logger  *slog.Logger

	mu          sync.Mutex
	opened      bool
	recordingID string
}

// Option configures a Source at construction time.
type Option func(*Source)

// WithTopicIndex installs a TopicIndex used to accelerate Backfill.
func WithTopicIndex(idx ports.TopicIndex) Option {
	return func(s *Source) { s.index = idx }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Source) { s.logger = logger }
}

// New constructs a Source over file and dec. recordingID identifies the
// recording for TopicIndex entries; cmd/server and cmd/bagctl pass the
// recording URL, which is known before Source is constructed.
func New(file File, dec ports.Decoder, recordingID string, opts ...Option) *Source {
	s := &Source{
		file:        file,
		decoder:     dec,
		recordingID: recordingID,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ ports.MessageSource = (*Source)(nil)

func (s *Source) ensureOpenLocked(ctx context.Context) error {
	if s.opened {
		return nil
	}
	if err := s.file.Open(ctx); err != nil {
		return fmt.Errorf("%w: opening file: %v", domain.ErrNotOpen, err)
	}
	s.opened = true
	return nil
}

// Initialize opens the underlying file and summarizes the recording.
func (s *Source) Initialize(ctx context.Context) (ports.InitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpenLocked(ctx); err != nil {
		return ports.InitResult{}, err
	}
	start, end, topics, err := s.decoder.Summarize(ctx)
	if err != nil {
		return ports.InitResult{}, err
	}
	s.logger.Info("messagesource initialized",
		slog.String("start", start.String()),
		slog.String("end", end.String()),
		slog.Int("topics", len(topics)),
	)
	return ports.InitResult{Start: start, End: end, Topics: topics}, nil
}

// Iterate returns a lazy, restartable-only-by-recreation stream of
// IterItem honoring opts.Start/End/Reverse.
func (s *Source) Iterate(ctx context.Context, opts ports.IterateOptions) (ports.Iterator, error) {
	s.mu.Lock()
	err := s.ensureOpenLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	var cursor ports.RecordCursor
	if opts.Reverse {
		from := domain.Time{Sec: 1<<62 - 1}
		if opts.End != nil {
			from = *opts.End
		}
		cursor, err = s.decoder.Reverse(ctx, opts.Topics, from)
	} else {
		from := domain.Time{}
		if opts.Start != nil {
			from = *opts.Start
		}
		cursor, err = s.decoder.Forward(ctx, opts.Topics, from)
	}
	if err != nil {
		return nil, err
	}
	return &boundedIterator{cursor: cursor, opts: opts}, nil
}

// boundedIterator wraps a RecordCursor, stopping once the opposite
// bound (End for forward, Start for reverse) is crossed.
type boundedIterator struct {
	cursor ports.RecordCursor
	opts   ports.IterateOptions
	done   bool
}

func (it *boundedIterator) Next(ctx context.Context) (domain.IterItem, bool, error) {
	if it.done {
		return domain.IterItem{}, false, nil
	}
	msg, _, ok, err := it.cursor.Next(ctx)
	if err != nil {
		it.done = true
		return domain.IterItem{
			Kind: domain.IterProblem,
			Problem: domain.ProblemEvent{
				Severity: domain.SeverityError,
				Message:  fmt.Errorf("%w: %v", domain.ErrDecoder, err).Error(),
			},
		}, true, nil
	}
	if !ok {
		it.done = true
		return domain.IterItem{}, false, nil
	}
	if it.opts.Reverse {
		if it.opts.Start != nil && msg.ReceiveTime.Before(*it.opts.Start) {
			it.done = true
			return domain.IterItem{}, false, nil
		}
	} else {
		if it.opts.End != nil && msg.ReceiveTime.After(*it.opts.End) {
			it.done = true
			return domain.IterItem{}, false, nil
		}
	}
	return domain.IterItem{Kind: domain.IterMessage, Message: msg}, true, nil
}

func (it *boundedIterator) Close() {
	it.done = true
	_ = it.cursor.Close()
}

// Backfill returns, for each requested topic, the latest message whose
// ReceiveTime <= opts.Time, sorted by ReceiveTime ascending.
func (s *Source) Backfill(ctx context.Context, opts ports.BackfillOptions) ([]domain.Message, error) {
	s.mu.Lock()
	err := s.ensureOpenLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	out := make([]domain.Message, 0, len(opts.Topics))
	for _, topic := range opts.Topics {
		select {
		case <-ctx.Done():
			sortMessages(out)
			return out, fmt.Errorf("%w: %v", domain.ErrAborted, ctx.Err())
		default:
		}
		msg, ok, err := s.backfillOneTopic(ctx, topic, opts.Time)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, msg)
		}
	}
	sortMessages(out)
	return out, nil
}

func sortMessages(msgs []domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].ReceiveTime.Before(msgs[j].ReceiveTime)
	})
}

func (s *Source) backfillOneTopic(ctx context.Context, topic string, at domain.Time) (domain.Message, bool, error) {
	if s.index != nil {
		if rec, ok, err := s.index.Lookup(ctx, s.recordingID, topic, at); err == nil && ok {
			payload, err := s.file.Read(ctx, rec.Offset, rec.Length)
			if err == nil {
				return domain.Message{Topic: topic, ReceiveTime: rec.ReceiveTime, SizeBytes: rec.Length, Payload: payload}, true, nil
			}
			s.logger.Warn("topic index hit but payload read failed, falling back to decoder",
				slog.String("topic", topic), slog.String("error", err.Error()))
		}
	}

	cursor, err := s.decoder.Reverse(ctx, []string{topic}, at)
	if err != nil {
		return domain.Message{}, false, err
	}
	defer cursor.Close()

	msg, offset, ok, err := cursor.Next(ctx)
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("%w: %v", domain.ErrDecoder, err)
	}
	if !ok {
		return domain.Message{}, false, nil
	}
	if s.index != nil {
		rec := ports.IndexedRecord{Offset: offset, Length: msg.SizeBytes}
		if err := s.index.Record(ctx, s.recordingID, topic, msg.ReceiveTime, rec); err != nil {
			s.logger.Warn("topic index record failed", slog.String("error", err.Error()))
		}
	}
	return msg, true, nil
}

// Terminate releases the underlying file.
func (s *Source) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	s.opened = false
	return s.file.Close()
}
