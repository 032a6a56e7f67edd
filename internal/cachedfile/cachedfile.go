// Package cachedfile presents a read(offset, length) view over a
// remote file by coordinating one active download stream with a
// VirtualBuffer, a pending-read queue, and a connection-decision
// policy that prefers reusing an in-flight stream over opening a new
// one.
package cachedfile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
	"github.com/caterpi11ar/rosbag-engine/internal/metrics"
	"github.com/caterpi11ar/rosbag-engine/internal/rangeset"
	"github.com/caterpi11ar/rosbag-engine/internal/virtualbuffer"
)

const (
	// DefaultBlockSize is the VirtualBuffer block size used once the
	// remote file exceeds the cache budget. Tunable per File via
	// WithBlockSize.
	DefaultBlockSize = 100 << 20 // 100 MiB

	// DefaultCloseEnough is the distance, in bytes, under which an
	// in-flight connection positioned slightly before a request is
	// preferred over opening a new one.
	DefaultCloseEnough = 5 << 20 // 5 MiB

	hardFailureWindow = 100 * time.Millisecond
)

// ReconnectCallback is notified when CachedFile starts silently
// recovering from a transient stream error (reconnecting=true) and
// again once a subsequent byte arrives (reconnecting=false).
type ReconnectCallback func(reconnecting bool)

// Option configures a File at construction time.
type Option func(*File)

// WithBlockSize overrides DefaultBlockSize.
func WithBlockSize(n int64) Option {
	return func(f *File) { f.blockSize = n }
}

// WithCloseEnough overrides DefaultCloseEnough.
func WithCloseEnough(n int64) Option {
	return func(f *File) { f.closeEnough = n }
}

// WithReconnectCallback installs a callback that enables silent
// recovery from transient stream errors instead of latching the file
// closed after two rapid failures.
func WithReconnectCallback(cb ReconnectCallback) Option {
	return func(f *File) { f.reconnectCallback = cb }
}

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *File) { f.logger = logger }
}

// File is the cache: a single active connection, a VirtualBuffer, and
// a queue of reads waiting on bytes not yet resident.
type File struct {
	fetcher     ports.RangedFetcher
	cacheBudget int64
	blockSize   int64
	closeEnough int64

	reconnectCallback ReconnectCallback
	logger            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	openOnce sync.Once
	openErr  error

	mu              sync.Mutex
	fileSize        int64
	identifier      string
	buffer          *virtualbuffer.Buffer
	pending         []*pendingRead
	conn            *connection
	connecting      bool
	lastResolvedEnd *int64
	lastErrorTime   time.Time
	reconnecting    bool
	closed          bool
}

type connection struct {
	id        string
	stream    ports.Stream
	remaining domain.Range
}

type pendingRead struct {
	rng         domain.Range
	requestTime time.Time
	result      chan readResult
	delivered   bool
}

type readResult struct {
	data []byte
	err  error
}

func (pr *pendingRead) deliver(data []byte, err error) {
	if pr.delivered {
		return
	}
	pr.delivered = true
	pr.result <- readResult{data: data, err: err}
}

// New constructs a File backed by fetcher, bounding resident bytes to
// cacheBudget.
func New(fetcher ports.RangedFetcher, cacheBudget int64, opts ...Option) *File {
	ctx, cancel := context.WithCancel(context.Background())
	f := &File{
		fetcher:     fetcher,
		cacheBudget: cacheBudget,
		blockSize:   DefaultBlockSize,
		closeEnough: DefaultCloseEnough,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Open is idempotent: only the first call contacts the fetcher.
func (f *File) Open(ctx context.Context) error {
	f.openOnce.Do(func() {
		res, err := f.fetcher.Open(ctx)
		f.mu.Lock()
		defer f.mu.Unlock()
		if err != nil {
			f.openErr = err
			return
		}
		f.fileSize = res.Size
		f.identifier = res.Identifier

		var buf *virtualbuffer.Buffer
		if f.fileSize <= f.cacheBudget {
			buf, err = virtualbuffer.New(f.fileSize, 0, 0, f.logger)
		} else {
			maxBlocks := int((f.cacheBudget+f.blockSize-1)/f.blockSize) + 2
			buf, err = virtualbuffer.New(f.fileSize, f.blockSize, maxBlocks, f.logger)
		}
		if err != nil {
			f.openErr = err
			return
		}
		f.buffer = buf
		metrics.ActiveCachedFiles.Inc()
		f.logger.Info("cachedfile opened",
			slog.Int64("size", f.fileSize),
			slog.String("identifier", f.identifier),
		)
	})
	return f.openErr
}

// Size returns the remote file's size. Fails if not open.
func (f *File) Size() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpenLocked() {
		return 0, domain.ErrNotOpen
	}
	return f.fileSize, nil
}

// Identifier returns the fetcher-reported stable identifier.
func (f *File) Identifier() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.isOpenLocked() {
		return "", domain.ErrNotOpen
	}
	return f.identifier, nil
}

func (f *File) isOpenLocked() bool {
	return f.openErr == nil && f.buffer != nil
}

// Read returns exactly length bytes from [offset, offset+length). It
// blocks until the range is resident or the file is closed. ctx
// cancellation aborts only this caller's wait; it does not touch
// cache state for other pending reads.
func (f *File) Read(ctx context.Context, offset, length int64) ([]byte, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, domain.ErrClosed
	}
	if !f.isOpenLocked() {
		f.mu.Unlock()
		return nil, domain.ErrNotOpen
	}
	if offset < 0 || length < 0 || length > f.cacheBudget || offset+length > f.fileSize {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: read(%d, %d) outside file/budget bounds", domain.ErrInvalidArgument, offset, length)
	}
	if length == 0 {
		f.mu.Unlock()
		return []byte{}, nil
	}

	pr := &pendingRead{
		rng:         domain.Range{Off: offset, Length: length},
		requestTime: time.Now(),
		result:      make(chan readResult, 1),
	}
	f.pending = append(f.pending, pr)
	f.updateLocked()
	f.mu.Unlock()

	select {
	case res := <-pr.result:
		return res.data, res.err
	case <-ctx.Done():
		f.dropPending(pr)
		return nil, ctx.Err()
	}
}

// dropPending removes pr from the queue if it is still there.
func (f *File) dropPending(pr *pendingRead) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, candidate := range f.pending {
		if candidate == pr {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			pr.delivered = true // suppress a late deliver racing with this drop
			return
		}
	}
}

// Close releases the connection and buffer; any read in flight is
// rejected and subsequent reads are too.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	if f.conn != nil {
		f.conn.stream.Destroy()
		f.conn = nil
	}
	f.rejectAllPendingLocked(domain.ErrClosed)
	if f.isOpenLocked() {
		metrics.ActiveCachedFiles.Dec()
	}
	f.buffer = nil
	f.cancel()
	return nil
}

func (f *File) rejectAllPendingLocked(err error) {
	for _, pr := range f.pending {
		pr.deliver(nil, err)
	}
	f.pending = nil
}

// updateLocked runs the core state-update algorithm. Caller must hold
// f.mu.
func (f *File) updateLocked() {
	f.resolveCacheHitsLocked()
	if f.closed {
		return
	}
	decision := f.decideConnectionLocked()
	if !decision.open {
		if len(f.pending) > 0 {
			metrics.ConnectionReusedTotal.Inc()
		}
		return
	}
	if f.conn != nil {
		f.conn.stream.Destroy()
		f.conn = nil
	}
	if f.connecting {
		return
	}
	f.connecting = true
	go f.startConnection(decision.start, decision.length)
}

// resolveCacheHitsLocked resolves every pending read already fully
// covered by the buffer, preserving queue order but not waiting on a
// predecessor's resolution.
func (f *File) resolveCacheHitsLocked() {
	if len(f.pending) == 0 {
		return
	}
	remaining := make([]*pendingRead, 0, len(f.pending))
	for _, pr := range f.pending {
		if f.buffer.Has(pr.rng.Off, pr.rng.End()) {
			data, err := f.buffer.Slice(pr.rng.Off, pr.rng.End())
			pr.deliver(data, err)
			end := pr.rng.End()
			f.lastResolvedEnd = &end
			metrics.CacheHitsTotal.Inc()
			continue
		}
		metrics.CacheMissesTotal.Inc()
		remaining = append(remaining, pr)
	}
	f.pending = remaining
}

type connectionDecision struct {
	open   bool
	start  int64
	length int64
}

// decideConnectionLocked implements need_new_connection.
func (f *File) decideConnectionLocked() connectionDecision {
	if len(f.pending) == 0 {
		return connectionDecision{}
	}
	req := f.pending[0].rng
	have := f.buffer.FilledRanges()
	missing := rangeset.Missing(req, have)
	if missing.Empty() {
		return connectionDecision{}
	}
	missingRanges := missing.Ranges()
	firstMissing := missingRanges[0]

	if f.conn != nil && f.connKeepsUpWithLocked(missingRanges) {
		return connectionDecision{}
	}

	start := firstMissing.Off
	end := req.End()
	for _, hr := range have.Ranges() {
		if hr.Off > start && hr.Off < end {
			end = hr.Off
		}
	}
	if budgetCap := start + f.cacheBudget; budgetCap < end {
		end = budgetCap
	}
	if f.lastResolvedEnd != nil && absInt64(req.Off-*f.lastResolvedEnd) <= f.closeEnough {
		readahead := f.fileSize
		if budgetCap := start + f.cacheBudget; budgetCap < readahead {
			readahead = budgetCap
		}
		if readahead > end {
			end = readahead
		}
	}
	return connectionDecision{open: true, start: start, length: end - start}
}

// connKeepsUpWithLocked reports whether the existing connection's
// remaining pointer lies inside or just before the nearest missing
// range, meaning sequential prefetch will cover the request soon.
func (f *File) connKeepsUpWithLocked(missingRanges []domain.Range) bool {
	pos := f.conn.remaining.Off
	for _, mr := range missingRanges {
		if mr.Contains(domain.Range{Off: pos, Length: 1}) {
			return true
		}
		if pos <= mr.Off && mr.Off-pos <= f.closeEnough {
			return true
		}
	}
	return false
}

func absInt64(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// startConnection opens a fetch for [start, start+length) off the
// file-lifetime context, then hands the resulting stream to a
// consumer goroutine.
func (f *File) startConnection(start, length int64) {
	metrics.ConnectionsOpenedTotal.Inc()
	stream, err := f.fetcher.Fetch(f.ctx, start, length)

	f.mu.Lock()
	f.connecting = false
	if f.closed {
		f.mu.Unlock()
		if err == nil {
			stream.Destroy()
		}
		return
	}
	if err != nil {
		f.handleStreamErrorLocked(nil, err)
		f.mu.Unlock()
		return
	}
	conn := &connection{
		id:        uuid.NewString(),
		stream:    stream,
		remaining: domain.Range{Off: start, Length: length},
	}
	f.conn = conn
	f.logger.Debug("cachedfile connection opened",
		slog.String("connection", conn.id),
		slog.Int64("start", start),
		slog.Int64("length", length),
	)
	f.updateLocked()
	f.mu.Unlock()

	go f.consumeStream(conn)
}

// consumeStream drains one connection's events, applying each to
// cache state under f.mu until the stream ends, errors, or is
// superseded by a different connection.
func (f *File) consumeStream(conn *connection) {
	for ev := range conn.stream.Events() {
		f.mu.Lock()
		if f.conn != conn {
			f.mu.Unlock()
			continue
		}
		switch ev.Kind {
		case ports.StreamData:
			f.handleStreamDataLocked(conn, ev.Chunk)
		case ports.StreamEnd:
			f.conn = nil
			f.updateLocked()
		case ports.StreamError:
			f.handleStreamErrorLocked(conn, ev.Err)
		}
		f.mu.Unlock()
	}
}

func (f *File) handleStreamDataLocked(conn *connection, chunk []byte) {
	if err := f.buffer.Write(chunk, conn.remaining.Off); err != nil {
		f.handleStreamErrorLocked(conn, err)
		return
	}
	conn.remaining.Off += int64(len(chunk))
	conn.remaining.Length -= int64(len(chunk))
	f.lastErrorTime = time.Time{}
	if f.reconnecting {
		f.reconnecting = false
		if f.reconnectCallback != nil {
			f.reconnectCallback(false)
		}
	}
	if len(f.pending) > 0 && f.buffer.Has(f.pending[0].rng.Off, f.pending[0].rng.End()) {
		conn.stream.Destroy()
		if f.conn == conn {
			f.conn = nil
		}
	}
	f.updateLocked()
}

func (f *File) handleStreamErrorLocked(conn *connection, err error) {
	if conn != nil && f.conn == conn {
		f.conn = nil
	}
	if f.reconnectCallback != nil {
		if !f.reconnecting {
			f.reconnecting = true
			f.reconnectCallback(true)
		}
		metrics.NetworkErrorsTotal.WithLabelValues("transient").Inc()
		f.updateLocked()
		return
	}

	now := time.Now()
	if !f.lastErrorTime.IsZero() && now.Sub(f.lastErrorTime) <= hardFailureWindow {
		metrics.NetworkErrorsTotal.WithLabelValues("fatal").Inc()
		f.closed = true
		f.rejectAllPendingLocked(fmt.Errorf("%w: %v", domain.ErrNetworkFatal, err))
		f.logger.Error("cachedfile hard failure: two stream errors within window", slog.Duration("window", hardFailureWindow))
		return
	}
	metrics.NetworkErrorsTotal.WithLabelValues("transient").Inc()
	f.lastErrorTime = now
	f.updateLocked()
}
