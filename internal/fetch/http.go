// Package fetch implements the RangedFetcher contract over ranged HTTP
// GET, the only remote transport this system supports.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

const streamReadChunk = 256 * 1024

// Config configures an HTTPFetcher.
type Config struct {
	URL string
	// RateLimitBytesPerSec caps the aggregate download rate, 0 disables
	// limiting.
	RateLimitBytesPerSec int64
	Logger               *slog.Logger
}

// HTTPFetcher implements ports.RangedFetcher against a single HTTP URL
// supporting ranged GET.
type HTTPFetcher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// New constructs an HTTPFetcher for cfg.URL.
func New(cfg Config) *HTTPFetcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rate.Limiter
	if cfg.RateLimitBytesPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitBytesPerSec), int(cfg.RateLimitBytesPerSec))
	}
	return &HTTPFetcher{
		url: cfg.URL,
		client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   0, // streaming reads manage their own pacing
		},
		limiter: limiter,
		logger:  logger,
	}
}

var _ ports.RangedFetcher = (*HTTPFetcher)(nil)

// Open probes the remote resource: issues a GET, inspects headers, and
// aborts the body before consuming it.
func (f *HTTPFetcher) Open(ctx context.Context) (ports.OpenResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return ports.OpenResult{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client.Do(req)
	if err != nil {
		return ports.OpenResult{}, fmt.Errorf("%w: %v", domain.ErrNetworkTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ports.OpenResult{}, fmt.Errorf("%w: probe returned HTTP %d", domain.ErrNetworkFatal, resp.StatusCode)
	}
	if resp.Header.Get("Accept-Ranges") != "bytes" {
		return ports.OpenResult{}, fmt.Errorf("%w: remote does not advertise Accept-Ranges: bytes", domain.ErrNetworkFatal)
	}
	size, err := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
	if err != nil || size <= 0 {
		return ports.OpenResult{}, fmt.Errorf("%w: missing or invalid Content-Length", domain.ErrNetworkFatal)
	}

	identifier := resp.Header.Get("ETag")
	if identifier == "" {
		identifier = resp.Header.Get("Last-Modified")
	}

	f.logger.Info("fetcher opened remote file",
		slog.String("url", f.url),
		slog.Int64("size", size),
		slog.String("identifier", identifier),
	)

	return ports.OpenResult{Size: size, Identifier: identifier}, nil
}

// Fetch issues a ranged GET for [offset, offset+length) and returns a
// Stream that decodes the body in chunks on a background goroutine.
func (f *HTTPFetcher) Fetch(ctx context.Context, offset, length int64) (ports.Stream, error) {
	if offset < 0 || length <= 0 {
		return nil, fmt.Errorf("%w: offset=%d length=%d", domain.ErrInvalidArgument, offset, length)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, f.url, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
	req.Header.Set("Cache-Control", "no-store")

	resp, err := f.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", domain.ErrNetworkTransient, err)
	}
	if resp.StatusCode != http.StatusPartialContent {
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("%w: expected 206, got HTTP %d", domain.ErrNetworkFatal, resp.StatusCode)
	}

	s := &httpStream{
		body:    resp.Body,
		events:  make(chan ports.StreamEvent, 4),
		done:    make(chan struct{}),
		cancel:  cancel,
		limiter: f.limiter,
		logger:  f.logger,
	}
	go s.pump()
	return s, nil
}

// httpStream adapts an HTTP response body into a ports.Stream.
type httpStream struct {
	body    io.ReadCloser
	events  chan ports.StreamEvent
	cancel  context.CancelFunc
	limiter *rate.Limiter
	logger  *slog.Logger

	done      chan struct{}
	destroyed sync.Once
}

func (s *httpStream) Events() <-chan ports.StreamEvent { return s.events }

func (s *httpStream) pump() {
	defer close(s.events)
	buf := make([]byte, streamReadChunk)
	for {
		n, err := s.body.Read(buf)
		if n > 0 {
			if s.limiter != nil {
				// Best-effort pacing: wait for n tokens, ignoring cancellation
				// here since the caller observes stream events directly.
				_ = s.limiter.WaitN(context.Background(), n)
			}
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if !s.emit(ports.StreamEvent{Kind: ports.StreamData, Chunk: chunk}) {
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.emit(ports.StreamEvent{Kind: ports.StreamEnd})
			} else {
				s.emit(ports.StreamEvent{Kind: ports.StreamError, Err: fmt.Errorf("%w: %v", domain.ErrNetworkTransient, err)})
			}
			return
		}
	}
}

// emit sends ev, returning false if the stream was destroyed first.
func (s *httpStream) emit(ev ports.StreamEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// Destroy stops network traffic and is idempotent.
func (s *httpStream) Destroy() {
	s.destroyed.Do(func() {
		close(s.done)
		s.cancel()
		s.body.Close()
	})
}
