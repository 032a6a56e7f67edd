// Package playback implements the PlaybackCore state machine: a single
// driver goroutine, one pending-phase slot, and a cooperative cancel
// context per phase standing in for a single AbortController.
package playback

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
)

// Core is a PlaybackCore instance over one MessageSource.
type Core struct {
	source    ports.MessageSource
	bookmarks ports.BookmarkRepository // optional
	identifier string
	logger    *slog.Logger
	cfg       Config

	rootCtx    context.Context
	rootCancel context.CancelFunc
	wake       chan struct{}

	mu           sync.Mutex
	phase        domain.Phase
	pendingPhase *domain.Phase
	cancel       context.CancelFunc

	listener      ports.Listener
	isPlaying     bool
	speed         float64
	subscriptions domain.Subscriptions
	seekTarget    *domain.Time
	untilTime     *domain.Time

	startTime   domain.Time
	endTime     domain.Time
	currentTime domain.Time
	topics      []domain.TopicInfo
	presence    domain.Presence
	messages    []domain.Message

	// forwardIter and pendingItem are owned exclusively by the driver
	// goroutine; every phase handler runs on that one goroutine, so
	// neither needs mu.
	forwardIter ports.Iterator
	pendingItem *domain.IterItem

	emitMu sync.Mutex
}

// Option configures a Core at construction time.
type Option func(*Core)

// WithLogger overrides the default logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Core) { c.logger = logger }
}

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(c *Core) { c.cfg = cfg }
}

// WithBookmarks installs a BookmarkRepository used to seed the initial
// seek target and persist the last position on Close.
func WithBookmarks(repo ports.BookmarkRepository) Option {
	return func(c *Core) { c.bookmarks = repo }
}

// New constructs a Core over source and starts its driver goroutine in
// PhasePreinit. identifier scopes bookmark lookups (cmd/server and
// cmd/bagctl pass the recording URL).
func New(source ports.MessageSource, identifier string, opts ...Option) *Core {
	rootCtx, rootCancel := context.WithCancel(context.Background())
	c := &Core{
		source:        source,
		identifier:    identifier,
		logger:        slog.Default(),
		cfg:           DefaultConfig(),
		rootCtx:       rootCtx,
		rootCancel:    rootCancel,
		wake:          make(chan struct{}, 1),
		phase:         domain.PhasePreinit,
		speed:         1.0,
		subscriptions: domain.Subscriptions{},
		presence:      domain.PresenceInitializing,
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.driverLoop()
	return c
}

// SetListener assigns the single playback listener and kicks off
// initialization. Assigning a second listener is an InvalidArgument.
func (c *Core) SetListener(l ports.Listener) error {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return domain.ErrClosed
	}
	if c.listener != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: listener already assigned", domain.ErrInvalidArgument)
	}
	c.listener = l
	c.mu.Unlock()
	c.setPhase(domain.PhaseInitialize)
	return nil
}

// SetSubscriptions replaces the subscription set. If the machine is
// parked (idle/seek-backfill/play/start-play) and not actively
// playing, and the set actually changed, a seek-backfill refreshes
// messages at the current time.
func (c *Core) SetSubscriptions(subs domain.Subscriptions) {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	unchanged := c.subscriptions.Equal(subs)
	phase := c.phase
	playing := c.isPlaying
	c.subscriptions = subs
	if unchanged || playing || !reseekablePhase(phase) {
		c.mu.Unlock()
		return
	}
	at := c.currentTime
	c.seekTarget = &at
	c.mu.Unlock()
	c.setPhase(domain.PhaseSeekBackfill)
}

func reseekablePhase(p domain.Phase) bool {
	switch p {
	case domain.PhaseIdle, domain.PhaseSeekBackfill, domain.PhasePlay, domain.PhaseStartPlay:
		return true
	default:
		return false
	}
}

// StartPlayback marks the machine playing; from idle this begins the
// play phase immediately.
func (c *Core) StartPlayback() {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	c.isPlaying = true
	phase := c.phase
	c.mu.Unlock()
	if phase == domain.PhaseIdle {
		c.setPhase(domain.PhasePlay)
	}
}

// PausePlayback marks the machine paused; from play this returns to idle.
func (c *Core) PausePlayback() {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	c.isPlaying = false
	phase := c.phase
	c.mu.Unlock()
	if phase == domain.PhasePlay {
		c.setPhase(domain.PhaseIdle)
	}
}

// SeekPlayback clamps t to [startTime, endTime] and, if it differs
// from currentTime, begins a seek-backfill.
func (c *Core) SeekPlayback(t domain.Time) {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	clamped := t.Clamp(c.startTime, c.endTime)
	if clamped.Equal(c.currentTime) {
		c.mu.Unlock()
		return
	}
	c.seekTarget = &clamped
	c.mu.Unlock()
	c.setPhase(domain.PhaseSeekBackfill)
}

// SetPlaybackSpeed clamps x to the configured bounds and emits state.
func (c *Core) SetPlaybackSpeed(x float64) {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	if x < c.cfg.SpeedMin {
		x = c.cfg.SpeedMin
	}
	if x > c.cfg.SpeedMax {
		x = c.cfg.SpeedMax
	}
	c.speed = x
	c.mu.Unlock()
	metrics.PlaybackSpeed.Set(x)
	c.emit(c.rootCtx)
}

// Close transitions to the final, absorbing close phase. Once entered,
// all further inputs are ignored.
func (c *Core) Close() {
	c.setPhase(domain.PhaseClose)
}

// setPhase records the next phase and cancels whatever phase is
// currently in flight — the single AbortController per Core.
func (c *Core) setPhase(p domain.Phase) {
	c.mu.Lock()
	if c.phase == domain.PhaseClose {
		c.mu.Unlock()
		return
	}
	if c.cancel != nil {
		c.cancel()
	}
	ph := p
	c.pendingPhase = &ph
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// transitionTo installs p as the current phase with a fresh cancel
// context, logging and counting the transition like the rest of the
// stack's FSMs do.
func (c *Core) transitionTo(p domain.Phase) context.Context {
	c.mu.Lock()
	from := c.phase
	c.phase = p
	ctx, cancel := context.WithCancel(c.rootCtx)
	c.cancel = cancel
	c.mu.Unlock()
	if from != p {
		metrics.FSMTransitionsTotal.WithLabelValues(from.String(), p.String()).Inc()
		c.logger.Info("playback phase transition",
			slog.String("from", from.String()),
			slog.String("to", p.String()),
			slog.String("seekGeneration", uuid.NewString()),
		)
	}
	return ctx
}

func (c *Core) currentPhase() domain.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// driverLoop owns the FSM: one phase runs at a time, its handler
// either self-selects the next phase (a "next" return) or an external
// setPhase call overtakes it via pendingPhase.
func (c *Core) driverLoop() {
	ctx := c.transitionTo(domain.PhasePreinit)
	for {
		var next *domain.Phase
		switch c.currentPhase() {
		case domain.PhasePreinit:
			next = c.doPreinit(ctx)
		case domain.PhaseInitialize:
			next = c.doInitialize(ctx)
		case domain.PhaseStartPlay:
			next = c.doStartPlay(ctx)
		case domain.PhaseIdle:
			next = c.doIdle(ctx)
		case domain.PhaseSeekBackfill:
			next = c.doSeekBackfill(ctx)
		case domain.PhasePlay:
			next = c.doPlay(ctx)
		case domain.PhaseResetIterator:
			next = c.doResetIterator(ctx)
		case domain.PhaseClose:
			c.doClose(ctx)
			return
		}

		c.mu.Lock()
		if c.pendingPhase != nil {
			p := *c.pendingPhase
			c.pendingPhase = nil
			c.mu.Unlock()
			ctx = c.transitionTo(p)
			continue
		}
		if next != nil {
			c.mu.Unlock()
			ctx = c.transitionTo(*next)
			continue
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.rootCtx.Done():
			return
		}
	}
}

// emit builds the current PlayerState snapshot, drains messages, and
// delivers it to the listener under emitMu so concurrent emitters
// (the driver loop and direct-input calls like SetPlaybackSpeed)
// serialize against each other exactly like a single-threaded executor
// would.
func (c *Core) emit(ctx context.Context) {
	c.mu.Lock()
	listener := c.listener
	state := domain.PlayerState{
		Phase:       c.phase,
		Presence:    c.presence,
		CurrentTime: c.currentTime,
		StartTime:   c.startTime,
		EndTime:     c.endTime,
		IsPlaying:   c.isPlaying,
		Speed:       c.speed,
		Topics:      c.topics,
		Messages:    c.messages,
		Progress:    progressOf(c.currentTime, c.startTime, c.endTime),
	}
	c.messages = nil
	c.mu.Unlock()
	if listener == nil {
		return
	}
	metrics.MessagesEmittedTotal.Add(float64(len(state.Messages)))

	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("playback listener panicked", slog.Any("recover", r))
			}
		}()
		listener.OnPlayerState(ctx, state)
	}()
}

func progressOf(cur, start, end domain.Time) float64 {
	total := end.Sub(start)
	if total <= 0 {
		return 0
	}
	elapsed := cur.Sub(start)
	if elapsed < 0 {
		return 0
	}
	if elapsed > total {
		return 1
	}
	return float64(elapsed) / float64(total)
}

// nextIterItem returns the pending one-item lookahead if present,
// otherwise pulls from forwardIter. Only ever called from the driver
// goroutine.
func (c *Core) nextIterItem(ctx context.Context) (domain.IterItem, bool, error) {
	if c.pendingItem != nil {
		item := *c.pendingItem
		c.pendingItem = nil
		return item, true, nil
	}
	return c.forwardIter.Next(ctx)
}

// armBufferingTimer fires fn after d unless stopped first, backing the
// seek/tick buffering-promotion timers.
func armBufferingTimer(d time.Duration, fn func()) *time.Timer {
	return time.AfterFunc(d, fn)
}
