package playback

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

func phasePtr(p domain.Phase) *domain.Phase { return &p }

// doPreinit has nothing to do until SetListener arrives and drives an
// external transition into initialize; the driver loop's own wake
// select supplies the parking behavior.
func (c *Core) doPreinit(ctx context.Context) *domain.Phase {
	return nil
}

// doInitialize opens the source, seeds a bookmark when the host hasn't
// already set a seek target, and then waits out the configured delay
// before self-advancing into start-play.
func (c *Core) doInitialize(ctx context.Context) *domain.Phase {
	res, err := c.source.Initialize(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("playback initialize failed", slog.Any("err", err))
		c.mu.Lock()
		c.presence = domain.PresenceError
		c.mu.Unlock()
		c.emit(ctx)
		return nil
	}

	c.mu.Lock()
	c.startTime = res.Start
	c.endTime = res.End
	c.currentTime = res.Start
	c.topics = res.Topics
	c.presence = domain.PresencePresent
	needsSeed := c.seekTarget == nil
	c.mu.Unlock()

	if needsSeed && c.bookmarks != nil {
		bm, err := c.bookmarks.Get(ctx, c.identifier)
		if err == nil {
			target := bm.CurrentTime.Clamp(res.Start, res.End)
			c.mu.Lock()
			c.seekTarget = &target
			if len(bm.Subscriptions) > 0 {
				c.subscriptions = bm.Subscriptions
			}
			if bm.Speed > 0 {
				c.speed = bm.Speed
			}
			c.mu.Unlock()
		} else if !errors.Is(err, domain.ErrNotFound) {
			c.logger.Warn("playback bookmark lookup failed", slog.Any("err", err))
		}
	}

	c.emit(ctx)

	select {
	case <-time.After(c.cfg.InitToStartPlayDelay):
	case <-ctx.Done():
		return nil
	}
	return phasePtr(domain.PhaseStartPlay)
}

// openForwardIterFrom closes any existing forward iterator and
// opens a fresh one starting at from. Only called from the driver
// goroutine.
func (c *Core) openForwardIterFrom(ctx context.Context, from domain.Time) error {
	if c.forwardIter != nil {
		c.forwardIter.Close()
		c.forwardIter = nil
	}
	c.pendingItem = nil

	c.mu.Lock()
	subs := c.subscriptions.Topics()
	c.mu.Unlock()

	it, err := c.source.Iterate(ctx, ports.IterateOptions{
		Topics: subs,
		Start:  &from,
	})
	if err != nil {
		return err
	}
	c.forwardIter = it
	return nil
}

// drainUntil pulls items from the driver's forward iterator, appending
// messages with ReceiveTime <= boundary to c.messages, and stashes the
// first item past boundary in pendingItem for the next phase to
// consume. It reports whether a severity-error problem was seen.
func (c *Core) drainUntil(ctx context.Context, boundary domain.Time) (hardError bool, err error) {
	for {
		item, ok, err := c.nextIterItem(ctx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		switch item.Kind {
		case domain.IterMessage:
			if item.Message.ReceiveTime.After(boundary) {
				c.pendingItem = &item
				return false, nil
			}
			c.mu.Lock()
			c.messages = append(c.messages, item.Message)
			c.mu.Unlock()
		case domain.IterProblem:
			c.logger.Warn("playback decoder problem",
				slog.String("connection", item.Problem.ConnectionID),
				slog.String("severity", string(item.Problem.Severity)),
				slog.String("message", item.Problem.Message),
			)
			if item.Problem.Severity == domain.SeverityError {
				return true, nil
			}
		case domain.IterStamp:
			if item.Stamp.After(boundary) {
				c.pendingItem = &item
				return false, nil
			}
		}
	}
}

// doStartPlay dispatches to seek-backfill when a seek target (e.g. a
// restored bookmark) is pending; otherwise it opens the forward
// iterator at the recording's own start, folds in a backfill snapshot,
// and drains the initial skip window before parking in idle.
func (c *Core) doStartPlay(ctx context.Context) *domain.Phase {
	c.mu.Lock()
	hasSeekTarget := c.seekTarget != nil
	c.mu.Unlock()
	if hasSeekTarget {
		return phasePtr(domain.PhaseSeekBackfill)
	}

	c.mu.Lock()
	from := c.startTime
	c.currentTime = from
	subs := c.subscriptions.Topics()
	c.mu.Unlock()

	if err := c.openForwardIterFrom(ctx, from); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("playback start-play iterate failed", slog.Any("err", err))
		return nil
	}

	backfilled, err := c.source.Backfill(ctx, ports.BackfillOptions{Topics: subs, Time: from})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("playback start-play backfill failed", slog.Any("err", err))
	}

	c.mu.Lock()
	c.messages = append(c.messages, backfilled...)
	c.mu.Unlock()

	boundary := from.AddNanos(c.cfg.StartSkip.Nanoseconds())
	hardError, derr := c.drainUntil(ctx, boundary)
	if ctx.Err() != nil {
		return nil
	}
	if derr != nil {
		c.logger.Error("playback start-play drain failed", slog.Any("err", derr))
		return nil
	}
	if hardError {
		return phasePtr(domain.PhaseResetIterator)
	}

	c.emit(ctx)
	return phasePtr(domain.PhaseIdle)
}

// doIdle emits the parked state (carrying any messages a preceding
// seek-backfill installed); StartPlayback/SeekPlayback/Close drive the
// next external transition.
func (c *Core) doIdle(ctx context.Context) *domain.Phase {
	c.emit(ctx)
	return nil
}

// doSeekBackfill relocates the forward iterator to the pending seek
// target, replaces the message set with a fresh backfill snapshot, and
// resumes play if the machine was playing when the seek landed.
func (c *Core) doSeekBackfill(ctx context.Context) *domain.Phase {
	c.mu.Lock()
	target := c.currentTime
	if c.seekTarget != nil {
		target = *c.seekTarget
	}
	c.seekTarget = nil
	subs := c.subscriptions.Topics()
	c.presence = domain.PresenceBuffering
	c.mu.Unlock()

	timer := armBufferingTimer(c.cfg.SeekBufferingDelay, func() {
		c.mu.Lock()
		c.currentTime = target
		c.messages = nil
		c.presence = domain.PresenceBuffering
		c.mu.Unlock()
		c.emit(c.rootCtx)
	})
	defer timer.Stop()

	if err := c.openForwardIterFrom(ctx, target); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("playback seek iterate failed", slog.Any("err", err))
		return nil
	}

	backfilled, err := c.source.Backfill(ctx, ports.BackfillOptions{Topics: subs, Time: target})
	if err != nil && ctx.Err() == nil {
		c.logger.Warn("playback seek backfill failed", slog.Any("err", err))
	}
	if ctx.Err() != nil {
		return nil
	}

	c.mu.Lock()
	c.currentTime = target
	c.messages = backfilled
	c.presence = domain.PresencePresent
	playing := c.isPlaying
	c.mu.Unlock()

	// The installed messages go out with the next phase's first
	// emission (idle on entry, or play's first tick).
	if ctx.Err() != nil {
		return nil
	}
	if playing {
		return phasePtr(domain.PhasePlay)
	}
	return phasePtr(domain.PhaseIdle)
}

// doPlay advances currentTime one frame at a time, draining messages
// up to each tick's clamped boundary, until it reaches endTime or is
// preempted.
func (c *Core) doPlay(ctx context.Context) *domain.Phase {
	for {
		c.mu.Lock()
		cur := c.currentTime
		start := c.startTime
		end := c.endTime
		speed := c.speed
		c.mu.Unlock()

		if !cur.Before(end) {
			c.mu.Lock()
			c.isPlaying = false
			c.mu.Unlock()
			c.emit(ctx)
			return phasePtr(domain.PhaseIdle)
		}

		advanceNanos := int64(float64(c.cfg.FramePace.Nanoseconds()) * speed)
		candidate := cur.AddNanos(advanceNanos)
		tickEnd := candidate.Clamp(start, end)

		timer := armBufferingTimer(c.cfg.TickBufferingDelay, func() {
			c.mu.Lock()
			c.presence = domain.PresenceBuffering
			c.mu.Unlock()
			c.emit(c.rootCtx)
		})
		hardError, err := c.drainUntil(ctx, tickEnd)
		timer.Stop()
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.logger.Error("playback tick drain failed", slog.Any("err", err))
			return nil
		}

		c.mu.Lock()
		c.currentTime = tickEnd
		c.presence = domain.PresencePresent
		c.mu.Unlock()
		c.emit(ctx)

		if hardError {
			return phasePtr(domain.PhaseResetIterator)
		}

		select {
		case <-time.After(c.cfg.FramePace):
		case <-ctx.Done():
			return nil
		}
	}
}

// doResetIterator recovers from a hard decoder error mid-stream by
// reopening the forward iterator just past currentTime, then resuming
// play if the machine was playing when the error hit, idle otherwise.
func (c *Core) doResetIterator(ctx context.Context) *domain.Phase {
	c.mu.Lock()
	from := c.currentTime.AddNanos(1)
	playing := c.isPlaying
	c.mu.Unlock()

	if err := c.openForwardIterFrom(ctx, from); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		c.logger.Error("playback reset-iterator failed", slog.Any("err", err))
		return nil
	}

	if playing {
		return phasePtr(domain.PhasePlay)
	}
	return phasePtr(domain.PhaseIdle)
}

// doClose persists the current position, tears down the iterator and
// source, and stops the driver loop. Close is absorbing: the loop
// returns immediately after this call.
func (c *Core) doClose(ctx context.Context) {
	c.mu.Lock()
	if c.forwardIter != nil {
		c.forwardIter.Close()
		c.forwardIter = nil
	}
	current := c.currentTime
	subs := c.subscriptions
	speed := c.speed
	c.mu.Unlock()

	if c.bookmarks != nil {
		bctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := c.bookmarks.Upsert(bctx, ports.Bookmark{
			Identifier:    c.identifier,
			CurrentTime:   current,
			Subscriptions: subs,
			Speed:         speed,
		})
		cancel()
		if err != nil {
			c.logger.Warn("playback bookmark upsert failed", slog.Any("err", err))
		}
	}

	if err := c.source.Terminate(); err != nil {
		c.logger.Warn("playback source terminate failed", slog.Any("err", err))
	}
	c.rootCancel()
}
