package playback

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// fakeIterator replays a fixed slice of items from an index that
// advances on every Next call, ignoring Start (the fakeSource below
// picks the right slice per Iterate call instead).
type fakeIterator struct {
	items []domain.IterItem
	pos   int

	closed bool

	// block, if set, pauses the blockAtCall'th call to Next (1-indexed)
	// until closed, so a test can widen a phase's drain window past a
	// buffering-promotion timer.
	block       <-chan struct{}
	blockAtCall int
	calls       int
}

func (it *fakeIterator) Next(ctx context.Context) (domain.IterItem, bool, error) {
	it.calls++
	if it.block != nil && it.calls == it.blockAtCall {
		select {
		case <-it.block:
		case <-ctx.Done():
			return domain.IterItem{}, false, ctx.Err()
		}
	}
	if it.pos >= len(it.items) {
		return domain.IterItem{}, false, nil
	}
	item := it.items[it.pos]
	it.pos++
	return item, true, nil
}

func (it *fakeIterator) Close() { it.closed = true }

// fakeSource is a hand-rolled ports.MessageSource. messages must be
// sorted by ReceiveTime; Iterate returns the suffix at or after
// opts.Start.
type fakeSource struct {
	mu       sync.Mutex
	start    domain.Time
	end      domain.Time
	topics   []domain.TopicInfo
	messages []domain.Message

	initErr error

	// blockNextIterate, when armed, makes the next Iterate's returned
	// iterator block on its blockAtCall'th Next call until closed.
	blockNextIterate <-chan struct{}
	blockAtCall      int
	armBlock         bool

	// injectProblemOnce, when set, appends one SeverityError IterProblem
	// after the ordinary message items of the next Iterate call, then
	// clears itself so a subsequent reopen (e.g. doResetIterator's) gets
	// a clean iterator.
	injectProblemOnce bool
}

func (s *fakeSource) Initialize(ctx context.Context) (ports.InitResult, error) {
	if s.initErr != nil {
		return ports.InitResult{}, s.initErr
	}
	return ports.InitResult{Start: s.start, End: s.end, Topics: s.topics}, nil
}

func (s *fakeSource) Iterate(ctx context.Context, opts ports.IterateOptions) (ports.Iterator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	from := s.start
	if opts.Start != nil {
		from = *opts.Start
	}
	var items []domain.IterItem
	for _, m := range s.messages {
		if m.ReceiveTime.Before(from) {
			continue
		}
		if !subscribed(opts.Topics, m.Topic) {
			continue
		}
		items = append(items, domain.IterItem{Kind: domain.IterMessage, Message: m})
	}
	if s.injectProblemOnce {
		s.injectProblemOnce = false
		items = append(items, domain.IterItem{
			Kind: domain.IterProblem,
			Problem: domain.ProblemEvent{
				Severity: domain.SeverityError,
				Message:  "simulated decoder fault",
			},
		})
	}
	it := &fakeIterator{items: items}
	if s.armBlock {
		s.armBlock = false
		it.block = s.blockNextIterate
		it.blockAtCall = s.blockAtCall
	}
	return it, nil
}

func subscribed(topics []string, topic string) bool {
	if len(topics) == 0 {
		return true
	}
	for _, t := range topics {
		if t == topic {
			return true
		}
	}
	return false
}

func (s *fakeSource) Backfill(ctx context.Context, opts ports.BackfillOptions) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	latest := map[string]domain.Message{}
	for _, m := range s.messages {
		if m.ReceiveTime.After(opts.Time) {
			continue
		}
		if !subscribed(opts.Topics, m.Topic) {
			continue
		}
		latest[m.Topic] = m
	}
	out := make([]domain.Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	return out, nil
}

func (s *fakeSource) Terminate() error { return nil }

type fakeListener struct {
	mu     sync.Mutex
	states []domain.PlayerState
	notify chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{notify: make(chan struct{}, 256)}
}

func (l *fakeListener) OnPlayerState(ctx context.Context, s domain.PlayerState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *fakeListener) last() (domain.PlayerState, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.states) == 0 {
		return domain.PlayerState{}, false
	}
	return l.states[len(l.states)-1], true
}

func (l *fakeListener) waitFor(t *testing.T, pred func(domain.PlayerState) bool, timeout time.Duration) domain.PlayerState {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if s, ok := l.last(); ok && pred(s) {
			return s
		}
		select {
		case <-l.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for expected player state")
		}
	}
}

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.FramePace = time.Millisecond
	cfg.InitToStartPlayDelay = time.Millisecond
	cfg.SeekBufferingDelay = 2 * time.Millisecond
	cfg.StartSkip = 5 * time.Millisecond
	return cfg
}

func TestInitializeReportsStartAndEndTime(t *testing.T) {
	src := &fakeSource{
		start:  domain.Time{Sec: 0},
		end:    domain.Time{Sec: 100},
		topics: []domain.TopicInfo{{Name: "/a"}},
	}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	l := newFakeListener()
	if err := c.SetListener(l); err != nil {
		t.Fatal(err)
	}

	s := l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)
	if !s.StartTime.Equal(src.start) || !s.EndTime.Equal(src.end) {
		t.Fatalf("got start=%v end=%v, want %v/%v", s.StartTime, s.EndTime, src.start, src.end)
	}
}

func TestSeekClampsToRecordingBounds(t *testing.T) {
	src := &fakeSource{start: domain.Time{Sec: 0}, end: domain.Time{Sec: 10}}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.SeekPlayback(domain.Time{Sec: 999})
	s := l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && s.CurrentTime.Equal(domain.Time{Sec: 10})
	}, time.Second)
	if !s.CurrentTime.Equal(src.end) {
		t.Fatalf("seek past end should clamp to end, got %v", s.CurrentTime)
	}
}

func TestSetPlaybackSpeedClampsToConfiguredBounds(t *testing.T) {
	src := &fakeSource{start: domain.Time{Sec: 0}, end: domain.Time{Sec: 10}}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.SetPlaybackSpeed(1000)
	s := l.waitFor(t, func(s domain.PlayerState) bool { return s.Speed == c.cfg.SpeedMax }, time.Second)
	if s.Speed != c.cfg.SpeedMax {
		t.Fatalf("got speed %v, want clamped max %v", s.Speed, c.cfg.SpeedMax)
	}

	c.SetPlaybackSpeed(-5)
	s = l.waitFor(t, func(s domain.PlayerState) bool { return s.Speed == c.cfg.SpeedMin }, time.Second)
	if s.Speed != c.cfg.SpeedMin {
		t.Fatalf("got speed %v, want clamped min %v", s.Speed, c.cfg.SpeedMin)
	}
}

func TestSeekLoadsMessagesAtTarget(t *testing.T) {
	src := &fakeSource{
		start: domain.Time{Sec: 0},
		end:   domain.Time{Sec: 10},
		messages: []domain.Message{
			{Topic: "/a", ReceiveTime: domain.Time{Sec: 1}, Payload: []byte("one")},
			{Topic: "/a", ReceiveTime: domain.Time{Sec: 5}, Payload: []byte("five")},
		},
	}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.SeekPlayback(domain.Time{Sec: 5})
	s := l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && s.CurrentTime.Equal(domain.Time{Sec: 5})
	}, time.Second)
	found := false
	for _, m := range s.Messages {
		if string(m.Payload) == "five" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the backfilled message at the seek target, got %+v", s.Messages)
	}
}

func TestSeekBufferingTimerReportsTargetAndClearsMessages(t *testing.T) {
	block := make(chan struct{})
	src := &fakeSource{
		start: domain.Time{Sec: 0},
		end:   domain.Time{Sec: 10},
		messages: []domain.Message{
			{Topic: "/a", ReceiveTime: domain.Time{Sec: 1}, Payload: []byte("one")},
		},
		blockNextIterate: block,
		blockAtCall:      1,
	}
	cfg := fastTestConfig()
	cfg.SeekBufferingDelay = 5 * time.Millisecond
	c := New(src, "rec-1", WithConfig(cfg))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	src.mu.Lock()
	src.armBlock = true
	src.mu.Unlock()

	c.SeekPlayback(domain.Time{Sec: 5})
	s := l.waitFor(t, func(s domain.PlayerState) bool { return s.Presence == domain.PresenceBuffering }, time.Second)
	if !s.CurrentTime.Equal(domain.Time{Sec: 5}) {
		t.Fatalf("buffering frame currentTime = %v, want seek target sec=5", s.CurrentTime)
	}
	if len(s.Messages) != 0 {
		t.Fatalf("buffering frame should clear stale messages, got %+v", s.Messages)
	}

	close(block)
	l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && s.Presence == domain.PresencePresent && s.CurrentTime.Equal(domain.Time{Sec: 5})
	}, time.Second)
}

func TestTickBufferingTimerPromotesPresenceOnSlowDrain(t *testing.T) {
	block := make(chan struct{})
	// armBlock is set up front: doStartPlay opens the forward iterator
	// once (Next call #1, unblocked) and doPlay's first tick reuses that
	// same iterator (Next call #2, which blocks) without reopening it.
	src := &fakeSource{
		start:            domain.Time{Sec: 0},
		end:              domain.Time{Sec: 10},
		blockNextIterate: block,
		blockAtCall:      2,
		armBlock:         true,
	}
	cfg := fastTestConfig()
	cfg.StartSkip = 0
	cfg.TickBufferingDelay = 5 * time.Millisecond
	c := New(src, "rec-1", WithConfig(cfg))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.StartPlayback()
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Presence == domain.PresenceBuffering }, time.Second)

	close(block)
	l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Presence == domain.PresencePresent && s.IsPlaying
	}, time.Second)
}

func TestPlayToEndAutoPauses(t *testing.T) {
	src := &fakeSource{start: domain.Time{Sec: 0}, end: domain.Time{Sec: 0, Nsec: 5_000_000}}
	cfg := fastTestConfig()
	cfg.FramePace = time.Millisecond
	c := New(src, "rec-1", WithConfig(cfg))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.StartPlayback()
	s := l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && !s.IsPlaying && s.CurrentTime.Equal(src.end)
	}, 2*time.Second)
	if s.IsPlaying {
		t.Fatalf("expected playback to auto-pause at end")
	}
	if !s.CurrentTime.Equal(src.end) {
		t.Fatalf("got currentTime %v, want exactly end %v", s.CurrentTime, src.end)
	}
}

func TestSecondSeekSupersedesInFlightSeek(t *testing.T) {
	src := &fakeSource{start: domain.Time{Sec: 0}, end: domain.Time{Sec: 100}}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	c.SeekPlayback(domain.Time{Sec: 50})
	c.SeekPlayback(domain.Time{Sec: 20})

	s := l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && s.CurrentTime.Equal(domain.Time{Sec: 20})
	}, time.Second)
	if !s.CurrentTime.Equal(domain.Time{Sec: 20}) {
		t.Fatalf("later seek should win, got currentTime %v", s.CurrentTime)
	}
}

func TestHardDecoderErrorDuringPlayRecoversViaResetIterator(t *testing.T) {
	src := &fakeSource{
		start: domain.Time{Sec: 0},
		end:   domain.Time{Nsec: 50_000_000},
		messages: []domain.Message{
			{Topic: "/a", ReceiveTime: domain.Time{Nsec: 0}, Payload: []byte("one")},
			{Topic: "/a", ReceiveTime: domain.Time{Nsec: 10_000_000}, Payload: []byte("two")},
		},
		injectProblemOnce: true,
	}
	cfg := fastTestConfig()
	cfg.StartSkip = 5 * time.Millisecond
	c := New(src, "rec-1", WithConfig(cfg))
	defer c.Close()
	l := newFakeListener()
	_ = c.SetListener(l)
	l.waitFor(t, func(s domain.PlayerState) bool { return s.Phase == domain.PhaseIdle }, time.Second)

	// The second message sits past the start-play skip window, so the
	// injected problem right behind it in the same iterator is only
	// reached once a later doPlay tick drains up to it.
	c.StartPlayback()
	final := l.waitFor(t, func(s domain.PlayerState) bool {
		return s.Phase == domain.PhaseIdle && !s.IsPlaying && s.CurrentTime.Equal(src.end)
	}, 2*time.Second)
	if !final.CurrentTime.Equal(src.end) {
		t.Fatalf("got currentTime %v, want end after recovering from the mid-stream error via reset-iterator", final.CurrentTime)
	}
}

func TestSetListenerTwiceIsInvalidArgument(t *testing.T) {
	src := &fakeSource{start: domain.Time{Sec: 0}, end: domain.Time{Sec: 10}}
	c := New(src, "rec-1", WithConfig(fastTestConfig()))
	defer c.Close()
	if err := c.SetListener(newFakeListener()); err != nil {
		t.Fatal(err)
	}
	if err := c.SetListener(newFakeListener()); err == nil {
		t.Fatal("expected an error assigning a second listener")
	}
}
