// Command bagctl drives PlaybackCore from a terminal: it opens a
// recording URL, plays it start to end, and logs every state
// transition, with no HTTP surface at all.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/caterpi11ar/rosbag-engine/internal/cachedfile"
	"github.com/caterpi11ar/rosbag-engine/internal/decoder"
	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/fetch"
	"github.com/caterpi11ar/rosbag-engine/internal/messagesource"
	"github.com/caterpi11ar/rosbag-engine/internal/playback"
)

func main() {
	url := flag.String("url", "", "ranged-HTTP URL of the recording to play")
	speed := flag.Float64("speed", 1.0, "initial playback speed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if *url == "" {
		logger.Error("missing required -url flag")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fetcher := fetch.New(fetch.Config{URL: *url, Logger: logger})
	cache := cachedfile.New(fetcher, 200<<20, cachedfile.WithLogger(logger))
	dec := decoder.New(cache, logger)
	source := messagesource.New(cache, dec, *url, messagesource.WithLogger(logger))

	done := make(chan struct{})
	core := playback.New(source, *url, playback.WithLogger(logger))
	listener := &cliListener{logger: logger, done: done, speed: *speed, core: core}
	if err := core.SetListener(listener); err != nil {
		logger.Error("set listener failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	select {
	case <-ctx.Done():
		logger.Info("interrupted")
	case <-done:
		logger.Info("playback reached end of recording")
	}
	core.Close()
}

// cliListener drives StartPlayback once the initial idle snapshot
// arrives, applies the requested speed, and signals done once a snapshot
// reports the idle phase, not playing, with currentTime at endTime.
type cliListener struct {
	logger  *slog.Logger
	done    chan struct{}
	speed   float64
	core    *playback.Core
	started bool
	closed  bool
}

func (l *cliListener) OnPlayerState(_ context.Context, state domain.PlayerState) {
	l.logger.Info("player state",
		slog.String("phase", state.Phase.String()),
		slog.String("presence", string(state.Presence)),
		slog.String("currentTime", state.CurrentTime.String()),
		slog.Bool("isPlaying", state.IsPlaying),
		slog.Float64("speed", state.Speed),
		slog.Float64("progress", state.Progress),
		slog.Int("messages", len(state.Messages)),
	)

	if !l.started && state.Phase == domain.PhaseIdle {
		l.started = true
		// Off the listener goroutine: SetPlaybackSpeed emits, and a
		// synchronous call from inside OnPlayerState would deadlock.
		go func() {
			l.core.SetPlaybackSpeed(l.speed)
			l.core.StartPlayback()
		}()
		return
	}

	if l.started && !l.closed && state.Phase == domain.PhaseIdle && !state.IsPlaying &&
		state.CurrentTime.Equal(state.EndTime) {
		l.closed = true
		close(l.done)
	}
}
