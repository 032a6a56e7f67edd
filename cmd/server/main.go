// Command server wires the byte-level cache, decoder, playback state
// machine, and control-plane HTTP API into a single running process.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	apihttp "github.com/caterpi11ar/rosbag-engine/internal/api/http"
	"github.com/caterpi11ar/rosbag-engine/internal/app"
	"github.com/caterpi11ar/rosbag-engine/internal/cachedfile"
	"github.com/caterpi11ar/rosbag-engine/internal/decoder"
	"github.com/caterpi11ar/rosbag-engine/internal/fetch"
	"github.com/caterpi11ar/rosbag-engine/internal/messagesource"
	"github.com/caterpi11ar/rosbag-engine/internal/metrics"
	"github.com/caterpi11ar/rosbag-engine/internal/playback"
	mongorepo "github.com/caterpi11ar/rosbag-engine/internal/repository/mongo"
	"github.com/caterpi11ar/rosbag-engine/internal/telemetry"
	"github.com/caterpi11ar/rosbag-engine/internal/topicindex"
)

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), "rosbag-engine")
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("recordingUrl", cfg.RecordingURL),
		slog.String("logLevel", cfg.LogLevel),
		slog.Int64("cacheBudgetBytes", cfg.CacheBudgetBytes),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	connectCtx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	mongoMonitor := otelmongo.NewMonitor()
	mongoClient, err := mongorepo.Connect(connectCtx, cfg.MongoURI, options.Client().SetMonitor(mongoMonitor))
	if err != nil {
		logger.Error("mongo connect failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := mongoClient.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Error("mongo ping failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	bookmarks := mongorepo.NewBookmarkRepository(mongoClient, cfg.MongoDatabase)

	index, err := topicindex.Open(cfg.TopicIndexPath)
	if err != nil {
		logger.Error("topic index open failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	fetcher := fetch.New(fetch.Config{
		URL:                  cfg.RecordingURL,
		RateLimitBytesPerSec: cfg.FetchRateLimitBPS,
		Logger:               logger,
	})

	cache := cachedfile.New(fetcher, cfg.CacheBudgetBytes,
		cachedfile.WithBlockSize(cfg.BlockSizeBytes),
		cachedfile.WithCloseEnough(cfg.CloseEnoughBytes),
		cachedfile.WithLogger(logger),
	)

	dec := decoder.New(cache, logger)
	source := messagesource.New(cache, dec, cfg.RecordingURL,
		messagesource.WithTopicIndex(index),
		messagesource.WithLogger(logger),
	)

	playbackCfg := playback.DefaultConfig()
	playbackCfg.SpeedMin = cfg.SpeedMin
	playbackCfg.SpeedMax = cfg.SpeedMax
	playbackCfg.SeekBufferingDelay = time.Duration(cfg.SeekBufferingDelayMS) * time.Millisecond
	playbackCfg.TickBufferingDelay = time.Duration(cfg.TickBufferingDelayMS) * time.Millisecond
	playbackCfg.FramePace = time.Duration(cfg.FramePaceMS) * time.Millisecond
	playbackCfg.StartSkip = time.Duration(cfg.StartSkipMS) * time.Millisecond

	core := playback.New(source, cfg.RecordingURL,
		playback.WithLogger(logger),
		playback.WithConfig(playbackCfg),
		playback.WithBookmarks(bookmarks),
	)

	handler := apihttp.NewServer(core,
		apihttp.WithLogger(logger),
		apihttp.WithRecordingsDir(cfg.RecordingsDir),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	handler.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := index.Close(); err != nil {
		logger.Warn("topic index close error", slog.String("error", err.Error()))
	}
	if err := mongoClient.Disconnect(context.Background()); err != nil {
		logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
	}

	logger.Info("server stopped")
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(strings.TrimSpace(formatRaw)) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
