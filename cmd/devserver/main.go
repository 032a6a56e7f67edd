// Command devserver serves a directory of recording files over ranged
// HTTP GET, standing in for the remote origin RangedFetcher talks to
// in production, so the rest of the stack can be exercised end-to-end
// without a real object store.
package main

import (
	"log/slog"
	"net/http"
	"os"
	"time"

	apihttp "github.com/caterpi11ar/rosbag-engine/internal/api/http"
	"github.com/caterpi11ar/rosbag-engine/internal/app"
)

func main() {
	cfg := app.LoadConfig()
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if _, err := os.Stat(cfg.RecordingsDir); err != nil {
		logger.Error("recordings directory not accessible",
			slog.String("dir", cfg.RecordingsDir),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	handler := apihttp.NewServer(nil,
		apihttp.WithLogger(logger),
		apihttp.WithRecordingsDir(cfg.RecordingsDir),
	)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info("devserver started",
		slog.String("addr", cfg.HTTPAddr),
		slog.String("recordingsDir", cfg.RecordingsDir),
	)
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("devserver stopped", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
