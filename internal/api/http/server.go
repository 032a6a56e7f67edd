// Package apihttp exposes PlaybackCore over a control-plane HTTP API,
// a WebSocket state feed, and a ranged-GET file handler standing in
// for the remote origin during local development.
package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

// PlaybackController is the subset of playback.Core's public API the
// HTTP layer drives. Defined here, satisfied by *playback.Core, so
// this package doesn't import playback and tests can fake it.
type PlaybackController interface {
	SetListener(l ports.Listener) error
	SetSubscriptions(subs domain.Subscriptions)
	StartPlayback()
	PausePlayback()
	SeekPlayback(t domain.Time)
	SetPlaybackSpeed(x float64)
	Close()
}

type Server struct {
	core           PlaybackController
	recordingsDir  string
	allowedOrigins []string
	logger         *slog.Logger
	handler        http.Handler
	wsHub          *wsHub

	stateMu   sync.RWMutex
	lastState domain.PlayerState
	haveState bool
}

var _ ports.Listener = (*Server)(nil)

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithRecordingsDir configures the local directory the dev-mode ranged
// GET handler serves recording files from under /recordings/.
func WithRecordingsDir(dir string) ServerOption {
	return func(s *Server) { s.recordingsDir = dir }
}

// WithAllowedOrigins configures the CORS allow-list. Empty (default)
// permits any origin, for local development.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) { s.allowedOrigins = origins }
}

// NewServer wires core as the control-plane target and, if core is
// non-nil, registers the Server itself as core's Listener so player
// state snapshots flow straight into the WebSocket hub.
func NewServer(core PlaybackController, opts ...ServerOption) *Server {
	s := &Server{core: core}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.wsHub = newWSHub(s.logger)
	go s.wsHub.run()

	if s.core != nil {
		if err := s.core.SetListener(s); err != nil {
			s.logger.Error("set playback listener failed", slog.String("error", err.Error()))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/playback/start", s.handleStart)
	mux.HandleFunc("/playback/pause", s.handlePause)
	mux.HandleFunc("/playback/seek", s.handleSeek)
	mux.HandleFunc("/playback/speed", s.handleSpeed)
	mux.HandleFunc("/playback/subscriptions", s.handleSubscriptions)
	mux.HandleFunc("/playback/state", s.handleState)
	mux.HandleFunc("/recordings/", s.handleRecordingFile)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleWS)

	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "rosbag-engine",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/metrics" && r.URL.Path != "/healthz"
		}),
	)
	s.handler = recoveryMiddleware(s.logger, rateLimitMiddleware(100, 200, metricsMiddleware(corsMiddleware(s.allowedOrigins, traced))))
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// Close shuts down the WebSocket hub and, if a controller is wired,
// closes the playback machine.
func (s *Server) Close() {
	if s.wsHub != nil {
		s.wsHub.Close()
	}
	if s.core != nil {
		s.core.Close()
	}
}

// OnPlayerState implements ports.Listener: it caches the snapshot for
// GET /playback/state and forwards it to WebSocket clients. Must
// return promptly and never call back into core.
func (s *Server) OnPlayerState(_ context.Context, state domain.PlayerState) {
	s.stateMu.Lock()
	s.lastState = state
	s.haveState = true
	s.stateMu.Unlock()
	if s.wsHub != nil {
		s.wsHub.BroadcastPlayerState(state)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		return
	}
	client := &wsClient{hub: s.wsHub, conn: conn, send: make(chan []byte, 256)}
	s.wsHub.register <- client
	go client.writePump()
	go client.readPump()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET only")
		return
	}
	s.stateMu.RLock()
	state, ok := s.lastState, s.haveState
	s.stateMu.RUnlock()
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "no player state yet")
		return
	}
	writeJSON(w, http.StatusOK, toPlayerStateWire(state))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w, r) {
		return
	}
	s.core.StartPlayback()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w, r) {
		return
	}
	s.core.PausePlayback()
	w.WriteHeader(http.StatusNoContent)
}

type seekRequest struct {
	TimeSec float64 `json:"time"`
}

func (s *Server) handleSeek(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w, r) {
		return
	}
	var req seekRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed request body")
		return
	}
	s.core.SeekPlayback(timeFromSeconds(req.TimeSec))
	w.WriteHeader(http.StatusNoContent)
}

type speedRequest struct {
	Speed float64 `json:"speed"`
}

func (s *Server) handleSpeed(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w, r) {
		return
	}
	var req speedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed request body")
		return
	}
	s.core.SetPlaybackSpeed(req.Speed)
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionsRequest struct {
	Topics map[string]string `json:"topics"`
}

func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if !s.requireController(w, r) {
		return
	}
	var req subscriptionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_argument", "malformed request body")
		return
	}
	subs := make(domain.Subscriptions, len(req.Topics))
	for topic, policy := range req.Topics {
		subs[topic] = domain.PreloadPolicy(policy)
	}
	s.core.SetSubscriptions(subs)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) requireController(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "POST only")
		return false
	}
	if s.core == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "playback controller not configured")
		return false
	}
	return true
}

func timeFromSeconds(sec float64) domain.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return domain.Time{Sec: whole, Nsec: uint32(frac * 1e9)}.Normalize()
}

// handleRecordingFile serves files under recordingsDir with RFC 7233
// range support, standing in for the remote origin RangedFetcher talks
// to in production. GET and HEAD only.
func (s *Server) handleRecordingFile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "GET or HEAD only")
		return
	}
	if s.recordingsDir == "" {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "recordings directory not configured")
		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/recordings/")
	if name == "" || strings.Contains(name, "..") || strings.Contains(name, "/") {
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid recording name")
		return
	}

	path := filepath.Join(s.recordingsDir, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot open recording")
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "cannot stat recording")
		return
	}
	size := info.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", fallbackContentType(filepath.Ext(name)))

	rangeHeader := r.Header.Get("Range")
	if rangeHeader == "" {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodHead {
			return
		}
		_, _ = io.Copy(w, f)
		return
	}

	start, end, err := parseByteRange(rangeHeader, size)
	if err != nil {
		if errors.Is(err, errRangeNotSatisfiable) {
			w.Header().Set("Content-Range", "bytes */"+strconv.FormatInt(size, 10))
			writeError(w, http.StatusRequestedRangeNotSatisfiable, "range_not_satisfiable", "range not satisfiable")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid_argument", "invalid range header")
		return
	}

	length := end - start + 1
	w.Header().Set("Content-Range", "bytes "+strconv.FormatInt(start, 10)+"-"+strconv.FormatInt(end, 10)+"/"+strconv.FormatInt(size, 10))
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(http.StatusPartialContent)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		s.logger.Error("seek recording file failed", slog.String("error", err.Error()))
		return
	}
	_, _ = io.CopyN(w, f, length)
}
