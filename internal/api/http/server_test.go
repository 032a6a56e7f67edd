package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/caterpi11ar/rosbag-engine/internal/domain"
	"github.com/caterpi11ar/rosbag-engine/internal/domain/ports"
)

type fakeController struct {
	mu            sync.Mutex
	started       bool
	paused        bool
	seekedTo      *domain.Time
	speed         *float64
	subscriptions domain.Subscriptions
	closed        bool
	setListenerFn func() error
}

func (f *fakeController) SetListener(l ports.Listener) error {
	if f.setListenerFn != nil {
		return f.setListenerFn()
	}
	return nil
}

func (f *fakeController) SetSubscriptions(subs domain.Subscriptions) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = subs
}

func (f *fakeController) StartPlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = true
}

func (f *fakeController) PausePlayback() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = true
}

func (f *fakeController) SeekPlayback(t domain.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seekedTo = &t
}

func (f *fakeController) SetPlaybackSpeed(x float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speed = &x
}

func (f *fakeController) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestHandleStart_RequiresPost(t *testing.T) {
	s := NewServer(&fakeController{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/start", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
}

func TestHandleStart_NoController(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/start", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleStart_CallsController(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/start", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if !fc.started {
		t.Fatal("expected StartPlayback to be called")
	}
}

func TestHandleSeek_ParsesBody(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	body, _ := json.Marshal(seekRequest{TimeSec: 12.5})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/seek", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if fc.seekedTo == nil {
		t.Fatal("expected SeekPlayback to be called")
	}
	if fc.seekedTo.Sec != 12 || fc.seekedTo.Nsec != 500000000 {
		t.Fatalf("seeked to %+v, want {12 5e8}", fc.seekedTo)
	}
}

func TestHandleSeek_RejectsMalformedBody(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/seek", strings.NewReader("not json"))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestHandleSpeed_ClampsThroughController(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	body, _ := json.Marshal(speedRequest{Speed: 2.0})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/speed", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if fc.speed == nil || *fc.speed != 2.0 {
		t.Fatalf("speed = %v, want 2.0", fc.speed)
	}
}

func TestHandleSubscriptions_ConvertsTopicsMap(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	body, _ := json.Marshal(subscriptionsRequest{Topics: map[string]string{"/imu": "full"}})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/playback/subscriptions", bytes.NewReader(body))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if fc.subscriptions["/imu"] != domain.PreloadFull {
		t.Fatalf("subscriptions = %+v", fc.subscriptions)
	}
}

func TestHandleState_NotReadyBeforeFirstSnapshot(t *testing.T) {
	s := NewServer(&fakeController{})
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/state", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleState_ReturnsLatestSnapshot(t *testing.T) {
	s := NewServer(&fakeController{})
	s.OnPlayerState(context.Background(), domain.PlayerState{
		Phase:       domain.PhasePlay,
		Presence:    domain.PresencePresent,
		CurrentTime: domain.Time{Sec: 5},
		Speed:       1.5,
		Progress:    0.25,
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/playback/state", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var got playerStateWire
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Phase != "play" || got.Speed != 1.5 || got.Progress != 0.25 {
		t.Fatalf("got %+v", got)
	}
}

func TestHandleHealthz(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestHandleRecordingFile_NotConfigured(t *testing.T) {
	s := NewServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recordings/foo.bag", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestHandleRecordingFile_FullAndRangedGet(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte("abcdefghij"), 10) // 100 bytes
	if err := os.WriteFile(filepath.Join(dir, "sample.bag"), content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	s := NewServer(nil, WithRecordingsDir(dir))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recordings/sample.bag", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.Len() != 100 {
		t.Fatalf("body len = %d, want 100", rec.Body.Len())
	}

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/recordings/sample.bag", nil)
	req.Header.Set("Range", "bytes=10-19")
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, want 206", rec.Code)
	}
	if got := rec.Body.String(); got != string(content[10:20]) {
		t.Fatalf("body = %q, want %q", got, content[10:20])
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 10-19/100" {
		t.Fatalf("Content-Range = %q", cr)
	}
}

func TestHandleRecordingFile_RangeNotSatisfiable(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "sample.bag"), []byte("short"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	s := NewServer(nil, WithRecordingsDir(dir))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recordings/sample.bag", nil)
	req.Header.Set("Range", "bytes=1000-2000")
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Fatalf("status = %d, want 416", rec.Code)
	}
}

func TestHandleRecordingFile_RejectsPathTraversal(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(nil, WithRecordingsDir(dir))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recordings/..%2Fsecret", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 400 or 404", rec.Code)
	}
}

func TestHandleRecordingFile_NotFound(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(nil, WithRecordingsDir(dir))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/recordings/missing.bag", nil)
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestOnPlayerState_BroadcastsToWebSocketClients(t *testing.T) {
	s := NewServer(nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	resp.Body.Close()
	defer conn.Close()
	time.Sleep(20 * time.Millisecond)

	s.OnPlayerState(context.Background(), domain.PlayerState{Phase: domain.PhaseIdle, Speed: 1})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.Type != "player_state" {
		t.Fatalf("type = %q, want player_state", msg.Type)
	}
}

func TestServerClose_ClosesController(t *testing.T) {
	fc := &fakeController{}
	s := NewServer(fc)
	s.Close()
	if !fc.closed {
		t.Fatal("expected Close to be forwarded to controller")
	}
}
