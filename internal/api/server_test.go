package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"vigil/internal/alerts"
	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/hub"
	"vigil/internal/model"
	"vigil/internal/storage"
	"vigil/internal/stream"
)

type idleSource struct{}

func (s *idleSource) ReadFrame(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *idleSource) Close() error { return nil }

type fakeBot struct {
	username string
	err      error
}

func (b *fakeBot) TestConnection(context.Context) (string, error) { return b.username, b.err }

func testServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mgr := config.NewStaticManager(config.DefaultConfig())
	store, err := storage.NewSQLite("file::memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init store: %v", err)
	}

	h := hub.New(mgr, nil)
	sup := stream.NewSupervisor(ctx, stream.Deps{
		Manager: mgr,
		Factory: func(string) (capture.Source, error) { return &idleSource{}, nil },
		Store:   store,
		Hub:     h,
	})
	t.Cleanup(func() { sup.StopAll(context.Background()) })

	srv := &Server{
		cfg:      mgr,
		sup:      sup,
		hub:      h,
		ring:     alerts.NewStore(100),
		store:    store,
		notifier: &fakeBot{username: "vigil_bot"},
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts, srv
}

func doJSON(t *testing.T, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func TestStreamCRUD(t *testing.T) {
	ts, _ := testServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/streams",
		`{"id":"cam1","name":"Lobby","url":"rtsp://host/1","enabled":true}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %v", resp.StatusCode, body)
	}
	if body["is_running"] != true {
		t.Fatalf("enabled stream not started: %v", body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/streams",
		`{"id":"cam1","url":"rtsp://host/1"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("duplicate: %d", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/streams",
		`{"id":"cam2","url":"http://host/not-rtsp"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad url: %d", resp.StatusCode)
	}

	// removing a running stream conflicts
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/streams/cam1", "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("delete running: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/streams/cam1/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/streams/cam1", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete stopped: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/streams/cam1", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get removed: %d", resp.StatusCode)
	}
}

func TestStartStopIdempotent(t *testing.T) {
	ts, _ := testServer(t)
	doJSON(t, http.MethodPost, ts.URL+"/api/streams", `{"id":"cam1","url":"rtsp://host/1","enabled":false}`)

	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/streams/cam1/start", "")
		if resp.StatusCode != http.StatusOK || body["is_running"] != true {
			t.Fatalf("start #%d: %d %v", i, resp.StatusCode, body)
		}
	}
	for i := 0; i < 2; i++ {
		resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/streams/cam1/stop", "")
		if resp.StatusCode != http.StatusOK || body["is_running"] != false {
			t.Fatalf("stop #%d: %d %v", i, resp.StatusCode, body)
		}
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/streams/ghost/start", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start unknown: %d", resp.StatusCode)
	}
}

func TestSettingsUpdate(t *testing.T) {
	ts, srv := testServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/settings",
		`{"detection":{"confidence_threshold":0.85,"grace_frames":4},"notifications":{"notification_interval_sec":120,"max_per_event":2}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d %v", resp.StatusCode, body)
	}
	cfg := srv.cfg.Get()
	if cfg.Detection.ConfidenceThreshold != 0.85 || cfg.Detection.GraceFrames != 4 {
		t.Fatalf("detection settings not applied: %+v", cfg.Detection)
	}
	if cfg.Notifications.NotificationInterval != 2*time.Minute || cfg.Notifications.MaxPerEvent != 2 {
		t.Fatalf("notification settings not applied: %+v", cfg.Notifications)
	}

	// invalid values are rejected and the snapshot stays intact
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/settings",
		`{"detection":{"confidence_threshold":1.5}}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid threshold accepted: %d", resp.StatusCode)
	}
	if srv.cfg.Get().Detection.ConfidenceThreshold != 0.85 {
		t.Fatalf("rejected update leaked into config")
	}
}

func TestTelegramEndpoints(t *testing.T) {
	ts, srv := testServer(t)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/settings/telegram",
		`{"bot_token":"123:abc","chat_id":"-100","enabled":true}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("telegram settings: %d", resp.StatusCode)
	}
	n := srv.cfg.Get().Notifications
	if n.BotToken != "123:abc" || n.ChatID != "-100" || !n.Enabled {
		t.Fatalf("telegram settings not applied: %+v", n)
	}

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/settings/telegram/test", "")
	if resp.StatusCode != http.StatusOK || body["bot_username"] != "vigil_bot" {
		t.Fatalf("telegram test: %d %v", resp.StatusCode, body)
	}

	srv.notifier = &fakeBot{err: errors.New("unauthorized")}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/settings/telegram/test", "")
	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("telegram test failure: %d", resp.StatusCode)
	}
}

func TestAlertAcknowledge(t *testing.T) {
	ts, srv := testServer(t)

	id, err := srv.store.SaveAlert(context.Background(), model.Alert{
		StreamID: "cam1", Type: model.AlertViolence, Message: "m",
		Severity: model.SeverityHigh, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed alert: %v", err)
	}

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/alerts/"+itoa(id)+"/acknowledge",
		`{"acknowledged_by":"kirill"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack: %d", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/alerts/99999/acknowledge", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("ack missing: %d", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/alerts?unacknowledged=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d", resp.StatusCode)
	}
	if body["count"].(float64) != 0 {
		t.Fatalf("acknowledged alert still pending: %v", body)
	}
}

func TestDetectionHistoryAndStatistics(t *testing.T) {
	ts, srv := testServer(t)

	for _, c := range []float64{0.9, 0.3} {
		if _, err := srv.store.SaveDetection(context.Background(), model.Detection{
			StreamID: "cam1", Timestamp: time.Now(), IsViolence: c >= 0.7, Confidence: c,
		}); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/detections/history?stream_id=cam1&violent=true", "")
	if resp.StatusCode != http.StatusOK || body["count"].(float64) != 1 {
		t.Fatalf("history: %d %v", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/statistics?days=7", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("statistics: %d", resp.StatusCode)
	}
	if body["total_detections"].(float64) != 2 || body["violence_detections"].(float64) != 1 {
		t.Fatalf("statistics wrong: %v", body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/cleanup", `{"days":30}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cleanup: %d %v", resp.StatusCode, body)
	}
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
