package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/alerts"
	"vigil/internal/config"
	"vigil/internal/hub"
	"vigil/internal/inference"
	"vigil/internal/model"
	"vigil/internal/storage"
	"vigil/internal/stream"
)

// Notifier is the outbound channel the settings endpoints exercise.
type Notifier interface {
	TestConnection(ctx context.Context) (string, error)
}

type Server struct {
	cfg      *config.Manager
	sup      *stream.Supervisor
	hub      *hub.Hub
	ring     *alerts.Store
	store    storage.Store
	notifier Notifier
	infer    *inference.Client
	logger   *slog.Logger
	version  string
	started  time.Time
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Start brings the HTTP API up and shuts it down when ctx ends. Returns nil
// when the API is disabled.
func Start(ctx context.Context, cfg *config.Manager, sup *stream.Supervisor, h *hub.Hub, ring *alerts.Store, store storage.Store, notifier Notifier, infer *inference.Client, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := &Server{
		cfg:      cfg,
		sup:      sup,
		hub:      h,
		ring:     ring,
		store:    store,
		notifier: notifier,
		infer:    infer,
		logger:   logger,
		version:  version,
		started:  time.Now(),
	}

	httpServer := &http.Server{Addr: current.Addr, Handler: server.Routes()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Routes builds the full handler tree.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/status", s.handleStatus)

	mux.HandleFunc("GET /api/streams", s.handleListStreams)
	mux.HandleFunc("POST /api/streams", s.handleAddStream)
	mux.HandleFunc("GET /api/streams/{id}", s.handleGetStream)
	mux.HandleFunc("PUT /api/streams/{id}", s.handleUpdateStream)
	mux.HandleFunc("DELETE /api/streams/{id}", s.handleRemoveStream)
	mux.HandleFunc("POST /api/streams/{id}/start", s.handleStartStream)
	mux.HandleFunc("POST /api/streams/{id}/stop", s.handleStopStream)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleUpdateSettings)
	mux.HandleFunc("POST /api/settings/telegram", s.handleTelegramSettings)
	mux.HandleFunc("POST /api/settings/telegram/test", s.handleTelegramTest)

	mux.HandleFunc("GET /api/alerts", s.handleListAlerts)
	mux.HandleFunc("POST /api/alerts/{id}/acknowledge", s.handleAcknowledgeAlert)
	mux.HandleFunc("GET /api/detections/history", s.handleDetectionHistory)
	mux.HandleFunc("POST /api/detections/{id}/acknowledge", s.handleAcknowledgeDetection)

	mux.HandleFunc("GET /api/statistics", s.handleStatistics)
	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/events", s.handleListEvents)

	mux.HandleFunc("GET /ws", s.handleGlobalWS)
	mux.HandleFunc("GET /ws/streams/{id}", s.handleStreamWS)
	return mux
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snapshots := s.sup.Snapshot()
	running := 0
	for _, st := range snapshots {
		if st.IsRunning {
			running++
		}
	}
	tritonOK := false
	if s.infer != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		tritonOK = s.infer.Healthy(ctx)
	}
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "ok",
		"time":             time.Now().UTC().Format(time.RFC3339Nano),
		"version":          s.version,
		"uptime_sec":       time.Since(s.started).Seconds(),
		"triton_connected": tritonOK,
		"streams_total":    len(snapshots),
		"streams_running":  running,
		"ws_clients":       s.hub.SubscriberCount(),
		"storage_enabled":  cfg.Storage.Enabled,
	})
}

func (s *Server) handleListStreams(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"streams": s.sup.Snapshot()})
}

func (s *Server) handleAddStream(w http.ResponseWriter, r *http.Request) {
	var req model.StreamConfig
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sup.Add(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleGetStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name    *string `json:"name"`
		Enabled *bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	st, err := s.sup.Update(r.Context(), r.PathValue("id"), req.Name, req.Enabled)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleRemoveStream(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Remove(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStartStream(w http.ResponseWriter, r *http.Request) {
	st, err := s.sup.Start(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStopStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.sup.Stop(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	st, err := s.sup.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type settingsView struct {
	Detection     config.DetectionConfig `json:"detection"`
	Notifications notificationsView      `json:"notifications"`
	Retention     config.RetentionConfig `json:"retention"`
}

type notificationsView struct {
	Enabled                 bool    `json:"enabled"`
	Configured              bool    `json:"configured"`
	ChatID                  string  `json:"chat_id"`
	NotificationIntervalSec float64 `json:"notification_interval_sec"`
	MaxPerEvent             int     `json:"max_per_event"`
	SendThumbnails          bool    `json:"send_thumbnails"`
	CriticalThreshold       float64 `json:"critical_threshold"`
}

func (s *Server) handleGetSettings(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, settingsView{
		Detection: cfg.Detection,
		Notifications: notificationsView{
			Enabled:                 cfg.Notifications.Enabled,
			Configured:              cfg.Notifications.BotToken != "" && cfg.Notifications.ChatID != "",
			ChatID:                  cfg.Notifications.ChatID,
			NotificationIntervalSec: cfg.Notifications.NotificationInterval.Seconds(),
			MaxPerEvent:             cfg.Notifications.MaxPerEvent,
			SendThumbnails:          cfg.Notifications.SendThumbnails,
			CriticalThreshold:       cfg.Notifications.CriticalThreshold,
		},
		Retention: cfg.Retention,
	})
}

// handleUpdateSettings applies partial tuning changes. Running workers pick
// the new values up on their next config read; no restart happens.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Detection *struct {
			ConfidenceThreshold *float64 `json:"confidence_threshold"`
			GraceFrames         *int     `json:"grace_frames"`
		} `json:"detection"`
		Notifications *struct {
			Enabled                 *bool    `json:"enabled"`
			NotificationIntervalSec *float64 `json:"notification_interval_sec"`
			MaxPerEvent             *int     `json:"max_per_event"`
			SendThumbnails          *bool    `json:"send_thumbnails"`
			CriticalThreshold       *float64 `json:"critical_threshold"`
		} `json:"notifications"`
		Retention *struct {
			Days *int `json:"days"`
		} `json:"retention"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	next := *s.cfg.Get()
	if req.Detection != nil {
		if v := req.Detection.ConfidenceThreshold; v != nil {
			next.Detection.ConfidenceThreshold = *v
		}
		if v := req.Detection.GraceFrames; v != nil {
			next.Detection.GraceFrames = *v
		}
	}
	if req.Notifications != nil {
		n := req.Notifications
		if n.Enabled != nil {
			next.Notifications.Enabled = *n.Enabled
		}
		if n.NotificationIntervalSec != nil {
			next.Notifications.NotificationInterval = time.Duration(*n.NotificationIntervalSec * float64(time.Second))
		}
		if n.MaxPerEvent != nil {
			next.Notifications.MaxPerEvent = *n.MaxPerEvent
		}
		if n.SendThumbnails != nil {
			next.Notifications.SendThumbnails = *n.SendThumbnails
		}
		if n.CriticalThreshold != nil {
			next.Notifications.CriticalThreshold = *n.CriticalThreshold
		}
	}
	if req.Retention != nil && req.Retention.Days != nil {
		next.Retention.Days = *req.Retention.Days
	}
	if err := s.cfg.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.handleGetSettings(w, r)
}

func (s *Server) handleTelegramSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BotToken *string `json:"bot_token"`
		ChatID   *string `json:"chat_id"`
		Enabled  *bool   `json:"enabled"`
	}
	if !decodeBody(w, r, &req) {
		return
	}
	next := *s.cfg.Get()
	if req.BotToken != nil {
		next.Notifications.BotToken = strings.TrimSpace(*req.BotToken)
	}
	if req.ChatID != nil {
		next.Notifications.ChatID = strings.TrimSpace(*req.ChatID)
	}
	if req.Enabled != nil {
		next.Notifications.Enabled = *req.Enabled
	}
	if err := s.cfg.Update(&next); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleTelegramTest(w http.ResponseWriter, r *http.Request) {
	if s.notifier == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "notifications are not configured"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	username, err := s.notifier.TestConnection(ctx)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "bot_username": username})
}

// handleListAlerts serves from durable storage when present, otherwise from
// the in-memory ring.
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	unackOnly := r.URL.Query().Get("unacknowledged") == "true"
	if s.store != nil {
		list, err := s.store.ListAlerts(r.Context(), limit, unackOnly)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
		return
	}
	list := s.ring.List(limit)
	if unackOnly {
		filtered := list[:0]
		for _, a := range list {
			if !a.Acknowledged {
				filtered = append(filtered, a)
			}
		}
		list = filtered
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": list, "count": len(list)})
}

func (s *Server) handleAcknowledgeAlert(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid alert id"})
		return
	}
	var req struct {
		AcknowledgedBy string `json:"acknowledged_by"`
	}
	if r.ContentLength > 0 && !decodeBody(w, r, &req) {
		return
	}
	if req.AcknowledgedBy == "" {
		req.AcknowledgedBy = "operator"
	}
	if s.store != nil {
		if err := s.store.AcknowledgeAlert(r.Context(), id, req.AcknowledgedBy); err != nil {
			writeError(w, err)
			return
		}
	}
	if s.ring != nil {
		s.ring.Acknowledge(id, req.AcknowledgedBy, time.Now())
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleDetectionHistory(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"detections": []model.Detection{}, "count": 0})
		return
	}
	list, err := s.store.ListDetections(r.Context(),
		r.URL.Query().Get("stream_id"),
		queryInt(r, "limit", 100),
		r.URL.Query().Get("violent") == "true",
	)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"detections": list, "count": len(list)})
}

func (s *Server) handleAcknowledgeDetection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid detection id"})
		return
	}
	if s.store != nil {
		if err := s.store.AcknowledgeDetection(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, model.Statistics{})
		return
	}
	stats, err := s.store.Statistics(r.Context(), queryInt(r, "days", 7))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, model.CleanupResult{})
		return
	}
	days := s.cfg.Get().Retention.Days
	var req struct {
		Days *int `json:"days"`
	}
	if r.ContentLength > 0 {
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Days != nil && *req.Days > 0 {
			days = *req.Days
		}
	}
	res, err := s.store.Cleanup(r.Context(), days)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, map[string]any{"events": []model.SystemEvent{}, "count": 0})
		return
	}
	list, err := s.store.ListSystemEvents(r.Context(), queryInt(r, "limit", 100))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": list, "count": len(list)})
}

func (s *Server) handleGlobalWS(w http.ResponseWriter, r *http.Request) {
	s.serveWS(w, r, "")
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.sup.Status(id); err != nil {
		writeError(w, err)
		return
	}
	s.serveWS(w, r, id)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, streamID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.hub.Subscribe(conn, streamID)
	go s.readLoop(conn)
}

// readLoop consumes client messages until the socket dies. The only
// client-to-server message is a ping; everything else is ignored.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.hub.Unsubscribe(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if strings.Contains(string(data), "ping") {
			s.hub.SendTo(conn, "pong", nil)
		}
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "cannot read request body"})
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "malformed json"})
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, stream.ErrUnknownStream), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, stream.ErrStreamBusy):
		status = http.StatusConflict
	case errors.Is(err, stream.ErrDuplicateStream), errors.Is(err, stream.ErrInvalidConfig):
		status = http.StatusBadRequest
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
