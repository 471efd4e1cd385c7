package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/hub"
	"vigil/internal/inference"
	"vigil/internal/model"
)

var (
	ErrDuplicateStream = errors.New("stream: id already registered")
	ErrUnknownStream   = errors.New("stream: unknown id")
	ErrStreamBusy      = errors.New("stream: stop it before removing")
	ErrInvalidConfig   = errors.New("stream: invalid configuration")
)

// StreamStore is the slice of storage the supervisor writes stream identity
// and lifecycle events through.
type StreamStore interface {
	UpsertStream(ctx context.Context, s model.StreamConfig) error
	DeleteStream(ctx context.Context, streamID string) error
	SaveSystemEvent(ctx context.Context, ev model.SystemEvent) error
}

// Deps are the collaborators a supervisor wires into each worker.
type Deps struct {
	Manager *config.Manager
	Factory capture.Factory
	Infer   Inferencer
	Offline *inference.OfflineTracker
	Store   StreamStore
	Hub     *hub.Hub
	// NewAggregator builds the per-stream detection pipeline.
	NewAggregator func(streamID string) *detect.Aggregator
	Logger        *slog.Logger
}

type entry struct {
	mu     sync.Mutex // serializes start/stop/remove per stream
	cfg    model.StreamConfig
	worker *Worker
	last   *model.StreamStatus // snapshot from the previous run
}

// Supervisor is the registry of streams and their workers. Registry lookups
// take the supervisor lock; lifecycle changes additionally take the entry
// lock so one stream's slow shutdown never blocks another's.
type Supervisor struct {
	deps Deps
	ctx  context.Context

	mu      sync.RWMutex
	streams map[string]*entry
}

func NewSupervisor(ctx context.Context, deps Deps) *Supervisor {
	return &Supervisor{
		deps:    deps,
		ctx:     ctx,
		streams: make(map[string]*entry),
	}
}

// Add registers a stream and starts it when enabled. The id must be new.
func (s *Supervisor) Add(ctx context.Context, cfg model.StreamConfig) (model.StreamStatus, error) {
	if cfg.ID == "" {
		return model.StreamStatus{}, fmt.Errorf("%w: empty id", ErrInvalidConfig)
	}
	if err := config.ValidateStreamURL(cfg.URL); err != nil {
		return model.StreamStatus{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if cfg.Name == "" {
		cfg.Name = cfg.ID
	}

	s.mu.Lock()
	if _, exists := s.streams[cfg.ID]; exists {
		s.mu.Unlock()
		return model.StreamStatus{}, fmt.Errorf("%w: %q", ErrDuplicateStream, cfg.ID)
	}
	e := &entry{cfg: cfg}
	s.streams[cfg.ID] = e
	s.mu.Unlock()

	s.persistStream(ctx, cfg)

	var st model.StreamStatus
	if cfg.Enabled {
		var err error
		if st, err = s.Start(ctx, cfg.ID); err != nil {
			return model.StreamStatus{}, err
		}
	} else {
		st = s.statusOf(e)
	}
	s.broadcastUpdate(st)
	return st, nil
}

// Update changes a stream's mutable fields. Toggling enabled starts or stops
// the worker; the URL is immutable once registered.
func (s *Supervisor) Update(ctx context.Context, id string, name *string, enabled *bool) (model.StreamStatus, error) {
	e, err := s.lookup(id)
	if err != nil {
		return model.StreamStatus{}, err
	}

	e.mu.Lock()
	if name != nil && *name != "" {
		e.cfg.Name = *name
	}
	toggled := enabled != nil && e.cfg.Enabled != *enabled
	if enabled != nil {
		e.cfg.Enabled = *enabled
	}
	cfg := e.cfg
	if e.worker != nil {
		e.worker.rename(cfg.Name, cfg.Enabled)
	}
	e.mu.Unlock()

	s.persistStream(ctx, cfg)
	if toggled {
		if cfg.Enabled {
			return s.Start(ctx, id)
		}
		if err := s.Stop(ctx, id); err != nil {
			return model.StreamStatus{}, err
		}
	}
	st := s.statusOf(e)
	s.broadcastUpdate(st)
	return st, nil
}

// Remove unregisters a stopped stream and deletes its history.
func (s *Supervisor) Remove(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.worker != nil {
		e.mu.Unlock()
		return fmt.Errorf("%w: %q is running", ErrStreamBusy, id)
	}
	e.mu.Unlock()

	if s.deps.Store != nil {
		if err := s.deps.Store.DeleteStream(ctx, id); err != nil && s.deps.Logger != nil {
			s.deps.Logger.Error("delete stream failed", "stream_id", id, "err", err)
		}
	}
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
	s.broadcastUpdate(model.StreamStatus{ID: id, State: model.StateStopped})
	return nil
}

// Start launches the stream's worker. Starting a running stream is a no-op
// that returns the current snapshot.
func (s *Supervisor) Start(ctx context.Context, id string) (model.StreamStatus, error) {
	e, err := s.lookup(id)
	if err != nil {
		return model.StreamStatus{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.worker != nil {
		return e.worker.Snapshot(), nil
	}

	var agg *detect.Aggregator
	if s.deps.NewAggregator != nil {
		agg = s.deps.NewAggregator(id)
	}
	w := newWorker(e.cfg, s.deps.Manager, s.deps.Factory, s.deps.Infer, s.deps.Offline,
		agg, s.deps.Hub, s.recordEvent, s.deps.Logger)
	w.Start(s.ctx)
	e.worker = w
	e.last = nil

	s.systemEvent(ctx, model.EventStreamStart, fmt.Sprintf("stream %s started", id), id)
	st := w.Snapshot()
	s.broadcastUpdate(st)
	return st, nil
}

// Stop shuts the stream's worker down and waits for it. Stopping a stopped
// stream is a no-op.
func (s *Supervisor) Stop(ctx context.Context, id string) error {
	e, err := s.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.worker == nil {
		e.mu.Unlock()
		return nil
	}
	e.worker.Stop()
	last := e.worker.Snapshot()
	e.last = &last
	e.worker = nil
	st := s.statusOfLocked(e)
	e.mu.Unlock()

	s.systemEvent(ctx, model.EventStreamStop, fmt.Sprintf("stream %s stopped", id), id)
	s.broadcastUpdate(st)
	return nil
}

// StopAll stops every worker with a live goroutine, used during shutdown.
// It checks for the worker directly: a reconnecting stream reports
// is_running=false but still needs stopping.
func (s *Supervisor) StopAll(ctx context.Context) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.streams))
	for id, e := range s.streams {
		e.mu.Lock()
		live := e.worker != nil
		e.mu.Unlock()
		if live {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()
	for _, id := range ids {
		_ = s.Stop(ctx, id)
	}
}

// Status returns one stream's snapshot.
func (s *Supervisor) Status(id string) (model.StreamStatus, error) {
	e, err := s.lookup(id)
	if err != nil {
		return model.StreamStatus{}, err
	}
	return s.statusOf(e), nil
}

// Snapshot returns every stream's snapshot, ordered by id.
func (s *Supervisor) Snapshot() []model.StreamStatus {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.streams))
	for _, e := range s.streams {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]model.StreamStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, s.statusOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) lookup(id string) (*entry, error) {
	s.mu.RLock()
	e, ok := s.streams[id]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownStream, id)
	}
	return e, nil
}

func (s *Supervisor) statusOf(e *entry) model.StreamStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return s.statusOfLocked(e)
}

// statusOfLocked expects e.mu held. Stopped streams keep the cumulative
// counters and last error from their final run; FPS is a live rate and
// deliberately reads zero once the worker is gone.
func (s *Supervisor) statusOfLocked(e *entry) model.StreamStatus {
	if e.worker != nil {
		return e.worker.Snapshot()
	}
	st := model.StreamStatus{
		ID:      e.cfg.ID,
		Name:    e.cfg.Name,
		URL:     e.cfg.URL,
		Enabled: e.cfg.Enabled,
		State:   model.StateStopped,
	}
	if e.last != nil {
		st.TotalFrames = e.last.TotalFrames
		st.DetectionCount = e.last.DetectionCount
		st.LastError = e.last.LastError
		st.LastDetection = e.last.LastDetection
	}
	return st
}

// persistStream writes the stream row. Storage trouble is logged, never
// surfaced: the registry stays authoritative while the database is down.
func (s *Supervisor) persistStream(ctx context.Context, cfg model.StreamConfig) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.UpsertStream(ctx, cfg); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Error("persist stream failed", "stream_id", cfg.ID, "err", err)
	}
}

func (s *Supervisor) systemEvent(ctx context.Context, eventType, message, streamID string) {
	if s.deps.Store == nil {
		return
	}
	ev := model.SystemEvent{
		EventType: eventType,
		Message:   message,
		Details:   map[string]string{"stream_id": streamID},
		CreatedAt: time.Now(),
	}
	if err := s.deps.Store.SaveSystemEvent(ctx, ev); err != nil && s.deps.Logger != nil {
		s.deps.Logger.Error("save system event failed", "event_type", eventType, "err", err)
	}
}

// recordEvent is the sink handed to workers for backend health events.
func (s *Supervisor) recordEvent(ev model.SystemEvent) {
	if s.deps.Store != nil {
		if err := s.deps.Store.SaveSystemEvent(context.Background(), ev); err != nil && s.deps.Logger != nil {
			s.deps.Logger.Error("save system event failed", "event_type", ev.EventType, "err", err)
		}
	}
	if s.deps.Logger != nil {
		s.deps.Logger.Warn("backend health changed", "event_type", ev.EventType, "message", ev.Message)
	}
}

func (s *Supervisor) broadcastUpdate(st model.StreamStatus) {
	if s.deps.Hub != nil {
		s.deps.Hub.Broadcast(model.MsgStreamUpdate, st)
	}
}
