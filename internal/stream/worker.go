package stream

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/hub"
	"vigil/internal/inference"
	"vigil/internal/model"
)

// fps smoothing factor for the exponential moving average.
const fpsAlpha = 0.2

// A detection stays attached to outgoing frames for this long.
const detectionFreshness = 5 * time.Second

// Inferencer is the slice of the inference client a worker calls.
type Inferencer interface {
	Infer(ctx context.Context, frame []byte, threshold float64) (inference.Result, error)
}

// EventSink receives system events raised by a worker (backend outages,
// recovery). The supervisor wires it to storage.
type EventSink func(model.SystemEvent)

// Worker owns the capture loop for one stream: connect, read, sample,
// infer, reconnect. All exported access goes through Snapshot.
type Worker struct {
	streamID string
	mgr      *config.Manager
	factory  capture.Factory
	infer    Inferencer
	offline  *inference.OfflineTracker
	agg      *detect.Aggregator
	hub      *hub.Hub
	events   EventSink
	logger   *slog.Logger

	// test seams
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	inFlight atomic.Bool
	infWG    sync.WaitGroup
	done     chan struct{}
	cancel   context.CancelFunc

	mu             sync.Mutex
	cfg            model.StreamConfig
	state          model.StreamState
	fps            float64
	lastFrameAt    time.Time
	totalFrames    int64
	detectionCount int64
	lastError      string
	lastDetection  *model.DetectionResult
	lastDetectedAt time.Time
}

func newWorker(cfg model.StreamConfig, mgr *config.Manager, factory capture.Factory, infer Inferencer, offline *inference.OfflineTracker, agg *detect.Aggregator, h *hub.Hub, events EventSink, logger *slog.Logger) *Worker {
	return &Worker{
		streamID: cfg.ID,
		cfg:      cfg,
		mgr:      mgr,
		factory:  factory,
		infer:    infer,
		offline:  offline,
		agg:      agg,
		hub:      h,
		events:   events,
		logger:   logger,
		now:      time.Now,
		sleep:    sleepCtx,
		state:    model.StateConnecting,
		done:     make(chan struct{}),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Start launches the capture loop. Counters start from zero.
func (w *Worker) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	w.cancel = cancel
	go w.run(ctx)
}

// Stop cancels the loop and waits for it to exit, then joins any in-flight
// inference so no detection events surface after Stop returns.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
	w.infWG.Wait()
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	defer w.setState(model.StateStopped)

	capCfg := w.mgr.Get().Capture
	backoff := capCfg.ReconnectInitial
	for {
		if ctx.Err() != nil {
			return
		}
		w.setState(model.StateConnecting)
		src, err := w.factory(w.url())
		if err != nil {
			w.noteError(err)
			w.setState(model.StateReconnecting)
			if !w.sleep(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff, capCfg.ReconnectMax)
			continue
		}

		before := w.frames()
		err = w.consume(ctx, src)
		_ = src.Close()
		if ctx.Err() != nil {
			return
		}
		w.noteError(err)
		if w.frames() > before {
			backoff = capCfg.ReconnectInitial
		}
		w.setState(model.StateReconnecting)
		if w.logger != nil {
			w.logger.Warn("stream lost, reconnecting", "stream_id", w.streamID, "backoff", backoff, "err", err)
		}
		if !w.sleep(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff, capCfg.ReconnectMax)
	}
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func (w *Worker) consume(ctx context.Context, src capture.Source) error {
	w.setState(model.StateStreaming)
	for {
		frame, err := src.ReadFrame(ctx)
		if err != nil {
			return err
		}
		total := w.onFrame()
		skip := w.mgr.Get().Capture.FrameSkip
		if skip > 1 && total%int64(skip) != 0 {
			continue
		}
		w.publishFrame(frame)
		w.maybeInfer(ctx, frame)
	}
}

// onFrame advances the frame counter and the fps moving average.
func (w *Worker) onFrame() int64 {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()
	w.totalFrames++
	if !w.lastFrameAt.IsZero() {
		if dt := now.Sub(w.lastFrameAt).Seconds(); dt > 0 {
			sample := 1 / dt
			if w.fps == 0 {
				w.fps = sample
			} else {
				w.fps = fpsAlpha*sample + (1-fpsAlpha)*w.fps
			}
		}
	}
	w.lastFrameAt = now
	return w.totalFrames
}

func (w *Worker) publishFrame(frame []byte) {
	if w.hub == nil {
		return
	}
	now := w.now()
	msg := model.FrameMessage{
		Type:      model.MsgFrame,
		StreamID:  w.streamID,
		Timestamp: unixSeconds(now),
		Frame:     base64.StdEncoding.EncodeToString(frame),
	}
	w.mu.Lock()
	if w.lastDetection != nil && now.Sub(w.lastDetectedAt) <= detectionFreshness {
		msg.Detection = &model.FrameDetection{
			IsViolence: w.lastDetection.IsViolence,
			Confidence: w.lastDetection.Confidence,
			Timestamp:  w.lastDetection.Timestamp,
		}
	}
	w.mu.Unlock()
	w.hub.PublishFrame(w.streamID, msg)
}

// maybeInfer hands the frame to the backend unless a request is already in
// flight; extra frames are dropped rather than queued.
func (w *Worker) maybeInfer(ctx context.Context, frame []byte) {
	if w.infer == nil {
		return
	}
	if !w.inFlight.CompareAndSwap(false, true) {
		return
	}
	w.infWG.Add(1)
	go func() {
		defer w.infWG.Done()
		defer w.inFlight.Store(false)
		w.runInference(ctx, frame)
	}()
}

func (w *Worker) runInference(ctx context.Context, frame []byte) {
	threshold := w.mgr.Get().Detection.ConfidenceThreshold
	res, err := w.infer.Infer(ctx, frame, threshold)
	if err != nil {
		if errors.Is(err, inference.ErrBackendUnavailable) {
			if w.offline != nil && w.offline.Failure() {
				w.emit(model.EventTritonOffline, "inference backend unreachable")
			}
		}
		if w.logger != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("inference failed", "stream_id", w.streamID, "err", err)
		}
		return
	}
	if w.offline != nil && w.offline.Success() {
		w.emit(model.EventTritonOnline, "inference backend recovered")
	}

	now := w.now()
	result := model.DetectionResult{
		StreamID:   w.streamID,
		Timestamp:  unixSeconds(now),
		IsViolence: res.IsViolence,
		Confidence: res.Confidence,
	}
	if res.IsViolence {
		result.FrameData = base64.StdEncoding.EncodeToString(frame)
	}

	w.mu.Lock()
	cp := result
	w.lastDetection = &cp
	w.lastDetectedAt = now
	if res.IsViolence {
		w.detectionCount++
	}
	w.mu.Unlock()

	if w.agg != nil {
		w.agg.Process(ctx, result)
	}
}

func (w *Worker) emit(eventType, message string) {
	if w.events == nil {
		return
	}
	w.events(model.SystemEvent{
		EventType: eventType,
		Message:   message,
		Details:   map[string]string{"stream_id": w.streamID},
		CreatedAt: w.now(),
	})
}

// Snapshot copies the worker's runtime view. A reconnecting stream reports
// is_running=false with the reason in last_error; only a healthy or
// still-connecting worker counts as running.
func (w *Worker) Snapshot() model.StreamStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := model.StreamStatus{
		ID:             w.cfg.ID,
		Name:           w.cfg.Name,
		URL:            w.cfg.URL,
		Enabled:        w.cfg.Enabled,
		IsRunning:      w.state == model.StateStreaming || w.state == model.StateConnecting,
		State:          w.state,
		FPS:            w.fps,
		TotalFrames:    w.totalFrames,
		DetectionCount: w.detectionCount,
		LastError:      w.lastError,
	}
	if w.lastDetection != nil {
		cp := *w.lastDetection
		cp.FrameData = ""
		st.LastDetection = &cp
	}
	return st
}

func (w *Worker) setState(s model.StreamState) {
	w.mu.Lock()
	w.state = s
	if s == model.StateStreaming {
		w.lastError = ""
	}
	w.mu.Unlock()
}

func (w *Worker) noteError(err error) {
	if err == nil {
		return
	}
	w.mu.Lock()
	w.lastError = err.Error()
	w.mu.Unlock()
}

func (w *Worker) url() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg.URL
}

func (w *Worker) frames() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalFrames
}

// rename copies updated identity fields into the snapshot view.
func (w *Worker) rename(name string, enabled bool) {
	w.mu.Lock()
	w.cfg.Name = name
	w.cfg.Enabled = enabled
	w.mu.Unlock()
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
