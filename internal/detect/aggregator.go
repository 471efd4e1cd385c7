package detect

import (
	"context"
	"log/slog"
	"time"

	"vigil/internal/config"
	"vigil/internal/model"
)

// DetectionStore is the slice of the persistence collaborator the
// aggregator needs. A failed write never stalls the pipeline.
type DetectionStore interface {
	SaveDetection(ctx context.Context, det model.Detection) (int64, error)
}

// Sink consumes violence-event transitions in arrival order.
type Sink func(model.EventTransition)

// Publisher receives every processed result (for the global push channel).
type Publisher func(model.DetectionResult)

type eventState int

const (
	stateIdle eventState = iota
	stateActive
)

// Aggregator debounces per-frame inference results for one stream into
// discrete violence events. Process is called from the stream's single
// in-flight inference goroutine, so the event state is single-writer and
// needs no lock.
type Aggregator struct {
	streamID string
	cfg      *config.Manager
	store    DetectionStore
	sink     Sink
	publish  Publisher
	logger   *slog.Logger
	now      func() time.Time

	state     eventState
	startedAt time.Time
	peak      float64
	misses    int
}

func NewAggregator(streamID string, cfg *config.Manager, store DetectionStore, sink Sink, publish Publisher, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		streamID: streamID,
		cfg:      cfg,
		store:    store,
		sink:     sink,
		publish:  publish,
		logger:   logger,
		now:      time.Now,
	}
}

// Process records one inference result and advances the event state machine.
//
// Every result is persisted as a Detection row regardless of threshold; the
// threshold only gates event transitions. With grace_frames = G, an active
// event ends on the (G+1)-th consecutive sub-threshold result.
func (a *Aggregator) Process(ctx context.Context, res model.DetectionResult) {
	cfg := a.cfg.Get()
	now := a.now()

	detID := a.persist(ctx, res, now)
	if a.publish != nil {
		a.publish(res)
	}

	violent := res.Confidence >= cfg.Detection.ConfidenceThreshold
	switch {
	case violent && a.state == stateIdle:
		a.state = stateActive
		a.startedAt = now
		a.peak = res.Confidence
		a.misses = 0
		a.emit(model.EventTransition{
			Kind:           model.EventStarted,
			StreamID:       a.streamID,
			Detection:      res,
			DetectionID:    detID,
			StartedAt:      a.startedAt,
			PeakConfidence: a.peak,
		})
	case violent:
		if res.Confidence > a.peak {
			a.peak = res.Confidence
		}
		a.misses = 0
		a.emit(model.EventTransition{
			Kind:           model.EventContinuing,
			StreamID:       a.streamID,
			Detection:      res,
			DetectionID:    detID,
			StartedAt:      a.startedAt,
			PeakConfidence: a.peak,
		})
	case a.state == stateActive:
		a.misses++
		if a.misses > cfg.Detection.GraceFrames {
			started := a.startedAt
			peak := a.peak
			a.state = stateIdle
			a.misses = 0
			a.peak = 0
			a.emit(model.EventTransition{
				Kind:           model.EventEnded,
				StreamID:       a.streamID,
				Detection:      res,
				DetectionID:    detID,
				StartedAt:      started,
				PeakConfidence: peak,
				Duration:       now.Sub(started),
			})
		}
	}
}

// Active reports whether a violence event is currently open.
func (a *Aggregator) Active() bool {
	return a.state == stateActive
}

func (a *Aggregator) persist(ctx context.Context, res model.DetectionResult, now time.Time) int64 {
	if a.store == nil {
		return 0
	}
	det := model.Detection{
		StreamID:   a.streamID,
		Timestamp:  now,
		IsViolence: res.IsViolence,
		Confidence: res.Confidence,
		FrameData:  res.FrameData,
	}
	id, err := a.store.SaveDetection(ctx, det)
	if err != nil {
		if a.logger != nil {
			a.logger.Error("save detection failed", "stream_id", a.streamID, "err", err)
		}
		return 0
	}
	return id
}

func (a *Aggregator) emit(tr model.EventTransition) {
	if a.sink != nil {
		a.sink(tr)
	}
}
