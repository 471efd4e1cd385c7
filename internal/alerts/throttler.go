package alerts

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/config"
	"vigil/internal/model"
)

// Notifier delivers one external notification. Failure is terminal for this
// attempt; the next scheduled notification supersedes it.
type Notifier interface {
	Send(ctx context.Context, text string, photo []byte) error
}

// AlertStore is the slice of the persistence collaborator the throttler
// writes through.
type AlertStore interface {
	SaveAlert(ctx context.Context, alert model.Alert) (int64, error)
	SaveSystemEvent(ctx context.Context, ev model.SystemEvent) error
}

// AlertPublisher mirrors alerts onto the export topic for downstream
// consumers.
type AlertPublisher interface {
	PublishAlert(ctx context.Context, alert model.Alert)
}

// eventAccount is the notification bookkeeping for one ongoing event.
type eventAccount struct {
	startedAt         time.Time
	notificationsSent int
	lastNotification  time.Time
	peak              float64
}

// Throttler turns violence-event transitions into rate-limited alerts and
// notifications. One account per stream; transitions for a stream arrive in
// order from its aggregator.
type Throttler struct {
	cfg      *config.Manager
	store    AlertStore
	ring     *Store
	notifier Notifier
	exporter AlertPublisher
	logger   *slog.Logger
	now      func() time.Time
	spawn    func(func()) // notification delivery scheduler, go by default

	mu     sync.Mutex
	events map[string]*eventAccount
}

func NewThrottler(cfg *config.Manager, store AlertStore, ring *Store, notifier Notifier, exporter AlertPublisher, logger *slog.Logger) *Throttler {
	return &Throttler{
		cfg:      cfg,
		store:    store,
		ring:     ring,
		notifier: notifier,
		exporter: exporter,
		logger:   logger,
		now:      time.Now,
		spawn:    func(f func()) { go f() },
		events:   make(map[string]*eventAccount),
	}
}

// Handle consumes one transition. EventStarted always creates an alert and
// sends notification #1; EventContinuing sends only when the interval has
// elapsed and the per-event cap is not reached; EventEnded resets the
// accounting without sending. Operator acknowledgement never touches these
// counters.
func (t *Throttler) Handle(ctx context.Context, tr model.EventTransition) {
	switch tr.Kind {
	case model.EventStarted:
		t.handleStarted(ctx, tr)
	case model.EventContinuing:
		t.handleContinuing(ctx, tr)
	case model.EventEnded:
		t.handleEnded(ctx, tr)
	}
}

func (t *Throttler) handleStarted(ctx context.Context, tr model.EventTransition) {
	now := t.now()
	t.mu.Lock()
	acct := &eventAccount{
		startedAt:         tr.StartedAt,
		notificationsSent: 1,
		lastNotification:  now,
		peak:              tr.PeakConfidence,
	}
	t.events[tr.StreamID] = acct
	t.mu.Unlock()

	alert := t.buildAlert(tr, now)
	t.persistAlert(ctx, &alert)
	if t.ring != nil {
		t.ring.Add(alert)
	}
	if t.exporter != nil {
		t.exporter.PublishAlert(ctx, alert)
	}
	t.dispatch(ctx, tr, 1, tr.PeakConfidence)
}

func (t *Throttler) handleContinuing(ctx context.Context, tr model.EventTransition) {
	cfg := t.cfg.Get().Notifications
	now := t.now()

	t.mu.Lock()
	acct, ok := t.events[tr.StreamID]
	if !ok {
		// continuing without a started account: the event predates a
		// restart; open a fresh account without re-alerting
		acct = &eventAccount{startedAt: tr.StartedAt}
		t.events[tr.StreamID] = acct
	}
	if tr.PeakConfidence > acct.peak {
		acct.peak = tr.PeakConfidence
	}
	send := acct.notificationsSent < cfg.MaxPerEvent &&
		(acct.notificationsSent == 0 || now.Sub(acct.lastNotification) >= cfg.NotificationInterval)
	var seq int
	var peak float64
	if send {
		acct.notificationsSent++
		acct.lastNotification = now
		seq = acct.notificationsSent
		peak = acct.peak
	}
	t.mu.Unlock()

	if send {
		t.dispatch(ctx, tr, seq, peak)
	}
}

func (t *Throttler) handleEnded(ctx context.Context, tr model.EventTransition) {
	t.mu.Lock()
	delete(t.events, tr.StreamID)
	t.mu.Unlock()

	t.recordEvent(ctx, model.EventViolenceEnded,
		fmt.Sprintf("violence event ended on stream %s", tr.StreamID),
		map[string]string{
			"stream_id":       tr.StreamID,
			"duration":        tr.Duration.String(),
			"peak_confidence": fmt.Sprintf("%.3f", tr.PeakConfidence),
		})
}

func (t *Throttler) buildAlert(tr model.EventTransition, now time.Time) model.Alert {
	alert := model.Alert{
		StreamID:  tr.StreamID,
		Type:      model.AlertViolence,
		Message:   fmt.Sprintf("Violence detected in stream %s", tr.StreamID),
		Severity:  t.severityFor(tr.Detection.Confidence),
		CreatedAt: now,
	}
	if tr.DetectionID != 0 {
		id := tr.DetectionID
		alert.DetectionID = &id
	}
	return alert
}

func (t *Throttler) severityFor(confidence float64) string {
	if confidence >= t.cfg.Get().Notifications.CriticalThreshold {
		return model.SeverityCritical
	}
	return model.SeverityHigh
}

func (t *Throttler) persistAlert(ctx context.Context, alert *model.Alert) {
	if t.store == nil {
		return
	}
	id, err := t.store.SaveAlert(ctx, *alert)
	if err != nil {
		if t.logger != nil {
			t.logger.Error("save alert failed", "stream_id", alert.StreamID, "err", err)
		}
		return
	}
	alert.ID = id
}

// dispatch sends one notification without blocking the caller. Delivery
// failure is logged and recorded; it is never retried here.
func (t *Throttler) dispatch(ctx context.Context, tr model.EventTransition, seq int, peak float64) {
	cfg := t.cfg.Get().Notifications
	if !cfg.Enabled || t.notifier == nil {
		return
	}
	text := t.renderMessage(tr, seq, peak)
	var photo []byte
	if cfg.SendThumbnails && tr.Detection.FrameData != "" {
		if decoded, err := base64.StdEncoding.DecodeString(tr.Detection.FrameData); err == nil {
			photo = decoded
		}
	}
	t.spawn(func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
		defer cancel()
		if err := t.notifier.Send(sendCtx, text, photo); err != nil {
			if t.logger != nil {
				t.logger.Warn("notification delivery failed", "stream_id", tr.StreamID, "err", err)
			}
			t.recordEvent(sendCtx, model.EventNotificationFailed,
				fmt.Sprintf("notification for stream %s failed", tr.StreamID),
				map[string]string{"stream_id": tr.StreamID, "error": err.Error()})
		}
	})
}

func (t *Throttler) renderMessage(tr model.EventTransition, seq int, peak float64) string {
	var header string
	switch seq {
	case 1:
		header = "<b>Violence Detection Started</b>"
	case 2:
		header = "<b>Violence Continues</b>"
	default:
		header = "<b>Violence Ongoing</b>"
	}
	duration := t.now().Sub(tr.StartedAt).Round(time.Second)
	return fmt.Sprintf("%s\n\nStream: %s\nConfidence: %.1f%%\nPeak confidence: %.1f%%\nDuration: %s\nNotification #%d",
		header, tr.StreamID, tr.Detection.Confidence*100, peak*100, duration, seq)
}

func (t *Throttler) recordEvent(ctx context.Context, eventType, message string, details map[string]string) {
	if t.store == nil {
		return
	}
	ev := model.SystemEvent{EventType: eventType, Message: message, Details: details, CreatedAt: t.now()}
	if err := t.store.SaveSystemEvent(ctx, ev); err != nil && t.logger != nil {
		t.logger.Error("save system event failed", "event_type", eventType, "err", err)
	}
}
