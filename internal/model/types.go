package model

import "time"

// StreamConfig is the immutable identity of a registered RTSP source.
// Only Name and Enabled may change after creation.
type StreamConfig struct {
	ID      string `json:"id" yaml:"id"`
	Name    string `json:"name" yaml:"name"`
	URL     string `json:"url" yaml:"url"`
	Enabled bool   `json:"enabled" yaml:"enabled"`
}

// Worker capture states.
type StreamState string

const (
	StateConnecting   StreamState = "connecting"
	StateStreaming    StreamState = "streaming"
	StateReconnecting StreamState = "reconnecting"
	StateStopped      StreamState = "stopped"
)

// DetectionResult is a single inference verdict as it travels through the
// pipeline and over the push transport. Timestamp is unix seconds.
type DetectionResult struct {
	StreamID   string  `json:"stream_id"`
	Timestamp  float64 `json:"timestamp"`
	IsViolence bool    `json:"is_violence"`
	Confidence float64 `json:"confidence"`
	FrameData  string  `json:"frame_data,omitempty"` // base64 JPEG thumbnail
}

// StreamStatus is the runtime snapshot exposed for a stream. Counters are
// owned by the stream's worker; everything here is a copy.
type StreamStatus struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	URL            string           `json:"url"`
	Enabled        bool             `json:"enabled"`
	IsRunning      bool             `json:"is_running"`
	State          StreamState      `json:"state"`
	FPS            float64          `json:"fps"`
	TotalFrames    int64            `json:"total_frames"`
	DetectionCount int64            `json:"detection_count"`
	LastError      string           `json:"last_error,omitempty"`
	LastDetection  *DetectionResult `json:"last_detection,omitempty"`
}

// Detection is the persisted audit row for one inference result.
type Detection struct {
	ID           int64     `json:"id"`
	StreamID     string    `json:"stream_id"`
	Timestamp    time.Time `json:"timestamp"`
	IsViolence   bool      `json:"is_violence"`
	Confidence   float64   `json:"confidence"`
	FrameData    string    `json:"frame_data,omitempty"`
	Acknowledged bool      `json:"acknowledged"`
	CreatedAt    time.Time `json:"created_at"`
}

// Alert severities, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Alert types.
const (
	AlertViolence = "violence"
	AlertError    = "error"
	AlertInfo     = "info"
	AlertWarning  = "warning"
)

type Alert struct {
	ID             int64      `json:"id"`
	StreamID       string     `json:"stream_id,omitempty"`
	DetectionID    *int64     `json:"detection_id,omitempty"`
	Type           string     `json:"type"`
	Message        string     `json:"message"`
	Severity       string     `json:"severity"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// SystemEvent is an observability record (stream lifecycle, backend outages,
// delivery failures). Never surfaced to the pipeline itself.
type SystemEvent struct {
	ID        int64             `json:"id"`
	EventType string            `json:"event_type"`
	Message   string            `json:"message"`
	Details   map[string]string `json:"details,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// System event types.
const (
	EventStreamStart        = "stream_start"
	EventStreamStop         = "stream_stop"
	EventTritonOffline      = "triton_offline"
	EventTritonOnline       = "triton_online"
	EventViolenceEnded      = "violence_event_ended"
	EventNotificationFailed = "notification_failed"
)

// TransitionKind tags a violence-event state change emitted by the
// detection aggregator.
type TransitionKind string

const (
	EventStarted    TransitionKind = "started"
	EventContinuing TransitionKind = "continuing"
	EventEnded      TransitionKind = "ended"
)

// EventTransition carries one Idle/Active state change for a stream.
// At most one event is active per stream at any time.
type EventTransition struct {
	Kind           TransitionKind
	StreamID       string
	Detection      DetectionResult
	DetectionID    int64 // persisted row id, 0 if the write failed
	StartedAt      time.Time
	PeakConfidence float64
	Duration       time.Duration // set on EventEnded
}

// Push transport shapes.

// FrameMessage is pushed on a stream's channel for every sampled frame.
type FrameMessage struct {
	Type      string          `json:"type"` // "frame"
	StreamID  string          `json:"stream_id"`
	Timestamp float64         `json:"timestamp"`
	Frame     string          `json:"frame"` // base64 JPEG
	Detection *FrameDetection `json:"detection"`
}

type FrameDetection struct {
	IsViolence bool    `json:"is_violence"`
	Confidence float64 `json:"confidence"`
	Timestamp  float64 `json:"timestamp"`
}

// Envelope wraps global-channel messages: detection_result, streams_status,
// stream_update.
type Envelope struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

const (
	MsgFrame           = "frame"
	MsgDetectionResult = "detection_result"
	MsgStreamsStatus   = "streams_status"
	MsgStreamUpdate    = "stream_update"
)

// Statistics aggregates persisted activity over a time window.
type Statistics struct {
	PeriodDays           int           `json:"period_days"`
	TotalDetections      int64         `json:"total_detections"`
	ViolenceDetections   int64         `json:"violence_detections"`
	ViolencePercentage   float64       `json:"violence_percentage"`
	StreamStatistics     []StreamStats `json:"stream_statistics"`
	TotalAlerts          int64         `json:"total_alerts"`
	UnacknowledgedAlerts int64         `json:"unacknowledged_alerts"`
}

type StreamStats struct {
	StreamID           string `json:"stream_id"`
	Name               string `json:"name"`
	TotalDetections    int64  `json:"total_detections"`
	ViolenceDetections int64  `json:"violence_detections"`
}

// CleanupResult reports rows removed by a retention pass.
type CleanupResult struct {
	DeletedDetections int64 `json:"deleted_detections"`
	DeletedAlerts     int64 `json:"deleted_alerts"`
	DeletedEvents     int64 `json:"deleted_events"`
}
