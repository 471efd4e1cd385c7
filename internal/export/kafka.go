package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"vigil/internal/config"
	"vigil/internal/model"
)

// Publisher mirrors detections and alerts onto a Kafka topic for downstream
// consumers. Publishing is fire-and-forget; a broker outage is logged and
// never backpressures the pipeline.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

type envelope struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

// NewPublisher returns nil when export is disabled; callers treat a nil
// Publisher as a no-op.
func NewPublisher(cfg config.ExportConfig, logger *slog.Logger) *Publisher {
	if !cfg.Enabled || len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 100 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        true,
	}
	if logger != nil {
		w.ErrorLogger = kafka.LoggerFunc(func(msg string, args ...any) {
			logger.Warn("kafka writer error", "detail", fmt.Sprintf(msg, args...))
		})
	}
	return &Publisher{writer: w, logger: logger}
}

func (p *Publisher) PublishDetection(ctx context.Context, res model.DetectionResult) {
	if p == nil {
		return
	}
	p.publish(ctx, res.StreamID, envelope{Kind: "detection", Data: res})
}

func (p *Publisher) PublishAlert(ctx context.Context, alert model.Alert) {
	if p == nil {
		return
	}
	p.publish(ctx, alert.StreamID, envelope{Kind: "alert", Data: alert})
}

func (p *Publisher) publish(ctx context.Context, key string, env envelope) {
	value, err := json.Marshal(env)
	if err != nil {
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  time.Now(),
	})
	if err != nil && p.logger != nil {
		p.logger.Warn("kafka publish failed", "kind", env.Kind, "key", key, "err", err)
	}
}

func (p *Publisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
