package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"vigil/internal/config"
	"vigil/internal/model"
)

// Conn is the slice of a websocket connection the hub writes through.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// subscriber owns the outbound side of one connection. Frames queue in a
// bounded slice that drops the oldest on overflow; status and detection
// messages coalesce per type so a slow reader always gets the latest.
type subscriber struct {
	conn     Conn
	streamID string // "" subscribes to the global channel

	mu     sync.Mutex
	frames [][]byte
	latest map[string][]byte
	order  []string
	closed bool

	signal chan struct{}
}

func (s *subscriber) enqueueFrame(payload []byte, limit int) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.frames) >= limit {
		s.frames = s.frames[1:]
	}
	s.frames = append(s.frames, payload)
	s.wake()
	s.mu.Unlock()
}

func (s *subscriber) enqueueCoalesced(msgType string, payload []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if _, ok := s.latest[msgType]; !ok {
		s.order = append(s.order, msgType)
	}
	s.latest[msgType] = payload
	s.wake()
	s.mu.Unlock()
}

// wake is called with s.mu held so it never races subscriber close.
func (s *subscriber) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// drain removes everything currently queued, frames first in arrival order,
// then one coalesced payload per type.
func (s *subscriber) drain() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	for _, t := range s.order {
		out = append(out, s.latest[t])
		delete(s.latest, t)
	}
	s.order = s.order[:0]
	return out
}

// Hub fans live pipeline output out to websocket subscribers. A slow or dead
// subscriber never blocks a publisher and never sees stale status ahead of
// fresh status.
type Hub struct {
	cfg    *config.Manager
	logger *slog.Logger

	mu   sync.Mutex
	subs map[*subscriber]struct{}
}

func New(cfg *config.Manager, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:    cfg,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a connection and starts its writer. streamID selects
// the per-stream frame channel; empty subscribes to the global channel.
func (h *Hub) Subscribe(conn Conn, streamID string) {
	s := &subscriber{
		conn:     conn,
		streamID: streamID,
		latest:   make(map[string][]byte),
		signal:   make(chan struct{}, 1),
	}
	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()
	go h.writeLoop(s)
}

// Unsubscribe removes and closes a connection's subscriber.
func (h *Hub) Unsubscribe(conn Conn) {
	h.mu.Lock()
	var victim *subscriber
	for s := range h.subs {
		if s.conn == conn {
			victim = s
			delete(h.subs, s)
			break
		}
	}
	h.mu.Unlock()
	if victim != nil {
		h.close(victim)
	}
}

// PublishFrame delivers a sampled frame to the stream's subscribers.
func (h *Hub) PublishFrame(streamID string, msg model.FrameMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	limit := h.cfg.Get().Hub.FrameQueue
	h.mu.Lock()
	for s := range h.subs {
		if s.streamID == streamID {
			s.enqueueFrame(payload, limit)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers a global-channel message to every global subscriber.
// Per message type only the newest payload survives a backlog.
func (h *Hub) Broadcast(msgType string, data any) {
	payload, err := json.Marshal(model.Envelope{Type: msgType, Data: data})
	if err != nil {
		if h.logger != nil {
			h.logger.Error("broadcast marshal failed", "type", msgType, "err", err)
		}
		return
	}
	h.mu.Lock()
	for s := range h.subs {
		if s.streamID == "" {
			s.enqueueCoalesced(msgType, payload)
		}
	}
	h.mu.Unlock()
}

// SendTo queues a message for one connection's writer. Used for control
// replies so nothing ever writes to the socket outside its writer goroutine.
func (h *Hub) SendTo(conn Conn, msgType string, data any) {
	payload, err := json.Marshal(model.Envelope{Type: msgType, Data: data})
	if err != nil {
		return
	}
	h.mu.Lock()
	for s := range h.subs {
		if s.conn == conn {
			s.enqueueCoalesced(msgType, payload)
			break
		}
	}
	h.mu.Unlock()
}

// SubscriberCount reports current subscribers, all channels.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// StatusLoop broadcasts a streams_status snapshot at the configured interval
// until the context is done.
func (h *Hub) StatusLoop(ctx context.Context, snapshot func() []model.StreamStatus) {
	interval := h.cfg.Get().Hub.StatusInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			h.Broadcast(model.MsgStreamsStatus, snapshot())
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) writeLoop(s *subscriber) {
	for range s.signal {
		for _, payload := range s.drain() {
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				h.remove(s)
				return
			}
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	delete(h.subs, s)
	h.mu.Unlock()
	h.close(s)
}

func (h *Hub) close(s *subscriber) {
	s.mu.Lock()
	already := s.closed
	s.closed = true
	s.mu.Unlock()
	if already {
		return
	}
	close(s.signal)
	_ = s.conn.Close()
}
