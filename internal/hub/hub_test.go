package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"vigil/internal/config"
	"vigil/internal/model"
)

type fakeConn struct {
	mu     sync.Mutex
	wrote  [][]byte
	fail   bool
	closed bool
	gate   chan struct{} // when set, writes block until the gate closes
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.gate != nil {
		<-c.gate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("broken pipe")
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	c.wrote = append(c.wrote, cp)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.wrote))
	copy(out, c.wrote)
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached in time")
}

func hubFor(frameQueue int) *Hub {
	cfg := config.DefaultConfig()
	cfg.Hub.FrameQueue = frameQueue
	return New(config.NewStaticManager(cfg), nil)
}

func TestFrameDelivery(t *testing.T) {
	h := hubFor(8)
	conn := &fakeConn{}
	h.Subscribe(conn, "cam1")

	h.PublishFrame("cam1", model.FrameMessage{Type: model.MsgFrame, StreamID: "cam1", Frame: "abc"})
	h.PublishFrame("cam2", model.FrameMessage{Type: model.MsgFrame, StreamID: "cam2", Frame: "zzz"})

	waitFor(t, func() bool { return len(conn.messages()) == 1 })
	var msg model.FrameMessage
	if err := json.Unmarshal(conn.messages()[0], &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if msg.StreamID != "cam1" || msg.Frame != "abc" {
		t.Fatalf("wrong frame delivered: %+v", msg)
	}
	// cam2's frame never reaches a cam1 subscriber
	time.Sleep(20 * time.Millisecond)
	if len(conn.messages()) != 1 {
		t.Fatalf("subscriber got frames for another stream")
	}
}

func TestFrameQueueDropsOldest(t *testing.T) {
	h := hubFor(3)
	gate := make(chan struct{})
	conn := &fakeConn{gate: gate}
	h.Subscribe(conn, "cam1")

	// writer blocks on the gate while five frames pile up
	for i := 0; i < 5; i++ {
		h.PublishFrame("cam1", model.FrameMessage{Type: model.MsgFrame, StreamID: "cam1", Timestamp: float64(i)})
	}
	close(gate)

	// at most queue limit plus the one frame already handed to the writer
	waitFor(t, func() bool { return len(conn.messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	msgs := conn.messages()
	if len(msgs) > 4 {
		t.Fatalf("queue did not bound: %d frames delivered", len(msgs))
	}
	var last model.FrameMessage
	if err := json.Unmarshal(msgs[len(msgs)-1], &last); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if last.Timestamp != 4 {
		t.Fatalf("newest frame lost, last delivered ts=%v", last.Timestamp)
	}
}

func TestBroadcastCoalesces(t *testing.T) {
	h := hubFor(8)
	gate := make(chan struct{})
	conn := &fakeConn{gate: gate}
	h.Subscribe(conn, "")

	for i := 0; i < 10; i++ {
		h.Broadcast(model.MsgStreamsStatus, []model.StreamStatus{{ID: "cam1", TotalFrames: int64(i)}})
	}
	close(gate)

	waitFor(t, func() bool { return len(conn.messages()) >= 1 })
	time.Sleep(50 * time.Millisecond)
	msgs := conn.messages()
	// first write may have left with an early snapshot; the rest coalesce
	if len(msgs) > 2 {
		t.Fatalf("status not coalesced: %d writes", len(msgs))
	}
	var env struct {
		Type string               `json:"type"`
		Data []model.StreamStatus `json:"data"`
	}
	if err := json.Unmarshal(msgs[len(msgs)-1], &env); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if env.Type != model.MsgStreamsStatus || env.Data[0].TotalFrames != 9 {
		t.Fatalf("latest status lost: %+v", env)
	}
}

func TestBroadcastSkipsStreamSubscribers(t *testing.T) {
	h := hubFor(8)
	global := &fakeConn{}
	perStream := &fakeConn{}
	h.Subscribe(global, "")
	h.Subscribe(perStream, "cam1")

	h.Broadcast(model.MsgDetectionResult, model.DetectionResult{StreamID: "cam1", Confidence: 0.9})
	waitFor(t, func() bool { return len(global.messages()) == 1 })
	time.Sleep(20 * time.Millisecond)
	if len(perStream.messages()) != 0 {
		t.Fatalf("per-stream subscriber received a global message")
	}
}

func TestWriteFailureEvictsSubscriber(t *testing.T) {
	h := hubFor(8)
	conn := &fakeConn{fail: true}
	h.Subscribe(conn, "")
	if h.SubscriberCount() != 1 {
		t.Fatalf("subscriber not registered")
	}

	h.Broadcast(model.MsgStreamUpdate, map[string]string{"id": "cam1"})
	waitFor(t, func() bool { return h.SubscriberCount() == 0 })
	waitFor(t, func() bool {
		conn.mu.Lock()
		defer conn.mu.Unlock()
		return conn.closed
	})
}

func TestUnsubscribeClosesConn(t *testing.T) {
	h := hubFor(8)
	conn := &fakeConn{}
	h.Subscribe(conn, "")
	h.Unsubscribe(conn)
	if h.SubscriberCount() != 0 {
		t.Fatalf("subscriber still registered")
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if !conn.closed {
		t.Fatalf("connection not closed on unsubscribe")
	}
}
