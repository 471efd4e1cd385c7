package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vigil/internal/capture"
	"vigil/internal/config"
	"vigil/internal/detect"
	"vigil/internal/inference"
	"vigil/internal/model"
)

type fakeSource struct {
	frames chan []byte
}

func (s *fakeSource) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, capture.ErrSourceClosed
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeSource) Close() error { return nil }

type fakeInferencer struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{} // when set, Infer blocks until closed
	res   inference.Result
	err   error
}

func (f *fakeInferencer) Infer(ctx context.Context, _ []byte, _ float64) (inference.Result, error) {
	f.mu.Lock()
	f.calls++
	res, err := f.res, f.err
	f.mu.Unlock()
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return inference.Result{}, ctx.Err()
		}
	}
	return res, err
}

func (f *fakeInferencer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
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

func workerManager(frameSkip int) *config.Manager {
	cfg := config.DefaultConfig()
	cfg.Capture.FrameSkip = frameSkip
	cfg.Capture.ReconnectInitial = time.Second
	cfg.Capture.ReconnectMax = 8 * time.Second
	return config.NewStaticManager(cfg)
}

func testStream() model.StreamConfig {
	return model.StreamConfig{ID: "cam1", Name: "Cam 1", URL: "rtsp://host/stream", Enabled: true}
}

func TestWorkerSamplesEveryNthFrame(t *testing.T) {
	src := &fakeSource{frames: make(chan []byte)}
	factory := func(string) (capture.Source, error) { return src, nil }
	inf := &fakeInferencer{res: inference.Result{Confidence: 0.1}}

	w := newWorker(testStream(), workerManager(3), factory, inf, nil, nil, nil, nil, nil)
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 6; i++ {
		src.frames <- []byte{0x01}
	}
	waitFor(t, func() bool { return w.Snapshot().TotalFrames == 6 })
	waitFor(t, func() bool { return inf.count() >= 1 })
	time.Sleep(20 * time.Millisecond)
	// frames 3 and 6 are the only sampled ones
	if n := inf.count(); n > 2 {
		t.Fatalf("sampling ignored frame_skip: %d inference calls for 6 frames", n)
	}

	st := w.Snapshot()
	if st.TotalFrames != 6 {
		t.Fatalf("total frames = %d, want 6", st.TotalFrames)
	}
	if st.State != model.StateStreaming {
		t.Fatalf("state = %s, want streaming", st.State)
	}
}

func TestWorkerDropsFramesWhileInferenceInFlight(t *testing.T) {
	src := &fakeSource{frames: make(chan []byte, 16)}
	factory := func(string) (capture.Source, error) { return src, nil }
	gate := make(chan struct{})
	inf := &fakeInferencer{gate: gate, res: inference.Result{Confidence: 0.1}}

	w := newWorker(testStream(), workerManager(1), factory, inf, nil, nil, nil, nil, nil)
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 6; i++ {
		src.frames <- []byte{0x01}
	}
	waitFor(t, func() bool { return w.Snapshot().TotalFrames == 6 })
	if inf.count() != 1 {
		t.Fatalf("in-flight inference not exclusive: %d calls", inf.count())
	}
	close(gate)
	waitFor(t, func() bool { return !w.inFlight.Load() })
	src.frames <- []byte{0x02}
	waitFor(t, func() bool { return inf.count() == 2 })
}

func TestWorkerViolenceUpdatesCounters(t *testing.T) {
	src := &fakeSource{frames: make(chan []byte)}
	factory := func(string) (capture.Source, error) { return src, nil }
	inf := &fakeInferencer{res: inference.Result{IsViolence: true, Confidence: 0.93}}

	w := newWorker(testStream(), workerManager(1), factory, inf, nil, nil, nil, nil, nil)
	w.Start(context.Background())
	defer w.Stop()

	src.frames <- []byte{0x01}
	waitFor(t, func() bool { return w.Snapshot().DetectionCount == 1 })
	st := w.Snapshot()
	if st.LastDetection == nil || st.LastDetection.Confidence != 0.93 {
		t.Fatalf("last detection missing: %+v", st.LastDetection)
	}
	if st.LastDetection.FrameData != "" {
		t.Fatalf("snapshot must not carry frame payloads")
	}
}

func TestWorkerReconnectBackoff(t *testing.T) {
	factory := func(string) (capture.Source, error) { return nil, errors.New("connection refused") }
	var mu sync.Mutex
	var sleeps []time.Duration

	w := newWorker(testStream(), workerManager(1), factory, nil, nil, nil, nil, nil, nil)
	w.sleep = func(_ context.Context, d time.Duration) bool {
		mu.Lock()
		defer mu.Unlock()
		sleeps = append(sleeps, d)
		return len(sleeps) < 6
	}
	w.Start(context.Background())
	<-w.done

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second, 8 * time.Second}
	mu.Lock()
	defer mu.Unlock()
	if len(sleeps) != len(want) {
		t.Fatalf("got %d sleeps: %v", len(sleeps), sleeps)
	}
	for i, d := range want {
		if sleeps[i] != d {
			t.Fatalf("sleep %d = %s, want %s", i, sleeps[i], d)
		}
	}
	if st := w.Snapshot(); st.State != model.StateStopped || st.LastError == "" {
		t.Fatalf("final snapshot wrong: %+v", st)
	}
}

func TestWorkerReconnectingReportsNotRunning(t *testing.T) {
	factory := func(string) (capture.Source, error) { return nil, errors.New("connection refused") }

	w := newWorker(testStream(), workerManager(1), factory, nil, nil, nil, nil, nil, nil)
	snaps := make(chan model.StreamStatus, 1)
	w.sleep = func(context.Context, time.Duration) bool {
		select {
		case snaps <- w.Snapshot():
		default:
		}
		return false
	}
	w.Start(context.Background())
	<-w.done

	st := <-snaps
	if st.State != model.StateReconnecting {
		t.Fatalf("state = %s, want reconnecting", st.State)
	}
	if st.IsRunning {
		t.Fatalf("reconnecting stream reports is_running=true")
	}
	if st.LastError == "" {
		t.Fatalf("reconnecting snapshot carries no last error")
	}
}

// blockingInferencer holds every call until released, ignoring cancellation,
// to pin a request in flight across a worker stop.
type blockingInferencer struct {
	entered chan struct{}
	release chan struct{}
	res     inference.Result
}

func (f *blockingInferencer) Infer(context.Context, []byte, float64) (inference.Result, error) {
	f.entered <- struct{}{}
	<-f.release
	return f.res, nil
}

func TestStopWaitsForInFlightInference(t *testing.T) {
	src := &fakeSource{frames: make(chan []byte, 1)}
	factory := func(string) (capture.Source, error) { return src, nil }
	inf := &blockingInferencer{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
		res:     inference.Result{IsViolence: true, Confidence: 0.9},
	}

	var mu sync.Mutex
	var transitions []model.TransitionKind
	stopReturned := false
	sink := func(tr model.EventTransition) {
		mu.Lock()
		defer mu.Unlock()
		if stopReturned {
			t.Errorf("transition %s emitted after Stop returned", tr.Kind)
		}
		transitions = append(transitions, tr.Kind)
	}
	agg := detect.NewAggregator("cam1", workerManager(1), nil, sink, nil, nil)

	w := newWorker(testStream(), workerManager(1), factory, inf, nil, agg, nil, nil, nil)
	w.Start(context.Background())

	src.frames <- []byte{0x01}
	<-inf.entered

	stopDone := make(chan struct{})
	go func() {
		w.Stop()
		mu.Lock()
		stopReturned = true
		mu.Unlock()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		t.Fatalf("Stop returned while inference was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(inf.release)
	<-stopDone

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || transitions[0] != model.EventStarted {
		t.Fatalf("transitions = %v, want only the started event, before Stop returned", transitions)
	}
}

func TestWorkerBackendOutageFiresOnce(t *testing.T) {
	src := &fakeSource{frames: make(chan []byte)}
	factory := func(string) (capture.Source, error) { return src, nil }
	inf := &fakeInferencer{err: inference.ErrBackendUnavailable}
	tracker := inference.NewOfflineTracker(3)

	var mu sync.Mutex
	var events []string
	sink := func(ev model.SystemEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev.EventType)
	}

	w := newWorker(testStream(), workerManager(1), factory, inf, tracker, nil, nil, sink, nil)
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		src.frames <- []byte{0x01}
		waitFor(t, func() bool { return inf.count() == i+1 && !w.inFlight.Load() })
	}
	mu.Lock()
	if len(events) != 1 || events[0] != model.EventTritonOffline {
		mu.Unlock()
		t.Fatalf("expected a single triton_offline event, got %v", events)
	}
	mu.Unlock()

	// recovery raises triton_online once
	inf.mu.Lock()
	inf.err = nil
	inf.mu.Unlock()
	src.frames <- []byte{0x01}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 2 && events[1] == model.EventTritonOnline
	})
}
