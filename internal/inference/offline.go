package inference

import "sync"

// OfflineTracker turns consecutive backend failures into a single offline
// signal per outage. Any success re-arms it.
type OfflineTracker struct {
	mu          sync.Mutex
	threshold   int
	consecutive int
	offline     bool
}

func NewOfflineTracker(threshold int) *OfflineTracker {
	if threshold <= 0 {
		threshold = 3
	}
	return &OfflineTracker{threshold: threshold}
}

// Failure records one unavailable result. It reports true exactly once per
// outage, when the consecutive-failure count first reaches the threshold.
func (t *OfflineTracker) Failure() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	if t.offline || t.consecutive < t.threshold {
		return false
	}
	t.offline = true
	return true
}

// Success resets the failure streak. It reports true when the tracker was
// offline, i.e. the backend just recovered.
func (t *OfflineTracker) Success() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive = 0
	wasOffline := t.offline
	t.offline = false
	return wasOffline
}
