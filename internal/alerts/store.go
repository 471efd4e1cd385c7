package alerts

import (
	"sync"
	"time"

	"vigil/internal/model"
)

// Store is a bounded in-memory ring of recent alerts, newest last. It backs
// the live API view; the durable history lives in storage.
type Store struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

// List returns up to limit of the most recent alerts, oldest first.
func (s *Store) List(limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if limit > 0 && limit < len(s.buf) {
		start = len(s.buf) - limit
	}
	out := make([]model.Alert, len(s.buf)-start)
	copy(out, s.buf[start:])
	return out
}

// Since returns the buffered alerts created at or after ts.
func (s *Store) Since(ts time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Alert
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

// Acknowledge marks a buffered alert acknowledged so the live view agrees
// with storage. Unknown ids are ignored (the row may have rotated out).
func (s *Store) Acknowledge(id int64, by string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.buf {
		if s.buf[i].ID == id {
			s.buf[i].Acknowledged = true
			s.buf[i].AcknowledgedBy = by
			s.buf[i].AcknowledgedAt = &at
			return
		}
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
