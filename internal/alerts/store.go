package alerts

import (
	"sync"
	"time"

	"github.com/satvikakolisetty/pep-energy-project/internal/model"
)

// Store keeps a bounded in-memory window of recent alert events for the ops
// API. It is observability, not the durable record.
type Store struct {
	mu    sync.RWMutex
	buf   []model.AlertEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(ev model.AlertEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, ev)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = ev
}

func (s *Store) List(limit int) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.AlertEvent, 0, limit)
	for i := len(s.buf) - limit; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Store) Since(ts time.Time) []model.AlertEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.AlertEvent, 0)
	for _, a := range s.buf {
		if !a.Timestamp.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
