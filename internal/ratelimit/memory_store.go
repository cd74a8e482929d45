package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	hits   []time.Time
	length time.Duration
}

func (w *window) prune(cutoff time.Time) {
	idx := 0
	for idx < len(w.hits) && !w.hits[idx].After(cutoff) {
		idx++
	}
	if idx > 0 {
		w.hits = append(w.hits[:0], w.hits[idx:]...)
	}
}

// MemoryStore is a process-local Store. Windows and penalties are separate
// tables, each behind its own mutex.
type MemoryStore struct {
	windowsMu sync.Mutex
	windows   map[string]*window

	penaltiesMu sync.Mutex
	penalties   map[string]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:   make(map[string]*window),
		penalties: make(map[string]time.Time),
	}
}

func (s *MemoryStore) Count(_ context.Context, key string, now time.Time, length time.Duration) (int, time.Time, error) {
	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		return 0, time.Time{}, nil
	}
	w.prune(now.Add(-length))
	if len(w.hits) == 0 {
		return 0, time.Time{}, nil
	}
	return len(w.hits), w.hits[0], nil
}

func (s *MemoryStore) Add(_ context.Context, key string, now time.Time, length time.Duration) error {
	s.windowsMu.Lock()
	defer s.windowsMu.Unlock()

	w, ok := s.windows[key]
	if !ok {
		w = &window{}
		s.windows[key] = w
	}
	if length > w.length {
		w.length = length
	}
	w.hits = append(w.hits, now)
	return nil
}

func (s *MemoryStore) PenaltyUntil(_ context.Context, key string) (time.Time, error) {
	s.penaltiesMu.Lock()
	defer s.penaltiesMu.Unlock()
	return s.penalties[key], nil
}

func (s *MemoryStore) SetPenalty(_ context.Context, key string, until time.Time, _ time.Duration) error {
	s.penaltiesMu.Lock()
	defer s.penaltiesMu.Unlock()
	if current, ok := s.penalties[key]; ok && current.After(until) {
		return nil
	}
	s.penalties[key] = until
	return nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	evicted := 0

	s.windowsMu.Lock()
	for key, w := range s.windows {
		w.prune(now.Add(-w.length))
		if len(w.hits) == 0 {
			delete(s.windows, key)
			evicted++
		}
	}
	s.windowsMu.Unlock()

	s.penaltiesMu.Lock()
	for key, until := range s.penalties {
		if !until.After(now) {
			delete(s.penalties, key)
			evicted++
		}
	}
	s.penaltiesMu.Unlock()

	return evicted, nil
}

// Len reports tracked window and penalty keys.
func (s *MemoryStore) Len() (windows, penalties int) {
	s.windowsMu.Lock()
	windows = len(s.windows)
	s.windowsMu.Unlock()
	s.penaltiesMu.Lock()
	penalties = len(s.penalties)
	s.penaltiesMu.Unlock()
	return windows, penalties
}
