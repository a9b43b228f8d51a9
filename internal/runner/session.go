package runner

import (
	"sync"
	"time"
)

// Status is the externally visible lifecycle state of the controller.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusPaused   Status = "paused"
	StatusStopping Status = "stopping"
	StatusStopped  Status = "stopped"
)

// Stats are the per-session counters reported by status and stop.
type Stats struct {
	ItemsProcessed int `json:"itemsProcessed"`
	ItemsActedOn   int `json:"itemsActedOn"`
	Errors         int `json:"errors"`
}

// Session holds the mutable state of one browser run: its identity, the
// dedup set, and the counters. All methods are safe for concurrent use.
type Session struct {
	ID        string
	StartedAt time.Time
	RunDir    string

	mu    sync.Mutex
	seen  map[string]struct{}
	stats Stats
}

func NewSession(id, runDir string) *Session {
	return &Session{
		ID:        id,
		StartedAt: time.Now(),
		RunDir:    runDir,
		seen:      make(map[string]struct{}),
	}
}

// MarkSeen records the item identifier and reports whether it was new.
func (s *Session) MarkSeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false
	}
	s.seen[id] = struct{}{}
	return true
}

func (s *Session) SeenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *Session) AddProcessed() {
	s.mu.Lock()
	s.stats.ItemsProcessed++
	s.mu.Unlock()
}

// AddActed returns the new acted-on count so the caller can compare it
// against a reporting threshold.
func (s *Session) AddActed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.ItemsActedOn++
	return s.stats.ItemsActedOn
}

func (s *Session) AddError() {
	s.mu.Lock()
	s.stats.Errors++
	s.mu.Unlock()
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}
