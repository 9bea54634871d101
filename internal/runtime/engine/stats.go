package engine

import (
	"sync"
	"time"
)

// Stats tracks the activity of one source. The zero value is ready to use.
type Stats struct {
	mu sync.Mutex

	processed       uint64
	failed          uint64
	inFlight        uint64
	maxInFlight     uint64
	totalProcessing time.Duration
	lastProcessedAt time.Time
	lastError       string
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	InFlight            uint64    `json:"in_flight"`
	MaxInFlight         uint64    `json:"max_in_flight"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	AverageNs           int64     `json:"average_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`
	LastError           string    `json:"last_error,omitempty"`
}

func (s *Stats) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
}

func (s *Stats) end(d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.totalProcessing += d
	s.lastProcessedAt = time.Now()
	if err != nil {
		s.failed++
		s.lastError = err.Error()
		return
	}
	s.processed++
}

// Snapshot returns a copy of the current counters.
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		MessagesProcessed:   s.processed,
		MessagesFailed:      s.failed,
		InFlight:            s.inFlight,
		MaxInFlight:         s.maxInFlight,
		TotalProcessingTime: int64(s.totalProcessing),
		LastProcessedAt:     s.lastProcessedAt,
		LastError:           s.lastError,
	}
	if total := s.processed + s.failed; total > 0 {
		snap.AverageNs = int64(s.totalProcessing) / int64(total)
	}
	return snap
}
