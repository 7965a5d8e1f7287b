package validator

import (
	"sync"

	"healthetl/internal/metrics"
)

// Stats accumulates validation outcomes for one staging run.
// RowsRead == RowsValid + sum(Invalid) holds after every Add.
type Stats struct {
	mu           sync.Mutex
	RowsRead     int64
	RowsValid    int64
	Invalid      map[Reason]int64
	StagedValues int64
}

func NewStats() *Stats {
	return &Stats{Invalid: make(map[Reason]int64, len(Reasons))}
}

func (s *Stats) Add(r Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.RowsRead++
	if r.Valid {
		s.RowsValid++
		s.StagedValues += int64(len(r.Values))
		return
	}
	s.Invalid[r.Reason]++
}

func (s *Stats) InvalidTotal() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, v := range s.Invalid {
		n += v
	}
	return n
}

// InvalidByReason returns a copy keyed by reason string, with every known
// reason present.
func (s *Stats) InvalidByReason() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(Reasons))
	for _, r := range Reasons {
		out[string(r)] = s.Invalid[r]
	}
	return out
}

// Emit publishes the counters to the metrics backend.
func (s *Stats) Emit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics.AddRows("read", "", s.RowsRead)
	metrics.AddRows("valid", "", s.RowsValid)
	for _, r := range Reasons {
		metrics.AddRows("invalid", string(r), s.Invalid[r])
	}
}
