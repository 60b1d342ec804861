// Package deadletter records unrecoverable unit failures with full
// context for offline triage, independent of the halt mechanism.
package deadletter

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deadLettersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gsc_dead_letters_total",
	Help: "Unrecoverable unit failures recorded by sink backend",
}, []string{"backend"})

// Failure is one unrecoverable work unit failure.
type Failure struct {
	Account  string    `json:"account"`
	Site     string    `json:"site"`
	Date     string    `json:"date"`
	Offset   int       `json:"offset"`
	Error    string    `json:"error"`
	FailedAt time.Time `json:"failed_at"`
}

// Sink records failures. Implementations must be safe for concurrent
// use; recording is best-effort and must never block a sync run for
// long.
type Sink interface {
	Record(ctx context.Context, failure Failure) error
}

// MemorySink buffers failures in memory (tests and single-run CLIs).
type MemorySink struct {
	mu       sync.Mutex
	failures []Failure
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Record appends the failure.
func (s *MemorySink) Record(_ context.Context, failure Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, failure)
	deadLettersTotal.WithLabelValues("memory").Inc()
	return nil
}

// Failures returns a copy of everything recorded so far.
func (s *MemorySink) Failures() []Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failure, len(s.failures))
	copy(out, s.failures)
	return out
}
