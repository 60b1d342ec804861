// Package status persists sync-run status records for the dashboard
// collaborator. The core never reads these back; they exist so an
// operator UI can poll run progress and outcomes.
package status

import (
	"context"
	"sync"
	"time"
)

// Run states.
const (
	StateRunning   = "running"
	StateCompleted = "completed"
	StateHalted    = "halted"
	StateFailed    = "failed"
)

// RunStatus is one sync run's status record.
type RunStatus struct {
	RunID       string    `json:"run_id"`
	Account     string    `json:"account"`
	Site        string    `json:"site"`
	State       string    `json:"state"`
	Dates       int       `json:"dates"`
	Completed   int       `json:"completed"`
	APICalls    int       `json:"api_calls"`
	HTTPBatches int       `json:"http_batches"`
	Reason      string    `json:"reason,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store reads and writes run status records.
type Store interface {
	SetStatus(ctx context.Context, status RunStatus) error
	GetStatus(ctx context.Context, runID string) (RunStatus, bool, error)
}

// MemoryStore keeps statuses in memory (tests and single-run CLIs).
type MemoryStore struct {
	mu       sync.RWMutex
	statuses map[string]RunStatus
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{statuses: make(map[string]RunStatus)}
}

// SetStatus writes the status record.
func (s *MemoryStore) SetStatus(_ context.Context, status RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[status.RunID] = status
	return nil
}

// GetStatus reads the status record.
func (s *MemoryStore) GetStatus(_ context.Context, runID string) (RunStatus, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	status, ok := s.statuses[runID]
	return status, ok, nil
}
