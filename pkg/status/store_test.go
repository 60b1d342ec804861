package status

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, ok, err := store.GetStatus(ctx, "missing"); err != nil || ok {
		t.Fatalf("GetStatus(missing) = ok=%v err=%v, want not found", ok, err)
	}

	status := RunStatus{
		RunID:     "run-1",
		Account:   "acct",
		Site:      "https://example.com/",
		State:     StateRunning,
		Dates:     30,
		StartedAt: time.Now(),
	}
	if err := store.SetStatus(ctx, status); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	got, ok, err := store.GetStatus(ctx, "run-1")
	if err != nil || !ok {
		t.Fatalf("GetStatus() = ok=%v err=%v, want found", ok, err)
	}
	if got.State != StateRunning || got.Dates != 30 {
		t.Errorf("GetStatus() = %+v", got)
	}

	// Updates overwrite.
	status.State = StateCompleted
	status.Completed = 30
	if err := store.SetStatus(ctx, status); err != nil {
		t.Fatalf("SetStatus() update error = %v", err)
	}
	got, _, _ = store.GetStatus(ctx, "run-1")
	if got.State != StateCompleted || got.Completed != 30 {
		t.Errorf("Updated status = %+v", got)
	}
}
