package progress

import (
	"testing"
)

func TestChannelReporter_DeliversUpdates(t *testing.T) {
	reporter := NewChannelReporter(4)

	reporter.Started("run-1", 3)
	reporter.Step(Update{RunID: "run-1", Date: "2024-05-01", Rows: 42, Completed: 1, Total: 3})
	reporter.Finished("run-1", "ok")

	started := <-reporter.Updates()
	if started.Total != 3 {
		t.Errorf("Started total = %d, want 3", started.Total)
	}

	step := <-reporter.Updates()
	if step.Date != "2024-05-01" || step.Rows != 42 {
		t.Errorf("Step = %+v", step)
	}

	finished := <-reporter.Updates()
	if finished.Status != "ok" {
		t.Errorf("Finished status = %q, want ok", finished.Status)
	}
}

func TestChannelReporter_DropsWhenFull(t *testing.T) {
	reporter := NewChannelReporter(1)

	// Second send must not block even though nobody is receiving.
	reporter.Step(Update{Date: "2024-05-01"})
	reporter.Step(Update{Date: "2024-05-02"})

	got := <-reporter.Updates()
	if got.Date != "2024-05-01" {
		t.Errorf("Buffered update = %+v, want first step", got)
	}

	select {
	case extra := <-reporter.Updates():
		t.Errorf("Unexpected second update %+v", extra)
	default:
	}
}
