package writer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/pkg/coordinator"
)

func newTestWriter(t *testing.T) *SQLiteWriter {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rows.db")
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)
	w, err := NewSQLiteWriter(path, logger)
	if err != nil {
		t.Fatalf("NewSQLiteWriter() error = %v", err)
	}
	t.Cleanup(func() { w.Close() })
	return w
}

func TestSQLiteWriter_WriteDate(t *testing.T) {
	w := newTestWriter(t)

	result := &coordinator.DateResult{
		Date: "2024-05-01",
		Rows: []coordinator.Row{
			{Keys: []string{"go tutorial", "example.com/go"}, Clicks: 120, Impressions: 4000, CTR: 0.03, Position: 4.2},
			{Keys: []string{"go testing", "example.com/testing"}, Clicks: 80, Impressions: 2100, CTR: 0.038, Position: 6.1},
		},
		RowCount: 2,
		Pages:    1,
	}

	if err := w.WriteDate("acct", "https://example.com/", result); err != nil {
		t.Fatalf("WriteDate() error = %v", err)
	}

	count, err := w.CountRows("acct", "https://example.com/", "2024-05-01")
	if err != nil {
		t.Fatalf("CountRows() error = %v", err)
	}
	if count != 2 {
		t.Errorf("CountRows() = %d, want 2", count)
	}
}

func TestSQLiteWriter_RewriteReplacesDate(t *testing.T) {
	w := newTestWriter(t)

	first := &coordinator.DateResult{
		Date: "2024-05-02",
		Rows: []coordinator.Row{
			{Keys: []string{"a"}, Clicks: 1},
			{Keys: []string{"b"}, Clicks: 2},
			{Keys: []string{"c"}, Clicks: 3},
		},
	}
	if err := w.WriteDate("acct", "site", first); err != nil {
		t.Fatalf("WriteDate() first error = %v", err)
	}

	second := &coordinator.DateResult{
		Date: "2024-05-02",
		Rows: []coordinator.Row{{Keys: []string{"a"}, Clicks: 1}},
	}
	if err := w.WriteDate("acct", "site", second); err != nil {
		t.Fatalf("WriteDate() second error = %v", err)
	}

	count, _ := w.CountRows("acct", "site", "2024-05-02")
	if count != 1 {
		t.Errorf("CountRows() after rewrite = %d, want 1", count)
	}
}

func TestSQLiteWriter_BindReportsErrors(t *testing.T) {
	w := newTestWriter(t)

	// Closing the handle makes every write fail.
	w.Close()

	write := w.Bind("acct", "site")
	res := write(&coordinator.DateResult{Date: "2024-05-03"})
	if res.Verdict != coordinator.VerdictError {
		t.Errorf("Verdict = %v, want VerdictError", res.Verdict)
	}
	if res.Reason == "" {
		t.Error("Expected a reason on writer failure")
	}
}

func TestSQLiteWriter_EmptyDate(t *testing.T) {
	w := newTestWriter(t)

	result := &coordinator.DateResult{Date: "2024-05-04"}
	if err := w.WriteDate("acct", "site", result); err != nil {
		t.Fatalf("WriteDate() empty error = %v", err)
	}

	count, _ := w.CountRows("acct", "site", "2024-05-04")
	if count != 0 {
		t.Errorf("CountRows() = %d, want 0", count)
	}
}
