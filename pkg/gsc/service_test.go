package gsc

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/url"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/internal/testutil"
	"github.com/0xFlo/prism-sub001/pkg/auth"
	"github.com/0xFlo/prism-sub001/pkg/batch"
	"github.com/0xFlo/prism-sub001/pkg/coordinator"
	"github.com/0xFlo/prism-sub001/pkg/deadletter"
	"github.com/0xFlo/prism-sub001/pkg/progress"
	"github.com/0xFlo/prism-sub001/pkg/ratelimit"
	"github.com/0xFlo/prism-sub001/pkg/status"
)

func testKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("Marshal private key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}))
}

// memoryWriter captures finalized dates.
type memoryWriter struct {
	mu      sync.Mutex
	results []*coordinator.DateResult
}

func (w *memoryWriter) write(result *coordinator.DateResult) coordinator.CallbackResult {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results = append(w.results, result)
	return coordinator.OK()
}

func (w *memoryWriter) dates() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var dates []string
	for _, r := range w.results {
		dates = append(dates, r.Date)
	}
	return dates
}

// newTestService wires a full pipeline against the mock API.
func newTestService(t *testing.T, mock *testutil.MockAPI, cfg Config, deps Deps) *Service {
	t.Helper()
	logger := zerolog.New(os.Stderr).Level(zerolog.Disabled)

	source := &auth.StaticSource{Keys: map[string]auth.ServiceAccountKey{
		cfg.Account: {
			ClientEmail: cfg.Account + "@example.iam",
			PrivateKey:  testKey(t),
			TokenURI:    mock.TokenURL(),
		},
	}}
	tokens := auth.NewManager(auth.DefaultConfig(), source, logger)
	t.Cleanup(tokens.Close)

	exec := batch.NewExecutor(batch.DefaultConfig(mock.URL(), "batch/v1"), tokens, logger)
	deps.Executor = exec
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.DefaultQuota, ratelimit.DefaultWindow, logger)
	}

	svc, err := NewService(cfg, deps, logger)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return svc
}

func TestSync_EndToEnd(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	// Each date returns one partial page: three rows against a page
	// size of five, so no continuations.
	mock.SetPartHandler(func(id string, body []byte) testutil.PartResponse {
		var q struct {
			StartDate string `json:"startDate"`
			RowLimit  int    `json:"rowLimit"`
			StartRow  int    `json:"startRow"`
		}
		if err := json.Unmarshal(body, &q); err != nil {
			return testutil.PartResponse{Status: 400, Body: `{"error":"bad query"}`}
		}
		if q.RowLimit != 5 {
			return testutil.PartResponse{Status: 400, Body: `{"error":"unexpected rowLimit"}`}
		}
		return testutil.PartResponse{Status: 200, Body: testutil.RowsBody(3)}
	})

	writer := &memoryWriter{}
	store := status.NewMemoryStore()
	reporter := progress.NewChannelReporter(16)

	cfg := DefaultConfig("acct", "https://example.com/")
	cfg.PageSize = 5
	cfg.Workers = 2
	cfg.BatchSize = 10
	cfg.WatchdogTimeout = 0

	svc := newTestService(t, mock, cfg, Deps{
		Writer:   writer.write,
		Status:   store,
		Progress: reporter,
	})

	dates, err := DateRange("2024-05-01", "2024-05-03")
	if err != nil {
		t.Fatalf("DateRange() error = %v", err)
	}

	summary, err := svc.Sync(context.Background(), dates)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if summary.Status != coordinator.StatusOK {
		t.Fatalf("Status = %v, want ok (reason: %v)", summary.Status, summary.Reason)
	}
	if summary.APICalls != 3 {
		t.Errorf("APICalls = %d, want 3", summary.APICalls)
	}
	for _, date := range dates {
		result := summary.Results[date]
		if result == nil || result.RowCount != 3 {
			t.Errorf("Result for %s = %+v, want 3 rows", date, result)
		}
	}

	written := writer.dates()
	if len(written) != 3 {
		t.Errorf("Writer received %d dates, want 3", len(written))
	}

	// Status store holds the final record.
	started := <-reporter.Updates()
	statusRec, ok, _ := store.GetStatus(context.Background(), started.RunID)
	if !ok {
		t.Fatal("Run status not recorded")
	}
	if statusRec.State != status.StateCompleted || statusRec.Completed != 3 {
		t.Errorf("Run status = %+v", statusRec)
	}
}

func TestSync_PaginatesFullPages(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	// Offset 0 returns a full page, offset 2 a partial one.
	mock.SetPartHandler(func(id string, body []byte) testutil.PartResponse {
		var q struct {
			StartRow int `json:"startRow"`
		}
		json.Unmarshal(body, &q)
		if q.StartRow == 0 {
			return testutil.PartResponse{Status: 200, Body: testutil.RowsBody(2)}
		}
		return testutil.PartResponse{Status: 200, Body: testutil.RowsBody(1)}
	})

	cfg := DefaultConfig("acct", "https://example.com/")
	cfg.PageSize = 2
	cfg.Workers = 1
	cfg.WatchdogTimeout = 0

	svc := newTestService(t, mock, cfg, Deps{})

	summary, err := svc.Sync(context.Background(), []string{"2024-06-01"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	result := summary.Results["2024-06-01"]
	if result == nil {
		t.Fatal("Missing date result")
	}
	if result.Pages != 2 || result.RowCount != 3 {
		t.Errorf("Result = pages %d rows %d, want 2 pages 3 rows", result.Pages, result.RowCount)
	}
}

func TestSync_SubRequestFailureRecordsDeadLetter(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetPartHandler(func(id string, body []byte) testutil.PartResponse {
		if strings.HasPrefix(id, "2024-07-02") {
			return testutil.PartResponse{Status: 500, Body: `{"error":"backend exploded"}`}
		}
		return testutil.PartResponse{Status: 200, Body: testutil.RowsBody(1)}
	})

	sink := deadletter.NewMemorySink()
	cfg := DefaultConfig("acct", "https://example.com/")
	cfg.PageSize = 100
	cfg.Workers = 1
	cfg.WatchdogTimeout = 0

	svc := newTestService(t, mock, cfg, Deps{DeadLetter: sink})

	summary, err := svc.Sync(context.Background(), []string{"2024-07-01", "2024-07-02"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	if summary.Status != coordinator.StatusError {
		t.Errorf("Status = %v, want error", summary.Status)
	}
	if summary.Reason == nil || summary.Reason.Code != coordinator.HaltUnitError {
		t.Errorf("Reason = %v, want unit error", summary.Reason)
	}

	failures := sink.Failures()
	if len(failures) != 1 {
		t.Fatalf("Dead letters = %d, want 1", len(failures))
	}
	if failures[0].Date != "2024-07-02" {
		t.Errorf("Dead letter date = %q", failures[0].Date)
	}
}

func TestSync_TopKBoundsResults(t *testing.T) {
	mock := testutil.NewMockAPI()
	defer mock.Close()

	mock.SetPartHandler(func(id string, body []byte) testutil.PartResponse {
		return testutil.PartResponse{Status: 200, Body: testutil.RowsBody(6)}
	})

	cfg := DefaultConfig("acct", "https://example.com/")
	cfg.PageSize = 100
	cfg.Workers = 1
	cfg.TopK = 2
	cfg.WatchdogTimeout = 0

	svc := newTestService(t, mock, cfg, Deps{})

	summary, err := svc.Sync(context.Background(), []string{"2024-08-01"})
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}

	result := summary.Results["2024-08-01"]
	if result.RowCount != 6 {
		t.Errorf("RowCount = %d, want 6 (total seen)", result.RowCount)
	}
	if len(result.Rows) != 2 {
		t.Errorf("Kept rows = %d, want top 2", len(result.Rows))
	}
	if len(result.Rows) == 2 && result.Rows[0].Clicks < result.Rows[1].Clicks {
		t.Error("Top rows not sorted by clicks descending")
	}
}

func TestDateRange(t *testing.T) {
	tests := []struct {
		name    string
		start   string
		end     string
		want    int
		wantErr bool
	}{
		{name: "single day", start: "2024-01-01", end: "2024-01-01", want: 1},
		{name: "one week", start: "2024-01-01", end: "2024-01-07", want: 7},
		{name: "month boundary", start: "2024-01-30", end: "2024-02-02", want: 4},
		{name: "reversed", start: "2024-01-02", end: "2024-01-01", wantErr: true},
		{name: "bad format", start: "01/02/2024", end: "2024-01-05", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dates, err := DateRange(tt.start, tt.end)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("DateRange() error = %v", err)
			}
			if len(dates) != tt.want {
				t.Errorf("len = %d, want %d", len(dates), tt.want)
			}
		})
	}
}

func TestBuildRequest(t *testing.T) {
	cfg := DefaultConfig("acct", "https://example.com/")
	cfg.PageSize = 25000
	svc := &Service{cfg: cfg}

	req := svc.buildRequest(coordinator.WorkUnit{Date: "2024-05-01", Offset: 50000})

	if req.ID != "2024-05-01:50000" {
		t.Errorf("ID = %q", req.ID)
	}
	wantPath := "/webmasters/v3/sites/" + url.PathEscape(cfg.Site) + "/searchAnalytics/query"
	if req.Path != wantPath {
		t.Errorf("Path = %q, want %q", req.Path, wantPath)
	}

	var q struct {
		StartDate string `json:"startDate"`
		EndDate   string `json:"endDate"`
		RowLimit  int    `json:"rowLimit"`
		StartRow  int    `json:"startRow"`
	}
	if err := json.Unmarshal(req.Body, &q); err != nil {
		t.Fatalf("Unmarshal body: %v", err)
	}
	if q.StartDate != "2024-05-01" || q.EndDate != "2024-05-01" {
		t.Errorf("Dates = %s..%s", q.StartDate, q.EndDate)
	}
	if q.RowLimit != 25000 || q.StartRow != 50000 {
		t.Errorf("RowLimit/StartRow = %d/%d", q.RowLimit, q.StartRow)
	}
}
