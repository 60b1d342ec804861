// Package gsc assembles the sync pipeline: it turns a date range into
// query sub-requests, runs the coordinator with a worker pool behind
// the rate gate, and reports progress and final status.
package gsc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/pkg/coordinator"
	"github.com/0xFlo/prism-sub001/pkg/deadletter"
	"github.com/0xFlo/prism-sub001/pkg/multipart"
	"github.com/0xFlo/prism-sub001/pkg/progress"
	"github.com/0xFlo/prism-sub001/pkg/status"
	"github.com/0xFlo/prism-sub001/pkg/worker"
)

const dateLayout = "2006-01-02"

// Config holds the tunables for one sync run.
type Config struct {
	// Account and Site identify the credential and quota bucket.
	Account string
	Site    string

	// Dimensions for the analytics query.
	Dimensions []string

	// PageSize is the row limit per page request.
	PageSize int

	// TopK, when positive, keeps only the K highest-click rows per date.
	TopK int

	// Workers is the fetch pool size.
	Workers int

	// BatchSize is how many units each worker Take asks for.
	BatchSize int

	// WatchdogTimeout is how long a checked-out unit may go unreported.
	// Zero disables the watchdog.
	WatchdogTimeout time.Duration

	// Coordinator capacity knobs; zero values use coordinator defaults.
	MaxQueueSize         int
	MaxInFlight          int
	WriterMaxConcurrency int
	WriterPendingLimit   int
}

// DefaultConfig returns a runnable configuration for the given account
// and site.
func DefaultConfig(account, site string) Config {
	return Config{
		Account:         account,
		Site:            site,
		Dimensions:      []string{"query", "page"},
		PageSize:        25000,
		Workers:         3,
		BatchSize:       50,
		WatchdogTimeout: 2 * time.Minute,
	}
}

// Deps are the service collaborators. Executor and Limiter are
// required; the rest are optional.
type Deps struct {
	Executor   worker.Executor
	Limiter    worker.RateLimiter
	Writer     coordinator.WriterFunc
	DeadLetter deadletter.Sink
	Status     status.Store
	Progress   progress.Reporter
}

// Service runs sync jobs for one account and site.
type Service struct {
	cfg    Config
	deps   Deps
	logger zerolog.Logger
}

// NewService creates a sync service.
func NewService(cfg Config, deps Deps, logger zerolog.Logger) (*Service, error) {
	if deps.Executor == nil {
		return nil, fmt.Errorf("executor is required")
	}
	if deps.Limiter == nil {
		return nil, fmt.Errorf("rate limiter is required")
	}
	if cfg.Account == "" || cfg.Site == "" {
		return nil, fmt.Errorf("account and site are required")
	}
	if len(cfg.Dimensions) == 0 {
		cfg.Dimensions = []string{"query", "page"}
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25000
	}
	if deps.Progress == nil {
		deps.Progress = progress.NopReporter{}
	}
	return &Service{cfg: cfg, deps: deps, logger: logger}, nil
}

// queryBody is the analytics query payload for one page.
type queryBody struct {
	StartDate  string   `json:"startDate"`
	EndDate    string   `json:"endDate"`
	Dimensions []string `json:"dimensions"`
	RowLimit   int      `json:"rowLimit"`
	StartRow   int      `json:"startRow"`
}

// buildRequest maps a work unit to its query sub-request. The unit id
// doubles as the batch content id so responses match back without
// ordering guarantees.
func (s *Service) buildRequest(unit coordinator.WorkUnit) multipart.RequestPart {
	body, _ := json.Marshal(queryBody{
		StartDate:  unit.Date,
		EndDate:    unit.Date,
		Dimensions: s.cfg.Dimensions,
		RowLimit:   s.cfg.PageSize,
		StartRow:   unit.Offset,
	})

	return multipart.RequestPart{
		ID:     unit.ID(),
		Method: "POST",
		Path:   fmt.Sprintf("/webmasters/v3/sites/%s/searchAnalytics/query", url.PathEscape(s.cfg.Site)),
		Body:   body,
	}
}

// Sync fetches all rows for the given dates and returns the run
// summary. The summary always carries partial results, even on halt.
func (s *Service) Sync(ctx context.Context, dates []string) (coordinator.Summary, error) {
	if len(dates) == 0 {
		return coordinator.Summary{}, fmt.Errorf("no dates to sync")
	}

	runID := uuid.NewString()
	runLogger := s.logger.With().
		Str("run_id", runID).
		Str("account", s.cfg.Account).
		Str("site", s.cfg.Site).
		Logger()

	startedAt := time.Now().UTC()
	s.setStatus(ctx, status.RunStatus{
		RunID:     runID,
		Account:   s.cfg.Account,
		Site:      s.cfg.Site,
		State:     status.StateRunning,
		Dates:     len(dates),
		StartedAt: startedAt,
		UpdatedAt: startedAt,
	})
	s.deps.Progress.Started(runID, len(dates))

	completed := 0
	coordCfg := coordinator.Config{
		PageSize:             s.cfg.PageSize,
		MaxQueueSize:         s.cfg.MaxQueueSize,
		MaxInFlight:          s.cfg.MaxInFlight,
		WriterMaxConcurrency: s.cfg.WriterMaxConcurrency,
		WriterPendingLimit:   s.cfg.WriterPendingLimit,
		TopK:                 s.cfg.TopK,
		Writer:               s.deps.Writer,
		Control: func(result *coordinator.DateResult) coordinator.CallbackResult {
			completed++
			s.deps.Progress.Step(progress.Update{
				RunID:     runID,
				Date:      result.Date,
				Rows:      result.RowCount,
				Pages:     result.Pages,
				Completed: completed,
				Total:     len(dates),
			})
			return coordinator.OK()
		},
		DeadLetter: s.deadLetterFunc(runLogger),
	}

	coord := coordinator.New(coordCfg, dates, runLogger)
	defer coord.Close()

	var watchdog *coordinator.Watchdog
	if s.cfg.WatchdogTimeout > 0 {
		watchdog = coordinator.NewWatchdog(coord, s.cfg.WatchdogTimeout, runLogger)
		watchdog.Start()
	}

	workerCfg := worker.Config{
		Account:      s.cfg.Account,
		Site:         s.cfg.Site,
		BatchSize:    s.cfg.BatchSize,
		BuildRequest: s.buildRequest,
	}
	worker.RunPool(ctx, s.cfg.Workers, workerCfg, coord, s.deps.Limiter, s.deps.Executor, runLogger)

	if watchdog != nil {
		watchdog.Stop()
	}

	summary := coord.Finalize()

	finalState := runState(summary)
	s.setStatus(ctx, status.RunStatus{
		RunID:       runID,
		Account:     s.cfg.Account,
		Site:        s.cfg.Site,
		State:       finalState,
		Dates:       len(dates),
		Completed:   completed,
		APICalls:    summary.APICalls,
		HTTPBatches: summary.HTTPBatches,
		Reason:      haltMessage(summary),
		StartedAt:   startedAt,
		UpdatedAt:   time.Now().UTC(),
	})
	s.deps.Progress.Finished(runID, summary.Status.String())

	runLogger.Info().
		Stringer("status", summary.Status).
		Int("api_calls", summary.APICalls).
		Int("http_batches", summary.HTTPBatches).
		Int("dates_completed", completed).
		Dur("duration", time.Since(startedAt)).
		Msg("Sync run finished")

	return summary, nil
}

// deadLetterFunc adapts the sink to the coordinator callback. Sink
// failures are logged, never propagated into the run.
func (s *Service) deadLetterFunc(logger zerolog.Logger) coordinator.DeadLetterFunc {
	if s.deps.DeadLetter == nil {
		return nil
	}
	return func(unit coordinator.WorkUnit, err error) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		failure := deadletter.Failure{
			Account:  s.cfg.Account,
			Site:     s.cfg.Site,
			Date:     unit.Date,
			Offset:   unit.Offset,
			Error:    err.Error(),
			FailedAt: time.Now().UTC(),
		}
		if recordErr := s.deps.DeadLetter.Record(ctx, failure); recordErr != nil {
			logger.Error().Err(recordErr).Str("date", unit.Date).Msg("Dead letter record failed")
		}
	}
}

func (s *Service) setStatus(ctx context.Context, st status.RunStatus) {
	if s.deps.Status == nil {
		return
	}
	if err := s.deps.Status.SetStatus(ctx, st); err != nil {
		s.logger.Error().Err(err).Str("run_id", st.RunID).Msg("Status update failed")
	}
}

func runState(summary coordinator.Summary) string {
	switch summary.Status {
	case coordinator.StatusOK:
		return status.StateCompleted
	case coordinator.StatusHalt:
		return status.StateHalted
	default:
		return status.StateFailed
	}
}

func haltMessage(summary coordinator.Summary) string {
	if summary.Reason == nil {
		return ""
	}
	return summary.Reason.String()
}

// DateRange expands an inclusive start..end range into the individual
// dates the coordinator is seeded with.
func DateRange(start, end string) ([]string, error) {
	from, err := time.Parse(dateLayout, start)
	if err != nil {
		return nil, fmt.Errorf("parse start date: %w", err)
	}
	to, err := time.Parse(dateLayout, end)
	if err != nil {
		return nil, fmt.Errorf("parse end date: %w", err)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("end date %s before start date %s", end, start)
	}

	var dates []string
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		dates = append(dates, d.Format(dateLayout))
	}
	return dates, nil
}
