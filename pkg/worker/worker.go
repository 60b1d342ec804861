// Package worker implements the stateless fetch loop: take work from
// the coordinator, pass the rate gate, execute the batch, and report
// per-unit results back.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/0xFlo/prism-sub001/pkg/batch"
	"github.com/0xFlo/prism-sub001/pkg/coordinator"
	"github.com/0xFlo/prism-sub001/pkg/multipart"
	"github.com/0xFlo/prism-sub001/pkg/ratelimit"
)

// ErrMissingResponse marks a unit whose batch response never arrived.
var ErrMissingResponse = errors.New("missing response for work unit")

// Executor sends a slice of sub-requests as HTTP batches.
type Executor interface {
	Execute(ctx context.Context, account string, requests []multipart.RequestPart) ([]multipart.ResponsePart, int, error)
}

// RateLimiter gates batch admission per (account, site).
type RateLimiter interface {
	CheckRate(account, site string, n int) ratelimit.Decision
}

// Coordinator is the worker's view of the pagination coordinator.
type Coordinator interface {
	Take(n int) coordinator.TakeResult
	SubmitResults(entries []coordinator.ResultEntry, httpBatches int)
	Requeue(units []coordinator.WorkUnit)
}

// RequestBuilder turns a work unit into the API sub-request for it.
type RequestBuilder func(unit coordinator.WorkUnit) multipart.RequestPart

// Config holds worker parameters.
type Config struct {
	// Account and Site identify the quota bucket.
	Account string
	Site    string

	// BatchSize is how many units each Take asks for.
	BatchSize int

	// PollInterval is the sleep on backpressure/pending responses.
	PollInterval time.Duration

	// BuildRequest maps units to sub-requests. Required.
	BuildRequest RequestBuilder
}

// Worker is one fetch loop. Safe to run many against one coordinator.
type Worker struct {
	cfg     Config
	coord   Coordinator
	limiter RateLimiter
	exec    Executor
	logger  zerolog.Logger

	// authRetried tracks whether the current unauthorized streak has
	// already been retried with a refreshed token.
	authRetried bool
}

// New creates a worker.
func New(cfg Config, coord Coordinator, limiter RateLimiter, exec Executor, logger zerolog.Logger) *Worker {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	return &Worker{
		cfg:     cfg,
		coord:   coord,
		limiter: limiter,
		exec:    exec,
		logger:  logger,
	}
}

// Run loops until the coordinator reports no more work or a halt, or
// the context is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		res := w.coord.Take(w.cfg.BatchSize)
		switch res.Kind {
		case coordinator.TakeBackpressure, coordinator.TakePending:
			w.sleep(ctx, w.cfg.PollInterval)
			continue

		case coordinator.TakeNoMoreWork:
			w.logger.Debug().Msg("Worker exiting (no more work)")
			return

		case coordinator.TakeHalted:
			w.logger.Debug().Stringer("reason", res.Reason).Msg("Worker exiting (halted)")
			return

		case coordinator.TakeBatch:
			w.processBatch(ctx, res.Units)
		}
	}
}

// processBatch checks the rate gate, executes the units, and submits
// every outcome in one call.
func (w *Worker) processBatch(ctx context.Context, units []coordinator.WorkUnit) {
	decision := w.limiter.CheckRate(w.cfg.Account, w.cfg.Site, len(units))
	if !decision.Allowed {
		w.logger.Debug().
			Int("units", len(units)).
			Dur("wait", decision.Wait).
			Msg("Rate limit denied, requeueing batch")
		w.coord.Requeue(units)
		w.sleep(ctx, decision.Wait)
		return
	}

	requests := make([]multipart.RequestPart, 0, len(units))
	for _, unit := range units {
		requests = append(requests, w.cfg.BuildRequest(unit))
	}

	parts, httpBatches, err := w.exec.Execute(ctx, w.cfg.Account, requests)
	if err != nil {
		// The executor already forced a token refresh on 401; re-issue
		// the batch once with the fresh token before giving up on it.
		if errors.Is(err, batch.ErrUnauthorized) && !w.authRetried {
			w.authRetried = true
			w.logger.Warn().
				Int("units", len(units)).
				Msg("Batch unauthorized, retrying with refreshed token")
			w.coord.Requeue(units)
			w.coord.SubmitResults(nil, httpBatches)
			return
		}

		entries := make([]coordinator.ResultEntry, 0, len(units))
		for _, unit := range units {
			entries = append(entries, coordinator.ResultEntry{Unit: unit, Err: err})
		}
		w.coord.SubmitResults(entries, httpBatches)
		return
	}

	w.authRetried = false
	w.coord.SubmitResults(w.mapResults(units, parts), httpBatches)
}

// mapResults matches response parts back onto units by id. Units with
// no matching part become missing-response errors.
func (w *Worker) mapResults(units []coordinator.WorkUnit, parts []multipart.ResponsePart) []coordinator.ResultEntry {
	byID := make(map[string]multipart.ResponsePart, len(parts))
	for _, part := range parts {
		byID[part.ID] = part
	}

	entries := make([]coordinator.ResultEntry, 0, len(units))
	for _, unit := range units {
		part, ok := byID[unit.ID()]
		if !ok {
			entries = append(entries, coordinator.ResultEntry{
				Unit: unit,
				Err:  fmt.Errorf("%w: %s", ErrMissingResponse, unit.ID()),
			})
			continue
		}

		if part.Status >= 400 {
			entries = append(entries, coordinator.ResultEntry{
				Unit: unit,
				Err:  fmt.Errorf("sub-request %s failed with status %d: %s", unit.ID(), part.Status, part.RawBody),
			})
			continue
		}

		rows, err := decodeRows(part)
		if err != nil {
			entries = append(entries, coordinator.ResultEntry{Unit: unit, Err: err})
			continue
		}
		entries = append(entries, coordinator.ResultEntry{Unit: unit, Rows: rows})
	}

	return entries
}

// decodeRows extracts the row page from a successful part body.
func decodeRows(part multipart.ResponsePart) ([]coordinator.Row, error) {
	if part.RawBody == "" {
		return nil, nil
	}

	var payload struct {
		Rows []coordinator.Row `json:"rows"`
	}
	if err := json.Unmarshal([]byte(part.RawBody), &payload); err != nil {
		return nil, fmt.Errorf("decode rows for %s: %w", part.ID, err)
	}

	return payload.Rows, nil
}

func (w *Worker) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// RunPool launches count workers against the same coordinator and
// blocks until all of them exit.
func RunPool(ctx context.Context, count int, cfg Config, coord Coordinator, limiter RateLimiter, exec Executor, logger zerolog.Logger) {
	if count <= 0 {
		count = 3
	}

	var wg sync.WaitGroup
	for i := 0; i < count; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerLogger := logger.With().Int("worker_id", id).Logger()
			New(cfg, coord, limiter, exec, workerLogger).Run(ctx)
		}(i)
	}
	wg.Wait()
}
