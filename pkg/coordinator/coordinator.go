// Package coordinator owns the pagination queue for a sync run: it hands
// out work units, enforces backpressure, tracks completion, and streams
// finalized dates to the control and writer callbacks.
//
// The coordinator is a single-threaded actor. All state mutations happen
// inside one goroutine that drains a request channel, so the queue and
// sets need no locking. Workers interact only through Take, SubmitResults,
// Requeue, and Halt; Finalize blocks until pending writer tasks drain.
package coordinator

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for coordination state.
var (
	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsc_coordinator_queue_depth",
		Help: "Work units waiting in the pagination queue",
	})

	inflightUnits = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsc_coordinator_inflight_units",
		Help: "Work units currently checked out by workers",
	})

	pendingWrites = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gsc_coordinator_pending_writes",
		Help: "Writer tasks dispatched but not yet completed",
	})

	haltsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gsc_coordinator_halts_total",
		Help: "Halt events by reason code",
	}, []string{"code"})

	datesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gsc_coordinator_dates_completed_total",
		Help: "Dates fully paginated and finalized",
	})
)

// Config holds the coordinator configuration.
type Config struct {
	// PageSize is the fixed row limit per page request. A page with at
	// least PageSize rows is assumed to have more data behind it.
	PageSize int

	// MaxQueueSize bounds the pagination queue; overflow halts the run
	// rather than growing silently.
	MaxQueueSize int

	// MaxInFlight bounds how many units may be checked out at once.
	MaxInFlight int

	// WriterMaxConcurrency is the writer pool size.
	WriterMaxConcurrency int

	// WriterPendingLimit is the writer backlog above which Take reports
	// backpressure.
	WriterPendingLimit int

	// TopK, when positive, streams rows through a bounded top-K
	// accumulator instead of buffering every row.
	TopK int

	// Control decides continue/halt for each finalized date. Required.
	Control ControlFunc

	// Writer, when set, persists finalized dates asynchronously.
	Writer WriterFunc

	// DeadLetter, when set, receives every unrecoverable unit failure.
	DeadLetter DeadLetterFunc
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		PageSize:             25000,
		MaxQueueSize:         1000,
		MaxInFlight:          10,
		WriterMaxConcurrency: 2,
		WriterPendingLimit:   20,
	}
}

// Coordinator is the actor façade. Method calls become messages on the
// request channel; the run loop owns all state.
type Coordinator struct {
	cfg      Config
	logger   zerolog.Logger
	requests chan interface{}
	stopped  chan struct{}

	table   *InflightTable
	writers *writerPool
}

// Messages handled by the run loop.
type takeMsg struct {
	n     int
	reply chan TakeResult
}

type submitMsg struct {
	entries     []ResultEntry
	httpBatches int
	reply       chan struct{}
}

type requeueMsg struct {
	units []WorkUnit
	reply chan struct{}
}

type haltMsg struct {
	reason HaltReason
	reply  chan struct{}
}

type finalizeMsg struct {
	reply chan Summary
}

type writerDoneMsg struct {
	date   string
	result CallbackResult
}

// coordState is the run loop's exclusively-owned state.
type coordState struct {
	queue     []WorkUnit
	inFlight  map[string]WorkUnit
	completed map[string]bool
	results   map[string]*DateResult
	acc       map[string]*Accumulator

	haltReason  *HaltReason
	apiCalls    int
	httpBatches int

	pendingWrites int
	finalizers    []chan Summary
}

// New creates a coordinator seeded with one offset-0 unit per date and
// starts its run loop. Seeding more dates than MaxQueueSize halts the
// run with a queue overflow before any work is handed out.
func New(cfg Config, dates []string, logger zerolog.Logger) *Coordinator {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 25000
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 10
	}
	if cfg.WriterMaxConcurrency <= 0 {
		cfg.WriterMaxConcurrency = 2
	}
	if cfg.WriterPendingLimit <= 0 {
		cfg.WriterPendingLimit = 20
	}
	if cfg.Control == nil {
		cfg.Control = func(*DateResult) CallbackResult { return OK() }
	}

	c := &Coordinator{
		cfg:      cfg,
		logger:   logger,
		requests: make(chan interface{}),
		stopped:  make(chan struct{}),
		table:    NewInflightTable(),
	}

	// Completions can still arrive while the writer backlog is at its
	// limit, one per in-flight unit; the extra capacity keeps the
	// dispatch send non-blocking.
	if cfg.Writer != nil {
		c.writers = newWriterPool(cfg.WriterMaxConcurrency, cfg.WriterPendingLimit+cfg.MaxInFlight, cfg.Writer, c.requests, c.stopped)
	}

	state := &coordState{
		inFlight:  make(map[string]WorkUnit),
		completed: make(map[string]bool),
		results:   make(map[string]*DateResult),
		acc:       make(map[string]*Accumulator),
	}

	for _, date := range dates {
		state.results[date] = &DateResult{Date: date}
		if len(state.queue) >= cfg.MaxQueueSize {
			c.haltLocked(state, HaltReason{
				Code:    HaltQueueOverflow,
				Message: fmt.Sprintf("seeding %d dates exceeds max queue size %d", len(dates), cfg.MaxQueueSize),
			})
			break
		}
		state.queue = append(state.queue, WorkUnit{Date: date, Offset: 0})
	}

	go c.run(state)
	return c
}

// Inflight exposes the concurrent in-flight mirror for the watchdog.
func (c *Coordinator) Inflight() *InflightTable {
	return c.table
}

// Take hands out up to n work units, or reports why it cannot.
func (c *Coordinator) Take(n int) TakeResult {
	reply := make(chan TakeResult, 1)
	c.requests <- takeMsg{n: n, reply: reply}
	return <-reply
}

// SubmitResults reports a batch of per-unit outcomes plus the number of
// HTTP batches spent fetching them.
func (c *Coordinator) SubmitResults(entries []ResultEntry, httpBatches int) {
	reply := make(chan struct{}, 1)
	c.requests <- submitMsg{entries: entries, httpBatches: httpBatches, reply: reply}
	<-reply
}

// Requeue returns checked-out units to the queue head untouched, e.g.
// after a rate-limit denial.
func (c *Coordinator) Requeue(units []WorkUnit) {
	reply := make(chan struct{}, 1)
	c.requests <- requeueMsg{units: units, reply: reply}
	<-reply
}

// Halt sets the sticky halt reason. Idempotent; the first reason wins.
func (c *Coordinator) Halt(reason HaltReason) {
	reply := make(chan struct{}, 1)
	c.requests <- haltMsg{reason: reason, reply: reply}
	<-reply
}

// Finalize blocks until no writer tasks remain pending, then returns
// the run summary with whatever results accumulated.
func (c *Coordinator) Finalize() Summary {
	reply := make(chan Summary, 1)
	c.requests <- finalizeMsg{reply: reply}
	return <-reply
}

// Close stops the run loop and the writer pool. Call after Finalize.
func (c *Coordinator) Close() {
	close(c.stopped)
	if c.writers != nil {
		c.writers.close()
	}
}

// run is the actor loop: one message at a time, no internal locking.
func (c *Coordinator) run(state *coordState) {
	for {
		select {
		case <-c.stopped:
			return
		case msg := <-c.requests:
			switch m := msg.(type) {
			case takeMsg:
				m.reply <- c.handleTake(state, m.n)
			case submitMsg:
				c.handleSubmit(state, m.entries, m.httpBatches)
				m.reply <- struct{}{}
			case requeueMsg:
				c.handleRequeue(state, m.units)
				m.reply <- struct{}{}
			case haltMsg:
				c.haltLocked(state, m.reason)
				m.reply <- struct{}{}
			case finalizeMsg:
				state.finalizers = append(state.finalizers, m.reply)
				c.flushFinalizers(state)
			case writerDoneMsg:
				c.handleWriterDone(state, m)
			}
		}
	}
}

func (c *Coordinator) handleTake(state *coordState, n int) TakeResult {
	if state.haltReason != nil {
		return TakeResult{Kind: TakeHalted, Reason: state.haltReason}
	}
	if len(state.inFlight) >= c.cfg.MaxInFlight {
		return TakeResult{Kind: TakeBackpressure}
	}
	if state.pendingWrites >= c.cfg.WriterPendingLimit {
		return TakeResult{Kind: TakeBackpressure}
	}

	if available := c.cfg.MaxInFlight - len(state.inFlight); n > available {
		n = available
	}

	now := time.Now()
	var units []WorkUnit
	for len(units) < n && len(state.queue) > 0 {
		unit := state.queue[0]
		state.queue = state.queue[1:]
		if state.completed[unit.Date] {
			continue
		}
		if _, held := state.inFlight[unit.ID()]; held {
			continue
		}
		state.inFlight[unit.ID()] = unit
		c.table.checkout(unit, now)
		units = append(units, unit)
	}

	queueDepth.Set(float64(len(state.queue)))
	inflightUnits.Set(float64(len(state.inFlight)))

	if len(units) == 0 {
		if len(state.inFlight) > 0 {
			return TakeResult{Kind: TakePending}
		}
		return TakeResult{Kind: TakeNoMoreWork}
	}

	return TakeResult{Kind: TakeBatch, Units: units}
}

func (c *Coordinator) handleSubmit(state *coordState, entries []ResultEntry, httpBatches int) {
	state.httpBatches += httpBatches
	state.apiCalls += len(entries)

	for _, entry := range entries {
		// A result for a unit no longer checked out is stale: the unit
		// was requeued (watchdog or rate denial) and its page will be
		// fetched again. Accepting it would count the page twice.
		if _, held := state.inFlight[entry.Unit.ID()]; !held {
			c.logger.Warn().
				Str("date", entry.Unit.Date).
				Int("offset", entry.Unit.Offset).
				Msg("Dropping stale result for requeued unit")
			continue
		}

		delete(state.inFlight, entry.Unit.ID())
		c.table.clear(entry.Unit)

		if entry.Err != nil {
			c.handleUnitError(state, entry)
			continue
		}
		c.handleUnitSuccess(state, entry)
	}

	queueDepth.Set(float64(len(state.queue)))
	inflightUnits.Set(float64(len(state.inFlight)))
	c.flushFinalizers(state)
}

func (c *Coordinator) handleUnitError(state *coordState, entry ResultEntry) {
	result := c.resultFor(state, entry.Unit.Date)
	result.Partial = true
	if result.Err == nil {
		result.Err = entry.Err
	}
	state.completed[entry.Unit.Date] = true

	c.logger.Error().
		Err(entry.Err).
		Str("date", entry.Unit.Date).
		Int("offset", entry.Unit.Offset).
		Msg("Work unit failed")

	if c.cfg.DeadLetter != nil {
		c.safeDeadLetter(entry.Unit, entry.Err)
	}

	c.haltLocked(state, HaltReason{
		Code:    HaltUnitError,
		Message: fmt.Sprintf("unit %s: %v", entry.Unit.ID(), entry.Err),
	})
}

func (c *Coordinator) handleUnitSuccess(state *coordState, entry ResultEntry) {
	result := c.resultFor(state, entry.Unit.Date)
	result.Pages++

	if c.cfg.TopK > 0 {
		acc, ok := state.acc[entry.Unit.Date]
		if !ok {
			acc = NewAccumulator(c.cfg.TopK)
			state.acc[entry.Unit.Date] = acc
		}
		acc.Add(entry.Rows)
		result.RowCount = acc.Total()
	} else {
		result.Rows = append(result.Rows, entry.Rows...)
		result.RowCount = len(result.Rows)
	}

	// Full page: assume the API has more data behind it. This is a
	// heuristic, not a cursor; a coincidental exactly-full final page
	// costs one extra empty fetch.
	if len(entry.Rows) >= c.cfg.PageSize {
		if state.haltReason != nil {
			return
		}
		if len(state.queue) >= c.cfg.MaxQueueSize {
			c.haltLocked(state, HaltReason{
				Code:    HaltQueueOverflow,
				Message: fmt.Sprintf("continuation for %s would exceed max queue size %d", entry.Unit.Date, c.cfg.MaxQueueSize),
			})
			return
		}
		state.queue = append(state.queue, WorkUnit{Date: entry.Unit.Date, Offset: entry.Unit.Offset + c.cfg.PageSize})
		return
	}

	c.finalizeDate(state, result)
}

// finalizeDate marks a fully-paginated date complete and runs the
// callbacks.
func (c *Coordinator) finalizeDate(state *coordState, result *DateResult) {
	state.completed[result.Date] = true
	datesCompletedTotal.Inc()

	if acc, ok := state.acc[result.Date]; ok {
		result.Rows = acc.Rows()
	}

	c.logger.Debug().
		Str("date", result.Date).
		Int("rows", result.RowCount).
		Int("pages", result.Pages).
		Msg("Date completed")

	control := c.safeCallback("control", c.cfg.Control, result)
	switch control.Verdict {
	case VerdictHalt:
		c.haltLocked(state, HaltReason{Code: HaltControl, Message: control.Reason})
		return
	case VerdictError:
		c.haltLocked(state, HaltReason{Code: HaltCallback, Message: control.Reason})
		return
	}

	// Writer dispatch is skipped once halted; finalized results still
	// count toward the summary.
	if c.writers != nil && state.haltReason == nil {
		state.pendingWrites++
		pendingWrites.Set(float64(state.pendingWrites))
		c.writers.dispatch(result)
	}
}

func (c *Coordinator) handleRequeue(state *coordState, units []WorkUnit) {
	requeued := make([]WorkUnit, 0, len(units))
	for _, unit := range units {
		if _, held := state.inFlight[unit.ID()]; !held {
			continue
		}
		delete(state.inFlight, unit.ID())
		c.table.requeued(unit)
		requeued = append(requeued, unit)
	}

	// Back to the queue head so page order per date is preserved.
	state.queue = append(requeued, state.queue...)
	queueDepth.Set(float64(len(state.queue)))
	inflightUnits.Set(float64(len(state.inFlight)))
}

func (c *Coordinator) handleWriterDone(state *coordState, msg writerDoneMsg) {
	state.pendingWrites--
	pendingWrites.Set(float64(state.pendingWrites))

	switch msg.result.Verdict {
	case VerdictHalt:
		c.haltLocked(state, HaltReason{Code: HaltControl, Message: msg.result.Reason})
	case VerdictError:
		c.haltLocked(state, HaltReason{Code: HaltCallback, Message: fmt.Sprintf("writer for %s: %s", msg.date, msg.result.Reason)})
	}

	c.flushFinalizers(state)
}

// haltLocked sets the sticky halt reason; the first reason wins.
func (c *Coordinator) haltLocked(state *coordState, reason HaltReason) {
	if state.haltReason != nil {
		return
	}
	state.haltReason = &reason
	haltsTotal.WithLabelValues(string(reason.Code)).Inc()

	c.logger.Warn().
		Str("code", string(reason.Code)).
		Str("message", reason.Message).
		Msg("Run halted")
}

// flushFinalizers answers Finalize callers once no writer tasks remain.
func (c *Coordinator) flushFinalizers(state *coordState) {
	if len(state.finalizers) == 0 || state.pendingWrites > 0 {
		return
	}

	summary := c.buildSummary(state)
	for _, reply := range state.finalizers {
		reply <- summary
	}
	state.finalizers = nil
}

func (c *Coordinator) buildSummary(state *coordState) Summary {
	status := StatusOK
	if state.haltReason != nil {
		if state.haltReason.Code == HaltControl {
			status = StatusHalt
		} else {
			status = StatusError
		}
	}

	return Summary{
		Status:      status,
		Reason:      state.haltReason,
		Results:     state.results,
		APICalls:    state.apiCalls,
		HTTPBatches: state.httpBatches,
	}
}

func (c *Coordinator) resultFor(state *coordState, date string) *DateResult {
	result, ok := state.results[date]
	if !ok {
		result = &DateResult{Date: date}
		state.results[date] = result
	}
	return result
}

// safeCallback invokes a callback, converting a panic into an error
// verdict instead of crashing the actor.
func (c *Coordinator) safeCallback(name string, fn ControlFunc, result *DateResult) (out CallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Str("callback", name).
				Str("date", result.Date).
				Interface("panic", r).
				Msg("Callback panicked")
			out = CallbackResult{Verdict: VerdictError, Reason: fmt.Sprintf("%s callback panic: %v", name, r)}
		}
	}()
	return fn(result)
}

func (c *Coordinator) safeDeadLetter(unit WorkUnit, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Dead letter sink panicked")
		}
	}()
	c.cfg.DeadLetter(unit, err)
}
