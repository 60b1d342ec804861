package coordinator

import (
	"fmt"
	"strconv"
)

// WorkUnit is one page request: a logical date plus a row offset.
// Immutable once created; unique by (Date, Offset).
type WorkUnit struct {
	Date   string
	Offset int
}

// ID derives the deterministic sub-request id used to match batch
// responses back to units without ordering guarantees.
func (u WorkUnit) ID() string {
	return u.Date + ":" + strconv.Itoa(u.Offset)
}

// Row is one report row from the query API.
type Row struct {
	Keys        []string `json:"keys"`
	Clicks      float64  `json:"clicks"`
	Impressions float64  `json:"impressions"`
	CTR         float64  `json:"ctr"`
	Position    float64  `json:"position"`
}

// ResultEntry is a worker's report for one unit: either a page of rows
// or the error that unit hit.
type ResultEntry struct {
	Unit WorkUnit
	Rows []Row
	Err  error
}

// DateResult is the accumulated outcome for one date.
type DateResult struct {
	Date     string
	Rows     []Row
	RowCount int
	Pages    int
	Partial  bool
	Err      error
}

// HaltReason is the sticky cancellation cause. First reason wins.
type HaltReason struct {
	Code    HaltCode
	Message string
}

// String implements fmt.Stringer.
func (r HaltReason) String() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

// HaltCode identifies the class of halt cause.
type HaltCode string

const (
	// HaltQueueOverflow fires when a continuation or submission would
	// grow the queue past maxQueueSize.
	HaltQueueOverflow HaltCode = "queueOverflow"

	// HaltControl fires when the control callback asks to stop.
	HaltControl HaltCode = "controlHalt"

	// HaltUnitError fires on the first unrecoverable unit failure.
	HaltUnitError HaltCode = "unitError"

	// HaltCallback fires when a control or writer callback panics or
	// reports an error.
	HaltCallback HaltCode = "callbackError"

	// HaltWatchdog fires when an in-flight unit went unreported past
	// the watchdog timeout twice.
	HaltWatchdog HaltCode = "watchdogExpired"

	// HaltExternal is used by callers invoking Halt directly.
	HaltExternal HaltCode = "external"
)

// TakeKind is the shape of a Take response.
type TakeKind int

const (
	// TakeBatch carries work units.
	TakeBatch TakeKind = iota

	// TakeBackpressure means capacity limits are reached; wait before
	// retrying.
	TakeBackpressure

	// TakePending means the queue is drained but in-flight results are
	// still arriving.
	TakePending

	// TakeNoMoreWork means the queue is drained and nothing is in
	// flight.
	TakeNoMoreWork

	// TakeHalted means the run was halted; Reason carries the cause.
	TakeHalted
)

// String implements fmt.Stringer for log fields.
func (k TakeKind) String() string {
	switch k {
	case TakeBatch:
		return "batch"
	case TakeBackpressure:
		return "backpressure"
	case TakePending:
		return "pending"
	case TakeNoMoreWork:
		return "noMoreWork"
	case TakeHalted:
		return "halted"
	default:
		return "unknown"
	}
}

// TakeResult is the response to a Take call.
type TakeResult struct {
	Kind   TakeKind
	Units  []WorkUnit
	Reason *HaltReason
}

// Verdict is a callback's decision about the run.
type Verdict int

const (
	// VerdictOK continues the run.
	VerdictOK Verdict = iota

	// VerdictHalt stops the run cleanly.
	VerdictHalt

	// VerdictError stops the run and marks it failed.
	VerdictError
)

// CallbackResult is what control and writer callbacks return.
type CallbackResult struct {
	Verdict Verdict
	Reason  string
}

// OK is the all-clear callback result.
func OK() CallbackResult {
	return CallbackResult{Verdict: VerdictOK}
}

// ControlFunc is the fast continue/halt decision invoked inline for
// every finalized date. It must not block.
type ControlFunc func(*DateResult) CallbackResult

// WriterFunc persists a finalized date's payload. Runs on the bounded
// writer pool, asynchronously to HTTP fetching.
type WriterFunc func(*DateResult) CallbackResult

// DeadLetterFunc receives every unrecoverable unit failure with its
// context, independent of the halt mechanism.
type DeadLetterFunc func(unit WorkUnit, err error)

// Status is the overall run outcome.
type Status int

const (
	// StatusOK means all dates completed.
	StatusOK Status = iota

	// StatusHalt means the control callback stopped the run.
	StatusHalt

	// StatusError means a failure stopped the run.
	StatusError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusHalt:
		return "halt"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Summary is the finalized outcome of a run: always carries partial
// results, never silently drops data.
type Summary struct {
	Status      Status
	Reason      *HaltReason
	Results     map[string]*DateResult
	APICalls    int
	HTTPBatches int
}
