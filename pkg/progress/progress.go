// Package progress delivers fire-and-forget run progress notifications.
// Reporters must never block or fail the run; slow consumers see
// dropped updates, not backpressure.
package progress

import (
	"github.com/rs/zerolog"
)

// Update is one progress notification.
type Update struct {
	RunID     string
	Date      string
	Rows      int
	Pages     int
	Completed int
	Total     int
	Status    string
}

// Reporter receives run lifecycle notifications.
type Reporter interface {
	Started(runID string, totalDates int)
	Step(update Update)
	Finished(runID string, status string)
}

// NopReporter discards all notifications.
type NopReporter struct{}

func (NopReporter) Started(string, int) {}
func (NopReporter) Step(Update)         {}
func (NopReporter) Finished(string, string) {
}

// LogReporter logs progress through zerolog.
type LogReporter struct {
	logger zerolog.Logger
}

// NewLogReporter creates a reporter writing to the given logger.
func NewLogReporter(logger zerolog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Started(runID string, totalDates int) {
	r.logger.Info().
		Str("run_id", runID).
		Int("dates", totalDates).
		Msg("Sync run started")
}

func (r *LogReporter) Step(update Update) {
	r.logger.Info().
		Str("run_id", update.RunID).
		Str("date", update.Date).
		Int("rows", update.Rows).
		Int("pages", update.Pages).
		Int("completed", update.Completed).
		Int("total", update.Total).
		Msg("Date completed")
}

func (r *LogReporter) Finished(runID string, status string) {
	r.logger.Info().
		Str("run_id", runID).
		Str("status", status).
		Msg("Sync run finished")
}

// ChannelReporter sends updates to a channel without blocking. When
// the channel is full the update is dropped.
type ChannelReporter struct {
	ch chan Update
}

// NewChannelReporter creates a reporter with the given buffer size.
func NewChannelReporter(buffer int) *ChannelReporter {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelReporter{ch: make(chan Update, buffer)}
}

// Updates exposes the receive side.
func (r *ChannelReporter) Updates() <-chan Update {
	return r.ch
}

func (r *ChannelReporter) Started(runID string, totalDates int) {
	r.send(Update{RunID: runID, Total: totalDates})
}

func (r *ChannelReporter) Step(update Update) {
	r.send(update)
}

func (r *ChannelReporter) Finished(runID string, status string) {
	r.send(Update{RunID: runID, Status: status})
}

func (r *ChannelReporter) send(update Update) {
	select {
	case r.ch <- update:
	default:
	}
}
