package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Watchdog detects in-flight units held past the timeout, e.g. by a
// crashed worker. Policy: a stale unit is requeued once; going stale a
// second time halts the run.
type Watchdog struct {
	coord    *Coordinator
	timeout  time.Duration
	interval time.Duration
	logger   zerolog.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewWatchdog creates a watchdog over the coordinator's in-flight table.
func NewWatchdog(coord *Coordinator, timeout time.Duration, logger zerolog.Logger) *Watchdog {
	interval := timeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Watchdog{
		coord:    coord,
		timeout:  timeout,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start launches the monitor goroutine.
func (w *Watchdog) Start() {
	w.wg.Add(1)
	go w.loop()
}

// Stop terminates the monitor and waits for it to exit.
func (w *Watchdog) Stop() {
	close(w.stop)
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *Watchdog) sweep() {
	stale := w.coord.Inflight().Stale(time.Now().Add(-w.timeout))
	if len(stale) == 0 {
		return
	}

	var requeue []WorkUnit
	for _, entry := range stale {
		if entry.Requeues == 0 {
			w.logger.Warn().
				Str("unit", entry.Unit.ID()).
				Time("checked_out_at", entry.CheckedOutAt).
				Msg("In-flight unit unreported past watchdog timeout, requeueing")
			requeue = append(requeue, entry.Unit)
			continue
		}

		w.logger.Error().
			Str("unit", entry.Unit.ID()).
			Int("requeues", entry.Requeues).
			Msg("In-flight unit expired twice, halting run")
		w.coord.Halt(HaltReason{
			Code:    HaltWatchdog,
			Message: fmt.Sprintf("unit %s unreported after requeue", entry.Unit.ID()),
		})
		return
	}

	if len(requeue) > 0 {
		w.coord.Requeue(requeue)
	}
}
