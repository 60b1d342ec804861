package coordinator

import (
	"fmt"
	"sync"
)

// writerPool runs writer callbacks on a small bounded pool so slow
// persistence never blocks the actor or the HTTP fetch path. Completion
// is reported back to the actor as a writerDoneMsg.
type writerPool struct {
	tasks    chan *DateResult
	requests chan<- interface{}
	stopped  <-chan struct{}
	writer   WriterFunc
	wg       sync.WaitGroup
}

func newWriterPool(concurrency, capacity int, writer WriterFunc, requests chan<- interface{}, stopped <-chan struct{}) *writerPool {
	p := &writerPool{
		tasks:    make(chan *DateResult, capacity),
		requests: requests,
		stopped:  stopped,
		writer:   writer,
	}
	for i := 0; i < concurrency; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// dispatch queues a finalized date for persistence. The channel is
// sized so the actor's send never blocks while Take enforces the
// pending limit.
func (p *writerPool) dispatch(result *DateResult) {
	p.tasks <- result
}

// close drains the pool. Workers finishing a task after the run loop
// stopped abandon their completion report instead of blocking on it.
func (p *writerPool) close() {
	close(p.tasks)
	p.wg.Wait()
}

func (p *writerPool) worker() {
	defer p.wg.Done()
	for result := range p.tasks {
		outcome := p.runWriter(result)
		select {
		case p.requests <- writerDoneMsg{date: result.Date, result: outcome}:
		case <-p.stopped:
			return
		}
	}
}

// runWriter invokes the writer callback, converting a panic into an
// error verdict.
func (p *writerPool) runWriter(result *DateResult) (out CallbackResult) {
	defer func() {
		if r := recover(); r != nil {
			out = CallbackResult{Verdict: VerdictError, Reason: fmt.Sprintf("writer panic: %v", r)}
		}
	}()
	return p.writer(result)
}
