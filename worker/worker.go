// Package worker provides the cooperative goroutine lifecycle every
// long-lived task in this module embeds: a reader, a pusher, a timeout
// scheduler, or an acceptor all start via Go, observe HaltCh for shutdown,
// and are awaited via Wait.
package worker

import "sync"

// Worker is embedded by types that run one or more background goroutines
// and need a uniform halt/await contract. The zero value is ready to use.
type Worker struct {
	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
	wg       sync.WaitGroup
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that closes when Halt is called. Every
// suspension point (socket read/write wrapped in a select, condition wait)
// should select on this channel alongside its primary wakeup.
func (w *Worker) HaltCh() chan struct{} {
	w.init()
	return w.haltCh
}

// Go starts fn in a new goroutine tracked by Wait.
func (w *Worker) Go(fn func()) {
	w.init()
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
}

// Halt closes HaltCh exactly once. Safe to call multiple times and from
// multiple goroutines.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// Wait blocks until every goroutine started via Go has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}
