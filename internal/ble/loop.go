package ble

import (
	"fmt"
	"log/slog"
	"sync"
)

// loop is the manager's single sequential execution context. Hardware
// callbacks, timer expirations and inbound calls are all posted here, so
// the connection state needs no locking.
type loop struct {
	tasks   chan func()
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once

	// onPanic runs on the loop after a task panicked.
	onPanic func(recovered any)
}

func newLoop(queueSize int) *loop {
	return &loop{
		tasks:   make(chan func(), queueSize),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (l *loop) run() {
	defer close(l.stopped)
	for {
		select {
		case fn := <-l.tasks:
			l.call(fn)
		case <-l.done:
			return
		}
	}
}

func (l *loop) call(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[BLE] recovered panic in event loop", "panic", r)
			if l.onPanic != nil {
				l.safeOnPanic(r)
			}
		}
	}()
	fn()
}

func (l *loop) safeOnPanic(r any) {
	defer func() {
		if r2 := recover(); r2 != nil {
			slog.Error("[BLE] panic while handling panic", "panic", r2)
		}
	}()
	l.onPanic(r)
}

// post queues fn for the loop. It reports false once the loop is stopped.
// It must not be called from the loop itself.
func (l *loop) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// do runs fn on the loop and waits for it to finish.
func (l *loop) do(fn func()) error {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return errLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.stopped:
		return errLoopStopped
	}
}

func (l *loop) stop() {
	l.once.Do(func() { close(l.done) })
	<-l.stopped
}

var errLoopStopped = fmt.Errorf("ble: manager closed")
