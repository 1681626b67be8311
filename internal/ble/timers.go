package ble

import "time"

// timerKey names the purpose of a timer. At most one timer per key is
// pending; scheduling a key replaces the previous one.
type timerKey string

const (
	timerConnect     timerKey = "connect-timeout"
	timerRetry       timerKey = "retry"
	timerAdapterWait timerKey = "adapter-wait"
	timerSettle      timerKey = "settle"
	timerLiveness    timerKey = "liveness"
	timerWrite       timerKey = "write"
	timerChunkDelay  timerKey = "chunk-delay"
	timerForcedClose timerKey = "forced-close"
)

type timerHandle struct {
	id uint64
	t  *time.Timer
}

// timers owns the manager's pending timers. It is only touched from the
// loop; expirations are posted back onto the loop and dropped if the
// handle was canceled or replaced in the meantime.
type timers struct {
	loop   *loop
	seq    uint64
	active map[timerKey]*timerHandle
}

func newTimers(l *loop) *timers {
	return &timers{loop: l, active: make(map[timerKey]*timerHandle)}
}

func (ts *timers) schedule(key timerKey, d time.Duration, fn func()) {
	ts.cancel(key)
	ts.seq++
	id := ts.seq
	h := &timerHandle{id: id}
	h.t = time.AfterFunc(d, func() {
		ts.loop.post(func() {
			cur, ok := ts.active[key]
			if !ok || cur.id != id {
				return
			}
			delete(ts.active, key)
			fn()
		})
	})
	ts.active[key] = h
}

func (ts *timers) cancel(key timerKey) {
	if h, ok := ts.active[key]; ok {
		h.t.Stop()
		delete(ts.active, key)
	}
}

func (ts *timers) pending(key timerKey) bool {
	_, ok := ts.active[key]
	return ok
}

func (ts *timers) cancelAll() {
	for key := range ts.active {
		ts.cancel(key)
	}
}
