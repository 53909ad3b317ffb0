package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake is a manually advanced Clock. Callbacks registered with AfterFunc
// run synchronously inside Advance, in deadline order.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	pending []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	seq      int
	fn       func()
	fired    bool
	stopped  bool
}

// NewFake returns a Fake positioned at start.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start.UTC()}
}

// Now returns the fake current time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// AfterFunc schedules fn to run when the clock is advanced past d. A
// non-positive d runs fn immediately on the calling goroutine.
func (f *Fake) AfterFunc(d time.Duration, fn func()) Timer {
	f.mu.Lock()
	f.seq++
	t := &fakeTimer{clock: f, deadline: f.now.Add(d), seq: f.seq, fn: fn}
	if d <= 0 {
		t.fired = true
		f.mu.Unlock()
		fn()
		return t
	}
	f.pending = append(f.pending, t)
	f.mu.Unlock()
	return t
}

// Advance moves the clock forward by d and runs every callback whose
// deadline falls inside the window, including callbacks scheduled by
// earlier callbacks in the same window.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	target := f.now.Add(d)
	f.mu.Unlock()

	for {
		f.mu.Lock()
		next := f.popDueLocked(target)
		if next == nil {
			f.now = target
			f.mu.Unlock()
			return
		}
		if next.deadline.After(f.now) {
			f.now = next.deadline
		}
		next.fired = true
		f.mu.Unlock()

		next.fn()
	}
}

// Pending reports how many callbacks are waiting to fire.
func (f *Fake) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *Fake) popDueLocked(target time.Time) *fakeTimer {
	if len(f.pending) == 0 {
		return nil
	}
	sort.Slice(f.pending, func(i, j int) bool {
		if f.pending[i].deadline.Equal(f.pending[j].deadline) {
			return f.pending[i].seq < f.pending[j].seq
		}
		return f.pending[i].deadline.Before(f.pending[j].deadline)
	})
	head := f.pending[0]
	if head.deadline.After(target) {
		return nil
	}
	f.pending = f.pending[1:]
	return head
}

func (t *fakeTimer) Stop() bool {
	f := t.clock
	f.mu.Lock()
	defer f.mu.Unlock()
	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	for i, p := range f.pending {
		if p == t {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
	return true
}
