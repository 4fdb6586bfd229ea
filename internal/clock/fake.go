package clock

import (
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run on the
// goroutine calling Advance, in deadline order, with the clock's lock
// released so callbacks may schedule further timers.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*fakeWaiter
	seq     uint64
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	channel  chan time.Time
	interval time.Duration
	done     bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	w := c.add(d, 0)
	w.callback = f
	c.mu.Unlock()

	return &Timer{stopFunc: func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		pending := !w.done
		w.done = true
		return pending
	}}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	c.mu.Lock()
	w := c.add(d, d)
	w.channel = make(chan time.Time, 1)
	c.mu.Unlock()

	return &Ticker{C: w.channel, stopFunc: func() {
		c.mu.Lock()
		w.done = true
		c.mu.Unlock()
	}}
}

// add registers a waiter; the caller holds c.mu.
func (c *FakeClock) add(d, interval time.Duration) *fakeWaiter {
	c.seq++
	w := &fakeWaiter{deadline: c.current.Add(d), seq: c.seq, interval: interval}
	c.waiters = append(c.waiters, w)
	return w
}

// Advance moves the clock forward by d, firing every timer and ticker whose
// deadline is reached, including timers scheduled by callbacks fired during
// this call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	for {
		w := c.next(target)
		if w == nil {
			break
		}
		c.current = w.deadline
		if w.interval > 0 {
			w.deadline = w.deadline.Add(w.interval)
			select {
			case w.channel <- c.current:
			default:
			}
			continue
		}
		w.done = true
		if w.callback != nil {
			c.mu.Unlock()
			w.callback()
			c.mu.Lock()
		}
	}
	c.current = target
	c.compact()
	c.mu.Unlock()
}

// Pending returns the number of timers and tickers that have not fired or
// been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.done {
			n++
		}
	}
	return n
}

func (c *FakeClock) next(target time.Time) *fakeWaiter {
	var best *fakeWaiter
	for _, w := range c.waiters {
		if w.done || w.deadline.After(target) {
			continue
		}
		if best == nil || w.deadline.Before(best.deadline) ||
			(w.deadline.Equal(best.deadline) && w.seq < best.seq) {
			best = w
		}
	}
	return best
}

func (c *FakeClock) compact() {
	live := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.done {
			live = append(live, w)
		}
	}
	c.waiters = live
}
