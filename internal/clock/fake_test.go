package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFuncFiresInDeadlineOrder(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)

	var order []string
	c.AfterFunc(2*time.Second, func() { order = append(order, "second") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "first") })

	c.Advance(500 * time.Millisecond)
	if len(order) != 0 {
		t.Fatalf("fired early: %v", order)
	}

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("got %v, want [first second]", order)
	}
}

func TestFakeAfterFuncChainsWithinOneAdvance(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)

	var fired []time.Time
	var step func()
	step = func() {
		fired = append(fired, c.Now())
		if len(fired) < 3 {
			c.AfterFunc(time.Second, step)
		}
	}
	c.AfterFunc(time.Second, step)

	c.Advance(10 * time.Second)
	if len(fired) != 3 {
		t.Fatalf("got %d callbacks, want 3", len(fired))
	}
	for i, at := range fired {
		want := epoch.Add(time.Duration(i+1) * time.Second)
		if !at.Equal(want) {
			t.Errorf("callback %d at %v, want %v", i, at, want)
		}
	}
	if got := c.Now(); !got.Equal(epoch.Add(10 * time.Second)) {
		t.Errorf("Now() = %v after Advance", got)
	}
}

func TestFakeTimerStop(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)

	called := false
	timer := c.AfterFunc(time.Second, func() { called = true })
	if !timer.Stop() {
		t.Error("Stop on pending timer returned false")
	}
	if timer.Stop() {
		t.Error("second Stop returned true")
	}
	c.Advance(time.Minute)
	if called {
		t.Error("stopped timer fired")
	}
	if c.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", c.Pending())
	}
}

func TestFakeTickerDropsWhenUnread(t *testing.T) {
	t.Parallel()
	c := Fake(epoch)

	ticker := c.NewTicker(time.Second)
	c.Advance(5 * time.Second)

	select {
	case <-ticker.C:
	default:
		t.Fatal("expected a buffered tick")
	}
	select {
	case tick := <-ticker.C:
		t.Fatalf("unexpected second tick %v", tick)
	default:
	}

	ticker.Stop()
	c.Advance(5 * time.Second)
	select {
	case tick := <-ticker.C:
		t.Fatalf("tick after Stop: %v", tick)
	default:
	}
}
