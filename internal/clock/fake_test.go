package clock

import (
	"testing"
	"time"
)

func TestFakeAfterFuncFiresOnAdvance(t *testing.T) {
	c := Fake(time.Unix(1000, 0))
	fired := 0
	c.AfterFunc(10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	if fired != 0 {
		t.Fatalf("fired early: %d", fired)
	}
	c.Advance(time.Second)
	if fired != 1 {
		t.Fatalf("fired = %d, want 1", fired)
	}
	c.Advance(time.Minute)
	if fired != 1 {
		t.Fatalf("one-shot timer fired again: %d", fired)
	}
}

func TestFakeTimerStop(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	fired := false
	timer := c.AfterFunc(time.Second, func() { fired = true })
	if !timer.Stop() {
		t.Fatal("Stop on pending timer returned false")
	}
	c.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
	if timer.Stop() {
		t.Fatal("second Stop returned true")
	}
}

func TestFakeTicker(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	ticker := c.NewTicker(30 * time.Second)
	defer ticker.Stop()

	c.Advance(30 * time.Second)
	select {
	case <-ticker.C:
	default:
		t.Fatal("no tick after one interval")
	}
	select {
	case <-ticker.C:
		t.Fatal("unexpected second tick")
	default:
	}
	if c.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", c.Pending())
	}
}

func TestFakeCallbacksRunInDeadlineOrder(t *testing.T) {
	c := Fake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	c.Advance(5 * time.Second)
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Fatalf("order = %v", order)
	}
}
