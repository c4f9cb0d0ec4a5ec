package clock

import (
	"testing"
	"time"
)

func TestManualAfterFiresOnAdvance(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	ch := clk.After(5 * time.Second)

	select {
	case <-ch:
		t.Fatalf("timer fired before advance")
	default:
	}

	clk.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatalf("timer fired early")
	default:
	}

	clk.Advance(time.Second)
	select {
	case at := <-ch:
		if !at.Equal(time.Unix(1005, 0).UTC()) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatalf("timer did not fire at deadline")
	}
}

func TestManualAfterFuncOrderAndStop(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	var order []string
	clk.AfterFunc(3*time.Second, func() { order = append(order, "late") })
	clk.AfterFunc(time.Second, func() { order = append(order, "early") })
	stopped := clk.AfterFunc(2*time.Second, func() { order = append(order, "stopped") })

	if !stopped.Stop() {
		t.Fatalf("expected Stop to cancel a pending timer")
	}
	clk.Advance(5 * time.Second)

	if len(order) != 2 || order[0] != "early" || order[1] != "late" {
		t.Fatalf("unexpected fire order %v", order)
	}
	if stopped.Stop() {
		t.Fatalf("expected Stop to report false after cancellation")
	}
}

func TestManualNonPositiveDelayFiresImmediately(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	fired := false
	timer := clk.AfterFunc(0, func() { fired = true })
	if !fired {
		t.Fatalf("zero-delay callback did not run")
	}
	if timer.Stop() {
		t.Fatalf("expected Stop false for an already fired timer")
	}
	select {
	case <-clk.After(0):
	default:
		t.Fatalf("zero-delay After did not fire")
	}
}

func TestManualSleepUnblocksOnAdvance(t *testing.T) {
	clk := NewManual(time.Unix(1000, 0))
	done := make(chan struct{})
	go func() {
		clk.Sleep(2 * time.Second)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatalf("Sleep never unblocked")
		default:
		}
		clk.Advance(time.Second)
		time.Sleep(time.Millisecond)
	}
}
