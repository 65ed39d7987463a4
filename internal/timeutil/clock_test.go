package timeutil

import (
	"sync"
	"testing"
	"time"
)

func TestRealClock(t *testing.T) {
	c := RealClock{}
	before := time.Now()
	now := c.Now()
	if now.Before(before) {
		t.Errorf("Now() = %v is before %v", now, before)
	}
	if c.Since(before) < 0 {
		t.Error("Since() returned a negative duration")
	}
}

func TestMockClock_SetAdvance(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewMockClock(start)

	if !c.Now().Equal(start) {
		t.Fatalf("Now() = %v, want %v", c.Now(), start)
	}

	c.Advance(90 * time.Second)
	if got := c.Since(start); got != 90*time.Second {
		t.Errorf("Since() = %v, want 90s", got)
	}

	later := start.Add(time.Hour)
	c.Set(later)
	if !c.Now().Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", c.Now(), later)
	}
}

func TestMockClock_AutoAdvance(t *testing.T) {
	start := time.Unix(1700000000, 0)
	c := NewMockClock(start)
	c.AutoAdvance(time.Second)

	first := c.Now()
	second := c.Now()
	if !first.Equal(start) || second.Sub(first) != time.Second {
		t.Errorf("auto-advance produced %v then %v", first, second)
	}
	// Since does not advance.
	if c.Since(start) != 2*time.Second || c.Since(start) != 2*time.Second {
		t.Errorf("Since() = %v, want 2s", c.Since(start))
	}

	c.AutoAdvance(0)
	if !c.Now().Equal(c.Now()) {
		t.Error("clock moved with auto-advance disabled")
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	c := NewMockClock(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.Advance(time.Millisecond)
				_ = c.Now()
			}
		}()
	}
	wg.Wait()
	if got := c.Since(time.Unix(0, 0)); got != time.Second {
		t.Errorf("Since() = %v, want 1s", got)
	}
}
