package clock

import (
	"context"
	"testing"
	"time"
)

var testEpoch = time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC)

func TestFixtureClock_Now(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	if got := clk.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() = %v, want %v", got, testEpoch)
	}

	// Time only moves when told to
	if got := clk.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() drifted to %v", got)
	}
}

func TestFixtureClock_Advance(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	clk.Advance(90 * time.Minute)
	want := testEpoch.Add(90 * time.Minute)
	if got := clk.Now(); !got.Equal(want) {
		t.Errorf("Now() after Advance = %v, want %v", got, want)
	}
}

func TestFixtureClock_Set(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	later := testEpoch.Add(48 * time.Hour)
	clk.Set(later)
	if got := clk.Now(); !got.Equal(later) {
		t.Errorf("Now() after Set = %v, want %v", got, later)
	}

	// Set can also move time backward
	clk.Set(testEpoch)
	if got := clk.Now(); !got.Equal(testEpoch) {
		t.Errorf("Now() after second Set = %v, want %v", got, testEpoch)
	}
}

func TestFixtureClock_Rewind(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	clk.Rewind(2 * time.Hour)
	want := testEpoch.Add(-2 * time.Hour)
	if got := clk.Now(); !got.Equal(want) {
		t.Errorf("Now() after Rewind = %v, want %v", got, want)
	}
}

func TestFixtureClock_SetDoesNotFireTickers(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	fired := 0
	ticker := clk.Ticker(time.Minute)
	if err := ticker.Start(func(ctx context.Context) { fired++ }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ticker.Stop()

	// Jumping past several deadlines with Set must not fire
	clk.Set(testEpoch.Add(10 * time.Minute))
	if fired != 0 {
		t.Errorf("Set fired the ticker %d times", fired)
	}

	// A later Advance fires for intervals elapsed past the pending deadline
	clk.Advance(time.Minute)
	if fired == 0 {
		t.Error("Advance after Set never fired the ticker")
	}
}

func TestFixtureClock_TickerFiresOncePerInterval(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	fired := 0
	ticker := clk.Ticker(time.Minute)
	if err := ticker.Start(func(ctx context.Context) { fired++ }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ticker.Stop()

	clk.Advance(30 * time.Second)
	if fired != 0 {
		t.Errorf("ticker fired %d times before its first deadline", fired)
	}

	clk.Advance(30 * time.Second)
	if fired != 1 {
		t.Errorf("ticker fired %d times after one interval, want 1", fired)
	}

	clk.Advance(3 * time.Minute)
	if fired != 4 {
		t.Errorf("ticker fired %d times after four intervals, want 4", fired)
	}
}

func TestFixtureClock_TickerStartTwice(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	ticker := clk.Ticker(time.Minute)
	if err := ticker.Start(func(ctx context.Context) {}); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer ticker.Stop()

	if err := ticker.Start(func(ctx context.Context) {}); err != ErrTickerStarted {
		t.Errorf("second Start = %v, want ErrTickerStarted", err)
	}
}

func TestFixtureClock_StoppedTickerDoesNotFire(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	fired := 0
	ticker := clk.Ticker(time.Minute)
	if err := ticker.Start(func(ctx context.Context) { fired++ }); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	ticker.Stop()

	clk.Advance(5 * time.Minute)
	if fired != 0 {
		t.Errorf("stopped ticker fired %d times", fired)
	}
}

func TestFixtureClock_SleepAdvances(t *testing.T) {
	clk := NewFixtureClock(testEpoch)

	clk.Sleep(time.Hour)
	want := testEpoch.Add(time.Hour)
	if got := clk.Now(); !got.Equal(want) {
		t.Errorf("Now() after Sleep = %v, want %v", got, want)
	}
}
