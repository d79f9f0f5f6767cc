package tick

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDriverStepRunsHooksOnlyWhenAdvanced(t *testing.T) {
	s := NewScheduler()
	var seen []uint64
	d := NewDriver(s, time.Millisecond, func(_ context.Context, tick uint64) error {
		seen = append(seen, tick)
		return nil
	}, func(context.Context, uint64) error {
		return errors.New("ignored")
	})
	ctx := context.Background()

	d.Step(ctx)
	if len(seen) != 0 {
		t.Fatalf("hook ran while stopped")
	}
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	d.Step(ctx)
	d.Step(ctx)
	if len(seen) != 2 || seen[1] != 2 {
		t.Fatalf("unexpected hook ticks %v", seen)
	}
}

func TestDriverRunStopsOnCancel(t *testing.T) {
	s := NewScheduler()
	if _, err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewDriver(s, time.Millisecond).Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for s.CurrentTick() < 3 {
		select {
		case <-deadline:
			t.Fatalf("driver did not advance")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
