package attempt

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/model"
)

func newCountingPersist(calls *atomic.Int32, fail *atomic.Bool) PersistFunc {
	return func(ctx context.Context, answers []model.Answer) error {
		calls.Add(1)
		if fail != nil && fail.Load() {
			return errors.New("upstream down")
		}
		return nil
	}
}

func TestSchedulerDebouncesBursts(t *testing.T) {
	var calls atomic.Int32
	b := NewBuffer()
	s := NewScheduler(b, newCountingPersist(&calls, nil), 100*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	// Five rapid edits inside the window collapse to one save.
	for i := 0; i < 5; i++ {
		b.SetText("q1", "typing")
		s.Schedule()
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("persist calls = %d, want 1", got)
	}

	// A later edit opens a fresh window and produces a second save.
	b.SetText("q1", "more typing")
	s.Schedule()
	time.Sleep(300 * time.Millisecond)
	if got := calls.Load(); got != 2 {
		t.Errorf("persist calls = %d, want 2", got)
	}
}

func TestSchedulerFlushCancelsPending(t *testing.T) {
	var calls atomic.Int32
	b := NewBuffer()
	s := NewScheduler(b, newCountingPersist(&calls, nil), 200*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	b.SetText("q1", "answer")
	s.Schedule()

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("persist calls after flush = %d, want 1", got)
	}

	// The debounced timer was cancelled; nothing more fires.
	time.Sleep(400 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Errorf("pending debounce fired after flush, calls = %d", got)
	}
}

func TestSchedulerFlushEmptyBufferSkipsPersist(t *testing.T) {
	var calls atomic.Int32
	s := NewScheduler(NewBuffer(), newCountingPersist(&calls, nil), 50*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if calls.Load() != 0 {
		t.Error("empty buffer should not hit the network")
	}
}

func TestSchedulerPersistFailureIsAbsorbed(t *testing.T) {
	var calls atomic.Int32
	var fail atomic.Bool
	fail.Store(true)

	b := NewBuffer()
	s := NewScheduler(b, newCountingPersist(&calls, &fail), 50*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	b.SetText("q1", "kept in buffer")
	s.Schedule()
	time.Sleep(200 * time.Millisecond)

	if calls.Load() != 1 {
		t.Fatalf("persist calls = %d, want 1", calls.Load())
	}

	// The edit survived the failed save; a flush retries and succeeds.
	fail.Store(false)
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush after recovery: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("persist calls = %d, want 2", calls.Load())
	}
}

func TestSchedulerFlushWaitsForInFlightSave(t *testing.T) {
	var inFlight atomic.Int32
	var overlapped atomic.Bool
	var calls atomic.Int32

	slowPersist := func(ctx context.Context, answers []model.Answer) error {
		if inFlight.Add(1) > 1 {
			overlapped.Store(true)
		}
		defer inFlight.Add(-1)
		calls.Add(1)
		time.Sleep(250 * time.Millisecond)
		return nil
	}

	b := NewBuffer()
	s := NewScheduler(b, slowPersist, 30*time.Millisecond, zerolog.Nop())
	defer s.Stop()

	b.SetText("q1", "answer")
	s.Schedule()
	// Let the debounce fire and the slow save get airborne.
	time.Sleep(80 * time.Millisecond)

	start := time.Now()
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	if overlapped.Load() {
		t.Error("flush persisted while an autosave was still in flight")
	}
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("Flush returned in %v, before the in-flight save settled", elapsed)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("persist calls = %d, want 2 (autosave then flush)", got)
	}
}

func TestSchedulerStopPreventsFire(t *testing.T) {
	var calls atomic.Int32
	b := NewBuffer()
	s := NewScheduler(b, newCountingPersist(&calls, nil), 100*time.Millisecond, zerolog.Nop())

	b.SetText("q1", "answer")
	s.Schedule()
	s.Stop()

	time.Sleep(300 * time.Millisecond)
	if calls.Load() != 0 {
		t.Error("persist fired after Stop")
	}
}
