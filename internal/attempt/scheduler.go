package attempt

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduport/attempt-gateway/internal/model"
)

// DefaultDebounce is the autosave debounce window. Rapid edits inside the
// window (typing in a fill-in box) coalesce into a single network write.
const DefaultDebounce = 800 * time.Millisecond

// PersistFunc persists a snapshot of buffered answers. The controller wires
// this to the upstream PATCH call, translating canonical ids back to the
// backend's original form before transmission.
type PersistFunc func(ctx context.Context, answers []model.Answer) error

// Scheduler debounces buffer changes into batched persistence calls and
// exposes a flush primitive for synchronous drain before submission or
// navigation.
type Scheduler struct {
	mu          sync.Mutex
	delay       time.Duration
	saveTimeout time.Duration
	buffer      *Buffer
	persist     PersistFunc
	log         zerolog.Logger
	pending     *time.Timer
	stopped     bool

	// flight serializes persistence calls. Held for the whole duration of a
	// persist so Flush cannot overtake an autosave that is already on the
	// wire; at most one save is in flight at a time.
	flight sync.Mutex
}

// NewScheduler creates a scheduler over the given buffer. A non-positive
// delay falls back to DefaultDebounce.
func NewScheduler(buffer *Buffer, persist PersistFunc, delay time.Duration, log zerolog.Logger) *Scheduler {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	return &Scheduler{
		delay:       delay,
		saveTimeout: 10 * time.Second,
		buffer:      buffer,
		persist:     persist,
		log:         log.With().Str("component", "autosave").Logger(),
	}
}

// Schedule restarts the debounce window. Only the last call inside a window
// results in a persistence call.
func (s *Scheduler) Schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.pending != nil {
		s.pending.Reset(s.delay)
		return
	}
	s.pending = time.AfterFunc(s.delay, s.fire)
}

// fire runs on the debounce timer goroutine. Failures are logged and
// swallowed: the buffer keeps the edits and the next cycle or flush retries.
func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	s.flight.Lock()
	defer s.flight.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.saveTimeout)
	defer cancel()

	if err := s.persist(ctx, s.buffer.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("Autosave failed, will retry on next cycle")
	}
}

// Flush cancels any pending debounce and persists immediately, returning
// only after the upstream acknowledged. It also waits out an autosave that
// is already in flight, so when Flush returns nothing older is still
// airborne. Mandatory before submission or navigation so the last edit is
// never lost.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	s.mu.Unlock()

	s.flight.Lock()
	defer s.flight.Unlock()

	if s.buffer.Len() == 0 {
		return nil
	}
	return s.persist(ctx, s.buffer.Snapshot())
}

// Stop cancels any pending debounce. No persistence call fires after Stop;
// callers needing a final drain flush first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}
