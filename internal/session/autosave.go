package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the trailing window between the last mutation and the write.
const DefaultDebounce = time.Second

const saveTimeout = 10 * time.Second

// Saver persists a session state. Implemented by Store.
type Saver interface {
	Save(ctx context.Context, state SavedState) (SavedState, error)
}

// Timer is the handle returned by an AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. time.AfterFunc satisfies it through
// StdAfterFunc; tests inject a manual one.
type AfterFunc func(d time.Duration, f func()) Timer

// StdAfterFunc wraps time.AfterFunc.
func StdAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Autosaver coalesces rapid mutations of one session into a single trailing
// write of the newest state. After Close, nothing more is written.
type Autosaver struct {
	saver     Saver
	delay     time.Duration
	afterFunc AfterFunc
	logger    *slog.Logger

	// writeMu is held for the duration of every write so Close can wait for
	// an in-flight one.
	writeMu sync.Mutex

	mu      sync.Mutex
	timer   Timer
	pending *SavedState
	gen     uint64
	closed  bool
}

// NewAutosaver creates an Autosaver. A non-positive delay uses DefaultDebounce
// and a nil afterFunc uses StdAfterFunc.
func NewAutosaver(saver Saver, delay time.Duration, afterFunc AfterFunc, logger *slog.Logger) *Autosaver {
	if delay <= 0 {
		delay = DefaultDebounce
	}
	if afterFunc == nil {
		afterFunc = StdAfterFunc
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosaver{
		saver:     saver,
		delay:     delay,
		afterFunc: afterFunc,
		logger:    logger,
	}
}

// Schedule replaces the pending state and restarts the debounce window.
func (a *Autosaver) Schedule(state SavedState) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	st := state.Clone()
	a.pending = &st
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
	}
	gen := a.gen
	a.timer = a.afterFunc(a.delay, func() { a.fire(gen) })
}

func (a *Autosaver) fire(gen uint64) {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	st, ok := a.take(func() bool { return gen == a.gen })
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := a.write(ctx, st); err != nil {
		a.logger.Error("autosave failed", "id", st.ID, "error", err)
	}
}

// take detaches the pending state if the autosaver is open and cond holds.
func (a *Autosaver) take(cond func() bool) (SavedState, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed || a.pending == nil || !cond() {
		return SavedState{}, false
	}
	st := *a.pending
	a.pending = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	return st, true
}

func (a *Autosaver) write(ctx context.Context, st SavedState) error {
	_, err := a.saver.Save(ctx, st)
	return err
}

// Flush writes the pending state immediately, if any.
func (a *Autosaver) Flush(ctx context.Context) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()

	st, ok := a.take(func() bool { return true })
	if !ok {
		return nil
	}
	return a.write(ctx, st)
}

// Cancel drops the pending state without writing it.
func (a *Autosaver) Cancel() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.pending = nil
	a.gen++
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// Close cancels any pending write, waits for an in-flight one to finish and
// makes later Schedule calls no-ops.
func (a *Autosaver) Close() {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	a.Cancel()

	a.writeMu.Lock()
	a.writeMu.Unlock()
}
