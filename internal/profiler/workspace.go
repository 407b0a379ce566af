package profiler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/anamnesis/internal/session"
)

// Options tunes a Workspace. Zero values use defaults.
type Options struct {
	Debounce  time.Duration
	AfterFunc session.AfterFunc
	NewID     func() string
	Logger    *slog.Logger
}

// Workspace tracks the controllers of open sessions, at most one per id.
type Workspace struct {
	store   *session.Store
	handler PhaseHandler
	opts    Options
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Controller
	// deletes counts Delete calls per id. Open discards a load that raced
	// with a delete of the same id.
	deletes map[string]uint64
}

// NewWorkspace creates a Workspace over store.
func NewWorkspace(store *session.Store, handler PhaseHandler, opts Options) *Workspace {
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Workspace{
		store:   store,
		handler: handler,
		opts:    opts,
		logger:  opts.Logger,
		active:  make(map[string]*Controller),
		deletes: make(map[string]uint64),
	}
}

// List returns the session index.
func (w *Workspace) List(ctx context.Context) []session.Metadata {
	return w.store.List(ctx)
}

// Create starts a new blank session in SETUP under a fresh id.
func (w *Workspace) Create() *Controller {
	state := session.New(w.opts.NewID())

	w.mu.Lock()
	defer w.mu.Unlock()

	c := w.attachLocked(state)
	c.mu.Lock()
	c.schedule()
	c.mu.Unlock()
	w.logger.Info("session created", "id", state.ID)
	return c
}

// Open returns the controller for id, loading the session if it is not open.
func (w *Workspace) Open(ctx context.Context, id string) (*Controller, error) {
	w.mu.Lock()
	if c, ok := w.active[id]; ok {
		w.mu.Unlock()
		return c, nil
	}
	deletes := w.deletes[id]
	w.mu.Unlock()

	state, err := w.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.deletes[id] != deletes {
		return nil, fmt.Errorf("%w: %s", session.ErrNotFound, id)
	}
	// Another caller may have opened it while we were loading.
	if c, ok := w.active[id]; ok {
		return c, nil
	}
	return w.attachLocked(state), nil
}

func (w *Workspace) attachLocked(state session.SavedState) *Controller {
	saver := session.NewAutosaver(w.store, w.opts.Debounce, w.opts.AfterFunc, w.logger)
	c := newController(state, w.handler, saver, w.logger)
	w.active[state.ID] = c
	return c
}

// Close flushes and detaches the controller for id. Closing a session that is
// not open is a no-op.
func (w *Workspace) Close(ctx context.Context, id string) error {
	w.mu.Lock()
	c, ok := w.active[id]
	delete(w.active, id)
	w.mu.Unlock()

	if !ok {
		return nil
	}
	if err := c.Close(ctx); err != nil {
		return fmt.Errorf("closing session %s: %w", id, err)
	}
	return nil
}

// Delete discards any open controller for id and removes the session from
// the store. An Open of id overlapping the delete returns session.ErrNotFound.
func (w *Workspace) Delete(ctx context.Context, id string) error {
	w.mu.Lock()
	c, ok := w.active[id]
	delete(w.active, id)
	w.deletes[id]++
	w.mu.Unlock()

	if ok {
		c.Discard()
	}
	err := w.store.Delete(ctx, id)

	// A load that started before the record was removed must not attach.
	w.mu.Lock()
	w.deletes[id]++
	w.mu.Unlock()

	if err != nil {
		return err
	}
	w.logger.Info("session deleted", "id", id)
	return nil
}

// CloseAll closes every open controller.
func (w *Workspace) CloseAll(ctx context.Context) error {
	w.mu.Lock()
	open := w.active
	w.active = make(map[string]*Controller)
	w.mu.Unlock()

	var errs []error
	for id, c := range open {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("closing session %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}
