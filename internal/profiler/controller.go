// Package profiler drives a profiling session through its phases:
// SETUP, then INTERVIEW, then RESULT.
package profiler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/session"
)

// PhaseHandler does the model-facing work of the interview and result phases.
// Implemented by interview.Interviewer.
type PhaseHandler interface {
	Continue(ctx context.Context, apiKey string, history []session.Message, latest string) (interview.Turn, error)
	Synthesize(ctx context.Context, apiKey string, history []session.Message) (string, error)
}

// Setup carries the SETUP form fields.
type Setup struct {
	APIKey       string `json:"apiKey"`
	Name         string `json:"name"`
	RoughProfile string `json:"roughProfile"`
}

// Controller owns the in-memory state of one active session. Every mutation
// schedules a debounced save of the full state.
type Controller struct {
	handler PhaseHandler
	saver   *session.Autosaver
	logger  *slog.Logger

	mu    sync.Mutex
	state session.SavedState
	busy  bool
	// epoch changes on reset and close; results computed under an older
	// epoch are discarded.
	epoch  uint64
	closed bool

	results singleflight.Group
}

func newController(state session.SavedState, handler PhaseHandler, saver *session.Autosaver, logger *slog.Logger) *Controller {
	return &Controller{
		handler: handler,
		saver:   saver,
		logger:  logger.With("session", state.ID),
		state:   state.Clone(),
	}
}

// ID returns the session id.
func (c *Controller) ID() string {
	return c.state.ID
}

// State returns a copy of the current session state.
func (c *Controller) State() session.SavedState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// Step returns the current phase.
func (c *Controller) Step() session.Step {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Step
}

// Busy reports whether a model request is in flight.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// Transcript returns the messages shown to the user (hidden turns omitted).
func (c *Controller) Transcript() []session.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Visible()
}

// schedule must be called with mu held.
func (c *Controller) schedule() {
	c.saver.Schedule(c.state)
}

// UpdateSetup stores draft setup fields without validating them.
func (c *Controller) UpdateSetup(s Setup) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.state.Step != session.StepSetup {
		return fmt.Errorf("%w: setup can only change in %s", ErrInvalidTransition, session.StepSetup)
	}
	c.state.APIKey = s.APIKey
	c.state.Name = s.Name
	c.state.RoughProfile = s.RoughProfile
	c.schedule()
	return nil
}

// CompleteSetup validates the setup, runs the opening exchange and moves the
// session to INTERVIEW. The opening user turn is synthesized from the setup
// and stored hidden. On a collaborator failure the session stays in SETUP
// with the submitted fields kept.
func (c *Controller) CompleteSetup(ctx context.Context, s Setup) (interview.Turn, error) {
	key := strings.TrimSpace(s.APIKey)
	name := strings.TrimSpace(s.Name)
	rough := strings.TrimSpace(s.RoughProfile)

	c.mu.Lock()
	if err := c.checkLocked(session.StepSetup); err != nil {
		c.mu.Unlock()
		return interview.Turn{}, err
	}
	c.state.APIKey = key
	c.state.Name = name
	c.state.RoughProfile = rough
	c.schedule()

	if key == "" {
		c.mu.Unlock()
		return interview.Turn{}, ErrMissingCredential
	}
	if name == "" {
		c.mu.Unlock()
		return interview.Turn{}, ErrMissingName
	}
	c.busy = true
	epoch := c.epoch
	c.mu.Unlock()

	opening := session.Message{
		Role:    session.RoleUser,
		Content: interview.OpeningMessage(name, rough),
		Hidden:  true,
	}
	turn, err := c.handler.Continue(ctx, key, nil, opening.Content)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settleLocked(epoch, err); err != nil {
		return interview.Turn{}, err
	}
	c.state.Step = session.StepInterview
	c.state.FinalProfile = ""
	c.state.Messages = []session.Message{opening, modelMessage(turn)}
	c.schedule()
	c.logger.Info("interview started", "name", name)
	return turn, nil
}

// Submit sends one user answer and appends it together with the model reply.
// A failed exchange leaves the transcript unchanged.
func (c *Controller) Submit(ctx context.Context, text string) (interview.Turn, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return interview.Turn{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if err := c.checkLocked(session.StepInterview); err != nil {
		c.mu.Unlock()
		return interview.Turn{}, err
	}
	c.busy = true
	epoch := c.epoch
	key := c.state.APIKey
	history := c.state.Clone().Messages
	c.mu.Unlock()

	turn, err := c.handler.Continue(ctx, key, history, text)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.settleLocked(epoch, err); err != nil {
		return interview.Turn{}, err
	}
	c.state.Messages = append(c.state.Messages,
		session.Message{Role: session.RoleUser, Content: text},
		modelMessage(turn),
	)
	c.schedule()
	return turn, nil
}

// Finish ends the interview and moves the session to RESULT.
func (c *Controller) Finish() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkLocked(session.StepInterview); err != nil {
		return err
	}
	c.state.Step = session.StepResult
	c.schedule()
	c.logger.Info("interview finished", "messages", len(c.state.Messages))
	return nil
}

// Result returns the final profile, synthesizing it on first use. Concurrent
// callers share one synthesis; the result is cached in the session record.
func (c *Controller) Result(ctx context.Context) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.state.Step != session.StepResult {
		c.mu.Unlock()
		return "", fmt.Errorf("%w: result requires %s", ErrInvalidTransition, session.StepResult)
	}
	if c.state.FinalProfile != "" {
		profile := c.state.FinalProfile
		c.mu.Unlock()
		return profile, nil
	}
	epoch := c.epoch
	key := c.state.APIKey
	history := c.state.Clone().Messages
	c.mu.Unlock()

	v, err, _ := c.results.Do(strconv.FormatUint(epoch, 10), func() (any, error) {
		profile, err := c.handler.Synthesize(ctx, key, history)
		if err != nil {
			return "", fmt.Errorf("%w: %w", ErrGenerationFailed, err)
		}

		c.mu.Lock()
		if c.closed || c.epoch != epoch {
			c.mu.Unlock()
			return "", ErrDetached
		}
		c.state.FinalProfile = profile
		c.schedule()
		c.mu.Unlock()
		c.logger.Info("profile generated", "bytes", len(profile))

		// Personas read the store, so the profile is written right away.
		if err := c.saver.Flush(ctx); err != nil {
			c.logger.Warn("saving generated profile", "error", err)
		}
		return profile, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Reset returns the session to SETUP, clearing the transcript and the final
// profile. The id, API key, name and rough profile are kept. A request in
// flight is detached and its result dropped.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.epoch++
	c.busy = false
	c.state.Step = session.StepSetup
	c.state.Messages = []session.Message{}
	c.state.FinalProfile = ""
	c.schedule()
	return nil
}

// Flush writes any pending change now.
func (c *Controller) Flush(ctx context.Context) error {
	return c.saver.Flush(ctx)
}

// Close detaches the controller and writes the last pending change. Results
// of requests still in flight are dropped.
func (c *Controller) Close(ctx context.Context) error {
	c.detach()
	err := c.saver.Flush(ctx)
	c.saver.Close()
	return err
}

// Discard detaches the controller without writing pending changes.
func (c *Controller) Discard() {
	c.detach()
	c.saver.Cancel()
	c.saver.Close()
}

// detach rejects further mutations. Anything scheduled before it stays
// pending in the autosaver.
func (c *Controller) detach() {
	c.mu.Lock()
	c.closed = true
	c.epoch++
	c.busy = false
	c.mu.Unlock()
}

// checkLocked verifies the controller can start a model request in step.
func (c *Controller) checkLocked(step session.Step) error {
	if c.closed {
		return ErrClosed
	}
	if c.state.Step != step {
		return fmt.Errorf("%w: session is in %s, want %s", ErrInvalidTransition, c.state.Step, step)
	}
	if c.busy {
		return ErrBusy
	}
	return nil
}

// settleLocked ends a model request started under epoch.
func (c *Controller) settleLocked(epoch uint64, callErr error) error {
	if c.closed || c.epoch != epoch {
		c.logger.Info("dropping model response for detached session")
		return ErrDetached
	}
	c.busy = false
	if callErr != nil {
		c.logger.Warn("model request failed", "error", callErr)
		return fmt.Errorf("%w: %w", ErrGenerationFailed, callErr)
	}
	return nil
}

func modelMessage(t interview.Turn) session.Message {
	return session.Message{Role: session.RoleModel, Content: t.Reply, Analysis: t.Analysis}
}
