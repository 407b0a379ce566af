package profiler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/storage"
)

// --- Mock phase handler ---

type mockHandler struct {
	mu sync.Mutex

	continueCalls   int
	synthesizeCalls int
	lastKey         string
	lastHistory     []session.Message
	lastLatest      string

	turnErr    error
	profile    string
	profileErr error

	// gate, when set, blocks calls until closed.
	gate chan struct{}
	// entered receives a value when a call starts.
	entered chan struct{}
}

func (m *mockHandler) wait() {
	if m.entered != nil {
		m.entered <- struct{}{}
	}
	if m.gate != nil {
		<-m.gate
	}
}

func (m *mockHandler) Continue(_ context.Context, apiKey string, history []session.Message, latest string) (interview.Turn, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.continueCalls++
	m.lastKey = apiKey
	m.lastHistory = history
	m.lastLatest = latest
	if m.turnErr != nil {
		return interview.Turn{}, m.turnErr
	}
	return interview.Turn{Reply: "reply to " + latest, Analysis: "analysis"}, nil
}

func (m *mockHandler) Synthesize(_ context.Context, apiKey string, history []session.Message) (string, error) {
	m.wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.synthesizeCalls++
	m.lastKey = apiKey
	m.lastHistory = history
	if m.profileErr != nil {
		return "", m.profileErr
	}
	return m.profile, nil
}

func (m *mockHandler) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.continueCalls, m.synthesizeCalls
}

// --- Helpers ---

// neverFire is an AfterFunc whose timers only run on Flush/Close.
func neverFire(time.Duration, func()) session.Timer { return stopTimer{} }

type stopTimer struct{}

func (stopTimer) Stop() bool { return true }

func newTestWorkspace(t *testing.T, h PhaseHandler) (*Workspace, *session.Store) {
	t.Helper()
	store := session.NewStore(storage.NewMemory(), nil)
	ids := 0
	ws := NewWorkspace(store, h, Options{
		AfterFunc: neverFire,
		NewID: func() string {
			ids++
			return "id-" + string(rune('0'+ids))
		},
	})
	return ws, store
}

// --- Tests ---

func TestInterviewScenario(t *testing.T) {
	h := &mockHandler{profile: "# Ada"}
	ws, store := newTestWorkspace(t, h)
	ctx := context.Background()

	c := ws.Create()
	if c.Step() != session.StepSetup {
		t.Fatalf("new session step = %s, want SETUP", c.Step())
	}

	if _, err := c.CompleteSetup(ctx, Setup{APIKey: " k1 ", Name: "Ada"}); err != nil {
		t.Fatalf("CompleteSetup: %v", err)
	}
	st := c.State()
	if st.Step != session.StepInterview {
		t.Fatalf("step = %s, want INTERVIEW", st.Step)
	}
	if len(st.Messages) != 2 {
		t.Fatalf("after setup: %d messages, want 2", len(st.Messages))
	}
	if !st.Messages[0].Hidden || st.Messages[0].Role != session.RoleUser {
		t.Errorf("opening turn should be a hidden user message: %+v", st.Messages[0])
	}
	if st.Messages[0].Content != interview.OpeningMessage("Ada", "") {
		t.Errorf("opening content = %q", st.Messages[0].Content)
	}
	if h.lastKey != "k1" {
		t.Errorf("api key not trimmed: %q", h.lastKey)
	}
	if len(c.Transcript()) != 1 {
		t.Errorf("transcript should hide the opening turn, got %d", len(c.Transcript()))
	}

	for i, answer := range []string{"She is shy", "She loves numbers"} {
		if _, err := c.Submit(ctx, answer); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if got, want := len(c.State().Messages), 2+2*(i+1); got != want {
			t.Errorf("after submit %d: %d messages, want %d", i+1, got, want)
		}
	}
	if len(h.lastHistory) != 4 || h.lastLatest != "She loves numbers" {
		t.Errorf("second submit saw %d history messages, latest %q", len(h.lastHistory), h.lastLatest)
	}

	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := c.Submit(ctx, "more"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Submit after Finish error = %v, want ErrInvalidTransition", err)
	}

	for i := 0; i < 3; i++ {
		profile, err := c.Result(ctx)
		if err != nil {
			t.Fatalf("Result: %v", err)
		}
		if profile != "# Ada" {
			t.Errorf("profile = %q", profile)
		}
	}
	if _, synth := h.counts(); synth != 1 {
		t.Errorf("synthesize called %d times, want 1", synth)
	}

	if err := ws.Close(ctx, c.ID()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	saved, err := store.Load(ctx, c.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.Step != session.StepResult || saved.FinalProfile != "# Ada" || len(saved.Messages) != 6 {
		t.Errorf("persisted state: step=%s profile=%q messages=%d", saved.Step, saved.FinalProfile, len(saved.Messages))
	}
	if index := store.List(ctx); len(index) != 1 || index[0].Name != "Ada" {
		t.Errorf("index = %+v", index)
	}
}

func TestCompleteSetup_Validation(t *testing.T) {
	h := &mockHandler{}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()

	if _, err := c.CompleteSetup(ctx, Setup{Name: "Ada"}); !errors.Is(err, ErrMissingCredential) {
		t.Errorf("missing key error = %v, want ErrMissingCredential", err)
	}
	if _, err := c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "  "}); !errors.Is(err, ErrMissingName) {
		t.Errorf("missing name error = %v, want ErrMissingName", err)
	}
	if c.Step() != session.StepSetup {
		t.Errorf("step = %s, want SETUP", c.Step())
	}
	if calls, _ := h.counts(); calls != 0 {
		t.Errorf("collaborator called %d times on invalid setup", calls)
	}
}

func TestCompleteSetup_FailureStaysInSetup(t *testing.T) {
	h := &mockHandler{turnErr: errors.New("503")}
	ws, _ := newTestWorkspace(t, h)
	c := ws.Create()

	_, err := c.CompleteSetup(context.Background(), Setup{APIKey: "k1", Name: "Ada", RoughProfile: "数学者"})
	if !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	st := c.State()
	if st.Step != session.StepSetup || len(st.Messages) != 0 {
		t.Errorf("state after failure: step=%s messages=%d", st.Step, len(st.Messages))
	}
	if st.Name != "Ada" || st.APIKey != "k1" || st.RoughProfile != "数学者" {
		t.Errorf("setup fields not kept: %+v", st.Metadata)
	}
	if c.Busy() {
		t.Error("busy flag not cleared after failure")
	}
}

func TestSubmit_FailureLeavesTranscript(t *testing.T) {
	h := &mockHandler{}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})

	h.turnErr = errors.New("timeout")
	if _, err := c.Submit(ctx, "answer"); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	if n := len(c.State().Messages); n != 2 {
		t.Errorf("messages = %d, want 2", n)
	}
	if c.Step() != session.StepInterview {
		t.Errorf("step = %s, want INTERVIEW", c.Step())
	}

	h.turnErr = nil
	if _, err := c.Submit(ctx, "answer"); err != nil {
		t.Errorf("retry after failure: %v", err)
	}
}

func TestSubmit_EmptyMessage(t *testing.T) {
	ws, _ := newTestWorkspace(t, &mockHandler{})
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})

	if _, err := c.Submit(ctx, " \n\t"); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("error = %v, want ErrEmptyMessage", err)
	}
}

func TestSubmit_RejectsOverlap(t *testing.T) {
	h := &mockHandler{}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})

	h.gate = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, "first")
		done <- err
	}()
	<-h.entered

	if _, err := c.Submit(ctx, "second"); !errors.Is(err, ErrBusy) {
		t.Errorf("overlapping Submit error = %v, want ErrBusy", err)
	}
	if err := c.Finish(); !errors.Is(err, ErrBusy) {
		t.Errorf("Finish while busy error = %v, want ErrBusy", err)
	}

	close(h.gate)
	if err := <-done; err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	if n := len(c.State().Messages); n != 4 {
		t.Errorf("messages = %d, want 4", n)
	}
}

func TestReset_DropsInFlightResponse(t *testing.T) {
	h := &mockHandler{}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada", RoughProfile: "r"})

	h.gate = make(chan struct{})
	h.entered = make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		_, err := c.Submit(ctx, "late")
		done <- err
	}()
	<-h.entered

	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	close(h.gate)
	if err := <-done; !errors.Is(err, ErrDetached) {
		t.Errorf("late Submit error = %v, want ErrDetached", err)
	}

	st := c.State()
	if st.Step != session.StepSetup || len(st.Messages) != 0 || st.FinalProfile != "" {
		t.Errorf("state after reset: %+v", st)
	}
	if st.ID == "" || st.APIKey != "k1" || st.Name != "Ada" || st.RoughProfile != "r" {
		t.Errorf("reset should keep id and setup fields: %+v", st.Metadata)
	}
}

func TestResult_RequiresResultStep(t *testing.T) {
	ws, _ := newTestWorkspace(t, &mockHandler{})
	c := ws.Create()
	if _, err := c.Result(context.Background()); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
	if err := c.Finish(); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Finish from SETUP error = %v, want ErrInvalidTransition", err)
	}
}

func TestResult_ConcurrentCallersShareOneSynthesis(t *testing.T) {
	h := &mockHandler{profile: "# Ada"}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})
	c.Finish()

	h.gate = make(chan struct{})
	h.entered = make(chan struct{}, 1)

	const callers = 5
	var wg sync.WaitGroup
	results := make(chan string, callers)
	wg.Add(1)
	go func() {
		defer wg.Done()
		p, _ := c.Result(ctx)
		results <- p
	}()
	<-h.entered
	for i := 1; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, _ := c.Result(ctx)
			results <- p
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(h.gate)
	wg.Wait()
	close(results)

	for p := range results {
		if p != "# Ada" {
			t.Errorf("caller got %q", p)
		}
	}
	if _, synth := h.counts(); synth != 1 {
		t.Errorf("synthesize called %d times, want 1", synth)
	}
}

func TestResult_FailureIsNotCached(t *testing.T) {
	h := &mockHandler{profileErr: errors.New("boom")}
	ws, _ := newTestWorkspace(t, h)
	ctx := context.Background()
	c := ws.Create()
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})
	c.Finish()

	if _, err := c.Result(ctx); !errors.Is(err, ErrGenerationFailed) {
		t.Fatalf("error = %v, want ErrGenerationFailed", err)
	}
	h.profileErr = nil
	h.profile = "# Ada"
	if p, err := c.Result(ctx); err != nil || p != "# Ada" {
		t.Errorf("second Result = %q, %v", p, err)
	}
}

func TestUpdateSetup_OnlyInSetup(t *testing.T) {
	ws, _ := newTestWorkspace(t, &mockHandler{})
	ctx := context.Background()
	c := ws.Create()

	if err := c.UpdateSetup(Setup{Name: "Draft"}); err != nil {
		t.Fatalf("UpdateSetup: %v", err)
	}
	if c.State().Name != "Draft" {
		t.Errorf("draft name not stored")
	}
	c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"})
	if err := c.UpdateSetup(Setup{Name: "Other"}); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("error = %v, want ErrInvalidTransition", err)
	}
}

func TestResult_WritesProfileWithoutWaitingForDebounce(t *testing.T) {
	h := &mockHandler{profile: "# Ada"}
	ws, store := newTestWorkspace(t, h)
	ctx := context.Background()

	c := ws.Create()
	if _, err := c.CompleteSetup(ctx, Setup{APIKey: "k1", Name: "Ada"}); err != nil {
		t.Fatalf("CompleteSetup: %v", err)
	}
	if err := c.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
	if _, err := c.Result(ctx); err != nil {
		t.Fatalf("Result: %v", err)
	}

	// The debounce timer never fires here; the profile must already be stored.
	index := store.List(ctx)
	if len(index) != 1 || index[0].FinalProfile != "# Ada" {
		t.Fatalf("index = %+v, want final profile", index)
	}
	saved, err := store.Load(ctx, c.ID())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if saved.FinalProfile != "# Ada" {
		t.Errorf("record profile = %q", saved.FinalProfile)
	}
}
