package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/storage"
	"github.com/kalambet/anamnesis/internal/talk"
)

const testToken = "test-token-12345"

// --- mocks ---

type mockHandler struct {
	mu      sync.Mutex
	turn    interview.Turn
	profile string
	err     error
	keys    []string
}

func (m *mockHandler) Continue(_ context.Context, apiKey string, _ []session.Message, _ string) (interview.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, apiKey)
	return m.turn, m.err
}

func (m *mockHandler) Synthesize(_ context.Context, apiKey string, _ []session.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys = append(m.keys, apiKey)
	return m.profile, m.err
}

type mockGenerator struct {
	reply string
	err   error
}

func (m *mockGenerator) Generate(_ context.Context, _ string, _ llm.Request) (string, error) {
	return m.reply, m.err
}

// stoppedTimer never fires; writes happen on Flush or Close.
type stoppedTimer struct{}

func (stoppedTimer) Stop() bool { return true }

func neverFire(time.Duration, func()) session.Timer { return stoppedTimer{} }

// --- helpers ---

type testApp struct {
	handler http.Handler
	store   *session.Store
	iv      *mockHandler
	gen     *mockGenerator
}

func setupAppHandler(t *testing.T, token string) *testApp {
	t.Helper()
	store := session.NewStore(storage.NewMemory(), nil)
	iv := &mockHandler{
		turn:    interview.Turn{Reply: "What is your name?", Analysis: "opening"},
		profile: "# Ada\nA careful mathematician.",
	}
	gen := &mockGenerator{reply: "Hello there."}
	ws := profiler.NewWorkspace(store, iv, profiler.Options{AfterFunc: neverFire})
	t.Cleanup(func() { ws.CloseAll(context.Background()) })

	h := NewAppHandler(AppDeps{
		Workspace: ws,
		Talker:    talk.New(store, gen, "test-model", "", nil),
		Token:     token,
	})
	return &testApp{handler: h, store: store, iv: iv, gen: gen}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func (a *testApp) do(t *testing.T, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(method, url, body, testToken))
	return rr
}

func decodeView(t *testing.T, rr *httptest.ResponseRecorder) SessionView {
	t.Helper()
	var v SessionView
	if err := json.NewDecoder(rr.Body).Decode(&v); err != nil {
		t.Fatalf("decoding session: %v; body = %s", err, rr.Body.String())
	}
	return v
}

func errorType(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Type string `json:"type"`
		} `json:"error"`
	}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error: %v", err)
	}
	return resp.Error.Type
}

func (a *testApp) create(t *testing.T, body string) string {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/sessions", body)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create status = %d; body = %s", rr.Code, rr.Body.String())
	}
	return decodeView(t, rr).ID
}

// --- tests ---

func TestHealth_NoAuth(t *testing.T) {
	a := setupAppHandler(t, testToken)
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/health", "", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
}

func TestAuth_Required(t *testing.T) {
	a := setupAppHandler(t, testToken)

	for _, token := range []string{"", "wrong-token"} {
		rr := httptest.NewRecorder()
		a.handler.ServeHTTP(rr, authReq(http.MethodGet, "/sessions", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuth_EmptyConfiguredTokenRejectsAll(t *testing.T) {
	a := setupAppHandler(t, "")
	rr := httptest.NewRecorder()
	req := authReq(http.MethodGet, "/sessions", "", "")
	req.Header.Set("Authorization", "Bearer ")
	a.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestSessions_CreateThenCloseListsIt(t *testing.T) {
	a := setupAppHandler(t, testToken)
	id := a.create(t, `{"name":"Ada","roughProfile":"性別: 女\n年齢: 36"}`)

	// Not yet written: the debounce timer never fires in tests.
	var list []session.Metadata
	json.NewDecoder(a.do(t, http.MethodGet, "/sessions", "").Body).Decode(&list)
	if len(list) != 0 {
		t.Fatalf("list before close = %d entries, want 0", len(list))
	}

	if rr := a.do(t, http.MethodPost, "/sessions/"+id+"/close", ""); rr.Code != http.StatusOK {
		t.Fatalf("close status = %d; body = %s", rr.Code, rr.Body.String())
	}

	json.NewDecoder(a.do(t, http.MethodGet, "/sessions", "").Body).Decode(&list)
	if len(list) != 1 || list[0].ID != id || list[0].Name != "Ada" {
		t.Fatalf("list = %+v, want one entry for Ada", list)
	}

	v := decodeView(t, a.do(t, http.MethodGet, "/sessions/"+id, ""))
	if v.Rough.Gender != "女" || v.Rough.Age != "36" {
		t.Errorf("rough = %+v", v.Rough)
	}
}

func TestSessions_FullInterview(t *testing.T) {
	a := setupAppHandler(t, testToken)
	id := a.create(t, "")

	rr := a.do(t, http.MethodPost, "/sessions/"+id+"/setup", `{"apiKey":"k-1","name":"Ada","roughProfile":"shy"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("setup status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "k-1") {
		t.Error("response leaks the api key")
	}
	var tr TurnResponse
	json.NewDecoder(rr.Body).Decode(&tr)
	if tr.Turn.Reply != "What is your name?" {
		t.Errorf("reply = %q", tr.Turn.Reply)
	}
	if tr.Session.Step != session.StepInterview || !tr.Session.HasAPIKey {
		t.Errorf("session = %+v", tr.Session)
	}
	if len(tr.Session.Messages) != 1 {
		t.Errorf("visible messages = %d, want 1 (opening is hidden)", len(tr.Session.Messages))
	}

	rr = a.do(t, http.MethodPost, "/sessions/"+id+"/messages", `{"text":"Ada Lovelace"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("submit status = %d; body = %s", rr.Code, rr.Body.String())
	}
	json.NewDecoder(rr.Body).Decode(&tr)
	if len(tr.Session.Messages) != 3 {
		t.Errorf("visible messages = %d, want 3", len(tr.Session.Messages))
	}

	if rr := a.do(t, http.MethodPost, "/sessions/"+id+"/finish", ""); rr.Code != http.StatusOK {
		t.Fatalf("finish status = %d; body = %s", rr.Code, rr.Body.String())
	}

	rr = a.do(t, http.MethodGet, "/sessions/"+id+"/result", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("result status = %d; body = %s", rr.Code, rr.Body.String())
	}
	var res map[string]string
	json.NewDecoder(rr.Body).Decode(&res)
	if res["profile"] != a.iv.profile {
		t.Errorf("profile = %q", res["profile"])
	}

	rr = a.do(t, http.MethodGet, "/sessions/"+id+"/export?format=yaml", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("export status = %d", rr.Code)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "hidden: true") || !strings.Contains(body, "step: RESULT") {
		t.Errorf("yaml export missing hidden opening or step:\n%s", body)
	}
	if strings.Contains(body, "k-1") {
		t.Error("export leaks the api key")
	}

	for _, key := range a.iv.keys {
		if key != "k-1" {
			t.Errorf("handler called with key %q, want k-1", key)
		}
	}
}

func TestSessions_Errors(t *testing.T) {
	a := setupAppHandler(t, testToken)
	id := a.create(t, "")

	tests := []struct {
		name, method, url, body string
		wantCode                int
	}{
		{"unknown session", http.MethodGet, "/sessions/nope", "", http.StatusNotFound},
		{"missing key", http.MethodPost, "/sessions/" + id + "/setup", `{"name":"Ada"}`, http.StatusBadRequest},
		{"missing name", http.MethodPost, "/sessions/" + id + "/setup", `{"apiKey":"k"}`, http.StatusBadRequest},
		{"submit in setup", http.MethodPost, "/sessions/" + id + "/messages", `{"text":"hi"}`, http.StatusConflict},
		{"finish in setup", http.MethodPost, "/sessions/" + id + "/finish", "", http.StatusConflict},
		{"result in setup", http.MethodGet, "/sessions/" + id + "/result", "", http.StatusConflict},
		{"bad body", http.MethodPut, "/sessions/" + id + "/setup", `{`, http.StatusBadRequest},
		{"bad export format", http.MethodGet, "/sessions/" + id + "/export?format=xml", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, tt.method, tt.url, tt.body)
			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d; body = %s", rr.Code, tt.wantCode, rr.Body.String())
			}
		})
	}
}

func TestSessions_GenerationFailure(t *testing.T) {
	a := setupAppHandler(t, testToken)
	a.iv.err = errors.New("quota exceeded")
	id := a.create(t, "")

	rr := a.do(t, http.MethodPost, "/sessions/"+id+"/setup", `{"apiKey":"k","name":"Ada"}`)
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body = %s", rr.Code, rr.Body.String())
	}
	if typ := errorType(t, rr); typ != "api_error" {
		t.Errorf("error type = %q", typ)
	}

	v := decodeView(t, a.do(t, http.MethodGet, "/sessions/"+id, ""))
	if v.Step != session.StepSetup || v.Name != "Ada" {
		t.Errorf("session after failure = %+v, want SETUP with name kept", v)
	}
}

func TestSessions_ResetAndDelete(t *testing.T) {
	a := setupAppHandler(t, testToken)
	id := a.create(t, "")
	a.do(t, http.MethodPost, "/sessions/"+id+"/setup", `{"apiKey":"k","name":"Ada"}`)

	rr := a.do(t, http.MethodPost, "/sessions/"+id+"/reset", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("reset status = %d", rr.Code)
	}
	v := decodeView(t, rr)
	if v.Step != session.StepSetup || len(v.Messages) != 0 || v.Name != "Ada" {
		t.Errorf("after reset = %+v", v)
	}

	if rr := a.do(t, http.MethodDelete, "/sessions/"+id, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rr.Code)
	}
	if rr := a.do(t, http.MethodGet, "/sessions/"+id, ""); rr.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rr.Code)
	}
}
