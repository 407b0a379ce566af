package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"

	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/profiler"
	"github.com/kalambet/anamnesis/internal/seed"
	"github.com/kalambet/anamnesis/internal/session"
	"github.com/kalambet/anamnesis/internal/talk"
)

type AppDeps struct {
	Workspace *profiler.Workspace
	Talker    *talk.Talker
	Token     string
	Logger    *slog.Logger
}

// SessionView is a session as returned over HTTP. The API key is never
// echoed back.
type SessionView struct {
	ID           string            `json:"id" yaml:"id"`
	Name         string            `json:"name" yaml:"name"`
	RoughProfile string            `json:"roughProfile" yaml:"roughProfile"`
	Rough        seed.Rough        `json:"rough" yaml:"rough"`
	UpdatedAt    int64             `json:"updatedAt" yaml:"updatedAt"`
	Step         session.Step      `json:"step" yaml:"step"`
	HasAPIKey    bool              `json:"hasApiKey" yaml:"hasApiKey"`
	Busy         bool              `json:"busy" yaml:"-"`
	Messages     []session.Message `json:"messages" yaml:"messages"`
	FinalProfile string            `json:"finalProfile,omitempty" yaml:"finalProfile,omitempty"`
}

// TurnResponse is returned by the setup completion and message endpoints.
type TurnResponse struct {
	Turn    interview.Turn `json:"turn"`
	Session SessionView    `json:"session"`
}

func viewOf(c *profiler.Controller) SessionView {
	st := c.State()
	return SessionView{
		ID:           st.ID,
		Name:         st.Name,
		RoughProfile: st.RoughProfile,
		Rough:        seed.Parse(st.RoughProfile),
		UpdatedAt:    st.UpdatedAt,
		Step:         st.Step,
		HasAPIKey:    st.APIKey != "",
		Busy:         c.Busy(),
		Messages:     c.Transcript(),
		FinalProfile: st.FinalProfile,
	}
}

func NewAppHandler(deps AppDeps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/sessions", handleListSessions(deps))
		r.Post("/sessions", handleCreateSession(deps))
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", handleGetSession(deps))
			r.Delete("/", handleDeleteSession(deps))
			r.Get("/export", handleExportSession(deps))
			r.Put("/setup", handleUpdateSetup(deps))
			r.Post("/setup", handleCompleteSetup(deps))
			r.Post("/messages", handleSubmit(deps))
			r.Post("/finish", handleFinish(deps))
			r.Get("/result", handleResult(deps))
			r.Post("/reset", handleReset(deps))
			r.Post("/close", handleCloseSession(deps))
		})

		r.Get("/personas", handleListPersonas(deps))
		r.Post("/talk/{id}", handleTalk(deps))
		r.Post("/group", handleGroup(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListSessions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, deps.Workspace.List(r.Context()))
	}
}

func handleCreateSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var setup profiler.Setup
		if !decodeBody(w, r, &setup) {
			return
		}
		c := deps.Workspace.Create()
		if setup != (profiler.Setup{}) {
			if err := c.UpdateSetup(setup); err != nil {
				writeError(w, err)
				return
			}
		}
		w.Header().Set("Location", "/sessions/"+c.ID())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		writeJSON(w, viewOf(c))
	}
}

// withSession opens the session named in the URL and passes its controller on.
func withSession(deps AppDeps, fn func(w http.ResponseWriter, r *http.Request, c *profiler.Controller)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Workspace.Open(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		fn(w, r, c)
	}
}

func handleGetSession(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		writeJSON(w, viewOf(c))
	})
}

func handleDeleteSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Workspace.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}

// handleExportSession renders the full session, hidden turns and analysis
// included, as JSON or YAML.
func handleExportSession(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		v := viewOf(c)
		v.Messages = c.State().Messages

		switch format := r.URL.Query().Get("format"); format {
		case "", "json":
			writeJSON(w, v)
		case "yaml", "yml":
			b, err := yaml.Marshal(v)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to encode session: %v", err)
				return
			}
			w.Header().Set("Content-Type", "application/yaml")
			w.Write(b)
		default:
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported format %q", format)
		}
	})
}

func handleUpdateSetup(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		var setup profiler.Setup
		if !decodeBody(w, r, &setup) {
			return
		}
		if err := c.UpdateSetup(setup); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(c))
	})
}

func handleCompleteSetup(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		var setup profiler.Setup
		if !decodeBody(w, r, &setup) {
			return
		}
		turn, err := c.CompleteSetup(r.Context(), setup)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, TurnResponse{Turn: turn, Session: viewOf(c)})
	})
}

func handleSubmit(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		var req struct {
			Text string `json:"text"`
		}
		if !decodeBody(w, r, &req) {
			return
		}
		turn, err := c.Submit(r.Context(), req.Text)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, TurnResponse{Turn: turn, Session: viewOf(c)})
	})
}

func handleFinish(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		if err := c.Finish(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(c))
	})
}

func handleResult(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		profile, err := c.Result(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"id": c.ID(), "profile": profile})
	})
}

func handleReset(deps AppDeps) http.HandlerFunc {
	return withSession(deps, func(w http.ResponseWriter, r *http.Request, c *profiler.Controller) {
		if err := c.Reset(); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, viewOf(c))
	})
}

func handleCloseSession(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Workspace.Close(r.Context(), chi.URLParam(r, "id")); err != nil {
			deps.Logger.Warn("closing session", "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "closed"})
	}
}
