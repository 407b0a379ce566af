package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/talk"
)

// TalkRequest is one chat turn with a persona. History is held by the caller.
type TalkRequest struct {
	History []llm.Turn `json:"history"`
	Message string     `json:"message"`
	APIKey  string     `json:"apiKey,omitempty"`
}

type personaSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func handleListPersonas(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		personas, err := deps.Talker.Personas(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]personaSummary, len(personas))
		for i, p := range personas {
			out[i] = personaSummary{ID: p.ID, Name: p.Name}
		}
		writeJSON(w, out)
	}
}

func handleTalk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req TalkRequest
		if !decodeBody(w, r, &req) {
			return
		}
		reply, err := deps.Talker.Chat(r.Context(), chi.URLParam(r, "id"), req.History, req.Message, req.APIKey)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"reply": reply})
	}
}

func handleGroup(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var scene talk.Scene
		if !decodeBody(w, r, &scene) {
			return
		}
		script, err := deps.Talker.Group(r.Context(), scene)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, map[string]string{"script": script})
	}
}
