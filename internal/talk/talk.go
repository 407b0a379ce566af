// Package talk role-plays finished personas: one-on-one chat and
// multi-character scenes.
package talk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/anamnesis/internal/interview"
	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/session"
)

const (
	generateTimeout = 3 * time.Minute
	loadConcurrency = 4
	emptyReply      = "..."
)

var (
	// ErrNoProfile is returned for a session without a final profile.
	ErrNoProfile = errors.New("session has no final profile")
	// ErrTooFewCharacters is returned when a scene has fewer than two personas.
	ErrTooFewCharacters = errors.New("a scene needs at least two characters")
	// ErrMissingScene is returned when the situation or theme is blank.
	ErrMissingScene = errors.New("situation and theme are required")
	// ErrMissingAPIKey is returned when neither the request, the session nor
	// the configuration supplies a key.
	ErrMissingAPIKey = errors.New("api key is required")
	// ErrEmptyMessage is returned for a blank chat message.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrGenerationFailed wraps collaborator failures.
	ErrGenerationFailed = errors.New("generation failed")
)

// Persona is a finished character.
type Persona struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Profile string `json:"profile"`
	apiKey  string
}

// Scene describes a multi-character generation request.
type Scene struct {
	IDs       []string `json:"ids"`
	Situation string   `json:"situation"`
	Theme     string   `json:"theme"`
	APIKey    string   `json:"apiKey,omitempty"`
}

// Talker generates in-character replies. Chat history is supplied by the
// caller on each call and never stored.
type Talker struct {
	store       *session.Store
	gen         llm.Generator
	model       string
	fallbackKey string
	logger      *slog.Logger
}

// New creates a Talker. fallbackKey is used when a session has no key.
func New(store *session.Store, gen llm.Generator, model, fallbackKey string, logger *slog.Logger) *Talker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Talker{store: store, gen: gen, model: model, fallbackKey: fallbackKey, logger: logger}
}

// Persona loads the finished persona for id.
func (t *Talker) Persona(ctx context.Context, id string) (Persona, error) {
	st, err := t.store.Load(ctx, id)
	if err != nil {
		return Persona{}, err
	}
	if strings.TrimSpace(st.FinalProfile) == "" {
		return Persona{}, fmt.Errorf("%w: %s", ErrNoProfile, id)
	}
	return Persona{ID: st.ID, Name: st.Name, Profile: st.FinalProfile, apiKey: st.APIKey}, nil
}

// Personas lists every session that has a final profile, newest first. It
// reads only the session index.
func (t *Talker) Personas(ctx context.Context) ([]Persona, error) {
	index := t.store.List(ctx)
	out := make([]Persona, 0, len(index))
	for _, m := range index {
		if strings.TrimSpace(m.FinalProfile) == "" {
			continue
		}
		out = append(out, Persona{ID: m.ID, Name: m.Name, Profile: m.FinalProfile})
	}
	return out, nil
}

// Chat sends message to the persona id with the given prior history and
// returns its reply.
func (t *Talker) Chat(ctx context.Context, id string, history []llm.Turn, message, apiKey string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	p, err := t.Persona(ctx, id)
	if err != nil {
		return "", err
	}
	key := t.key(apiKey, p.apiKey)
	if key == "" {
		return "", ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	turns := append(append([]llm.Turn(nil), history...), llm.Turn{Role: llm.RoleUser, Content: message})
	text, err := t.gen.Generate(ctx, key, llm.Request{
		Model:   t.model,
		System:  characterPrompt(p.Profile),
		History: turns,
	})
	if err != nil {
		return "", fmt.Errorf("%w: talking to %s: %w", ErrGenerationFailed, p.Name, err)
	}
	if strings.TrimSpace(text) == "" {
		return emptyReply, nil
	}
	return text, nil
}

// Group generates one scene script in which every persona of s takes part.
func (t *Talker) Group(ctx context.Context, s Scene) (string, error) {
	ids := dedupe(s.IDs)
	if len(ids) < 2 {
		return "", ErrTooFewCharacters
	}
	if strings.TrimSpace(s.Situation) == "" || strings.TrimSpace(s.Theme) == "" {
		return "", ErrMissingScene
	}

	personas, err := t.load(ctx, ids)
	if err != nil {
		return "", err
	}
	key := t.key(s.APIKey, personas[0].apiKey)
	if key == "" {
		return "", ErrMissingAPIKey
	}

	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	text, err := t.gen.Generate(ctx, key, llm.Request{
		Model:   t.model,
		System:  interview.Framework,
		History: []llm.Turn{{Role: llm.RoleUser, Content: scenePrompt(personas, s.Situation, s.Theme)}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: generating scene: %w", ErrGenerationFailed, err)
	}
	t.logger.Info("scene generated", "characters", len(personas))
	return text, nil
}

// load reads personas concurrently, preserving order.
func (t *Talker) load(ctx context.Context, ids []string) ([]Persona, error) {
	out := make([]Persona, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, id := range ids {
		g.Go(func() error {
			p, err := t.Persona(ctx, id)
			if err != nil {
				return err
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// key picks the first non-empty of the request key, the session key and the
// configured fallback.
func (t *Talker) key(request, stored string) string {
	for _, k := range []string{request, stored, t.fallbackKey} {
		if k = strings.TrimSpace(k); k != "" {
			return k
		}
	}
	return ""
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
