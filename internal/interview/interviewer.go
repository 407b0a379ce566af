// Package interview runs the two model-facing phases of a profiling session:
// the turn-by-turn interview and the final profile synthesis.
package interview

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/session"
)

const generateTimeout = 3 * time.Minute

const (
	// EmptyReplyFallback is shown when the model returns no text for a turn.
	EmptyReplyFallback = "I'm having trouble thinking of a response. Please try again."
	// EmptyProfileFallback is cached when synthesis returns no text.
	EmptyProfileFallback = "Failed to generate profile."
)

// Turn is the parsed interviewer reply.
type Turn struct {
	Reply    string `json:"reply"`
	Analysis string `json:"analysis"`
	// Finished is the model's hint that the interview could end. It does not
	// change the session phase.
	Finished bool `json:"isFinished"`
}

// Interviewer talks to the collaborator on behalf of a session.
type Interviewer struct {
	gen    llm.Generator
	model  string
	logger *slog.Logger
}

// New creates an Interviewer using gen with the given model name.
func New(gen llm.Generator, model string, logger *slog.Logger) *Interviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Interviewer{gen: gen, model: model, logger: logger}
}

// Continue sends history plus latest and returns the next interviewer turn.
// A reply that is not the expected JSON degrades to the raw text with an
// empty analysis. Only transport failures are returned as errors.
func (iv *Interviewer) Continue(ctx context.Context, apiKey string, history []session.Message, latest string) (Turn, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	turns := append(History(history), llm.Turn{Role: llm.RoleUser, Content: latest})
	raw, err := iv.gen.Generate(ctx, apiKey, llm.Request{
		Model:   iv.model,
		System:  InterviewerSystemPrompt(),
		History: turns,
		Schema:  turnSchema(),
	})
	if err != nil {
		return Turn{}, err
	}
	return iv.parseTurn(raw), nil
}

// Synthesize asks for the final profile document from the whole transcript.
func (iv *Interviewer) Synthesize(ctx context.Context, apiKey string, history []session.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, generateTimeout)
	defer cancel()

	turns := append(History(history), llm.Turn{Role: llm.RoleUser, Content: FinalInstruction})
	text, err := iv.gen.Generate(ctx, apiKey, llm.Request{
		Model:   iv.model,
		System:  GeneratorSystemPrompt(),
		History: turns,
	})
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return EmptyProfileFallback, nil
	}
	return text, nil
}

type rawTurn struct {
	Analysis   *string         `json:"analysis"`
	Reply      *string         `json:"reply"`
	IsFinished json.RawMessage `json:"is_finished"`
}

func (iv *Interviewer) parseTurn(raw string) Turn {
	text := strings.TrimSpace(raw)
	if text == "" {
		return Turn{Reply: EmptyReplyFallback}
	}

	var rt rawTurn
	if err := json.Unmarshal([]byte(stripFence(text)), &rt); err != nil {
		iv.logger.Warn("interviewer reply is not JSON, using raw text", "error", err)
		return Turn{Reply: text}
	}
	if rt.Reply == nil || rt.Analysis == nil {
		iv.logger.Warn("interviewer reply missing fields, using raw text")
		return Turn{Reply: text}
	}
	finished, ok := parseFinished(rt.IsFinished)
	if !ok {
		iv.logger.Warn("interviewer reply has invalid is_finished, using raw text", "value", string(rt.IsFinished))
		return Turn{Reply: text}
	}
	return Turn{Reply: *rt.Reply, Analysis: *rt.Analysis, Finished: finished}
}

// parseFinished accepts a boolean or a string ("true" in any case). The field
// is required: absent or null is not a valid reply.
func parseFinished(raw json.RawMessage) (bool, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "true"), true
	}
	return false, false
}

// stripFence removes a surrounding ```json fence some models add.
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
