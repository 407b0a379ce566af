package llm

import (
	"context"
	"errors"

	"github.com/kalambet/anamnesis/internal/gemini"
)

// Gemini generates through the Gemini API.
type Gemini struct {
	pool *gemini.Pool
}

// NewGemini creates a Gemini generator. baseURL may be empty.
func NewGemini(baseURL string) *Gemini {
	return &Gemini{pool: gemini.NewPool(baseURL)}
}

func (g *Gemini) Generate(ctx context.Context, apiKey string, req Request) (string, error) {
	history := make([]gemini.Message, len(req.History))
	for i, t := range req.History {
		history[i] = gemini.Message{Role: string(t.Role), Text: t.Content}
	}

	var schema *gemini.Schema
	if req.Schema != nil {
		props := make(map[string]gemini.Property, len(req.Schema.Properties))
		for k, v := range req.Schema.Properties {
			props[k] = gemini.Property{Type: v.Type, Description: v.Description}
		}
		schema = &gemini.Schema{Properties: props, Required: req.Schema.Required, Order: req.Schema.Order}
	}

	text, err := g.pool.Generate(ctx, apiKey, req.Model, req.System, history, schema)
	if errors.Is(err, gemini.ErrMissingAPIKey) {
		return "", ErrMissingAPIKey
	}
	return text, err
}
