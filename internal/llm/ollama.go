package llm

import (
	"context"

	"github.com/kalambet/anamnesis/internal/ollama"
)

// Ollama generates with a local Ollama server. The API key is ignored.
type Ollama struct {
	client *ollama.Client
}

// NewOllama creates an Ollama generator for baseURL (empty for the default).
func NewOllama(baseURL string) *Ollama {
	return &Ollama{client: ollama.New(baseURL)}
}

// Client exposes the underlying client for readiness checks.
func (o *Ollama) Client() *ollama.Client {
	return o.client
}

func (o *Ollama) Generate(ctx context.Context, _ string, req Request) (string, error) {
	msgs := make([]ollama.Message, 0, len(req.History)+1)
	if req.System != "" {
		msgs = append(msgs, ollama.Message{Role: "system", Content: req.System})
	}
	for _, t := range req.History {
		msgs = append(msgs, ollama.Message{Role: chatRole(t.Role), Content: t.Content})
	}

	var s *ollama.Schema
	if req.Schema != nil {
		s = &ollama.Schema{
			Type:       "object",
			Required:   req.Schema.Required,
			Properties: make(map[string]ollama.SchemaProperty, len(req.Schema.Properties)),
		}
		for k, v := range req.Schema.Properties {
			s.Properties[k] = ollama.SchemaProperty{Type: v.Type, Description: v.Description}
		}
	}

	return o.client.Chat(ctx, req.Model, msgs, s)
}
