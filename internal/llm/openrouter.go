package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kalambet/anamnesis/internal/proxy"
)

// OpenRouter generates through OpenRouter's OpenAI-compatible endpoint.
type OpenRouter struct {
	baseURL string
}

// NewOpenRouter creates an OpenRouter generator. baseURL may be empty.
func NewOpenRouter(baseURL string) *OpenRouter {
	return &OpenRouter{baseURL: baseURL}
}

func (o *OpenRouter) Generate(ctx context.Context, apiKey string, req Request) (string, error) {
	if apiKey == "" {
		return "", ErrMissingAPIKey
	}

	cr := proxy.ChatRequest{
		Model:    req.Model,
		Messages: openAIMessages(req.System, req.History),
	}
	if req.Schema != nil {
		raw, err := json.Marshal(jsonSchema(req.Schema))
		if err != nil {
			return "", fmt.Errorf("encoding schema: %w", err)
		}
		name := req.Schema.Name
		if name == "" {
			name = "response"
		}
		cr.ResponseFormat = &proxy.ResponseFormat{
			Type:       "json_schema",
			JSONSchema: &proxy.JSONSchema{Name: name, Strict: true, Schema: raw},
		}
	}

	return proxy.NewClientWithBaseURL(apiKey, o.baseURL).Chat(ctx, cr)
}

// openAIMessages prepends the system prompt and renames the model role.
func openAIMessages(system string, history []Turn) []proxy.Message {
	msgs := make([]proxy.Message, 0, len(history)+1)
	if system != "" {
		msgs = append(msgs, proxy.Message{Role: "system", Content: system})
	}
	for _, t := range history {
		msgs = append(msgs, proxy.Message{Role: chatRole(t.Role), Content: t.Content})
	}
	return msgs
}

func chatRole(r Role) string {
	if r == RoleModel {
		return "assistant"
	}
	return "user"
}
