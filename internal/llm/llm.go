// Package llm abstracts the text-generation collaborator. Interview,
// synthesis and role-play all go through Generator so the provider can be
// swapped by configuration.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrMissingAPIKey is returned by providers that need a key when none is given.
var ErrMissingAPIKey = errors.New("api key is required")

// Role tags a Turn. The vocabulary follows Gemini; adapters map it.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// Turn is one entry of conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Schema describes the JSON object a structured response must match.
type Schema struct {
	Name       string
	Properties map[string]SchemaProperty
	Required   []string
	// Order lists property names in the order the model should emit them.
	Order []string
}

// SchemaProperty describes a single field within a Schema.
type SchemaProperty struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Request is one generation call.
type Request struct {
	Model   string
	System  string
	History []Turn
	// Schema requests a JSON response when non-nil.
	Schema *Schema
}

// Generator produces the next model message for a conversation.
type Generator interface {
	Generate(ctx context.Context, apiKey string, req Request) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, apiKey string, req Request) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, apiKey string, req Request) (string, error) {
	return f(ctx, apiKey, req)
}

// Provider names a Generator backend.
type Provider string

const (
	ProviderGemini     Provider = "gemini"
	ProviderOpenRouter Provider = "openrouter"
	ProviderOllama     Provider = "ollama"
)

// Options selects a provider. BaseURL overrides the provider endpoint.
type Options struct {
	Provider Provider
	BaseURL  string
}

// New returns the Generator for opts.Provider.
func New(opts Options) (Generator, error) {
	switch opts.Provider {
	case ProviderGemini, "":
		return NewGemini(opts.BaseURL), nil
	case ProviderOpenRouter:
		return NewOpenRouter(opts.BaseURL), nil
	case ProviderOllama:
		return NewOllama(opts.BaseURL), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", opts.Provider)
	}
}

// jsonSchema renders s as a JSON Schema object.
func jsonSchema(s *Schema) map[string]any {
	props := make(map[string]any, len(s.Properties))
	for name, p := range s.Properties {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		props[name] = prop
	}
	out := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(s.Required) > 0 {
		out["required"] = s.Required
	}
	return out
}
