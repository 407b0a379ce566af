// Package gemini calls the Gemini API through google.golang.org/genai.
package gemini

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"google.golang.org/genai"
)

// maxClients bounds the clients a Pool keeps; the least recently used key is
// dropped first.
const maxClients = 16

// ErrMissingAPIKey is returned when no API key is supplied.
var ErrMissingAPIKey = errors.New("gemini: api key is required")

// Message is one turn of conversation history. Role is "user" or "model".
type Message struct {
	Role string
	Text string
}

// Schema is the object schema for structured responses.
type Schema struct {
	Properties map[string]Property
	Required   []string
	Order      []string
}

// Property is one field of a Schema.
type Property struct {
	Type        string // "string", "boolean", "integer", "number"
	Description string
}

// Pool hands out one genai client per API key. Sessions carry their own key,
// so a single process may talk to Gemini under several. Clients are cached
// under a hash of the key.
type Pool struct {
	baseURL string

	mu      sync.Mutex
	clients *lru.Cache[string, *genai.Client]
}

// NewPool creates a Pool. baseURL overrides the API endpoint when non-empty.
func NewPool(baseURL string) *Pool {
	return newPool(baseURL, maxClients)
}

func newPool(baseURL string, size int) *Pool {
	clients, err := lru.New[string, *genai.Client](size)
	if err != nil {
		panic(err) // only for size <= 0
	}
	return &Pool{baseURL: baseURL, clients: clients}
}

func keyHash(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

func (p *Pool) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	id := keyHash(apiKey)

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients.Get(id); ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	p.clients.Add(id, c)
	return c, nil
}

// Generate sends history to model with the given system instruction and
// returns the text of the first candidate. When schema is non-nil the
// response is requested as JSON matching it. A response without candidates
// yields an empty string.
func (p *Pool) Generate(ctx context.Context, apiKey, model, system string, history []Message, schema *Schema) (string, error) {
	c, err := p.client(ctx, apiKey)
	if err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if schema != nil {
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = toGenaiSchema(schema)
	}

	res, err := c.Models.GenerateContent(ctx, model, toContents(history), config)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}

	// Blocked prompts come back without candidates.
	if len(res.Candidates) == 0 || res.Candidates[0].Content == nil {
		return "", nil
	}
	var b strings.Builder
	for _, part := range res.Candidates[0].Content.Parts {
		if part != nil && !part.Thought {
			b.WriteString(part.Text)
		}
	}
	return b.String(), nil
}

func toContents(history []Message) []*genai.Content {
	contents := make([]*genai.Content, 0, len(history))
	for _, m := range history {
		role := genai.Role(genai.RoleUser)
		if m.Role == string(genai.RoleModel) {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Text, role))
	}
	return contents
}

func toGenaiSchema(s *Schema) *genai.Schema {
	props := make(map[string]*genai.Schema, len(s.Properties))
	for name, p := range s.Properties {
		props[name] = &genai.Schema{Type: genaiType(p.Type), Description: p.Description}
	}
	return &genai.Schema{
		Type:             genai.TypeObject,
		Properties:       props,
		Required:         s.Required,
		PropertyOrdering: s.Order,
	}
}

func genaiType(t string) genai.Type {
	switch t {
	case "boolean":
		return genai.TypeBoolean
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	default:
		return genai.TypeString
	}
}
