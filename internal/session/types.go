// Package session persists profiling sessions: an ordered index of session
// metadata plus one record per session, kept in step over a storage.Backend.
package session

import "strings"

// Step is the phase a session is in.
type Step string

const (
	StepSetup     Step = "SETUP"
	StepInterview Step = "INTERVIEW"
	StepResult    Step = "RESULT"
)

// Valid reports whether s is one of the known steps.
func (s Step) Valid() bool {
	switch s {
	case StepSetup, StepInterview, StepResult:
		return true
	}
	return false
}

// Role identifies the author of a Message.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// DefaultName is used when a session is saved without a character name.
const DefaultName = "Untitled Profile"

// Message is one turn of the interview transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Analysis is the interviewer's private reasoning. Never sent back as history.
	Analysis string `json:"analysis,omitempty"`
	// Hidden marks the synthetic opening turn built from setup data.
	Hidden bool `json:"hidden,omitempty"`
}

// Metadata is the index projection of a session.
type Metadata struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	RoughProfile string `json:"roughProfile"`
	UpdatedAt    int64  `json:"updatedAt"` // Unix milliseconds
	// FinalProfile is set once the result phase has synthesized a profile.
	FinalProfile string `json:"finalProfile,omitempty"`
}

// SavedState is the full persisted record of one session.
type SavedState struct {
	Metadata
	Step     Step      `json:"step"`
	APIKey   string    `json:"apiKey"`
	Messages []Message `json:"messages"`
}

// New returns a blank session in SETUP with the given id.
func New(id string) SavedState {
	return SavedState{
		Metadata: Metadata{ID: id},
		Step:     StepSetup,
		Messages: []Message{},
	}
}

// Projection returns the metadata entry the index holds for s.
func (s SavedState) Projection() Metadata {
	m := s.Metadata
	if strings.TrimSpace(m.Name) == "" {
		m.Name = DefaultName
	}
	return m
}

// Visible returns the transcript without hidden turns.
func (s SavedState) Visible() []Message {
	out := make([]Message, 0, len(s.Messages))
	for _, m := range s.Messages {
		if !m.Hidden {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a deep copy of s so callers can hand it to another goroutine.
func (s SavedState) Clone() SavedState {
	c := s
	c.Messages = append([]Message(nil), s.Messages...)
	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return c
}
