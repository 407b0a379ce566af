package interview

import (
	"fmt"
	"strings"

	"github.com/kalambet/anamnesis/internal/llm"
	"github.com/kalambet/anamnesis/internal/session"
)

// Framework is the profiling framework shared by the interviewer, the
// profile generator and role-play prompts.
const Framework = `# Anamnesis profiling framework

A character profile has five layers. Each layer is grounded in evidence from
the conversation, never invented.

1. Core identity: name, age, gender, role, the one-sentence essence.
2. Temperament: baseline mood, energy, reactivity, how stress shows.
3. Cognitive dynamics: how the character perceives, decides and rationalises;
   recurring biases; what they notice first.
4. Values and conflicts: what they protect, what they want, which of their
   wants contradict each other.
5. Narrative identity: the story they tell about themselves, formative
   memories, speech patterns and verbal tics.`

// InterviewerSystemPrompt instructs the model to run the interview.
func InterviewerSystemPrompt() string {
	return Framework + `

---
You are an interviewer building a character profile with the framework above.
The user is the author of the character and answers on their behalf.

Ask one focused question at a time. Prefer concrete scenes ("what did they do
when...") over abstract labels. Test hypotheses from earlier answers and dig into
contradictions. Keep your replies short and in the user's language.

Respond with JSON only:
- "analysis": your private reasoning about the last answer, the hypotheses it
  supports or weakens, and what to ask next. The user never sees this.
- "reply": the message shown to the user.
- "is_finished": true only when every layer has enough evidence to write the
  profile.`
}

// GeneratorSystemPrompt instructs the model to write the final profile.
func GeneratorSystemPrompt() string {
	return Framework + `

---
You write the final character profile from an interview transcript. Use
Markdown with one section per framework layer, quote the user's own words as
evidence where possible, and mark layers with thin evidence as tentative.
Output only the profile document.`
}

// FinalInstruction is appended as the last user turn when synthesising.
const FinalInstruction = "アーキテクチャプロフィールをいままでの会話から作って下さい"

// OpeningMessage builds the hidden first user turn from setup data.
func OpeningMessage(name, roughProfile string) string {
	msg := fmt.Sprintf("こんにちは、キャラクター名は%sです。", name)
	if rough := strings.TrimSpace(roughProfile); rough != "" {
		msg += fmt.Sprintf("キャラクターの今きまっている概要は %sです。", rough)
	}
	return msg
}

// turnSchema is the structured shape of an interviewer reply.
func turnSchema() *llm.Schema {
	return &llm.Schema{
		Name: "interview_turn",
		Properties: map[string]llm.SchemaProperty{
			"analysis":    {Type: "string", Description: "Internal psychological analysis of the user's input, hypothesis testing and strategy."},
			"reply":       {Type: "string", Description: "The direct response to the user, acting as the interviewer."},
			"is_finished": {Type: "boolean", Description: "Set to true when the interview is finished."},
		},
		Required: []string{"analysis", "reply", "is_finished"},
		Order:    []string{"analysis", "reply", "is_finished"},
	}
}

// History converts a transcript to collaborator turns. Analysis never leaves
// the process; hidden turns are part of the conversation and are kept.
func History(messages []session.Message) []llm.Turn {
	turns := make([]llm.Turn, 0, len(messages))
	for _, m := range messages {
		role := llm.RoleUser
		if m.Role == session.RoleModel {
			role = llm.RoleModel
		}
		turns = append(turns, llm.Turn{Role: role, Content: m.Content})
	}
	return turns
}
