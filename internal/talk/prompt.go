package talk

import (
	"fmt"
	"strings"

	"github.com/kalambet/anamnesis/internal/interview"
)

func characterPrompt(profile string) string {
	return fmt.Sprintf(`%s

---
Character Profile:
%s

---
You are acting as the character described above.
Respond to the user's input based on your personality, cognitive dynamics and
narrative identity defined in the profile. Keep the tone and behavioural
patterns it specifies. Never step out of character.`, interview.Framework, profile)
}

func scenePrompt(personas []Persona, situation, theme string) string {
	var b strings.Builder
	b.WriteString("Write a scene in which the following characters interact.\n\n")
	for _, p := range personas {
		fmt.Fprintf(&b, "## %s\n%s\n\n", p.Name, p.Profile)
	}
	fmt.Fprintf(&b, "---\nSituation: %s\nTheme: %s\n\n", strings.TrimSpace(situation), strings.TrimSpace(theme))
	b.WriteString(`Format the scene as a script: one line per utterance, "Name: line",
with short stage directions in parentheses. Every character must act
according to their profile, and the theme must surface through their
conflicts rather than be stated.`)
	return b.String()
}
