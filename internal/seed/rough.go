// Package seed builds the rough profile a session starts from, either from
// labelled fields or from an imported document.
package seed

import (
	"regexp"
	"strings"
)

// Rough is the structured form of a rough profile.
type Rough struct {
	Gender  string `json:"gender,omitempty" yaml:"gender,omitempty"`
	Age     string `json:"age,omitempty" yaml:"age,omitempty"`
	Summary string `json:"summary,omitempty" yaml:"summary,omitempty"`
}

var (
	genderRe  = regexp.MustCompile(`性別:\s*([^\n]*)`)
	ageRe     = regexp.MustCompile(`年齢:\s*([^\n]*)`)
	summaryRe = regexp.MustCompile(`(?s)概要:\s*(.*)`)
)

// Compose renders r as labelled lines, skipping empty fields.
func Compose(r Rough) string {
	var b strings.Builder
	if g := strings.TrimSpace(r.Gender); g != "" {
		b.WriteString("性別: " + g + "\n")
	}
	if a := strings.TrimSpace(r.Age); a != "" {
		b.WriteString("年齢: " + a + "\n")
	}
	if s := strings.TrimSpace(r.Summary); s != "" {
		b.WriteString("概要: " + s)
	}
	return strings.TrimSpace(b.String())
}

// Parse splits a rough profile into its labelled fields. Text without any
// labels becomes the summary.
func Parse(text string) Rough {
	var r Rough
	gender := genderRe.FindStringSubmatch(text)
	age := ageRe.FindStringSubmatch(text)
	summary := summaryRe.FindStringSubmatch(text)

	if gender != nil {
		r.Gender = strings.TrimSpace(gender[1])
	}
	if age != nil {
		r.Age = strings.TrimSpace(age[1])
	}
	switch {
	case summary != nil:
		r.Summary = strings.TrimSpace(summary[1])
	case gender == nil && age == nil:
		r.Summary = text
	}
	return r
}
