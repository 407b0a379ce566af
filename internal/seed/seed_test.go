package seed

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestCompose(t *testing.T) {
	got := Compose(Rough{Gender: " 女性 ", Age: "36", Summary: "数学者\n内向的"})
	want := "性別: 女性\n年齢: 36\n概要: 数学者\n内向的"
	if got != want {
		t.Errorf("Compose = %q, want %q", got, want)
	}
	if got := Compose(Rough{Age: "12"}); got != "年齢: 12" {
		t.Errorf("Compose(age only) = %q", got)
	}
	if got := Compose(Rough{}); got != "" {
		t.Errorf("Compose(empty) = %q", got)
	}
}

func TestParse_RoundTrip(t *testing.T) {
	in := Rough{Gender: "女性", Age: "36", Summary: "数学者\n内向的"}
	if got := Parse(Compose(in)); got != in {
		t.Errorf("Parse(Compose(x)) = %+v, want %+v", got, in)
	}
}

func TestParse_UnlabelledBecomesSummary(t *testing.T) {
	text := "A retired sailor who hums sea shanties."
	got := Parse(text)
	if got.Summary != text || got.Gender != "" || got.Age != "" {
		t.Errorf("Parse = %+v", got)
	}
}

func TestParse_LabelsWithoutSummary(t *testing.T) {
	got := Parse("性別: 男性\nsomething else")
	if got.Gender != "男性" || got.Summary != "" {
		t.Errorf("Parse = %+v", got)
	}
}

func TestReadFile_Text(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ada.md")
	os.WriteFile(path, []byte("\n# Ada\nshy\n"), 0o644)

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != "# Ada\nshy" {
		t.Errorf("ReadFile = %q", got)
	}
}

func TestReadFile_Truncates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "long.txt")
	os.WriteFile(path, []byte(strings.Repeat("あ", MaxSeedBytes)), 0o644)

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(got) > MaxSeedBytes {
		t.Errorf("len = %d, want <= %d", len(got), MaxSeedBytes)
	}
	if !utf8.ValidString(got) {
		t.Error("truncation split a rune")
	}
}

func TestReadFile_Unsupported(t *testing.T) {
	if _, err := ReadFile("profile.docx"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestReadFile_BadPDF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.pdf")
	os.WriteFile(path, []byte("not a pdf"), 0o644)

	if _, err := ReadFile(path); err == nil {
		t.Error("expected error for invalid pdf")
	}
}
