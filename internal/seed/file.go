package seed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ledongthuc/pdf"
)

// MaxSeedBytes caps how much text an imported document contributes.
const MaxSeedBytes = 64 << 10

// ErrUnsupportedFormat is returned for files that are not text, Markdown or PDF.
var ErrUnsupportedFormat = errors.New("unsupported seed file format")

// ReadFile extracts the text of a .txt, .md or .pdf file, truncated to
// MaxSeedBytes.
func ReadFile(path string) (string, error) {
	var text string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".md", ".markdown":
		data, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("reading seed file: %w", err)
		}
		text = string(data)
	case ".pdf":
		t, err := readPDF(path)
		if err != nil {
			return "", err
		}
		text = t
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}

	text = strings.TrimSpace(text)
	if len(text) > MaxSeedBytes {
		text = truncateUTF8(text, MaxSeedBytes)
	}
	return text, nil
}

func readPDF(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, io.LimitReader(plain, MaxSeedBytes*2)); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return buf.String(), nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	for n > 0 && n < len(s) && !utf8Start(s[n]) {
		n--
	}
	return s[:n]
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}
