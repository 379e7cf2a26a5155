// Package language validates and normalizes the source/target language codes
// that name transcripts and scripts on disk.
package language

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Normalize validates code as a BCP-47 tag and returns the lowercase base
// language subtag used in artifact filenames (e.g. "DE" -> "de",
// "pt-BR" -> "pt").
func Normalize(code string) (string, error) {
	trimmed := strings.TrimSpace(code)
	if trimmed == "" {
		return "", fmt.Errorf("language code is empty")
	}
	tag, err := language.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse language %q: %w", trimmed, err)
	}
	base, confidence := tag.Base()
	if confidence == language.No {
		return "", fmt.Errorf("language %q has no recognizable base subtag", trimmed)
	}
	return strings.ToLower(base.String()), nil
}

// DisplayName returns the English name for a language code, falling back to
// the code itself when it cannot be resolved.
func DisplayName(code string) string {
	normalized, err := Normalize(code)
	if err != nil {
		return code
	}
	tag := language.Make(normalized)
	if name := display.English.Languages().Name(tag); name != "" {
		return name
	}
	return normalized
}

// Pair holds a validated source/target language combination.
type Pair struct {
	Source string
	Target string
}

// NewPair normalizes both codes and rejects identical source and target.
func NewPair(source, target string) (Pair, error) {
	src, err := Normalize(source)
	if err != nil {
		return Pair{}, fmt.Errorf("source: %w", err)
	}
	tgt, err := Normalize(target)
	if err != nil {
		return Pair{}, fmt.Errorf("target: %w", err)
	}
	if src == tgt {
		return Pair{}, fmt.Errorf("source and target languages are both %q", src)
	}
	return Pair{Source: src, Target: tgt}, nil
}
