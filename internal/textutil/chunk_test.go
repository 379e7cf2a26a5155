package textutil

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "simple sentences",
			text: "Hallo Welt. Wie geht es dir? Gut!",
			want: []string{"Hallo Welt.", "Wie geht es dir?", "Gut!"},
		},
		{
			name: "closing quote stays attached",
			text: `Er sagte "Nein." Dann ging er.`,
			want: []string{`Er sagte "Nein."`, "Dann ging er."},
		},
		{
			name: "paragraph break ends sentence",
			text: "Erster Absatz ohne Punkt\n\nZweiter Absatz.",
			want: []string{"Erster Absatz ohne Punkt", "Zweiter Absatz."},
		},
		{
			name: "decimal point does not split",
			text: "Das kostet 3.50 Euro heute.",
			want: []string{"Das kostet 3.50 Euro heute."},
		},
		{
			name: "empty input",
			text: "   ",
			want: nil,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := SplitSentences(tc.text)
			if len(got) != len(tc.want) {
				t.Fatalf("got %d sentences %#v, want %#v", len(got), got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Fatalf("sentence %d = %q, want %q", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestChunkBySentencesKeepsShortTextWhole(t *testing.T) {
	text := "Ein kurzer Text. Zwei Sätze."
	chunks := ChunkBySentences(text, 5000)
	if len(chunks) != 1 || chunks[0] != text {
		t.Fatalf("expected single chunk, got %#v", chunks)
	}
}

func TestChunkBySentencesRespectsLimit(t *testing.T) {
	sentence := "Dies ist ein Satz mit einigen Worten darin."
	text := strings.TrimSpace(strings.Repeat(sentence+" ", 40))
	limit := 100

	chunks := ChunkBySentences(text, limit)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, chunk := range chunks {
		if utf8.RuneCountInString(chunk) > limit {
			t.Fatalf("chunk %d exceeds limit: %d runes", i, utf8.RuneCountInString(chunk))
		}
		if !strings.HasSuffix(chunk, ".") {
			t.Fatalf("chunk %d does not end on a sentence boundary: %q", i, chunk)
		}
	}
	if joined := strings.Join(chunks, " "); joined != text {
		t.Fatalf("chunks lost content:\n got %q\nwant %q", joined, text)
	}
}

func TestChunkBySentencesSplitsOversizedSentence(t *testing.T) {
	text := strings.TrimSpace(strings.Repeat("wort ", 50))
	chunks := ChunkBySentences(text, 20)
	if len(chunks) < 2 {
		t.Fatalf("expected word-boundary split, got %#v", chunks)
	}
	for i, chunk := range chunks {
		if utf8.RuneCountInString(chunk) > 20 {
			t.Fatalf("chunk %d exceeds limit: %q", i, chunk)
		}
	}
}

func TestChunkBySentencesCountsRunesNotBytes(t *testing.T) {
	// Four 3-byte runes per word; limits are in characters.
	text := strings.TrimSpace(strings.Repeat("äöüß ", 30))
	chunks := ChunkBySentences(text, 12)
	for i, chunk := range chunks {
		if utf8.RuneCountInString(chunk) > 12 {
			t.Fatalf("chunk %d exceeds rune limit: %q", i, chunk)
		}
	}
}
