package textutil

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// sentenceTerminators end a sentence when followed by whitespace or EOF.
var sentenceTerminators = map[rune]bool{
	'.': true,
	'!': true,
	'?': true,
	'…': true,
}

// closingTrailers may follow a terminator and still belong to the sentence.
var closingTrailers = map[rune]bool{
	'"':  true,
	'\'': true,
	'»':  true,
	'«':  true,
	'“':  true,
	'”':  true,
	'‘':  true,
	'’':  true,
	')':  true,
	']':  true,
}

// SplitSentences splits text into sentences on terminal punctuation followed
// by whitespace, keeping the punctuation (and any closing quote) with its
// sentence. Paragraph breaks always end a sentence. The split is heuristic:
// abbreviations like "z. B." produce extra boundaries, which is harmless for
// chunking because fragments are repacked up to the chunk ceiling anyway.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder
	flush := func() {
		if sentence := strings.TrimSpace(current.String()); sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		current.WriteRune(r)

		if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
			flush()
			continue
		}
		if !sentenceTerminators[r] {
			continue
		}
		// Pull trailing quotes and brackets into the sentence.
		for i+1 < len(runes) && closingTrailers[runes[i+1]] {
			i++
			current.WriteRune(runes[i])
		}
		if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
			flush()
		}
	}
	flush()
	return sentences
}

// ChunkBySentences packs sentences into chunks of at most maxChars runes.
// Sentences stay intact unless a single sentence exceeds the limit, in which
// case it is split on word boundaries (and as a last resort mid-word).
// maxChars <= 0 disables chunking.
func ChunkBySentences(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 || utf8.RuneCountInString(text) <= maxChars {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, sentence := range SplitSentences(text) {
		length := utf8.RuneCountInString(sentence)
		if length > maxChars {
			flush()
			chunks = append(chunks, splitOversized(sentence, maxChars)...)
			continue
		}
		if currentLen > 0 && currentLen+1+length > maxChars {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(sentence)
		currentLen += length
	}
	flush()
	return chunks
}

func splitOversized(sentence string, maxChars int) []string {
	var pieces []string
	var current strings.Builder
	currentLen := 0
	flush := func() {
		if currentLen > 0 {
			pieces = append(pieces, strings.TrimSpace(current.String()))
			current.Reset()
			currentLen = 0
		}
	}

	for _, word := range strings.Fields(sentence) {
		length := utf8.RuneCountInString(word)
		if length > maxChars {
			flush()
			runes := []rune(word)
			for start := 0; start < len(runes); start += maxChars {
				end := start + maxChars
				if end > len(runes) {
					end = len(runes)
				}
				pieces = append(pieces, string(runes[start:end]))
			}
			continue
		}
		if currentLen > 0 && currentLen+1+length > maxChars {
			flush()
		}
		if currentLen > 0 {
			current.WriteByte(' ')
			currentLen++
		}
		current.WriteString(word)
		currentLen += length
	}
	flush()
	return pieces
}
