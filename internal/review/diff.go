package review

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"redub/internal/fileutil"
	"redub/internal/textutil"
)

// DiffSchemaVersion is the diff document revision this build reads.
const DiffSchemaVersion = "1.0"

// contextWords caps how many words of an unchanged run the diff document
// keeps. Longer runs are elided around an ellipsis so reviewers see the
// edit neighborhoods without scrolling the whole transcript.
const contextWords = 10

// Diff is the reviewer-facing change summary between a stage's input text
// and its output text. ChangeCount and PunctuationOnly feed the correction
// auto-approval policy. Similarity is the cosine similarity of the two
// texts' term-frequency fingerprints: corrections land near 1.0 while
// adaptation rewrites score lower, so reviewers can gauge how heavy an
// edit is before opening the hunks.
type Diff struct {
	SchemaVersion   string     `json:"schema_version"`
	EpisodeID       string     `json:"episode_id"`
	Stage           string     `json:"stage"`
	ChangeCount     int        `json:"change_count"`
	PunctuationOnly bool       `json:"punctuation_only"`
	Similarity      float64    `json:"similarity"`
	Hunks           []DiffHunk `json:"hunks"`
}

// DiffHunk is one run of the word diff. Equal hunks carry Text (elided when
// long) and the full word count; changed hunks carry Before and After.
type DiffHunk struct {
	Op     string `json:"op"`
	Text   string `json:"text,omitempty"`
	Words  int    `json:"words,omitempty"`
	Before string `json:"before,omitempty"`
	After  string `json:"after,omitempty"`
}

// BuildDiff computes the word diff between before and after and wraps it in
// the reviewer document.
func BuildDiff(episodeID, stage, before, after string) *Diff {
	hunks := textutil.WordDiff(before, after)
	similarity := textutil.CosineSimilarity(textutil.NewFingerprint(before), textutil.NewFingerprint(after))
	doc := &Diff{
		SchemaVersion:   DiffSchemaVersion,
		EpisodeID:       episodeID,
		Stage:           stage,
		ChangeCount:     textutil.ChangeCount(hunks),
		PunctuationOnly: textutil.AllPunctuationOnly(hunks),
		Similarity:      math.Round(similarity*10000) / 10000,
		Hunks:           make([]DiffHunk, 0, len(hunks)),
	}
	for _, h := range hunks {
		switch h.Op {
		case textutil.OpEqual:
			doc.Hunks = append(doc.Hunks, DiffHunk{
				Op:    string(h.Op),
				Text:  elide(h.Before),
				Words: len(h.Before),
			})
		default:
			doc.Hunks = append(doc.Hunks, DiffHunk{
				Op:     string(h.Op),
				Before: strings.Join(h.Before, " "),
				After:  strings.Join(h.After, " "),
			})
		}
	}
	return doc
}

// Write persists the diff document atomically.
func (d *Diff) Write(path string) error {
	return fileutil.WriteJSONAtomic(path, d)
}

// LoadDiff reads a diff document. A missing file returns (nil, nil).
func LoadDiff(path string) (*Diff, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read diff: %w", err)
	}
	var d Diff
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse diff %s: %w", path, err)
	}
	return &d, nil
}

func elide(words []string) string {
	if len(words) <= contextWords {
		return strings.Join(words, " ")
	}
	half := contextWords / 2
	head := strings.Join(words[:half], " ")
	tail := strings.Join(words[len(words)-half:], " ")
	return head + " […] " + tail
}
