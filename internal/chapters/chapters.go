// Package chapters defines the chapter document produced by the chapterizer
// and consumed by the image, TTS, and render stages.
package chapters

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	"redub/internal/fileutil"
	"redub/internal/services"
	"redub/internal/textutil"
)

// SchemaVersion is the only chapter document revision this build reads.
const SchemaVersion = "1.0"

const (
	wordsPerMinute           = 150.0
	narrationToleranceFrac   = 0.20
	documentToleranceSeconds = 5.0
)

// VisualType enumerates how a chapter is pictured on screen.
type VisualType string

const (
	VisualTitleCard   VisualType = "title_card"
	VisualDiagram     VisualType = "diagram"
	VisualBRoll       VisualType = "b_roll"
	VisualTalkingHead VisualType = "talking_head"
	VisualScreenShare VisualType = "screen_share"
)

var visualTypes = map[VisualType]struct{}{
	VisualTitleCard:   {},
	VisualDiagram:     {},
	VisualBRoll:       {},
	VisualTalkingHead: {},
	VisualScreenShare: {},
}

// RequiresImage reports whether a visual type needs a generated image.
func (v VisualType) RequiresImage() bool {
	return v == VisualDiagram || v == VisualBRoll
}

// Document is the chapter plan for one episode.
type Document struct {
	SchemaVersion            string    `json:"schema_version"`
	EpisodeID                string    `json:"episode_id"`
	Title                    string    `json:"title"`
	TotalChapters            int       `json:"total_chapters"`
	EstimatedDurationSeconds float64   `json:"estimated_duration_seconds"`
	Chapters                 []Chapter `json:"chapters"`
}

// Chapter is one narrated segment of the episode.
type Chapter struct {
	ChapterID   string      `json:"chapter_id"`
	Title       string      `json:"title"`
	Order       int         `json:"order"`
	Narration   Narration   `json:"narration"`
	Visual      Visual      `json:"visual"`
	Overlays    []Overlay   `json:"overlays"`
	Transitions Transitions `json:"transitions"`
}

// Narration carries the spoken text and its planned duration.
type Narration struct {
	Text                     string  `json:"text"`
	EstimatedDurationSeconds float64 `json:"estimated_duration_seconds"`
}

// Visual describes the on-screen treatment for a chapter.
type Visual struct {
	Type        VisualType `json:"type"`
	Description string     `json:"description"`
	ImagePrompt string     `json:"image_prompt,omitempty"`
}

// Overlay is a text element composited onto the chapter segment.
type Overlay struct {
	Text         string  `json:"text"`
	Position     string  `json:"position,omitempty"`
	StartSeconds float64 `json:"start_seconds,omitempty"`
	EndSeconds   float64 `json:"end_seconds,omitempty"`
}

// Transitions names the in/out treatment applied when encoding the segment.
type Transitions struct {
	In  string `json:"in"`
	Out string `json:"out"`
}

// WordCount counts whitespace-separated narration words.
func WordCount(text string) int {
	return len(strings.Fields(text))
}

// ExpectedNarrationSeconds converts a word count into the planned speaking
// time at the standard 150 words per minute.
func ExpectedNarrationSeconds(text string) float64 {
	return float64(WordCount(text)) / wordsPerMinute * 60.0
}

// Validate checks every document invariant and returns a validation error
// naming the first violation.
func (d *Document) Validate() error {
	if d.SchemaVersion != SchemaVersion {
		return invalid(fmt.Sprintf("schema_version %q is not %q", d.SchemaVersion, SchemaVersion))
	}
	if strings.TrimSpace(d.EpisodeID) == "" {
		return invalid("episode_id is empty")
	}
	if len(d.Chapters) == 0 {
		return invalid("document has no chapters")
	}
	if d.TotalChapters != len(d.Chapters) {
		return invalid(fmt.Sprintf("total_chapters %d does not match %d chapters", d.TotalChapters, len(d.Chapters)))
	}

	seen := make(map[string]struct{}, len(d.Chapters))
	var durationSum float64
	for i, ch := range d.Chapters {
		if strings.TrimSpace(ch.ChapterID) == "" {
			return invalid(fmt.Sprintf("chapter %d has empty chapter_id", i+1))
		}
		// Chapter IDs become image, audio, and segment file names.
		if textutil.SanitizeToken(ch.ChapterID) != ch.ChapterID {
			return invalid(fmt.Sprintf("chapter_id %q is not a lowercase filename-safe slug", ch.ChapterID))
		}
		if _, dup := seen[ch.ChapterID]; dup {
			return invalid(fmt.Sprintf("duplicate chapter_id %q", ch.ChapterID))
		}
		seen[ch.ChapterID] = struct{}{}

		if ch.Order != i+1 {
			return invalid(fmt.Sprintf("chapter %q has order %d, want %d", ch.ChapterID, ch.Order, i+1))
		}
		if strings.TrimSpace(ch.Narration.Text) == "" {
			return invalid(fmt.Sprintf("chapter %q has empty narration", ch.ChapterID))
		}
		if ch.Narration.EstimatedDurationSeconds <= 0 {
			return invalid(fmt.Sprintf("chapter %q has non-positive narration duration", ch.ChapterID))
		}
		if _, ok := visualTypes[ch.Visual.Type]; !ok {
			return invalid(fmt.Sprintf("chapter %q has unknown visual type %q", ch.ChapterID, ch.Visual.Type))
		}
		if ch.Visual.Type.RequiresImage() && strings.TrimSpace(ch.Visual.ImagePrompt) == "" {
			return invalid(fmt.Sprintf("chapter %q visual type %q requires image_prompt", ch.ChapterID, ch.Visual.Type))
		}

		expected := ExpectedNarrationSeconds(ch.Narration.Text)
		if deviation := math.Abs(ch.Narration.EstimatedDurationSeconds - expected); deviation > expected*narrationToleranceFrac {
			return invalid(fmt.Sprintf("chapter %q narration duration %.1fs deviates more than %.0f%% from expected %.1fs",
				ch.ChapterID, ch.Narration.EstimatedDurationSeconds, narrationToleranceFrac*100, expected))
		}

		durationSum += ch.Narration.EstimatedDurationSeconds
	}

	if math.Abs(durationSum-d.EstimatedDurationSeconds) > documentToleranceSeconds {
		return invalid(fmt.Sprintf("chapter durations sum to %.1fs but document claims %.1fs (tolerance %.0fs)",
			durationSum, d.EstimatedDurationSeconds, documentToleranceSeconds))
	}
	return nil
}

// ImageChapters returns the chapters whose visuals need generated images, in
// document order.
func (d *Document) ImageChapters() []Chapter {
	var out []Chapter
	for _, ch := range d.Chapters {
		if ch.Visual.Type.RequiresImage() {
			out = append(out, ch)
		}
	}
	return out
}

// Load reads and validates a chapter document from disk.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read chapter document: %w", err)
	}
	doc, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return doc, nil
}

// Decode parses and validates a chapter document.
func Decode(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, invalidErr("parse chapter document", err)
	}
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Write validates the document and writes it atomically.
func Write(path string, doc *Document) error {
	if err := doc.Validate(); err != nil {
		return err
	}
	return fileutil.WriteJSONAtomic(path, doc)
}

func invalid(message string) error {
	return services.Wrap(services.ErrValidation, "chapters", "validate", message, nil)
}

func invalidErr(message string, err error) error {
	return services.Wrap(services.ErrValidation, "chapters", "decode", message, err)
}
