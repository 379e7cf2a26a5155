// Package dryrun provides canned implementations of every stage driver port.
//
// Dry-run episodes flow through the full pipeline without touching external
// services: completions, transcripts, images, narration, media files, and
// uploads are all deterministic stand-ins at zero cost. Outputs still vary
// with their inputs so content hashing and cascade invalidation behave the
// way they do against real drivers.
package dryrun

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"redub/internal/chapters"
	"redub/internal/services"
	"redub/internal/stage"
)

var (
	_ stage.LLM               = (*LLM)(nil)
	_ stage.Transcriber       = (*Transcriber)(nil)
	_ stage.ImageGenerator    = (*ImageGenerator)(nil)
	_ stage.SpeechSynthesizer = (*SpeechSynthesizer)(nil)
	_ stage.Media             = (*Media)(nil)
	_ stage.Downloader        = (*Downloader)(nil)
	_ stage.Publisher         = (*Publisher)(nil)
)

const (
	cannedDurationSeconds = 90.0

	cannedTranscript = "Welcome to the episode. Today we walk through the " +
		"complete production pipeline from start to finish. Every stage runs " +
		"against canned services, so nothing leaves this machine. Thanks for " +
		"listening, and see you next time."
)

// cannedPNG is a 1x1 pixel PNG, enough to satisfy image decoding.
var cannedPNG, _ = base64.StdEncoding.DecodeString(
	"iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mP8z8BQDwAEhQGAhKmMIQAAAABJRU5ErkJggg==")

// LLM returns canned completions.
type LLM struct {
	// Respond overrides the canned completion when set.
	Respond func(req stage.LLMRequest) string
}

// Call answers with deterministic text derived from the prompt. Requests
// that ask for a JSON object receive a minimal valid chapter document.
func (l *LLM) Call(ctx context.Context, req stage.LLMRequest) (*stage.LLMResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var text string
	switch {
	case l.Respond != nil:
		text = l.Respond(req)
	case wantsJSON(req):
		encoded, err := json.Marshal(cannedChapterDocument())
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "llm", "dry run", "encode chapter document", err)
		}
		text = string(encoded)
	default:
		text = fmt.Sprintf("Dry run completion %s for this prompt. The canned text changes whenever the prompt changes, and costs nothing.",
			promptDigest(req))
	}
	return &stage.LLMResult{Text: text}, nil
}

// HealthCheck always reports ready.
func (l *LLM) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("llm")
}

func wantsJSON(req stage.LLMRequest) bool {
	_, ok := req.Params["response_format"]
	return ok
}

func promptDigest(req stage.LLMRequest) string {
	h := fnv.New32a()
	h.Write([]byte(req.System))
	h.Write([]byte{0})
	h.Write([]byte(req.User))
	return fmt.Sprintf("%08x", h.Sum32())
}

func cannedChapterDocument() *chapters.Document {
	intro := "This dry run opens the episode with a short canned introduction to the topic."
	outro := "A second canned chapter closes the dry run with stock imagery and a farewell."
	doc := &chapters.Document{
		SchemaVersion: chapters.SchemaVersion,
		EpisodeID:     "dry-run",
		Title:         "Dry Run Episode",
		TotalChapters: 2,
		Chapters: []chapters.Chapter{
			{
				ChapterID: "ch-001",
				Title:     "Introduction",
				Order:     1,
				Narration: chapters.Narration{
					Text:                     intro,
					EstimatedDurationSeconds: chapters.ExpectedNarrationSeconds(intro),
				},
				Visual: chapters.Visual{
					Type:        chapters.VisualTitleCard,
					Description: "Title card with the episode name",
				},
				Overlays: []chapters.Overlay{
					{Text: "Dry Run Episode", Position: "lower_third", StartSeconds: 0.5, EndSeconds: 3.5},
				},
				Transitions: chapters.Transitions{In: "fade", Out: "fade"},
			},
			{
				ChapterID: "ch-002",
				Title:     "Closing",
				Order:     2,
				Narration: chapters.Narration{
					Text:                     outro,
					EstimatedDurationSeconds: chapters.ExpectedNarrationSeconds(outro),
				},
				Visual: chapters.Visual{
					Type:        chapters.VisualBRoll,
					Description: "Stock footage of a sunset",
					ImagePrompt: "A calm sunset over rolling hills, photographic style",
				},
				Transitions: chapters.Transitions{In: "fade", Out: "fade"},
			},
		},
	}
	for _, ch := range doc.Chapters {
		doc.EstimatedDurationSeconds += ch.Narration.EstimatedDurationSeconds
	}
	return doc
}

// Transcriber returns a canned transcript.
type Transcriber struct{}

func (t *Transcriber) Transcribe(ctx context.Context, req stage.TranscribeRequest) (*stage.TranscribeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.AudioPath == "" {
		return nil, services.Wrap(services.ErrValidation, "transcribe", "dry run", "audio path required", nil)
	}
	return &stage.TranscribeResult{
		Text:            cannedTranscript,
		DurationSeconds: cannedDurationSeconds,
	}, nil
}

func (t *Transcriber) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("transcribe")
}

// ImageGenerator returns a canned PNG.
type ImageGenerator struct{}

func (g *ImageGenerator) Generate(ctx context.Context, req stage.ImageRequest) (*stage.ImageResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, services.Wrap(services.ErrValidation, "imagegen", "dry run", "prompt required", nil)
	}
	return &stage.ImageResult{
		Bytes:         cannedPNG,
		RevisedPrompt: req.Prompt,
	}, nil
}

func (g *ImageGenerator) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("imagegen")
}

// SpeechSynthesizer returns canned narration audio.
type SpeechSynthesizer struct{}

func (s *SpeechSynthesizer) Synthesize(ctx context.Context, req stage.SpeechRequest) (*stage.SpeechResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, services.Wrap(services.ErrValidation, "tts", "dry run", "text required", nil)
	}
	return &stage.SpeechResult{
		MP3:             []byte("DRYRUN-MP3:" + promptDigestText(text)),
		DurationSeconds: chapters.ExpectedNarrationSeconds(text),
		CharacterCount:  utf8.RuneCountInString(text),
	}, nil
}

func (s *SpeechSynthesizer) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("tts")
}

func promptDigestText(text string) string {
	h := fnv.New32a()
	h.Write([]byte(text))
	return fmt.Sprintf("%08x", h.Sum32())
}

// Media writes stub files instead of invoking ffmpeg.
type Media struct{}

func (m *Media) EncodeSegment(ctx context.Context, req stage.SegmentRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.OutputPath == "" {
		return services.Wrap(services.ErrValidation, "media", "dry run", "output path required", nil)
	}
	return writeStub("media", req.OutputPath, "DRYRUN-SEGMENT:"+req.AudioPath)
}

func (m *Media) Concat(ctx context.Context, segmentPaths []string, outputPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(segmentPaths) == 0 {
		return services.Wrap(services.ErrValidation, "media", "dry run", "no segments to join", nil)
	}
	return writeStub("media", outputPath, "DRYRUN-CONCAT:"+strings.Join(segmentPaths, "|"))
}

func (m *Media) ExtractAudio(ctx context.Context, videoPath, audioPath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return writeStub("media", audioPath, "DRYRUN-AUDIO:"+videoPath)
}

func (m *Media) Probe(ctx context.Context, path string) (*stage.ProbeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "media", "dry run", path, err)
	}
	return &stage.ProbeResult{
		DurationSeconds: cannedDurationSeconds,
		SizeBytes:       info.Size(),
		VideoCodec:      "h264",
		AudioCodec:      "aac",
		Resolution:      "1920x1080",
	}, nil
}

func (m *Media) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("media")
}

// Downloader writes a stub source video and metadata file.
type Downloader struct{}

func (d *Downloader) Fetch(ctx context.Context, req stage.FetchRequest) (*stage.FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.VideoPath == "" || req.MetaPath == "" {
		return nil, services.Wrap(services.ErrValidation, "download", "dry run", "video and metadata paths required", nil)
	}
	if err := writeStub("download", req.VideoPath, "DRYRUN-VIDEO:"+req.SourceURL); err != nil {
		return nil, err
	}
	meta := map[string]any{
		"title":            "Dry Run Episode",
		"channel":          "Dry Run Channel",
		"duration_seconds": cannedDurationSeconds,
		"source_url":       req.SourceURL,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "download", "dry run", "encode metadata", err)
	}
	if err := os.WriteFile(req.MetaPath, append(encoded, '\n'), 0o644); err != nil {
		return nil, services.Wrap(services.ErrValidation, "download", "dry run", "write metadata", err)
	}
	return &stage.FetchResult{
		Title:           "Dry Run Episode",
		Channel:         "Dry Run Channel",
		DurationSeconds: cannedDurationSeconds,
	}, nil
}

func (d *Downloader) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("download")
}

// Publisher pretends to upload and returns a deterministic identity.
type Publisher struct{}

func (p *Publisher) Upload(ctx context.Context, req stage.UploadRequest) (*stage.UploadResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(req.VideoPath); err != nil {
		return nil, services.Wrap(services.ErrNotFound, "publish", "dry run", req.VideoPath, err)
	}
	if strings.TrimSpace(req.Title) == "" {
		return nil, services.Wrap(services.ErrValidation, "publish", "dry run", "title required", nil)
	}
	return &stage.UploadResult{
		ExternalID:  "dryrun-" + promptDigestText(req.VideoPath+req.Title),
		PublishedAt: time.Now().UTC(),
	}, nil
}

func (p *Publisher) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("publish")
}

func writeStub(stageName, path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return services.Wrap(services.ErrValidation, stageName, "dry run", "write stub file", err)
	}
	return nil
}
