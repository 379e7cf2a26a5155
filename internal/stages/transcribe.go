package stages

import (
	"context"
	"fmt"
	"os"
	"strings"

	"redub/internal/costs"
	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Transcribe extracts the narration audio from the source media and turns it
// into the clean source-language transcript.
type Transcribe struct {
	deps Deps
}

// NewTranscribe builds the transcribe stage module.
func NewTranscribe(deps Deps) *Transcribe {
	return &Transcribe{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *Transcribe) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameTranscribe,
		Requires: store.StatusDownloaded,
		Produces: store.StatusTranscribed,
	}
}

// Plan hashes the source media content together with the recognition
// settings and budgets the call from the probed duration.
func (s *Transcribe) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	mediaHash, err := hashing.File(paths.SourceMedia())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, stage.NameTranscribe, "plan",
			"source media missing, run download first", err)
	}

	probe, err := s.deps.Media.Probe(ctx, paths.SourceMedia())
	if err != nil {
		return nil, fmt.Errorf("probe source media: %w", err)
	}

	return &stage.Plan{
		InputFiles: []string{paths.SourceMedia()},
		InputHash: hashing.Canonical(
			hashing.TextPart("source_media_sha256", mediaHash),
			hashing.TextPart("language", s.deps.Config.Pipeline.SourceLanguage),
			hashing.TextPart("model", s.deps.Config.TranscribeLLM().Model),
		),
		OutputFiles:      []string{paths.SourceAudio(), paths.CleanTranscript()},
		ProjectedCostUSD: costs.TranscribePrice(probe.DurationSeconds),
	}, nil
}

// Execute extracts mono audio, transcribes it, and writes the cleaned
// transcript.
func (s *Transcribe) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	if err := s.deps.Media.ExtractAudio(ctx, paths.SourceMedia(), paths.SourceAudio()); err != nil {
		return nil, fmt.Errorf("extract narration audio: %w", err)
	}

	result, err := s.deps.Transcriber.Transcribe(ctx, stage.TranscribeRequest{
		AudioPath: paths.SourceAudio(),
		Language:  s.deps.Config.Pipeline.SourceLanguage,
		Model:     s.deps.Config.TranscribeLLM().Model,
	})
	if err != nil {
		return nil, err
	}
	exec.AddUsage(0, 0, result.CostUSD)

	text := cleanTranscript(result.Text)
	if text == "" {
		return nil, services.Wrap(services.ErrValidation, stage.NameTranscribe, "execute",
			"recognizer returned an empty transcript", nil)
	}
	if err := fileutil.WriteFileAtomic(paths.CleanTranscript(), []byte(text+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write transcript: %w", err)
	}

	asset := store.MediaAsset{
		EpisodeID: ep.ID,
		AssetType: store.AssetAudio,
		FilePath:  paths.SourceAudio(),
		MimeType:  "audio/mpeg",
	}
	if info, err := os.Stat(paths.SourceAudio()); err == nil {
		asset.SizeBytes = info.Size()
	}
	if result.DurationSeconds > 0 {
		asset.DurationSeconds = float64Ptr(result.DurationSeconds)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("transcribed %.0fs of audio", result.DurationSeconds),
		ArtifactType: "transcription",
		ArtifactPath: paths.CleanTranscript(),
		Assets:       []store.MediaAsset{asset},
	}, nil
}

// HealthCheck reports the av toolchain and recognizer readiness.
func (s *Transcribe) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameTranscribe,
		s.deps.Media.HealthCheck(ctx),
		s.deps.Transcriber.HealthCheck(ctx),
	)
}

// cleanTranscript normalizes recognizer output: per-line whitespace is
// trimmed and runs of blank lines collapse to one paragraph break.
func cleanTranscript(raw string) string {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	var out []string
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			blank = len(out) > 0
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
