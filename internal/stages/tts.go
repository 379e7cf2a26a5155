package stages

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"redub/internal/cascade"
	"redub/internal/costs"
	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/stage"
	"redub/internal/store"
)

// TTS synthesizes narration audio for every chapter. The tts manifest keys
// each chapter's hash so edited narration re-synthesizes only the chapters
// that changed, and the measured durations it records supersede the
// chapterizer's estimates downstream.
type TTS struct {
	deps Deps
}

// NewTTS builds the narration synthesis stage module.
func NewTTS(deps Deps) *TTS {
	return &TTS{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *TTS) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameTTS,
		Requires: store.StatusImagesGenerated,
		Produces: store.StatusTTSDone,
	}
}

// Plan hashes every chapter's narration with the voice settings and budgets
// only the chapters the manifest does not already cover.
func (s *TTS) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	doc, err := loadChapters(stage.NameTTS, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}

	tts := s.deps.Config.TTS
	parts := []hashing.Part{
		hashing.TextPart("voice_id", tts.VoiceID),
		hashing.TextPart("model", tts.Model),
	}
	outputs := []string{paths.TTSManifest()}

	manifest, err := cascade.LoadManifest(paths.TTSManifest())
	if err != nil {
		return nil, err
	}
	var projected float64
	for _, ch := range doc.Chapters {
		parts = append(parts, hashing.TextPart("chapter:"+ch.ChapterID, ch.Narration.Text))
		audioPath := paths.ChapterAudio(ch.ChapterID)
		outputs = append(outputs, audioPath)
		if !manifest.Current(ch.ChapterID, s.chapterHash(ch.Narration.Text), audioPath) {
			projected += costs.TTSPrice(utf8.RuneCountInString(ch.Narration.Text), tts.PricePer1KChars)
		}
	}

	return &stage.Plan{
		InputFiles:       []string{paths.ChaptersDoc()},
		InputHash:        hashing.Canonical(parts...),
		OutputFiles:      outputs,
		ProjectedCostUSD: projected,
	}, nil
}

// Execute synthesizes the stale chapters in order, writing manifest entries as
// it goes. A measured duration far off the chapterizer's estimate is worth a
// warning but not a failure; render trusts the audio, not the plan.
func (s *TTS) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)
	tts := s.deps.Config.TTS

	doc, err := loadChapters(stage.NameTTS, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}
	manifest, err := cascade.LoadManifest(paths.TTSManifest())
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = cascade.NewManifest(stage.NameTTS, ep.ID)
	}

	var (
		synthesized int
		reused      int
		assets      []store.MediaAsset
	)
	for _, ch := range doc.Chapters {
		audioPath := paths.ChapterAudio(ch.ChapterID)
		chapterHash := s.chapterHash(ch.Narration.Text)

		if !exec.Force && manifest.Current(ch.ChapterID, chapterHash, audioPath) {
			reused++
			exec.Logger.Debug("chapter narration current, skipping",
				logging.String("chapter_id", ch.ChapterID),
			)
			continue
		}

		result, err := s.deps.Speech.Synthesize(ctx, stage.SpeechRequest{
			Text:            ch.Narration.Text,
			Voice:           tts.VoiceID,
			Model:           tts.Model,
			Stability:       tts.Stability,
			SimilarityBoost: tts.SimilarityBoost,
			Style:           tts.Style,
			UseSpeakerBoost: tts.UseSpeakerBoost,
		})
		if err != nil {
			return nil, fmt.Errorf("chapter %s: %w", ch.ChapterID, err)
		}
		exec.AddUsage(0, 0, result.CostUSD)

		if err := fileutil.WriteFileAtomic(audioPath, result.MP3, 0o644); err != nil {
			return nil, fmt.Errorf("chapter %s: write narration audio: %w", ch.ChapterID, err)
		}

		if estimate := ch.Narration.EstimatedDurationSeconds; estimate > 0 {
			if deviation := math.Abs(result.DurationSeconds - estimate); deviation > estimate*0.20 {
				exec.Logger.Warn("narration duration deviates from chapter plan",
					logging.String("chapter_id", ch.ChapterID),
					logging.Float64("estimated_seconds", estimate),
					logging.Float64("actual_seconds", result.DurationSeconds),
				)
			}
		}

		manifest.Upsert(cascade.ManifestEntry{
			ChapterID: ch.ChapterID,
			InputHash: chapterHash,
			File:      filepath.Base(audioPath),
			Metadata: map[string]string{
				"duration_seconds": strconv.FormatFloat(result.DurationSeconds, 'f', 3, 64),
				"character_count":  strconv.Itoa(result.CharacterCount),
			},
		})
		if err := manifest.Write(paths.TTSManifest()); err != nil {
			return nil, fmt.Errorf("chapter %s: write tts manifest: %w", ch.ChapterID, err)
		}

		assets = append(assets, store.MediaAsset{
			EpisodeID:       ep.ID,
			ChapterID:       ch.ChapterID,
			AssetType:       store.AssetAudio,
			FilePath:        audioPath,
			MimeType:        "audio/mpeg",
			SizeBytes:       int64(len(result.MP3)),
			DurationSeconds: float64Ptr(result.DurationSeconds),
		})
		synthesized++
	}

	if err := manifest.Write(paths.TTSManifest()); err != nil {
		return nil, fmt.Errorf("write tts manifest: %w", err)
	}

	return &stage.Outcome{
		Detail:            fmt.Sprintf("synthesized %d chapters, reused %d", synthesized, reused),
		ArtifactType:      "narration",
		ArtifactPath:      paths.TTSManifest(),
		Assets:            assets,
		SegmentsProcessed: synthesized,
	}, nil
}

// chapterHash fingerprints one chapter's narration together with every voice
// setting that changes the rendered audio.
func (s *TTS) chapterHash(text string) string {
	tts := s.deps.Config.TTS
	return hashing.Canonical(
		hashing.TextPart("narration", text),
		hashing.TextPart("voice_id", tts.VoiceID),
		hashing.TextPart("model", tts.Model),
		hashing.TextPart("stability", formatFloat(tts.Stability)),
		hashing.TextPart("similarity_boost", formatFloat(tts.SimilarityBoost)),
		hashing.TextPart("style", formatFloat(tts.Style)),
		hashing.TextPart("use_speaker_boost", strconv.FormatBool(tts.UseSpeakerBoost)),
	)
}

// HealthCheck reports speech provider readiness.
func (s *TTS) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameTTS, s.deps.Speech.HealthCheck(ctx))
}
