package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"redub/internal/costs"
	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Version-1 episodes predate review gates, adaptation, and chapter imagery:
// the translated transcript is narrated in one take and rendered over the
// solid backdrop. The modules below keep that short graph runnable next to
// the full one.

// LegacyTranslate is the translation stage without a preceding review gate.
type LegacyTranslate struct {
	*Translate
}

// NewLegacyTranslate builds the version-1 translate stage module.
func NewLegacyTranslate(deps Deps) *LegacyTranslate {
	return &LegacyTranslate{Translate: NewTranslate(deps)}
}

// Descriptor drops the correction gate; version 1 has none.
func (s *LegacyTranslate) Descriptor() stage.Descriptor {
	desc := s.Translate.Descriptor()
	desc.Gate = ""
	return desc
}

// LegacyTTS narrates the whole translated transcript as a single take.
type LegacyTTS struct {
	deps Deps
}

// NewLegacyTTS builds the version-1 narration stage module.
func NewLegacyTTS(deps Deps) *LegacyTTS {
	return &LegacyTTS{deps: deps}
}

// Descriptor consumes the translated transcript directly; version 1 knows no
// chapters or imagery.
func (s *LegacyTTS) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameTTS,
		Requires: store.StatusTranslated,
		Produces: store.StatusTTSDone,
	}
}

// Plan hashes the translated transcript with the voice settings.
func (s *LegacyTTS) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameTTS, "translated transcript", paths.TranslatedTranscript())
	if err != nil {
		return nil, err
	}

	tts := s.deps.Config.TTS
	return &stage.Plan{
		InputFiles: []string{paths.TranslatedTranscript()},
		InputHash: hashing.Canonical(
			hashing.TextPart("narration", text),
			hashing.TextPart("voice_id", tts.VoiceID),
			hashing.TextPart("model", tts.Model),
		),
		OutputFiles:      []string{paths.NarrationAudio()},
		ProjectedCostUSD: costs.TTSPrice(utf8.RuneCountInString(text), tts.PricePer1KChars),
	}, nil
}

// Execute synthesizes the narration and writes the single audio file.
func (s *LegacyTTS) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)
	tts := s.deps.Config.TTS

	text, err := readInput(stage.NameTTS, "translated transcript", paths.TranslatedTranscript())
	if err != nil {
		return nil, err
	}

	result, err := s.deps.Speech.Synthesize(ctx, stage.SpeechRequest{
		Text:            text,
		Voice:           tts.VoiceID,
		Model:           tts.Model,
		Stability:       tts.Stability,
		SimilarityBoost: tts.SimilarityBoost,
		Style:           tts.Style,
		UseSpeakerBoost: tts.UseSpeakerBoost,
	})
	if err != nil {
		return nil, err
	}
	exec.AddUsage(0, 0, result.CostUSD)

	if err := fileutil.WriteFileAtomic(paths.NarrationAudio(), result.MP3, 0o644); err != nil {
		return nil, fmt.Errorf("write narration audio: %w", err)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("synthesized %.0fs narration in one take", result.DurationSeconds),
		ArtifactType: "narration",
		ArtifactPath: paths.NarrationAudio(),
		Assets: []store.MediaAsset{{
			EpisodeID:       ep.ID,
			AssetType:       store.AssetAudio,
			FilePath:        paths.NarrationAudio(),
			MimeType:        "audio/mpeg",
			SizeBytes:       int64(len(result.MP3)),
			DurationSeconds: float64Ptr(result.DurationSeconds),
		}},
		SegmentsProcessed: 1,
	}, nil
}

// HealthCheck reports speech provider readiness.
func (s *LegacyTTS) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameTTS, s.deps.Speech.HealthCheck(ctx))
}

// LegacyRender encodes the narration over the solid backdrop in one segment,
// straight to the draft cut.
type LegacyRender struct {
	deps Deps
}

// NewLegacyRender builds the version-1 video assembly stage module.
func NewLegacyRender(deps Deps) *LegacyRender {
	return &LegacyRender{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *LegacyRender) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameRender,
		Requires: store.StatusTTSDone,
		Produces: store.StatusRendered,
	}
}

// Plan hashes the narration audio with the encode settings.
func (s *LegacyRender) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	audioHash, err := hashing.File(paths.NarrationAudio())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, stage.NameRender, "plan",
			"narration audio missing, run tts first", err)
	}

	return &stage.Plan{
		InputFiles: []string{paths.NarrationAudio()},
		InputHash: hashing.Canonical(
			hashing.TextPart("audio_sha256", audioHash),
			hashing.TextPart("settings", s.settingsKey()),
		),
		OutputFiles: []string{paths.RenderBackground(), paths.DraftVideo()},
	}, nil
}

// Execute writes the backdrop and encodes the draft in a single pass bounded
// by the concat timeout; one segment is the whole video here.
func (s *LegacyRender) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)
	render := s.deps.Config.Render

	if err := writeBackground(render.Resolution, paths.RenderBackground()); err != nil {
		return nil, err
	}

	encodeCtx := ctx
	if render.ConcatTimeoutSec > 0 {
		var cancel context.CancelFunc
		encodeCtx, cancel = context.WithTimeout(ctx, time.Duration(render.ConcatTimeoutSec)*time.Second)
		defer cancel()
	}
	err := s.deps.Media.EncodeSegment(encodeCtx, stage.SegmentRequest{
		ImagePath:    paths.RenderBackground(),
		AudioPath:    paths.NarrationAudio(),
		Resolution:   render.Resolution,
		FPS:          render.FPS,
		CRF:          render.CRF,
		Preset:       render.Preset,
		AudioBitrate: render.AudioBitrate,
		OutputPath:   paths.DraftVideo(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode draft: %w", err)
	}

	probe, err := s.deps.Media.Probe(ctx, paths.DraftVideo())
	if err != nil {
		return nil, fmt.Errorf("probe draft: %w", err)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("rendered %.0fs draft in one segment", probe.DurationSeconds),
		ArtifactType: "draft_video",
		ArtifactPath: paths.DraftVideo(),
		Assets: []store.MediaAsset{{
			EpisodeID:       ep.ID,
			AssetType:       store.AssetVideo,
			FilePath:        paths.DraftVideo(),
			MimeType:        "video/mp4",
			SizeBytes:       probe.SizeBytes,
			DurationSeconds: float64Ptr(probe.DurationSeconds),
		}},
		SegmentsProcessed: 1,
	}, nil
}

// settingsKey flattens the encode settings the single-segment draft depends
// on. Fonts and transitions never apply without overlays or chapter cuts.
func (s *LegacyRender) settingsKey() string {
	render := s.deps.Config.Render
	return strings.Join([]string{
		render.Resolution,
		strconv.Itoa(render.FPS),
		strconv.Itoa(render.CRF),
		render.Preset,
		render.AudioBitrate,
	}, "|")
}

// HealthCheck reports av toolchain readiness.
func (s *LegacyRender) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameRender, s.deps.Media.HealthCheck(ctx))
}

// LegacyPublish uploads the rendered draft directly; version 1 has no final
// review gate, so rendered is the publishable status.
type LegacyPublish struct {
	deps Deps
}

// NewLegacyPublish builds the version-1 publish stage module.
func NewLegacyPublish(deps Deps) *LegacyPublish {
	return &LegacyPublish{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *LegacyPublish) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NamePublish,
		Requires: store.StatusRendered,
		Produces: store.StatusPublished,
	}
}

// Plan hashes the draft and its listing inputs.
func (s *LegacyPublish) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	draftHash, err := hashing.File(paths.DraftVideo())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, stage.NamePublish, "plan",
			"draft video missing, run render first", err)
	}

	return &stage.Plan{
		InputFiles: []string{paths.DraftVideo()},
		InputHash: hashing.Canonical(
			hashing.TextPart("draft_sha256", draftHash),
			hashing.TextPart("title", ep.Title),
			hashing.TextPart("privacy", s.deps.Config.Publish.Privacy),
			hashing.TextPart("target_language", s.deps.Config.Pipeline.TargetLanguage),
		),
	}, nil
}

// Execute uploads the draft with a plain description; no chapters exist to
// list.
func (s *LegacyPublish) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode

	if outcome, err := publishGuard(s.deps, exec); outcome != nil || err != nil {
		return outcome, err
	}

	var b strings.Builder
	b.WriteString(ep.Title)
	if url := strings.TrimSpace(ep.SourceURL); url != "" {
		b.WriteString("\n\nSource: ")
		b.WriteString(url)
		b.WriteString("\n")
	}
	tags := []string{s.deps.Config.Pipeline.TargetLanguage, "dubbed"}
	return publishUpload(ctx, s.deps, exec, b.String(), tags)
}

// HealthCheck reports publisher readiness.
func (s *LegacyPublish) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NamePublish, s.deps.Publisher.HealthCheck(ctx))
}
