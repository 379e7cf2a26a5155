package stages

import (
	"context"
	"fmt"

	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/stage"
	"redub/internal/store"
)

// Translate renders the approved corrected transcript into the target
// language. It runs only after review gate 1 approves the correction.
type Translate struct {
	deps Deps
}

// NewTranslate builds the translate stage module.
func NewTranslate(deps Deps) *Translate {
	return &Translate{deps: deps}
}

// Descriptor names the stage, its status transition, and the correction
// review gate that must be approved first.
func (s *Translate) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameTranslate,
		Requires: store.StatusCorrected,
		Produces: store.StatusTranslated,
		Gate:     stage.NameCorrect,
	}
}

// Plan hashes the corrected transcript and the language pair.
func (s *Translate) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameTranslate, "corrected transcript", paths.CorrectedTranscript())
	if err != nil {
		return nil, err
	}
	prompt, err := s.deps.resolvePrompt(ctx, PromptTranslation)
	if err != nil {
		return nil, err
	}

	return &stage.Plan{
		InputFiles: []string{paths.CorrectedTranscript()},
		InputHash: hashing.Canonical(
			hashing.TextPart("corrected_transcript", text),
			hashing.TextPart("source_language", s.deps.Config.Pipeline.SourceLanguage),
			hashing.TextPart("target_language", s.deps.Config.Pipeline.TargetLanguage),
		),
		Prompt:           prompt,
		OutputFiles:      []string{paths.TranslatedTranscript()},
		ProjectedCostUSD: projectedLLMTextCost(text),
	}, nil
}

// Execute translates the transcript chunk by chunk.
func (s *Translate) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameTranslate, "corrected transcript", paths.CorrectedTranscript())
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"source_language": s.deps.Config.Pipeline.SourceLanguage,
		"target_language": s.deps.Config.Pipeline.TargetLanguage,
	}
	translated, chunkCount, err := s.deps.transformText(ctx, exec, exec.Plan.Prompt, vars, "transcript", text)
	if err != nil {
		return nil, err
	}

	if err := fileutil.WriteFileAtomic(paths.TranslatedTranscript(), []byte(translated+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write translated transcript: %w", err)
	}

	return &stage.Outcome{
		Detail: fmt.Sprintf("translated %s to %s in %d chunks",
			s.deps.Config.Pipeline.SourceLanguage, s.deps.Config.Pipeline.TargetLanguage, chunkCount),
		ArtifactType: "translation",
		ArtifactPath: paths.TranslatedTranscript(),
	}, nil
}

// HealthCheck reports LLM readiness.
func (s *Translate) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameTranslate, s.deps.LLM.HealthCheck(ctx))
}
