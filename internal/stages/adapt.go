package stages

import (
	"context"
	"fmt"

	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/review"
	"redub/internal/stage"
	"redub/internal/store"
)

// Adapt reworks the translated transcript into a culturally adapted
// narration script for the target audience: idioms, references, pacing. Its
// output feeds review gate 2, so it writes the reviewer diff and folds
// changes-requested feedback into its next run.
type Adapt struct {
	deps Deps
}

// NewAdapt builds the adapt stage module.
func NewAdapt(deps Deps) *Adapt {
	return &Adapt{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *Adapt) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameAdapt,
		Requires: store.StatusTranslated,
		Produces: store.StatusAdapted,
	}
}

// Plan hashes the translated transcript plus any reviewer feedback.
func (s *Adapt) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameAdapt, "translated transcript", paths.TranslatedTranscript())
	if err != nil {
		return nil, err
	}
	feedback, err := s.deps.latestFeedback(ctx, ep.ID, stage.NameAdapt)
	if err != nil {
		return nil, err
	}
	prompt, err := s.deps.resolvePrompt(ctx, PromptAdaptation)
	if err != nil {
		return nil, err
	}

	return &stage.Plan{
		InputFiles: []string{paths.TranslatedTranscript()},
		InputHash: hashing.Canonical(
			hashing.TextPart("translated_transcript", text),
			hashing.TextPart("target_language", s.deps.Config.Pipeline.TargetLanguage),
			hashing.TextPart("feedback", feedback),
		),
		Prompt:           prompt,
		OutputFiles:      []string{paths.AdaptedScript(), paths.AdaptationDiff()},
		ProjectedCostUSD: projectedLLMTextCost(text),
	}, nil
}

// Execute adapts the script chunk by chunk and writes the adapted markdown
// plus the reviewer diff against the translation.
func (s *Adapt) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameAdapt, "translated transcript", paths.TranslatedTranscript())
	if err != nil {
		return nil, err
	}
	feedback, err := s.deps.latestFeedback(ctx, ep.ID, stage.NameAdapt)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"target_language": s.deps.Config.Pipeline.TargetLanguage,
		"feedback":        feedback,
	}
	adapted, chunkCount, err := s.deps.transformText(ctx, exec, exec.Plan.Prompt, vars, "script", text)
	if err != nil {
		return nil, err
	}

	if err := fileutil.WriteFileAtomic(paths.AdaptedScript(), []byte(adapted+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write adapted script: %w", err)
	}

	diff := review.BuildDiff(ep.ID, stage.NameAdapt, text, adapted)
	if err := diff.Write(paths.AdaptationDiff()); err != nil {
		return nil, fmt.Errorf("write adaptation diff: %w", err)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("adapted script in %d chunks, %d changes", chunkCount, diff.ChangeCount),
		ArtifactType: "adaptation",
		ArtifactPath: paths.AdaptedScript(),
	}, nil
}

// HealthCheck reports LLM readiness.
func (s *Adapt) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameAdapt, s.deps.LLM.HealthCheck(ctx))
}
