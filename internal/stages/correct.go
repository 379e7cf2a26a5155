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

// Correct repairs recognition mistakes in the clean transcript: punctuation,
// misheard terms, sentence boundaries. Its output feeds review gate 1, so it
// also writes the reviewer diff and folds changes-requested feedback into
// its next run.
type Correct struct {
	deps Deps
}

// NewCorrect builds the correct stage module.
func NewCorrect(deps Deps) *Correct {
	return &Correct{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *Correct) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameCorrect,
		Requires: store.StatusTranscribed,
		Produces: store.StatusCorrected,
	}
}

// Plan hashes the clean transcript plus any reviewer feedback, so a noted
// re-run recomputes instead of skipping.
func (s *Correct) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameCorrect, "clean transcript", paths.CleanTranscript())
	if err != nil {
		return nil, err
	}
	feedback, err := s.deps.latestFeedback(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		return nil, err
	}
	prompt, err := s.deps.resolvePrompt(ctx, PromptCorrection)
	if err != nil {
		return nil, err
	}

	return &stage.Plan{
		InputFiles: []string{paths.CleanTranscript()},
		InputHash: hashing.Canonical(
			hashing.TextPart("clean_transcript", text),
			hashing.TextPart("source_language", s.deps.Config.Pipeline.SourceLanguage),
			hashing.TextPart("feedback", feedback),
		),
		Prompt:           prompt,
		OutputFiles:      []string{paths.CorrectedTranscript(), paths.CorrectionDiff()},
		ProjectedCostUSD: projectedLLMTextCost(text),
	}, nil
}

// Execute corrects the transcript chunk by chunk and writes the corrected
// text plus the reviewer diff.
func (s *Correct) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	text, err := readInput(stage.NameCorrect, "clean transcript", paths.CleanTranscript())
	if err != nil {
		return nil, err
	}
	feedback, err := s.deps.latestFeedback(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		return nil, err
	}

	vars := map[string]string{
		"source_language": s.deps.Config.Pipeline.SourceLanguage,
		"feedback":        feedback,
	}
	corrected, chunkCount, err := s.deps.transformText(ctx, exec, exec.Plan.Prompt, vars, "transcript", text)
	if err != nil {
		return nil, err
	}

	if err := fileutil.WriteFileAtomic(paths.CorrectedTranscript(), []byte(corrected+"\n"), 0o644); err != nil {
		return nil, fmt.Errorf("write corrected transcript: %w", err)
	}

	diff := review.BuildDiff(ep.ID, stage.NameCorrect, text, corrected)
	if err := diff.Write(paths.CorrectionDiff()); err != nil {
		return nil, fmt.Errorf("write correction diff: %w", err)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("corrected transcript in %d chunks, %d changes", chunkCount, diff.ChangeCount),
		ArtifactType: "correction",
		ArtifactPath: paths.CorrectedTranscript(),
	}, nil
}

// HealthCheck reports LLM readiness.
func (s *Correct) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameCorrect, s.deps.LLM.HealthCheck(ctx))
}
