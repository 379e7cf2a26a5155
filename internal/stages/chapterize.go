package stages

import (
	"context"
	"fmt"
	"strings"

	"redub/internal/chapters"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/services"
	"redub/internal/services/llm"
	"redub/internal/stage"
	"redub/internal/store"
)

// Chapterize turns the approved adapted script into the structured chapter
// document that drives imagery, narration, and rendering. The model answers
// in JSON; an invalid document earns exactly one corrective re-prompt before
// the stage fails.
type Chapterize struct {
	deps Deps
}

// NewChapterize builds the chapterize stage module.
func NewChapterize(deps Deps) *Chapterize {
	return &Chapterize{deps: deps}
}

// Descriptor names the stage, its status transition, and the adaptation
// review gate that must be approved first.
func (s *Chapterize) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameChapterize,
		Requires: store.StatusAdapted,
		Produces: store.StatusChapterized,
		Gate:     stage.NameAdapt,
	}
}

// Plan hashes the adapted script together with the episode title the
// document embeds.
func (s *Chapterize) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	script, err := readInput(stage.NameChapterize, "adapted script", paths.AdaptedScript())
	if err != nil {
		return nil, err
	}
	prompt, err := s.deps.resolvePrompt(ctx, PromptChapterization)
	if err != nil {
		return nil, err
	}

	return &stage.Plan{
		InputFiles: []string{paths.AdaptedScript()},
		InputHash: hashing.Canonical(
			hashing.TextPart("adapted_script", script),
			hashing.TextPart("title", ep.Title),
			hashing.TextPart("target_language", s.deps.Config.Pipeline.TargetLanguage),
		),
		Prompt:           prompt,
		OutputFiles:      []string{paths.ChaptersDoc()},
		ProjectedCostUSD: projectedLLMTextCost(script),
	}, nil
}

// Execute sends the whole script in one call, validates the returned
// document, and retries once with the validation error before giving up.
func (s *Chapterize) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	script, err := readInput(stage.NameChapterize, "adapted script", paths.AdaptedScript())
	if err != nil {
		return nil, err
	}

	resolved := exec.Plan.Prompt
	user := prompts.Render(resolved.Body, map[string]string{
		"script":          script,
		"title":           ep.Title,
		"target_language": s.deps.Config.Pipeline.TargetLanguage,
	})

	doc, err := s.requestDocument(ctx, exec, resolved, user, ep)
	if err != nil {
		exec.Logger.Warn("chapter document rejected, re-prompting once",
			logging.String(logging.FieldEventType, "chapterize_retry"),
			logging.Error(err),
		)
		retryUser := fmt.Sprintf("%s\n\nThe previous answer was rejected: %s\nReturn the corrected JSON document only.",
			user, services.Details(err).Message)
		doc, err = s.requestDocument(ctx, exec, resolved, retryUser, ep)
		if err != nil {
			return nil, err
		}
	}

	if err := chapters.Write(paths.ChaptersDoc(), doc); err != nil {
		return nil, fmt.Errorf("write chapter document: %w", err)
	}

	return &stage.Outcome{
		Detail: fmt.Sprintf("planned %d chapters, %d with imagery",
			len(doc.Chapters), len(doc.ImageChapters())),
		ArtifactType: "chapters",
		ArtifactPath: paths.ChaptersDoc(),
	}, nil
}

// requestDocument performs one model call and validates the result. Usage is
// recorded before validation so a rejected attempt still costs.
func (s *Chapterize) requestDocument(ctx context.Context, exec *stage.Execution, resolved *prompts.Resolved, user string, ep *store.Episode) (*chapters.Document, error) {
	result, err := s.deps.LLM.Call(ctx, stage.LLMRequest{
		User:   user,
		Model:  s.deps.promptModel(resolved),
		Params: jsonObjectParams(resolved.Metadata.ModelParams),
	})
	if err != nil {
		return nil, err
	}
	exec.AddUsage(result.InputTokens, result.OutputTokens, result.CostUSD)

	var doc chapters.Document
	if err := llm.DecodeLLMJSON(result.Text, &doc); err != nil {
		return nil, services.Wrap(services.ErrValidation, stage.NameChapterize, "decode",
			fmt.Sprintf("model returned invalid JSON: %v", err), nil)
	}

	// The model never controls identity or schema pinning.
	doc.EpisodeID = ep.ID
	if strings.TrimSpace(doc.Title) == "" {
		doc.Title = ep.Title
	}

	if err := doc.Validate(); err != nil {
		return nil, err
	}
	return &doc, nil
}

// jsonObjectParams layers the JSON response format over the template's model
// params without mutating the shared map.
func jsonObjectParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	if _, ok := out["response_format"]; !ok {
		out["response_format"] = map[string]any{"type": "json_object"}
	}
	return out
}

// HealthCheck reports LLM readiness.
func (s *Chapterize) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameChapterize, s.deps.LLM.HealthCheck(ctx))
}
