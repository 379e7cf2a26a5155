// Package stages implements the artifact-producing pipeline stage modules:
// download, transcribe, correct, translate, adapt, chapterize, imagegen,
// tts, render, and publish. Each module satisfies stage.Module and leaves
// preconditions, skip decisions, budget checks, run bookkeeping, provenance,
// and downstream invalidation to stage.Runner; the module body is only the
// plan (inputs, hash, outputs, budget) and the work.
package stages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"redub/internal/chapters"
	"redub/internal/config"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
	"redub/internal/textutil"
)

// Prompt template names resolved through the registry. Template files live
// at <prompt_dir>/<name>.md.
const (
	PromptCorrection     = "correction"
	PromptTranslation    = "translation"
	PromptAdaptation     = "adaptation"
	PromptChapterization = "chapterization"
)

// textChunkChars caps one LLM text-processing call. Longer transcripts are
// split at sentence boundaries and processed chunk by chunk.
const textChunkChars = 8000

// Deps bundles the shared collaborators of the stage modules. The driver
// ports are interfaces so dry-run and tests swap in canned implementations.
type Deps struct {
	Store   *store.Store
	Layout  layout.Layout
	Config  *config.Config
	Prompts *prompts.Registry

	LLM         stage.LLM
	Transcriber stage.Transcriber
	Images      stage.ImageGenerator
	Speech      stage.SpeechSynthesizer
	Media       stage.Media
	Downloader  stage.Downloader
	Publisher   stage.Publisher
}

// All returns every v2 stage module in pipeline order.
func All(deps Deps) []stage.Module {
	return []stage.Module{
		NewDownload(deps),
		NewTranscribe(deps),
		NewCorrect(deps),
		NewTranslate(deps),
		NewAdapt(deps),
		NewChapterize(deps),
		NewImageGen(deps),
		NewTTS(deps),
		NewRender(deps),
		NewPublish(deps),
	}
}

// HealthChecks probes every wired driver once and keys the results by the
// driver's own health name. Unset ports are left out of the map.
func (d Deps) HealthChecks(ctx context.Context) map[string]stage.Health {
	checks := make(map[string]stage.Health, 7)
	record := func(h stage.Health) {
		checks[h.Name] = h
	}
	if d.LLM != nil {
		record(d.LLM.HealthCheck(ctx))
	}
	if d.Transcriber != nil {
		record(d.Transcriber.HealthCheck(ctx))
	}
	if d.Images != nil {
		record(d.Images.HealthCheck(ctx))
	}
	if d.Speech != nil {
		record(d.Speech.HealthCheck(ctx))
	}
	if d.Media != nil {
		record(d.Media.HealthCheck(ctx))
	}
	if d.Downloader != nil {
		record(d.Downloader.HealthCheck(ctx))
	}
	if d.Publisher != nil {
		record(d.Publisher.HealthCheck(ctx))
	}
	return checks
}

// latestFeedback returns reviewer notes from the newest changes-requested
// task for the given producing stage, empty when none exists. The notes are
// rendered into the prompt and folded into the stage input hash, so a noted
// re-run never skips as current.
func (d Deps) latestFeedback(ctx context.Context, episodeID, stageName string) (string, error) {
	task, err := d.Store.LatestReviewTask(ctx, episodeID, stageName, store.ReviewChangesRequested)
	if err != nil {
		return "", fmt.Errorf("load reviewer feedback: %w", err)
	}
	if task == nil {
		return "", nil
	}
	return strings.TrimSpace(task.ReviewerNotes), nil
}

// resolvePrompt loads the operative prompt version for a template name.
func (d Deps) resolvePrompt(ctx context.Context, name string) (*prompts.Resolved, error) {
	return d.Prompts.Resolve(ctx, name)
}

// readInput loads a required upstream text artifact. Absence is a stage
// validation failure, not an infrastructure error.
func readInput(stageName, label, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", services.Wrap(services.ErrValidation, stageName, "plan",
				fmt.Sprintf("%s missing at %s", label, filepath.Base(path)), nil)
		}
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", services.Wrap(services.ErrValidation, stageName, "plan",
			fmt.Sprintf("%s is empty", label), nil)
	}
	return text, nil
}

// loadChapters loads the validated chapter document the media stages drive
// from. Absence means chapterize has not produced one yet.
func loadChapters(stageName, path string) (*chapters.Document, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, services.Wrap(services.ErrValidation, stageName, "plan",
			fmt.Sprintf("chapter document missing at %s, run chapterize first", filepath.Base(path)), nil)
	}
	return chapters.Load(path)
}

// promptModel picks the model a prompt-driven call runs with: the template
// frontmatter wins, then the shared LLM config.
func (d Deps) promptModel(resolved *prompts.Resolved) string {
	if resolved != nil && strings.TrimSpace(resolved.Metadata.Model) != "" {
		return strings.TrimSpace(resolved.Metadata.Model)
	}
	return d.Config.GetLLM().Model
}

// transformText runs a prompt over a long text chunk by chunk. The template
// body is rendered per chunk with vars plus the chunk under textVar, sent as
// the user message, and the outputs are joined with blank lines. Usage
// accumulates on the execution so spend stays visible even mid-failure.
func (d Deps) transformText(ctx context.Context, exec *stage.Execution, resolved *prompts.Resolved, vars map[string]string, textVar, text string) (string, int, error) {
	chunks := textutil.ChunkBySentences(text, textChunkChars)
	if len(chunks) == 0 {
		return "", 0, services.Wrap(services.ErrValidation, exec.Run.Stage, "transform", "input text is empty", nil)
	}

	model := d.promptModel(resolved)
	outputs := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		chunkVars := make(map[string]string, len(vars)+1)
		for k, v := range vars {
			chunkVars[k] = v
		}
		chunkVars[textVar] = chunk

		result, err := d.LLM.Call(ctx, stage.LLMRequest{
			User:   prompts.Render(resolved.Body, chunkVars),
			Model:  model,
			Params: resolved.Metadata.ModelParams,
		})
		if err != nil {
			return "", i, fmt.Errorf("chunk %d/%d: %w", i+1, len(chunks), err)
		}
		exec.AddUsage(result.InputTokens, result.OutputTokens, result.CostUSD)

		out := strings.TrimSpace(result.Text)
		if out == "" {
			return "", i, services.Wrap(services.ErrValidation, exec.Run.Stage, "transform",
				fmt.Sprintf("chunk %d/%d returned empty text", i+1, len(chunks)), nil)
		}
		outputs = append(outputs, out)

		exec.Logger.Debug("text chunk transformed",
			logging.Int("chunk", i+1),
			logging.Int("chunks", len(chunks)),
			logging.Int64("input_tokens", result.InputTokens),
			logging.Int64("output_tokens", result.OutputTokens),
		)
	}
	return strings.Join(outputs, "\n\n"), len(chunks), nil
}

// projectedLLMTextCost gives the budget guard a conservative ceiling for a
// chunked text transformation, scaled by input length.
func projectedLLMTextCost(text string) float64 {
	const perChunkUSD = 0.02
	chunkCount := utf8.RuneCountInString(text)/textChunkChars + 1
	return float64(chunkCount) * perChunkUSD
}

// combineHealth reports the first unready driver, or healthy under name.
func combineHealth(name string, checks ...stage.Health) stage.Health {
	for _, h := range checks {
		if !h.Ready {
			return stage.Unhealthy(name, fmt.Sprintf("%s: %s", h.Name, h.Detail))
		}
	}
	return stage.Healthy(name)
}

func float64Ptr(v float64) *float64 {
	return &v
}

// formatFloat renders a float for hashing with no trailing-zero ambiguity.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
