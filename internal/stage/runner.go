package stage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"redub/internal/cascade"
	"redub/internal/costs"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/provenance"
	"redub/internal/services"
	"redub/internal/store"
)

// Runner applies the shared execution contract around a stage module:
// precondition and gate checks, the currentness skip, the budget guard, run
// bookkeeping, provenance, downstream invalidation, and the atomic commit.
type Runner struct {
	store  *store.Store
	layout layout.Layout
	guard  costs.Guard
	logger *slog.Logger
}

// NewRunner wires the runner against the store, the filesystem layout, and
// the episode budget guard.
func NewRunner(st *store.Store, lay layout.Layout, guard costs.Guard, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{store: st, layout: lay, guard: guard, logger: logger}
}

// Run executes one stage attempt against an episode. The result is non-nil
// whenever the module was identified, so reports can always list the
// attempt; a non-nil error accompanies failed attempts and carries the
// classification sentinel for the executor.
func (r *Runner) Run(ctx context.Context, ep *store.Episode, mod Module, force bool) (*Result, error) {
	if ep == nil {
		return nil, services.Wrap(services.ErrValidation, "", "run stage", "episode is nil", nil)
	}
	if mod == nil {
		return nil, services.Wrap(services.ErrConfiguration, "", "run stage", "stage module is nil", nil)
	}

	desc := mod.Descriptor()
	started := time.Now()
	result := &Result{Stage: desc.Name, Status: ResultFailed}
	defer func() {
		result.Elapsed = time.Since(started)
	}()

	ctx = services.WithEpisodeID(ctx, ep.ID)
	ctx = services.WithStage(ctx, desc.Name)
	logger := logging.WithContext(ctx, r.logger)

	if err := r.preconditions(ctx, ep, desc); err != nil {
		result.Detail = services.Details(err).Message
		return result, err
	}

	plan, err := mod.Plan(ctx, ep)
	if err != nil {
		result.Detail = services.Details(err).Message
		return result, err
	}
	if plan == nil {
		plan = &Plan{}
	}

	provPath := r.layout.Episode(ep.ID).StageProvenance(desc.Name)
	if !force && r.current(plan, provPath) {
		if _, err := r.store.RecordRunSkipped(ctx, ep.ID, desc.Name, "outputs current"); err != nil {
			return result, fmt.Errorf("record skipped run: %w", err)
		}
		// A reverted episode can sit before a stage whose outputs are still
		// current; the skip must still move it forward.
		if ep.Status == desc.Requires && desc.Requires != desc.Produces {
			if err := r.store.SetEpisodeStatus(ctx, ep.ID, desc.Produces); err != nil {
				return result, fmt.Errorf("advance skipped stage: %w", err)
			}
			ep.Status = desc.Produces
		}
		logger.Info("stage skipped",
			logging.String(logging.FieldEventType, "stage_skipped"),
			logging.String("reason", "outputs current"),
		)
		result.Status = ResultSkipped
		result.Detail = "outputs current"
		return result, nil
	}

	spent, err := r.store.SuccessfulCost(ctx, ep.ID)
	if err != nil {
		return result, fmt.Errorf("sum successful cost: %w", err)
	}
	if err := r.guard.Check(desc.Name, spent, plan.ProjectedCostUSD); err != nil {
		logging.WarnWithContext(logger, "budget guard refused stage", "cost_guard",
			logging.Float64("spent_usd", spent),
			logging.Float64("projected_usd", plan.ProjectedCostUSD),
			logging.Float64("cap_usd", r.guard.Cap()),
		)
		result.Detail = services.Details(err).Message
		return result, err
	}

	run, err := r.store.StartRun(ctx, ep.ID, desc.Name)
	if err != nil {
		return result, fmt.Errorf("open pipeline run: %w", err)
	}

	logger.Info("stage started",
		logging.String(logging.FieldEventType, "stage_start"),
		logging.Int64(logging.FieldRunID, run.ID),
		logging.String("required_status", string(desc.Requires)),
	)

	exec := &Execution{Episode: ep, Run: run, Plan: plan, Logger: logger, Force: force}
	outcome, err := mod.Execute(ctx, exec)
	if err != nil {
		result.Detail = services.Details(err).Message
		result.CostUSD = exec.CostUSD
		return result, r.fail(ctx, logger, ep, run, exec, err)
	}
	if outcome == nil {
		outcome = &Outcome{}
	}

	outputs := outcome.OutputFiles
	if len(outputs) == 0 {
		outputs = plan.OutputFiles
	}
	if err := r.finish(ctx, logger, ep, run, exec, desc, outcome, outputs, provPath, started); err != nil {
		result.Detail = services.Details(err).Message
		result.CostUSD = exec.CostUSD
		return result, err
	}
	if ep.Status == desc.Requires {
		ep.Status = desc.Produces
	}

	logger.Info("stage completed",
		logging.String(logging.FieldEventType, "stage_complete"),
		logging.String("next_status", string(desc.Produces)),
		logging.Float64(logging.FieldCostUSD, exec.CostUSD),
		logging.Duration("elapsed", time.Since(started)),
	)

	result.Status = ResultSuccess
	result.Detail = outcome.Detail
	result.CostUSD = exec.CostUSD
	return result, nil
}

// finish verifies outputs, persists provenance, invalidates downstream
// artifacts, and commits the run outcome. Any failure along the way closes
// the run as failed.
func (r *Runner) finish(ctx context.Context, logger *slog.Logger, ep *store.Episode, run *store.PipelineRun, exec *Execution, desc Descriptor, outcome *Outcome, outputs []string, provPath string, started time.Time) error {
	if missing := firstMissing(outputs); missing != "" {
		err := services.Wrap(services.ErrValidation, desc.Name, "verify outputs",
			fmt.Sprintf("declared output missing after work: %s", filepath.Base(missing)), nil)
		return r.fail(ctx, logger, ep, run, exec, err)
	}
	for _, output := range outputs {
		if err := cascade.ClearStale(output); err != nil {
			return r.fail(ctx, logger, ep, run, exec, fmt.Errorf("clear stale marker: %w", err))
		}
	}

	rec := provenance.Record{
		Stage:             desc.Name,
		EpisodeID:         ep.ID,
		PromptHash:        exec.Plan.PromptHash(),
		InputFiles:        r.relAll(exec.Plan.InputFiles),
		InputContentHash:  exec.Plan.InputHash,
		OutputFiles:       r.relAll(outputs),
		InputTokens:       exec.InputTokens,
		OutputTokens:      exec.OutputTokens,
		CostUSD:           exec.CostUSD,
		DurationSeconds:   time.Since(started).Seconds(),
		SegmentsProcessed: outcome.SegmentsProcessed,
	}
	if prompt := exec.Plan.Prompt; prompt != nil && prompt.Version != nil {
		rec.PromptName = prompt.Version.Name
		rec.PromptVersion = prompt.Version.Version
		rec.Model = prompt.Version.Model
		rec.ModelParams = prompt.Metadata.ModelParams
	}
	if err := provenance.Write(provPath, rec); err != nil {
		return r.fail(ctx, logger, ep, run, exec, fmt.Errorf("write provenance: %w", err))
	}

	reason := fmt.Sprintf("new %s output", desc.Name)
	if _, err := cascade.Invalidate(r.layout.Episode(ep.ID), desc.Name, reason); err != nil {
		return r.fail(ctx, logger, ep, run, exec, fmt.Errorf("invalidate downstream: %w", err))
	}

	var artifact *store.ContentArtifact
	if outcome.ArtifactPath != "" {
		artifact = &store.ContentArtifact{
			ArtifactType: outcome.ArtifactType,
			FilePath:     r.rel(outcome.ArtifactPath),
			InputTokens:  exec.InputTokens,
			OutputTokens: exec.OutputTokens,
			CostUSD:      exec.CostUSD,
			PromptHash:   exec.Plan.PromptHash(),
		}
		if artifact.ArtifactType == "" {
			artifact.ArtifactType = desc.Name
		}
		if prompt := exec.Plan.Prompt; prompt != nil && prompt.Version != nil {
			id := prompt.Version.ID
			artifact.PromptVersionID = &id
		}
	}

	assets := make([]store.MediaAsset, 0, len(outcome.Assets))
	for _, asset := range outcome.Assets {
		asset.FilePath = r.rel(asset.FilePath)
		assets = append(assets, asset)
	}

	success := store.StageSuccess{
		RunID:            run.ID,
		EpisodeID:        ep.ID,
		InputTokens:      exec.InputTokens,
		OutputTokens:     exec.OutputTokens,
		EstimatedCostUSD: exec.CostUSD,
		NewStatus:        desc.Produces,
		Artifact:         artifact,
		Assets:           assets,
	}
	if err := r.store.RecordStageSuccess(ctx, success); err != nil {
		return r.fail(ctx, logger, ep, run, exec, fmt.Errorf("commit stage outcome: %w", err))
	}
	return nil
}

func (r *Runner) preconditions(ctx context.Context, ep *store.Episode, desc Descriptor) error {
	if ep.Status != desc.Requires && ep.Status != desc.Produces {
		return services.Wrap(services.ErrValidation, desc.Name, "preconditions",
			fmt.Sprintf("episode %s is %s, stage requires %s", ep.ID, ep.Status, desc.Requires), nil)
	}
	if desc.Gate != "" {
		latest, err := r.store.LatestReviewTask(ctx, ep.ID, desc.Gate)
		if err != nil {
			return fmt.Errorf("load review state: %w", err)
		}
		if latest == nil || latest.Status != store.ReviewApproved {
			return services.Wrap(services.ErrValidation, desc.Name, "preconditions",
				fmt.Sprintf("episode %s awaits an approved %s review", ep.ID, desc.Gate), nil)
		}
	}
	return nil
}

// current reports whether the planned outputs already exist, carry no stale
// markers, and match the recorded input and prompt hashes.
func (r *Runner) current(plan *Plan, provPath string) bool {
	if len(plan.OutputFiles) == 0 {
		return false
	}
	if ready, _ := cascade.OutputsReady(plan.OutputFiles...); !ready {
		return false
	}
	rec, err := provenance.Read(provPath)
	if err != nil || rec == nil {
		return false
	}
	return rec.Matches(plan.InputHash, plan.PromptHash())
}

// fail closes the run as failed and halts the episode in one transaction,
// keeping accumulated counters visible on the run row. A shutdown cancel is
// not a failure: the run stays open for ResetStuckRunning to reclaim.
func (r *Runner) fail(ctx context.Context, logger *slog.Logger, ep *store.Episode, run *store.PipelineRun, exec *Execution, stageErr error) error {
	if errors.Is(stageErr, context.Canceled) {
		logger.Debug("stage interrupted by shutdown", logging.Int64(logging.FieldRunID, run.ID))
		return stageErr
	}
	details := services.Details(stageErr)
	failure := store.StageFailure{
		RunID:            run.ID,
		EpisodeID:        ep.ID,
		Status:           services.FailureStatus(stageErr),
		Message:          details.Message,
		InputTokens:      exec.InputTokens,
		OutputTokens:     exec.OutputTokens,
		EstimatedCostUSD: exec.CostUSD,
	}
	if err := r.store.RecordStageFailure(ctx, failure); err != nil {
		logger.Error("failed to persist stage failure", logging.Error(err))
	}
	attrs := []logging.Attr{
		logging.Int64(logging.FieldRunID, run.ID),
		logging.String("error_kind", string(details.Kind)),
		logging.Error(stageErr),
	}
	if details.Hint != "" {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, details.Hint))
	}
	logging.ErrorWithContext(logger, "stage failed", "stage_failure", attrs...)
	return stageErr
}

// rel rewrites an absolute path under the data root into the relative form
// stored on artifacts and provenance records. Paths outside the root pass
// through unchanged.
func (r *Runner) rel(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(r.layout.Root(), path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

func (r *Runner) relAll(paths []string) []string {
	if len(paths) == 0 {
		return nil
	}
	out := make([]string, len(paths))
	for i, path := range paths {
		out[i] = r.rel(path)
	}
	return out
}

func firstMissing(outputs []string) string {
	for _, output := range outputs {
		if _, err := os.Stat(output); err != nil {
			return output
		}
	}
	return ""
}
