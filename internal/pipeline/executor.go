package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"redub/internal/costs"
	"redub/internal/logging"
	"redub/internal/review"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
)

// Executor walks episodes through their stage graph.
type Executor struct {
	deps    stages.Deps
	store   *store.Store
	runner  *stage.Runner
	reviews *review.Coordinator
	guard   costs.Guard
	logger  *slog.Logger
}

// New wires an executor over the shared stage dependencies.
func New(deps stages.Deps, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	guard := costs.NewGuard(deps.Config.Pipeline.MaxEpisodeCostUSD)
	return &Executor{
		deps:    deps,
		store:   deps.Store,
		runner:  stage.NewRunner(deps.Store, deps.Layout, guard, logger),
		reviews: review.NewCoordinator(deps.Store, deps.Layout, deps.Config, logger),
		guard:   guard,
		logger:  logger,
	}
}

// Run walks one episode from its current status until the graph ends or a
// stage stops the walk. A halted episode is refused; retry it first.
func (e *Executor) Run(ctx context.Context, episodeID string) (*Report, error) {
	ep, err := e.loadEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	return e.walk(ctx, ep)
}

// RunStage dispatches a single stage or checkpoint by name. Force bypasses
// the currentness skip on modules. Unlike the full walk, a precondition or
// plan error comes straight back without halting the episode, so a
// mistyped invocation leaves no mark.
func (e *Executor) RunStage(ctx context.Context, episodeID, stageName string, force bool) (*stage.Result, error) {
	ep, err := e.loadEpisode(ctx, episodeID)
	if err != nil {
		return nil, err
	}
	graph, err := graphFor(e.deps, ep.PipelineVersion)
	if err != nil {
		return nil, err
	}

	b := findBinding(graph, stageName)
	if b == nil {
		if stageName == stage.NamePublish {
			return nil, services.Wrap(services.ErrConfiguration, stageName, "run stage",
				"publishing is disabled, enable [publish] in config", nil)
		}
		return nil, services.Wrap(services.ErrValidation, stageName, "run stage",
			fmt.Sprintf("not part of the version-%d pipeline", ep.PipelineVersion), nil)
	}

	if b.gate != nil {
		started := time.Now()
		verdict, err := e.reviews.EvaluateGate(ctx, ep, *b.gate)
		if err != nil {
			return nil, err
		}
		return &stage.Result{
			Stage:   b.name,
			Status:  verdict.Status,
			Detail:  verdict.Detail,
			Elapsed: time.Since(started),
		}, nil
	}
	return e.runner.Run(ctx, ep, b.module, force)
}

func (e *Executor) loadEpisode(ctx context.Context, episodeID string) (*store.Episode, error) {
	ep, err := e.store.GetEpisode(ctx, episodeID)
	if err != nil {
		return nil, fmt.Errorf("load episode: %w", err)
	}
	if ep == nil {
		return nil, services.Wrap(services.ErrNotFound, "", "run pipeline",
			fmt.Sprintf("episode %s not found", episodeID), nil)
	}
	return ep, nil
}

// walk dispatches the graph slots in order against the episode's current
// status and assembles the report.
func (e *Executor) walk(ctx context.Context, ep *store.Episode) (*Report, error) {
	if ep.Status.IsHalted() {
		return nil, services.Wrap(services.ErrValidation, "", "run pipeline",
			fmt.Sprintf("episode %s is %s, retry it to resume", ep.ID, ep.Status), nil)
	}
	graph, err := graphFor(e.deps, ep.PipelineVersion)
	if err != nil {
		return nil, err
	}

	report := &Report{EpisodeID: ep.ID, StoppedOn: StopTerminal}
	logger := e.logger.With(logging.String(logging.FieldEpisodeID, ep.ID))
	started := time.Now()
	logger.Info("pipeline started",
		logging.String(logging.FieldEventType, "pipeline_start"),
		logging.Int("pipeline_version", ep.PipelineVersion),
		logging.String("status", string(ep.Status)),
	)

loop:
	for _, b := range graph {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		switch {
		case ep.Status.After(b.requires):
			report.Stages = append(report.Stages, stage.Result{
				Stage:  b.name,
				Status: stage.ResultSkipped,
				Detail: fmt.Sprintf("status %s already past %s", ep.Status, b.requires),
			})
			continue
		case ep.Status.Before(b.requires):
			// The graph serves every status in order, so landing here means
			// the walk itself is broken, not the episode.
			report.Stages = append(report.Stages, stage.Result{
				Stage:  b.name,
				Status: stage.ResultFailed,
				Detail: fmt.Sprintf("episode is %s but %s needs %s", ep.Status, b.name, b.requires),
			})
			report.StoppedOn = StopFailed
			break loop
		}

		if b.gate != nil {
			result, stop := e.evaluateGate(ctx, logger, ep, b)
			report.Stages = append(report.Stages, result)
			if stop != "" {
				report.StoppedOn = stop
				break loop
			}
			continue
		}

		result, err := e.runner.Run(ctx, ep, b.module, false)
		if result != nil {
			report.Stages = append(report.Stages, *result)
		}
		if err != nil {
			if errors.Is(err, context.Canceled) {
				logger.Debug("pipeline interrupted by shutdown")
				report.StoppedOn = StopFailed
				return report, err
			}
			e.halt(ctx, logger, ep, err)
			report.StoppedOn = StopFailed
			if services.FailureStatus(err) == store.StatusCostLimit {
				report.StoppedOn = StopCostLimit
			}
			break loop
		}

		if result.Status == stage.ResultSuccess {
			stop, err := e.checkBudget(ctx, logger, ep)
			if err != nil {
				return report, err
			}
			if stop {
				report.StoppedOn = StopCostLimit
				break loop
			}
		}
	}

	if final, err := e.store.GetEpisode(ctx, ep.ID); err == nil && final != nil {
		*ep = *final
	}
	report.Status = ep.Status
	if spent, err := e.store.SuccessfulCost(ctx, ep.ID); err == nil {
		report.CostUSD = spent
	}
	report.Success = report.StoppedOn == StopTerminal || report.StoppedOn == StopReviewPending

	logger.Info("pipeline finished",
		logging.String(logging.FieldEventType, "pipeline_complete"),
		logging.String("stopped_on", string(report.StoppedOn)),
		logging.String("status", string(report.Status)),
		logging.Float64(logging.FieldCostUSD, report.CostUSD),
		logging.Duration("elapsed", time.Since(started)),
	)
	return report, nil
}

// evaluateGate runs one review checkpoint and folds the verdict into a
// stage result. A pending review parks the walk; an evaluation error halts
// the episode the way a stage failure does.
func (e *Executor) evaluateGate(ctx context.Context, logger *slog.Logger, ep *store.Episode, b binding) (stage.Result, StopReason) {
	started := time.Now()
	verdict, err := e.reviews.EvaluateGate(ctx, ep, *b.gate)
	if err != nil {
		e.halt(ctx, logger, ep, err)
		return stage.Result{
			Stage:   b.name,
			Status:  stage.ResultFailed,
			Detail:  services.Details(err).Message,
			Elapsed: time.Since(started),
		}, StopFailed
	}

	result := stage.Result{
		Stage:   b.name,
		Status:  verdict.Status,
		Detail:  verdict.Detail,
		Elapsed: time.Since(started),
	}
	if verdict.Status == stage.ResultReviewPending {
		return result, StopReviewPending
	}
	return result, ""
}

// halt parks the episode after a dispatched slot errored. A failure that
// already closed its run halted the episode in the same transaction, and
// the second halt keeps the original resume point; plan and budget errors
// never opened a run, so this is their only halt.
func (e *Executor) halt(ctx context.Context, logger *slog.Logger, ep *store.Episode, stageErr error) {
	status := services.FailureStatus(stageErr)
	if err := e.store.HaltEpisode(ctx, ep.ID, status, services.Details(stageErr).Message); err != nil {
		logger.Error("failed to halt episode", logging.Error(err))
		return
	}
	ep.Status = status
}

// checkBudget halts the episode once the recorded successful spend reaches
// the cap. The runner's guard refuses projected overruns before a stage
// runs; this closes the gap where actual spend lands on the cap.
func (e *Executor) checkBudget(ctx context.Context, logger *slog.Logger, ep *store.Episode) (bool, error) {
	spent, err := e.store.SuccessfulCost(ctx, ep.ID)
	if err != nil {
		return false, fmt.Errorf("sum successful cost: %w", err)
	}
	if spent < e.guard.Cap() {
		return false, nil
	}
	msg := fmt.Sprintf("accumulated cost %.2f USD reached the %.2f USD cap", spent, e.guard.Cap())
	if err := e.store.HaltEpisode(ctx, ep.ID, store.StatusCostLimit, msg); err != nil {
		return false, fmt.Errorf("halt episode at cost limit: %w", err)
	}
	ep.Status = store.StatusCostLimit
	logging.WarnWithContext(logger, "episode reached cost cap", "cost_limit",
		logging.Float64("spent_usd", spent),
		logging.Float64("cap_usd", e.guard.Cap()),
	)
	return true, nil
}
