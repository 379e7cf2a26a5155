package pipeline

import (
	"context"
	"fmt"

	"redub/internal/logging"
	"redub/internal/store"
)

// PendingEpisodes returns the episodes with actionable work: a progression
// status their graph still serves and no undecided review task for the
// next slot. A pending review on one stage never blocks an episode parked
// at a different stage, and halted episodes never qualify.
func (e *Executor) PendingEpisodes(ctx context.Context) ([]*store.Episode, error) {
	episodes, err := e.store.ListEpisodes(ctx, store.ActionableStatuses()...)
	if err != nil {
		return nil, fmt.Errorf("list actionable episodes: %w", err)
	}

	pending := make([]*store.Episode, 0, len(episodes))
	for _, ep := range episodes {
		ok, err := e.actionable(ctx, ep)
		if err != nil {
			return nil, err
		}
		if ok {
			pending = append(pending, ep)
		}
	}
	return pending, nil
}

// LatestEpisodes returns the newest n pending episodes, newest first.
func (e *Executor) LatestEpisodes(ctx context.Context, n int) ([]*store.Episode, error) {
	pending, err := e.PendingEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	// ListEpisodes orders by creation time ascending, so the newest sit at
	// the end.
	if n < 0 {
		n = 0
	}
	latest := make([]*store.Episode, 0, n)
	for i := len(pending) - 1; i >= 0 && len(latest) < n; i-- {
		latest = append(latest, pending[i])
	}
	return latest, nil
}

// RunPending walks every pending episode in turn. A failed walk shows up
// in its report and never blocks the episodes behind it.
func (e *Executor) RunPending(ctx context.Context) ([]*Report, error) {
	episodes, err := e.PendingEpisodes(ctx)
	if err != nil {
		return nil, err
	}
	return e.runAll(ctx, episodes)
}

// RunLatest walks the newest n pending episodes.
func (e *Executor) RunLatest(ctx context.Context, n int) ([]*Report, error) {
	episodes, err := e.LatestEpisodes(ctx, n)
	if err != nil {
		return nil, err
	}
	return e.runAll(ctx, episodes)
}

func (e *Executor) runAll(ctx context.Context, episodes []*store.Episode) ([]*Report, error) {
	reports := make([]*Report, 0, len(episodes))
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return reports, err
		}
		report, err := e.walk(ctx, ep)
		if err != nil {
			return reports, err
		}
		reports = append(reports, report)
	}
	return reports, nil
}

// actionable reports whether the episode's next graph slot can make
// progress right now.
func (e *Executor) actionable(ctx context.Context, ep *store.Episode) (bool, error) {
	graph, err := graphFor(e.deps, ep.PipelineVersion)
	if err != nil {
		logging.WarnWithContext(e.logger, "episode skipped, no stage graph", "selector_skip",
			logging.String(logging.FieldEpisodeID, ep.ID),
			logging.Error(err),
		)
		return false, nil
	}

	next := nextBinding(graph, ep.Status)
	if next == nil {
		return false, nil
	}
	if next.gate == nil {
		return true, nil
	}
	active, err := e.store.ActiveReviewTask(ctx, ep.ID, next.gate.Stage)
	if err != nil {
		return false, fmt.Errorf("check review state: %w", err)
	}
	return active == nil, nil
}
