package review

import (
	"context"
	"fmt"
	"strings"

	"redub/internal/cascade"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Approve decides an active task as approved. The artifact hash is recomputed
// from the primary artifact on disk so the task records what was actually
// approved; a drift against the hash taken at task creation is logged. The
// episode status is untouched, the executor proceeds on its next run.
func (c *Coordinator) Approve(ctx context.Context, taskID int64, notes string) (*store.ReviewTask, error) {
	task, err := c.activeTask(ctx, taskID, "approve")
	if err != nil {
		return nil, err
	}

	hash := task.ArtifactHash
	if len(task.ArtifactPaths) > 0 {
		hash, err = hashing.File(task.ArtifactPaths[0])
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "review", "approve",
				fmt.Sprintf("artifact %s is not readable", task.ArtifactPaths[0]), err)
		}
		if task.ArtifactHash != "" && hash != task.ArtifactHash {
			c.logger.Warn("artifact changed since review task was opened",
				logging.String(logging.FieldEventType, "review_artifact_drift"),
				logging.String(logging.FieldEpisodeID, task.EpisodeID),
				logging.Int64("task_id", task.ID),
			)
		}
	}

	approved, err := c.store.ApproveReviewTask(ctx, taskID, notes, hash)
	if err != nil {
		return nil, err
	}

	c.appendHistory(task.EpisodeID, HistoryEntry{
		TaskID:   task.ID,
		Stage:    task.Stage,
		Decision: string(store.ReviewApproved),
		Actor:    ActorReviewer,
		Notes:    notes,
	})
	c.logDecision(task, store.ReviewApproved, "")
	return approved, nil
}

// Reject decides an active task as rejected and returns the episode to the
// producing stage's input status so it re-runs. Rejecting the draft video
// requires notes; the earlier gates accept but do not require them.
func (c *Coordinator) Reject(ctx context.Context, taskID int64, notes string) (*store.ReviewTask, error) {
	task, err := c.activeTask(ctx, taskID, "reject")
	if err != nil {
		return nil, err
	}
	if task.Stage == stage.NameRender && strings.TrimSpace(notes) == "" {
		return nil, services.Wrap(services.ErrValidation, "review", "reject",
			"rejecting the draft video requires notes", nil)
	}

	decided, err := c.store.DecideReviewTask(ctx, taskID, store.ReviewRejected, notes)
	if err != nil {
		return nil, err
	}
	reverted, err := c.revertEpisode(ctx, task)
	if err != nil {
		return nil, err
	}

	c.appendHistory(task.EpisodeID, HistoryEntry{
		TaskID:   task.ID,
		Stage:    task.Stage,
		Decision: string(store.ReviewRejected),
		Actor:    ActorReviewer,
		Notes:    notes,
	})
	c.logDecision(task, store.ReviewRejected, reverted)
	return decided, nil
}

// RequestChanges decides an active task as changes_requested. Notes are
// mandatory, they become the feedback the producing stage renders into its
// next prompt. The episode reverts as for reject, and the artifacts derived
// from the reviewed one get stale markers so re-entry recomputes them.
func (c *Coordinator) RequestChanges(ctx context.Context, taskID int64, notes string) (*store.ReviewTask, error) {
	task, err := c.activeTask(ctx, taskID, "request changes")
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(notes) == "" {
		return nil, services.Wrap(services.ErrValidation, "review", "request changes",
			"requesting changes requires notes for the next attempt", nil)
	}

	decided, err := c.store.DecideReviewTask(ctx, taskID, store.ReviewChangesRequested, notes)
	if err != nil {
		return nil, err
	}
	reverted, err := c.revertEpisode(ctx, task)
	if err != nil {
		return nil, err
	}
	if _, err := cascade.Invalidate(c.layout.Episode(task.EpisodeID), task.Stage, "reviewer requested changes"); err != nil {
		return nil, fmt.Errorf("invalidate downstream artifacts: %w", err)
	}

	c.appendHistory(task.EpisodeID, HistoryEntry{
		TaskID:   task.ID,
		Stage:    task.Stage,
		Decision: string(store.ReviewChangesRequested),
		Actor:    ActorReviewer,
		Notes:    notes,
	})
	c.logDecision(task, store.ReviewChangesRequested, reverted)
	return decided, nil
}

// activeTask loads a task and confirms it still awaits a decision.
func (c *Coordinator) activeTask(ctx context.Context, taskID int64, op string) (*store.ReviewTask, error) {
	task, err := c.store.GetReviewTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, services.Wrap(services.ErrNotFound, "review", op,
			fmt.Sprintf("review task %d not found", taskID), nil)
	}
	if !task.Status.Active() {
		return nil, services.Wrap(services.ErrValidation, "review", op,
			fmt.Sprintf("review task %d already decided: %s", taskID, task.Status), nil)
	}
	return task, nil
}

// revertEpisode returns the episode to the producing stage's input status. A
// reviewer decision overrides a halt: the episode rejoins the progression
// even from failed or cost_limit.
func (c *Coordinator) revertEpisode(ctx context.Context, task *store.ReviewTask) (store.EpisodeStatus, error) {
	target, ok := revertStatus[task.Stage]
	if !ok {
		return "", services.Wrap(services.ErrValidation, "review", "revert",
			fmt.Sprintf("stage %q has no review revert", task.Stage), nil)
	}
	if err := c.store.SetEpisodeStatus(ctx, task.EpisodeID, target); err != nil {
		return "", fmt.Errorf("revert episode status: %w", err)
	}
	return target, nil
}

func (c *Coordinator) logDecision(task *store.ReviewTask, decision store.ReviewTaskStatus, reverted store.EpisodeStatus) {
	attrs := []logging.Attr{
		logging.String(logging.FieldEventType, "review_decision"),
		logging.String(logging.FieldEpisodeID, task.EpisodeID),
		logging.String(logging.FieldStage, task.Stage),
		logging.Int64("task_id", task.ID),
		logging.String("decision", string(decision)),
	}
	if reverted != "" {
		attrs = append(attrs, logging.String("reverted_to", string(reverted)))
	}
	c.logger.Info("review decided", logging.Args(attrs...)...)
}
