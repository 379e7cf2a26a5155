package pipeline

import (
	"redub/internal/stage"
	"redub/internal/store"
)

// StopReason explains why an executor invocation ended.
type StopReason string

const (
	// StopTerminal means the walk reached the end of the stage graph.
	StopTerminal StopReason = "terminal"
	// StopReviewPending means the episode parked at a review checkpoint.
	StopReviewPending StopReason = "review_pending"
	// StopFailed means a stage failed and nothing past it ran.
	StopFailed StopReason = "failed"
	// StopCostLimit means the episode budget ended the walk.
	StopCostLimit StopReason = "cost_limit"
)

// Report records one executor invocation: every stage attempt in graph
// order, why the walk stopped, and where the episode landed. Success is
// true when nothing failed; parking at a review is a normal stop.
type Report struct {
	EpisodeID string
	Stages    []stage.Result
	Success   bool
	StoppedOn StopReason
	Status    store.EpisodeStatus
	CostUSD   float64
}

// FirstFailure returns the first failed stage attempt, or nil.
func (r *Report) FirstFailure() *stage.Result {
	for i := range r.Stages {
		if r.Stages[i].Status == stage.ResultFailed {
			return &r.Stages[i]
		}
	}
	return nil
}
