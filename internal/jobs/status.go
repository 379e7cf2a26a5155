package jobs

import (
	"context"
	"sort"

	"redub/internal/logging"
	"redub/internal/stage"
	"redub/internal/store"
)

// Summary is a point-in-time snapshot of the queue for the status surface.
type Summary struct {
	Running      bool
	LastError    string
	LastEpisode  string
	InFlight     []string
	EpisodeStats map[store.EpisodeStatus]int
	DriverHealth map[string]stage.Health
}

// Status reports queue state, episode counts by status, and one health
// probe per wired driver.
func (q *Queue) Status(ctx context.Context) Summary {
	q.mu.Lock()
	running := q.running
	lastErr := q.lastErr
	lastEpisode := q.lastEpisode
	inflight := make([]string, 0, len(q.inflight))
	for id := range q.inflight {
		inflight = append(inflight, id)
	}
	q.mu.Unlock()
	sort.Strings(inflight)

	stats, err := q.store.Stats(ctx)
	if err != nil {
		q.logger.Warn("failed to read episode stats", logging.Error(err))
	}

	summary := Summary{
		Running:      running,
		LastEpisode:  lastEpisode,
		InFlight:     inflight,
		EpisodeStats: stats,
		DriverHealth: q.deps.HealthChecks(ctx),
	}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	return summary
}
