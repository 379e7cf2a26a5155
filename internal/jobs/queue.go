package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"redub/internal/config"
	"redub/internal/logging"
	"redub/internal/notifications"
	"redub/internal/pipeline"
	"redub/internal/review"
	"redub/internal/stages"
	"redub/internal/store"
)

// Queue polls for actionable episodes and walks them in the background.
type Queue struct {
	cfg      *config.Config
	deps     stages.Deps
	store    *store.Store
	exec     *pipeline.Executor
	notifier notifications.Service
	logger   *slog.Logger

	pollInterval  time.Duration
	retryInterval time.Duration
	workers       int
	work          chan string

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	lastErr     error
	lastEpisode string
	inflight    map[string]struct{}

	batchActive bool
	batchStart  time.Time
	batchDone   int
	batchFailed int
}

// Option configures optional queue behavior.
type Option func(*options)

type options struct {
	notifier notifications.Service
	poll     time.Duration
	retry    time.Duration
}

// WithNotifier replaces the config-derived notifier (used in tests).
func WithNotifier(s notifications.Service) Option {
	return func(o *options) { o.notifier = s }
}

// WithIntervals overrides the configured poll and error retry intervals.
func WithIntervals(poll, retry time.Duration) Option {
	return func(o *options) {
		o.poll = poll
		o.retry = retry
	}
}

// New wires a job queue over the shared stage dependencies.
func New(deps stages.Deps, logger *slog.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	settings := &options{}
	for _, opt := range opts {
		opt(settings)
	}

	cfg := deps.Config
	if settings.notifier == nil {
		settings.notifier = notifications.NewService(cfg)
	}
	if settings.poll <= 0 {
		settings.poll = time.Duration(cfg.Workflow.PollInterval) * time.Second
	}
	if settings.poll <= 0 {
		settings.poll = 5 * time.Second
	}
	if settings.retry <= 0 {
		settings.retry = time.Duration(cfg.Workflow.ErrorRetryInterval) * time.Second
	}
	if settings.retry <= 0 {
		settings.retry = 10 * time.Second
	}
	workers := cfg.Workflow.Concurrency
	if workers < 1 {
		workers = 1
	}

	return &Queue{
		cfg:           cfg,
		deps:          deps,
		store:         deps.Store,
		exec:          pipeline.New(deps, logger),
		notifier:      settings.notifier,
		logger:        logging.NewComponentLogger(logger, "jobs"),
		pollInterval:  settings.poll,
		retryInterval: settings.retry,
		workers:       workers,
		work:          make(chan string),
		inflight:      make(map[string]struct{}),
	}
}

// Start begins background processing. Pipeline runs left in the running
// state by an interrupted process are closed before the first poll.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return errors.New("job queue already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.mu.Unlock()

	if closed, err := q.store.ResetStuckRunning(runCtx); err != nil {
		logging.WarnWithContext(q.logger, "reset of interrupted runs failed; stuck rows may remain", "run_reclaim_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check pipeline database access"),
		)
	} else if closed > 0 {
		q.logger.Info("interrupted runs closed",
			logging.Int64("count", closed),
			logging.String(logging.FieldEventType, "stuck_runs_reset"),
			logging.Alert("previous daemon exited mid-run"),
		)
	}

	q.wg.Add(1 + q.workers)
	go q.dispatch(runCtx)
	for i := 0; i < q.workers; i++ {
		go q.worker(runCtx)
	}

	q.logger.Info("job queue started",
		logging.Int("workers", q.workers),
		logging.Duration("poll_interval", q.pollInterval),
	)
	return nil
}

// Stop terminates background processing and waits for in-flight walks.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
	q.logger.Info("job queue stopped")
}

// dispatch feeds actionable episodes to the workers. An episode already
// claimed by a worker is skipped, so duplicates across polls coalesce into
// the one walk in flight.
func (q *Queue) dispatch(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pending, err := q.exec.PendingEpisodes(ctx)
		if err != nil {
			q.fetchFailed(ctx, err)
			continue
		}

		handed := 0
		for _, ep := range pending {
			if !q.claim(ep.ID) {
				continue
			}
			select {
			case <-ctx.Done():
				q.release(ep.ID)
				return
			case q.work <- ep.ID:
				handed++
			}
		}

		if handed == 0 {
			q.finishBatchWhenIdle(ctx)
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.pollInterval):
			}
		}
	}
}

func (q *Queue) fetchFailed(ctx context.Context, err error) {
	q.setLastError(err)
	q.logger.Error("failed to select pending episodes",
		logging.Error(err),
		logging.String(logging.FieldEventType, "pending_fetch_failed"),
		logging.String(logging.FieldErrorHint, "check pipeline database access"),
	)
	select {
	case <-ctx.Done():
	case <-time.After(q.retryInterval):
	}
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-q.work:
			q.process(ctx, id)
		}
	}
}

// process walks one claimed episode and reports the outcome. A walk error
// that did not halt the episode keeps the claim through the retry backoff,
// so the next poll cannot immediately redispatch a failing walk.
func (q *Queue) process(ctx context.Context, id string) {
	defer q.release(id)
	q.setLastEpisode(id)

	logger := q.logger.With(logging.String(logging.FieldEpisodeID, id))
	report, err := q.exec.Run(ctx, id)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Debug("walk interrupted by shutdown")
			return
		}
		q.setLastError(err)
		q.recordOutcome(false)
		logger.Error("episode walk failed",
			logging.Error(err),
			logging.String(logging.FieldEventType, "job_failed"),
			logging.String(logging.FieldErrorHint, "check pipeline database and driver access"),
		)
		q.publish(ctx, notifications.EventEpisodeFailed, notifications.Payload{
			"context": fmt.Sprintf("episode %s", id),
			"error":   err,
		})
		select {
		case <-ctx.Done():
		case <-time.After(q.retryInterval):
		}
		return
	}

	q.recordOutcome(report.Success)

	ep, epErr := q.store.GetEpisode(ctx, id)
	if epErr != nil || ep == nil {
		ep = &store.Episode{ID: id, Status: report.Status}
	}
	q.notifyReport(ctx, ep, report)
}

func (q *Queue) claim(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.inflight[id]; busy {
		return false
	}
	q.inflight[id] = struct{}{}
	if !q.batchActive {
		q.batchActive = true
		q.batchStart = time.Now()
		q.batchDone = 0
		q.batchFailed = 0
	}
	return true
}

func (q *Queue) release(id string) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

func (q *Queue) recordOutcome(success bool) {
	q.mu.Lock()
	if success {
		q.batchDone++
	} else {
		q.batchFailed++
	}
	q.mu.Unlock()
}

// finishBatchWhenIdle closes the accounting window opened by the first
// claim once nothing is pending or in flight, and announces the drained
// batch. Workers count their outcome before releasing the claim, so the
// totals are settled by the time the window closes.
func (q *Queue) finishBatchWhenIdle(ctx context.Context) {
	q.mu.Lock()
	if !q.batchActive || len(q.inflight) > 0 {
		q.mu.Unlock()
		return
	}
	processed := q.batchDone
	failed := q.batchFailed
	elapsed := time.Since(q.batchStart)
	q.batchActive = false
	q.batchStart = time.Time{}
	q.batchDone = 0
	q.batchFailed = 0
	q.mu.Unlock()

	q.logger.Info("batch completed",
		logging.Int("processed", processed),
		logging.Int("failed", failed),
		logging.Duration("elapsed", elapsed),
	)
	q.publish(ctx, notifications.EventBatchCompleted, notifications.Payload{
		"processed": processed,
		"failed":    failed,
		"duration":  elapsed,
	})
}

// notifyReport translates a finished walk into at most one notification.
func (q *Queue) notifyReport(ctx context.Context, ep *store.Episode, report *pipeline.Report) {
	var event notifications.Event
	var payload notifications.Payload

	switch report.StoppedOn {
	case pipeline.StopReviewPending:
		stageName := gateStage(report)
		if stageName == "" {
			return
		}
		// An auto-approved checkpoint parks the walk without leaving an
		// open task; the next poll resumes it unattended.
		task, err := q.store.ActiveReviewTask(ctx, ep.ID, stageName)
		if err != nil || task == nil {
			return
		}
		event = notifications.EventReviewPending
		payload = notifications.Payload{
			"episode": ep.ID,
			"title":   ep.Title,
			"stage":   stageName,
		}

	case pipeline.StopCostLimit:
		event = notifications.EventCostLimit
		payload = notifications.Payload{
			"episode": ep.ID,
			"spent":   report.CostUSD,
			"cap":     q.cfg.Pipeline.MaxEpisodeCostUSD,
		}

	case pipeline.StopFailed:
		detail := strings.TrimSpace(ep.ErrorMessage)
		if detail == "" {
			if failure := report.FirstFailure(); failure != nil {
				detail = failure.Detail
			}
		}
		event = notifications.EventEpisodeFailed
		payload = notifications.Payload{
			"context": fmt.Sprintf("episode %s", ep.ID),
			"error":   detail,
		}

	case pipeline.StopTerminal:
		if report.Status != store.StatusPublished {
			return
		}
		event = notifications.EventEpisodePublished
		payload = notifications.Payload{
			"episode": ep.ID,
			"title":   ep.Title,
		}
		if ep.YouTubeVideoID != "" {
			payload["url"] = "https://youtu.be/" + ep.YouTubeVideoID
		}

	default:
		return
	}

	q.publish(ctx, event, payload)
}

func (q *Queue) publish(ctx context.Context, event notifications.Event, payload notifications.Payload) {
	if q.notifier == nil {
		return
	}
	if err := q.notifier.Publish(ctx, event, payload); err != nil {
		if errors.Is(err, context.Canceled) {
			q.logger.Debug("daemon shutting down, notification skipped")
		} else {
			q.logger.Debug("notification failed",
				logging.Error(err),
				logging.String("notify_event", string(event)),
			)
		}
	}
}

// gateStage maps the checkpoint a walk parked on back to its producing
// stage, empty when the report did not end on a gate.
func gateStage(report *pipeline.Report) string {
	if len(report.Stages) == 0 {
		return ""
	}
	last := report.Stages[len(report.Stages)-1]
	for _, g := range review.Gates() {
		if g.Name == last.Stage {
			return g.Stage
		}
	}
	return ""
}

func (q *Queue) setLastError(err error) {
	q.mu.Lock()
	q.lastErr = err
	q.mu.Unlock()
}

func (q *Queue) setLastEpisode(id string) {
	q.mu.Lock()
	q.lastEpisode = id
	q.mu.Unlock()
}
