package jobs_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"redub/internal/config"
	"redub/internal/jobs"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/notifications"
	"redub/internal/prompts"
	"redub/internal/services/dryrun"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

// harness wires a queue over the canned drivers so background walks run
// against a real store without external services.
type harness struct {
	cfg   *config.Config
	store *store.Store
	deps  stages.Deps
	rec   *stubNotifier
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	registry := prompts.NewRegistry(st, cfg, logging.NewNop())
	seedTemplates(t, registry)

	deps := stages.Deps{
		Store:       st,
		Layout:      layout.New(cfg),
		Config:      cfg,
		Prompts:     registry,
		LLM:         &dryrun.LLM{},
		Transcriber: &dryrun.Transcriber{},
		Images:      &dryrun.ImageGenerator{},
		Speech:      &dryrun.SpeechSynthesizer{},
		Media:       &dryrun.Media{},
		Downloader:  &dryrun.Downloader{},
		Publisher:   &dryrun.Publisher{},
	}
	return &harness{cfg: cfg, store: st, deps: deps, rec: &stubNotifier{}}
}

func seedTemplates(t *testing.T, registry *prompts.Registry) {
	t.Helper()

	bodies := map[string]string{
		stages.PromptCorrection:     "Correct transcription errors. Feedback: {{feedback}}\n\n{{transcript}}",
		stages.PromptTranslation:    "Translate from {{source_language}} to {{target_language}}:\n\n{{transcript}}",
		stages.PromptAdaptation:     "Adapt for a {{target_language}} audience. Feedback: {{feedback}}\n\n{{script}}",
		stages.PromptChapterization: "Split into chapters, answer with the JSON chapter document.\n\n{{script}}",
	}
	for name, body := range bodies {
		testsupport.WriteText(t, registry.TemplatePath(name), body)
	}
}

// queue builds a queue with test intervals. Construct it after any config
// mutation so New reads the final values.
func (h *harness) queue(t *testing.T) *jobs.Queue {
	t.Helper()

	q := jobs.New(h.deps, logging.NewNop(),
		jobs.WithNotifier(h.rec),
		jobs.WithIntervals(25*time.Millisecond, 25*time.Millisecond),
	)
	t.Cleanup(q.Stop)
	return q
}

func (h *harness) status(t *testing.T, id string) store.EpisodeStatus {
	t.Helper()

	ep, err := h.store.GetEpisode(context.Background(), id)
	if err != nil {
		t.Fatalf("GetEpisode %s: %v", id, err)
	}
	if ep == nil {
		t.Fatalf("episode %s disappeared", id)
	}
	return ep.Status
}

// waitFor polls cond until it holds, failing the test once the deadline
// passes.
func waitFor(t *testing.T, cond func() bool, message string) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal(message)
}

// stubNotifier records published events for assertion.
type stubNotifier struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	event   notifications.Event
	payload notifications.Payload
}

func (s *stubNotifier) Publish(_ context.Context, event notifications.Event, payload notifications.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, recordedEvent{event: event, payload: payload})
	return nil
}

func (s *stubNotifier) count(event notifications.Event) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rec := range s.events {
		if rec.event == event {
			n++
		}
	}
	return n
}

func (s *stubNotifier) first(event notifications.Event) notifications.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.events {
		if rec.event == event {
			return rec.payload
		}
	}
	return nil
}

func TestQueueWalksPendingEpisodeToReview(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.SeedEpisode(t, h.store, "ep-queue-review", store.StatusNew)

	q := h.queue(t)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		return h.status(t, ep.ID) == store.StatusCorrected &&
			h.rec.count(notifications.EventBatchCompleted) > 0
	}, "episode never parked at the correction review")
	q.Stop()

	if got := h.rec.count(notifications.EventReviewPending); got != 1 {
		t.Fatalf("review notifications = %d, want 1", got)
	}
	payload := h.rec.first(notifications.EventReviewPending)
	if payload["episode"] != ep.ID || payload["stage"] != "correct" {
		t.Fatalf("unexpected review payload: %v", payload)
	}

	if got := h.rec.count(notifications.EventBatchCompleted); got != 1 {
		t.Fatalf("batch notifications = %d, want 1", got)
	}
	batch := h.rec.first(notifications.EventBatchCompleted)
	if batch["processed"] != 1 || batch["failed"] != 0 {
		t.Fatalf("unexpected batch payload: %v", batch)
	}
	if got := h.rec.count(notifications.EventEpisodeFailed); got != 0 {
		t.Fatalf("failure notifications = %d, want none", got)
	}
}

func TestQueueCoalescesConcurrentWorkers(t *testing.T) {
	h := newHarness(t)
	h.cfg.Workflow.Concurrency = 2
	first := testsupport.SeedEpisode(t, h.store, "ep-queue-a", store.StatusNew)
	second := testsupport.SeedEpisode(t, h.store, "ep-queue-b", store.StatusNew)

	q := h.queue(t)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		return h.status(t, first.ID) == store.StatusCorrected &&
			h.status(t, second.ID) == store.StatusCorrected &&
			h.rec.count(notifications.EventBatchCompleted) > 0
	}, "episodes never reached the correction review")
	q.Stop()

	// A claimed episode must stay with its worker even though it remains
	// actionable while mid-walk, so each stage ran exactly once.
	ctx := context.Background()
	for _, ep := range []*store.Episode{first, second} {
		runs, err := h.store.RunsForEpisode(ctx, ep.ID)
		if err != nil {
			t.Fatalf("RunsForEpisode %s: %v", ep.ID, err)
		}
		downloads := 0
		for _, run := range runs {
			if run.Stage == stage.NameDownload && run.Status == store.RunSuccess {
				downloads++
			}
		}
		if downloads != 1 {
			t.Fatalf("episode %s recorded %d download runs, want 1", ep.ID, downloads)
		}
	}

	if got := h.rec.count(notifications.EventBatchCompleted); got != 1 {
		t.Fatalf("batch notifications = %d, want 1", got)
	}
	batch := h.rec.first(notifications.EventBatchCompleted)
	if batch["processed"] != 2 || batch["failed"] != 0 {
		t.Fatalf("unexpected batch payload: %v", batch)
	}
}

func TestQueueNotifiesCostLimit(t *testing.T) {
	h := newHarness(t, testsupport.WithCostCap(1.0))
	ep := testsupport.SeedEpisode(t, h.store, "ep-queue-capped", store.StatusNew)

	// Spend past the cap before the queue picks the episode up.
	ctx := context.Background()
	run, err := h.store.StartRun(ctx, ep.ID, stage.NameDownload)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	err = h.store.RecordStageSuccess(ctx, store.StageSuccess{
		RunID:            run.ID,
		EpisodeID:        ep.ID,
		EstimatedCostUSD: 5,
		NewStatus:        store.StatusNew,
	})
	if err != nil {
		t.Fatalf("RecordStageSuccess: %v", err)
	}

	q := h.queue(t)
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, func() bool {
		return h.rec.count(notifications.EventCostLimit) > 0 &&
			h.rec.count(notifications.EventBatchCompleted) > 0
	}, "cost limit notification never arrived")
	q.Stop()

	if got := h.status(t, ep.ID); got != store.StatusCostLimit {
		t.Fatalf("episode status = %s, want %s", got, store.StatusCostLimit)
	}
	if got := h.rec.count(notifications.EventCostLimit); got != 1 {
		t.Fatalf("cost limit notifications = %d, want 1", got)
	}
	payload := h.rec.first(notifications.EventCostLimit)
	if payload["spent"] != 5.0 || payload["cap"] != 1.0 {
		t.Fatalf("unexpected cost payload: %v", payload)
	}
	batch := h.rec.first(notifications.EventBatchCompleted)
	if batch["processed"] != 0 || batch["failed"] != 1 {
		t.Fatalf("unexpected batch payload: %v", batch)
	}
}

func TestQueueClosesInterruptedRunsOnStart(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.SeedEpisode(t, h.store, "ep-queue-stuck", store.StatusPublished)

	ctx := context.Background()
	run, err := h.store.StartRun(ctx, ep.ID, stage.NameRender)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}

	q := h.queue(t)
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer q.Stop()

	// Reclaim happens before the first poll, so the row is closed by the
	// time Start returns.
	fresh, err := h.store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if fresh.Status != store.RunFailed {
		t.Fatalf("run status = %s, want %s", fresh.Status, store.RunFailed)
	}
	if !strings.Contains(fresh.ErrorMessage, "interrupted") {
		t.Fatalf("run error = %q, want an interrupted marker", fresh.ErrorMessage)
	}
}

func TestQueueReportsStatus(t *testing.T) {
	h := newHarness(t)
	walked := testsupport.SeedEpisode(t, h.store, "ep-status-walk", store.StatusNew)
	testsupport.SeedEpisode(t, h.store, "ep-status-done", store.StatusPublished)

	q := h.queue(t)
	ctx := context.Background()

	before := q.Status(ctx)
	if before.Running {
		t.Fatal("queue reported running before start")
	}
	if before.EpisodeStats[store.StatusNew] != 1 || before.EpisodeStats[store.StatusPublished] != 1 {
		t.Fatalf("unexpected episode stats: %v", before.EpisodeStats)
	}
	for _, name := range []string{"llm", "transcribe", "imagegen", "tts", "media", "download", "publish"} {
		probe, ok := before.DriverHealth[name]
		if !ok || !probe.Ready {
			t.Fatalf("driver %s not ready in snapshot: %+v", name, before.DriverHealth)
		}
	}

	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !q.Status(ctx).Running {
		t.Fatal("queue not reported running after start")
	}
	waitFor(t, func() bool {
		return h.status(t, walked.ID) == store.StatusCorrected
	}, "episode never reached the correction review")
	q.Stop()

	after := q.Status(ctx)
	if after.Running {
		t.Fatal("queue reported running after stop")
	}
	if after.LastEpisode != walked.ID {
		t.Fatalf("last episode = %q, want %q", after.LastEpisode, walked.ID)
	}
	if len(after.InFlight) != 0 {
		t.Fatalf("in-flight after stop: %v", after.InFlight)
	}
	if after.EpisodeStats[store.StatusCorrected] != 1 {
		t.Fatalf("unexpected episode stats after walk: %v", after.EpisodeStats)
	}
}

func TestQueueStartTwiceFails(t *testing.T) {
	h := newHarness(t)
	q := h.queue(t)

	ctx := context.Background()
	if err := q.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	err := q.Start(ctx)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("second start error = %v, want already running", err)
	}
	q.Stop()

	// A stopped queue can start again.
	if err := q.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	q.Stop()
}

func TestQueueSurfacesFetchErrors(t *testing.T) {
	h := newHarness(t)
	q := h.queue(t)

	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := h.store.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	waitFor(t, func() bool {
		return q.Status(context.Background()).LastError != ""
	}, "poll error never surfaced in status")
	q.Stop()
}
