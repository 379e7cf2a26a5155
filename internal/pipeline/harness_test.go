package pipeline_test

import (
	"context"
	"testing"

	"redub/internal/config"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/pipeline"
	"redub/internal/prompts"
	"redub/internal/review"
	"redub/internal/services/dryrun"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

// harness wires an executor over the canned drivers so whole pipeline walks
// run against a real store without external services.
type harness struct {
	cfg     *config.Config
	store   *store.Store
	layout  layout.Layout
	exec    *pipeline.Executor
	reviews *review.Coordinator
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	lay := layout.New(cfg)
	registry := prompts.NewRegistry(st, cfg, logging.NewNop())
	seedTemplates(t, registry)

	deps := stages.Deps{
		Store:       st,
		Layout:      lay,
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
	return &harness{
		cfg:     cfg,
		store:   st,
		layout:  lay,
		exec:    pipeline.New(deps, logging.NewNop()),
		reviews: review.NewCoordinator(st, lay, cfg, logging.NewNop()),
	}
}

// seedTemplates drops a template file for every prompt-driven stage so
// Resolve registers them on first use.
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

func (h *harness) paths(ep *store.Episode) layout.Episode {
	return h.layout.Episode(ep.ID)
}

func (h *harness) seedEpisode(t *testing.T, id string, status store.EpisodeStatus) *store.Episode {
	t.Helper()
	return testsupport.SeedEpisode(t, h.store, id, status)
}

// run walks the episode, failing the test on a walk error, and refreshes
// the caller's episode to the stored row.
func (h *harness) run(t *testing.T, ep *store.Episode) *pipeline.Report {
	t.Helper()

	report, err := h.exec.Run(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("Run %s: %v", ep.ID, err)
	}
	h.reload(t, ep)
	return report
}

func (h *harness) reload(t *testing.T, ep *store.Episode) {
	t.Helper()

	fresh, err := h.store.GetEpisode(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode %s: %v", ep.ID, err)
	}
	if fresh == nil {
		t.Fatalf("episode %s disappeared", ep.ID)
	}
	*ep = *fresh
}

// approve decides the open review task for a producing stage.
func (h *harness) approve(t *testing.T, ep *store.Episode, stageName string) *store.ReviewTask {
	t.Helper()

	ctx := context.Background()
	task, err := h.store.ActiveReviewTask(ctx, ep.ID, stageName)
	if err != nil {
		t.Fatalf("ActiveReviewTask: %v", err)
	}
	if task == nil {
		t.Fatalf("no active %s review task for %s", stageName, ep.ID)
	}
	decided, err := h.reviews.Approve(ctx, task.ID, "")
	if err != nil {
		t.Fatalf("Approve task %d: %v", task.ID, err)
	}
	return decided
}

// advanceTo walks the episode forward, approving every review gate it parks
// on, until the status reaches want.
func (h *harness) advanceTo(t *testing.T, ep *store.Episode, want store.EpisodeStatus) {
	t.Helper()

	for attempts := 0; attempts < 8; attempts++ {
		report := h.run(t, ep)
		if ep.Status == want {
			return
		}
		if report.StoppedOn != pipeline.StopReviewPending {
			t.Fatalf("walk stopped on %s at %s before reaching %s", report.StoppedOn, ep.Status, want)
		}
		parked := report.Stages[len(report.Stages)-1]
		approved := false
		for _, g := range review.Gates() {
			if g.Name == parked.Stage {
				h.approve(t, ep, g.Stage)
				approved = true
			}
		}
		if !approved {
			t.Fatalf("walk parked on %s, which is not a review gate", parked.Stage)
		}
	}
	t.Fatalf("episode %s never reached %s", ep.ID, want)
}

// stageEntry returns the report entry for a stage or gate name.
func stageEntry(t *testing.T, report *pipeline.Report, name string) stage.Result {
	t.Helper()

	for _, res := range report.Stages {
		if res.Stage == name {
			return res
		}
	}
	t.Fatalf("report has no %s entry, got %v", name, stageNames(report))
	return stage.Result{}
}

func stageNames(report *pipeline.Report) []string {
	names := make([]string, 0, len(report.Stages))
	for _, res := range report.Stages {
		names = append(names, res.Stage)
	}
	return names
}
