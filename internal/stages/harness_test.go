package stages_test

import (
	"context"
	"testing"

	"redub/internal/chapters"
	"redub/internal/config"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/services/dryrun"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

// harness wires real store, layout, and prompt registry against the canned
// drivers so stage modules run end to end without external services.
type harness struct {
	cfg     *config.Config
	store   *store.Store
	layout  layout.Layout
	prompts *prompts.Registry
	deps    stages.Deps
}

func newHarness(t *testing.T, opts ...testsupport.ConfigOption) *harness {
	t.Helper()

	cfg := testsupport.NewConfig(t, opts...)
	st := testsupport.MustOpenStore(t, cfg)
	lay := layout.New(cfg)
	registry := prompts.NewRegistry(st, cfg, logging.NewNop())

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
	return &harness{cfg: cfg, store: st, layout: lay, prompts: registry, deps: deps}
}

func (h *harness) paths(ep *store.Episode) layout.Episode {
	return h.layout.Episode(ep.ID)
}

// writePrompt drops a template into the prompt directory; Resolve picks it up
// and registers it on first use.
func (h *harness) writePrompt(t *testing.T, name, body string) {
	t.Helper()
	testsupport.WriteText(t, h.prompts.TemplatePath(name), body)
}

// newExecution plans the stage and opens a real pipeline run, mirroring what
// the runner hands a module.
func (h *harness) newExecution(t *testing.T, ep *store.Episode, mod stage.Module) *stage.Execution {
	t.Helper()

	ctx := context.Background()
	plan, err := mod.Plan(ctx, ep)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	run, err := h.store.StartRun(ctx, ep.ID, mod.Descriptor().Name)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return &stage.Execution{
		Episode: ep,
		Run:     run,
		Plan:    plan,
		Logger:  logging.NewNop(),
	}
}

// runStage plans and executes a module, failing the test on any error.
func (h *harness) runStage(t *testing.T, ep *store.Episode, mod stage.Module) *stage.Outcome {
	t.Helper()

	exec := h.newExecution(t, ep, mod)
	outcome, err := mod.Execute(context.Background(), exec)
	if err != nil {
		t.Fatalf("Execute %s: %v", mod.Descriptor().Name, err)
	}
	return outcome
}

// chapterDoc builds a valid three-chapter document: a title card that needs
// the solid backdrop and two chapters that need generated imagery.
func chapterDoc(episodeID string) *chapters.Document {
	texts := []string{
		"Welcome to the walkthrough. This opening chapter sets the scene and names the topic we cover today.",
		"The second chapter explains the core mechanism in detail, step by step, with a diagram on screen.",
		"The final chapter wraps up with the key takeaways and points at where to go next.",
	}
	doc := &chapters.Document{
		SchemaVersion: chapters.SchemaVersion,
		EpisodeID:     episodeID,
		Title:         "Pipeline Walkthrough",
		TotalChapters: 3,
		Chapters: []chapters.Chapter{
			{
				ChapterID: "ch-001",
				Title:     "Opening",
				Order:     1,
				Narration: chapters.Narration{
					Text:                     texts[0],
					EstimatedDurationSeconds: chapters.ExpectedNarrationSeconds(texts[0]),
				},
				Visual: chapters.Visual{Type: chapters.VisualTitleCard, Description: "Episode title card"},
				Overlays: []chapters.Overlay{
					{Text: "Pipeline Walkthrough", Position: "lower_third", StartSeconds: 0.5, EndSeconds: 4},
				},
				Transitions: chapters.Transitions{In: "fade", Out: "cut"},
			},
			{
				ChapterID: "ch-002",
				Title:     "How It Works",
				Order:     2,
				Narration: chapters.Narration{
					Text:                     texts[1],
					EstimatedDurationSeconds: chapters.ExpectedNarrationSeconds(texts[1]),
				},
				Visual: chapters.Visual{
					Type:        chapters.VisualDiagram,
					Description: "Mechanism diagram",
					ImagePrompt: "A clean labeled diagram of a content pipeline with stages as boxes",
				},
				Transitions: chapters.Transitions{In: "cut", Out: "cut"},
			},
			{
				ChapterID: "ch-003",
				Title:     "Takeaways",
				Order:     3,
				Narration: chapters.Narration{
					Text:                     texts[2],
					EstimatedDurationSeconds: chapters.ExpectedNarrationSeconds(texts[2]),
				},
				Visual: chapters.Visual{
					Type:        chapters.VisualBRoll,
					Description: "Closing scenery",
					ImagePrompt: "A sunrise over a calm mountain valley, photographic style",
				},
				Transitions: chapters.Transitions{In: "cut", Out: "fade"},
			},
		},
	}
	for _, ch := range doc.Chapters {
		doc.EstimatedDurationSeconds += ch.Narration.EstimatedDurationSeconds
	}
	return doc
}

// writeChapters seeds a chapter document on disk for the media stages.
func (h *harness) writeChapters(t *testing.T, ep *store.Episode, doc *chapters.Document) {
	t.Helper()
	if err := chapters.Write(h.paths(ep).ChaptersDoc(), doc); err != nil {
		t.Fatalf("write chapter document: %v", err)
	}
}

// requestChanges seeds a decided changes-requested review task carrying
// reviewer notes for the producing stage.
func (h *harness) requestChanges(t *testing.T, ep *store.Episode, stageName, notes string) {
	t.Helper()

	ctx := context.Background()
	task, err := h.store.CreateReviewTask(ctx, &store.ReviewTask{EpisodeID: ep.ID, Stage: stageName})
	if err != nil {
		t.Fatalf("CreateReviewTask: %v", err)
	}
	if _, err := h.store.DecideReviewTask(ctx, task.ID, store.ReviewChangesRequested, notes); err != nil {
		t.Fatalf("DecideReviewTask: %v", err)
	}
}
