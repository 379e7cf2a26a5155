package stages_test

import (
	"context"
	"os"
	"testing"
	"unicode/utf8"

	"redub/internal/cascade"
	"redub/internal/chapters"
	"redub/internal/costs"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestTTSExecuteSynthesizesAllChapters(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.SeedEpisode(t, h.store, "ep-tts-run", store.StatusImagesGenerated)
	paths := h.paths(ep)
	doc := chapterDoc(ep.ID)
	h.writeChapters(t, ep, doc)

	outcome := h.runStage(t, ep, stages.NewTTS(h.deps))

	if outcome.SegmentsProcessed != 3 {
		t.Fatalf("synthesized = %d, want 3", outcome.SegmentsProcessed)
	}
	for _, ch := range doc.Chapters {
		if _, err := os.Stat(paths.ChapterAudio(ch.ChapterID)); err != nil {
			t.Fatalf("narration for %s not written: %v", ch.ChapterID, err)
		}
	}

	manifest, err := cascade.LoadManifest(paths.TTSManifest())
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	entry := manifest.Entry("ch-001")
	if entry == nil || entry.Metadata["duration_seconds"] == "" {
		t.Fatalf("manifest entry = %#v, want measured duration", entry)
	}
	if len(outcome.Assets) != 3 || outcome.Assets[0].DurationSeconds == nil {
		t.Fatalf("assets = %#v, want three audio assets with durations", outcome.Assets)
	}
}

func TestTTSReusesUnchangedNarration(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.SeedEpisode(t, h.store, "ep-tts-reuse", store.StatusImagesGenerated)
	doc := chapterDoc(ep.ID)
	h.writeChapters(t, ep, doc)

	mod := stages.NewTTS(h.deps)
	h.runStage(t, ep, mod)

	second := h.runStage(t, ep, mod)
	if second.SegmentsProcessed != 0 {
		t.Fatalf("unchanged rerun synthesized %d chapters", second.SegmentsProcessed)
	}

	revised := "The second chapter now walks the mechanism in a different order, still step by step, with the same diagram."
	doc.Chapters[1].Narration.Text = revised
	doc.Chapters[1].Narration.EstimatedDurationSeconds = chapters.ExpectedNarrationSeconds(revised)
	doc.EstimatedDurationSeconds = 0
	for _, ch := range doc.Chapters {
		doc.EstimatedDurationSeconds += ch.Narration.EstimatedDurationSeconds
	}
	h.writeChapters(t, ep, doc)

	third := h.runStage(t, ep, mod)
	if third.SegmentsProcessed != 1 {
		t.Fatalf("edited narration re-synthesized %d chapters, want 1", third.SegmentsProcessed)
	}
}

func TestTTSPlanBudgetsPendingChaptersOnly(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.SeedEpisode(t, h.store, "ep-tts-budget", store.StatusImagesGenerated)
	doc := chapterDoc(ep.ID)
	h.writeChapters(t, ep, doc)

	mod := stages.NewTTS(h.deps)
	before, err := mod.Plan(context.Background(), ep)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	var want float64
	for _, ch := range doc.Chapters {
		want += costs.TTSPrice(utf8.RuneCountInString(ch.Narration.Text), h.cfg.TTS.PricePer1KChars)
	}
	if before.ProjectedCostUSD != want {
		t.Fatalf("projected cost = %v, want %v", before.ProjectedCostUSD, want)
	}

	h.runStage(t, ep, mod)
	after, err := mod.Plan(context.Background(), ep)
	if err != nil {
		t.Fatalf("Plan after run: %v", err)
	}
	if after.ProjectedCostUSD != 0 {
		t.Fatalf("projected cost after run = %v, want 0", after.ProjectedCostUSD)
	}
}
