package stages_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"redub/internal/services"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestDownloadPlanRequiresSourceURL(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.NewEpisode(t, h.store, "ep-dl-nourl", "No Source")
	ep.SourceURL = "   "

	mod := stages.NewDownload(h.deps)
	if _, err := mod.Plan(context.Background(), ep); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Plan error = %v, want validation error", err)
	}
}

func TestDownloadPlanHashTracksSourceURL(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.NewEpisode(t, h.store, "ep-dl-hash", "Hash Episode")

	mod := stages.NewDownload(h.deps)
	first, err := mod.Plan(context.Background(), ep)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	ep.SourceURL += "?version=2"
	second, err := mod.Plan(context.Background(), ep)
	if err != nil {
		t.Fatalf("Plan after url change: %v", err)
	}
	if first.InputHash == second.InputHash {
		t.Fatalf("input hash did not change with the source url")
	}
}

func TestDownloadExecuteFetchesMediaAndAdoptsTitle(t *testing.T) {
	h := newHarness(t)
	ep := testsupport.NewEpisode(t, h.store, "ep-dl-run", "Placeholder Title")
	paths := h.paths(ep)

	outcome := h.runStage(t, ep, stages.NewDownload(h.deps))

	if _, err := os.Stat(paths.SourceMedia()); err != nil {
		t.Fatalf("source media not written: %v", err)
	}
	if _, err := os.Stat(paths.SourceMeta()); err != nil {
		t.Fatalf("source metadata not written: %v", err)
	}
	if outcome.ArtifactPath != paths.SourceMedia() {
		t.Fatalf("artifact path = %q, want %q", outcome.ArtifactPath, paths.SourceMedia())
	}
	if len(outcome.Assets) != 1 || outcome.Assets[0].AssetType != store.AssetVideo {
		t.Fatalf("assets = %#v, want one video asset", outcome.Assets)
	}
	if outcome.Assets[0].Metadata["source_url"] != ep.SourceURL {
		t.Fatalf("asset metadata source_url = %q, want %q", outcome.Assets[0].Metadata["source_url"], ep.SourceURL)
	}

	stored, err := h.store.GetEpisode(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode: %v", err)
	}
	if stored.Title != "Dry Run Episode" {
		t.Fatalf("stored title = %q, want discovered title", stored.Title)
	}
}
