package pipeline

import (
	"errors"
	"testing"

	"redub/internal/review"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestChapteredGraphOrdersGatesAfterProducers(t *testing.T) {
	deps := stages.Deps{Config: testsupport.NewConfig(t)}
	deps.Config.Publish.Enabled = true

	graph, err := graphFor(deps, 2)
	if err != nil {
		t.Fatalf("graphFor: %v", err)
	}

	want := []struct {
		name     string
		requires store.EpisodeStatus
		gate     bool
	}{
		{stage.NameDownload, store.StatusNew, false},
		{stage.NameTranscribe, store.StatusDownloaded, false},
		{stage.NameCorrect, store.StatusTranscribed, false},
		{review.GateCorrection, store.StatusCorrected, true},
		{stage.NameTranslate, store.StatusCorrected, false},
		{stage.NameAdapt, store.StatusTranslated, false},
		{review.GateAdaptation, store.StatusAdapted, true},
		{stage.NameChapterize, store.StatusAdapted, false},
		{stage.NameImageGen, store.StatusChapterized, false},
		{stage.NameTTS, store.StatusImagesGenerated, false},
		{stage.NameRender, store.StatusTTSDone, false},
		{review.GateFinal, store.StatusRendered, true},
		{stage.NamePublish, store.StatusApproved, false},
	}
	if len(graph) != len(want) {
		t.Fatalf("graph has %d slots, want %d", len(graph), len(want))
	}
	for i, w := range want {
		b := graph[i]
		if b.name != w.name || b.requires != w.requires {
			t.Errorf("slot %d = %s at %s, want %s at %s", i, b.name, b.requires, w.name, w.requires)
		}
		if (b.gate != nil) != w.gate {
			t.Errorf("slot %d gate = %v, want %v", i, b.gate != nil, w.gate)
		}
		if w.gate {
			if b.module != nil {
				t.Errorf("slot %d carries both a gate and a module", i)
			}
		} else if b.module == nil {
			t.Errorf("slot %d has no module", i)
		}
	}
}

func TestChapteredGraphOmitsPublishWhenDisabled(t *testing.T) {
	deps := stages.Deps{Config: testsupport.NewConfig(t)}

	graph, err := graphFor(deps, 2)
	if err != nil {
		t.Fatalf("graphFor: %v", err)
	}

	if findBinding(graph, stage.NamePublish) != nil {
		t.Fatal("publish slot present while publishing is disabled")
	}
	if last := graph[len(graph)-1]; last.name != review.GateFinal {
		t.Errorf("last slot = %s, want %s", last.name, review.GateFinal)
	}
	if next := nextBinding(graph, store.StatusApproved); next != nil {
		t.Errorf("approved episodes still get slot %s, want none", next.name)
	}
}

func TestLegacyGraphHasNoGates(t *testing.T) {
	deps := stages.Deps{Config: testsupport.NewConfig(t)}
	deps.Config.Publish.Enabled = true

	graph, err := graphFor(deps, 1)
	if err != nil {
		t.Fatalf("graphFor: %v", err)
	}

	want := []struct {
		name     string
		requires store.EpisodeStatus
	}{
		{stage.NameDownload, store.StatusNew},
		{stage.NameTranscribe, store.StatusDownloaded},
		{stage.NameCorrect, store.StatusTranscribed},
		{stage.NameTranslate, store.StatusCorrected},
		{stage.NameTTS, store.StatusTranslated},
		{stage.NameRender, store.StatusTTSDone},
		{stage.NamePublish, store.StatusRendered},
	}
	if len(graph) != len(want) {
		t.Fatalf("graph has %d slots, want %d", len(graph), len(want))
	}
	for i, w := range want {
		b := graph[i]
		if b.name != w.name || b.requires != w.requires {
			t.Errorf("slot %d = %s at %s, want %s at %s", i, b.name, b.requires, w.name, w.requires)
		}
		if b.gate != nil {
			t.Errorf("slot %d carries a gate, version 1 has none", i)
		}
	}
}

func TestGraphForUnknownVersion(t *testing.T) {
	deps := stages.Deps{Config: testsupport.NewConfig(t)}

	_, err := graphFor(deps, 3)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("graphFor(3) error = %v, want a configuration error", err)
	}
}

func TestNextBindingPrefersGateOverConsumer(t *testing.T) {
	deps := stages.Deps{Config: testsupport.NewConfig(t)}

	graph, err := graphFor(deps, 2)
	if err != nil {
		t.Fatalf("graphFor: %v", err)
	}

	// Two slots serve corrected: gate 1 and translate. The gate comes first
	// so the selector sees the review, not the consumer behind it.
	next := nextBinding(graph, store.StatusCorrected)
	if next == nil {
		t.Fatal("no slot serves corrected")
	}
	if next.name != review.GateCorrection {
		t.Errorf("next at corrected = %s, want %s", next.name, review.GateCorrection)
	}
	if next := nextBinding(graph, store.StatusPublished); next != nil {
		t.Errorf("published episodes still get slot %s, want none", next.name)
	}
}
