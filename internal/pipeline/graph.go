package pipeline

import (
	"fmt"

	"redub/internal/review"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/stages"
	"redub/internal/store"
)

// binding is one slot in a stage graph: a module or a review gate, parked
// at the episode status it serves.
type binding struct {
	name     string
	requires store.EpisodeStatus
	module   stage.Module
	gate     *review.Gate
}

// graphFor assembles the stage graph for a pipeline version. Version 2 is
// the chaptered graph with review checkpoints after correct, adapt, and
// render; version 1 is the legacy short graph that narrates the translated
// transcript in one take. Both graphs carry a publish slot only while
// publishing is enabled, so unconfigured installs end their walk at the
// last produced status.
func graphFor(deps stages.Deps, version int) ([]binding, error) {
	switch version {
	case 2:
		return chapteredGraph(deps), nil
	case 1:
		return legacyGraph(deps), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, "", "stage graph",
			fmt.Sprintf("unknown pipeline version %d", version), nil)
	}
}

func chapteredGraph(deps stages.Deps) []binding {
	mods := stages.All(deps)
	graph := make([]binding, 0, len(mods)+len(review.Gates()))
	for _, mod := range mods {
		desc := mod.Descriptor()
		if desc.Name == stage.NamePublish && !deps.Config.Publish.Enabled {
			continue
		}
		graph = append(graph, binding{name: desc.Name, requires: desc.Requires, module: mod})
		// The checkpoint reviewing a stage follows it immediately, before
		// the consumer of its artifact.
		if g := review.GateForStage(desc.Name); g != nil {
			graph = append(graph, binding{name: g.Name, requires: g.At, gate: g})
		}
	}
	return graph
}

func legacyGraph(deps stages.Deps) []binding {
	mods := []stage.Module{
		stages.NewDownload(deps),
		stages.NewTranscribe(deps),
		stages.NewCorrect(deps),
		stages.NewLegacyTranslate(deps),
		stages.NewLegacyTTS(deps),
		stages.NewLegacyRender(deps),
	}
	if deps.Config.Publish.Enabled {
		mods = append(mods, stages.NewLegacyPublish(deps))
	}
	graph := make([]binding, 0, len(mods))
	for _, mod := range mods {
		desc := mod.Descriptor()
		graph = append(graph, binding{name: desc.Name, requires: desc.Requires, module: mod})
	}
	return graph
}

// nextBinding returns the first slot serving the given status, or nil when
// the graph has nothing left for it.
func nextBinding(graph []binding, status store.EpisodeStatus) *binding {
	for i := range graph {
		if graph[i].requires == status {
			return &graph[i]
		}
	}
	return nil
}

// findBinding returns the slot dispatched under the given stage or gate
// name, or nil.
func findBinding(graph []binding, name string) *binding {
	for i := range graph {
		if graph[i].name == name {
			return &graph[i]
		}
	}
	return nil
}
