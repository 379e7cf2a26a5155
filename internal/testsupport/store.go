package testsupport

import (
	"context"
	"testing"

	"redub/internal/config"
	"redub/internal/store"
)

// MustOpenStore opens a store.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *store.Store {
	t.Helper()

	st, err := store.Open(cfg)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() {
		st.Close()
	})
	return st
}

// NewEpisode creates an episode for tests using the provided store.
func NewEpisode(t testing.TB, st *store.Store, id, title string) *store.Episode {
	t.Helper()

	episode, err := st.CreateEpisode(context.Background(), &store.Episode{
		ID:        id,
		Title:     title,
		SourceURL: "https://example.com/episodes/" + id,
	})
	if err != nil {
		t.Fatalf("store.CreateEpisode: %v", err)
	}
	return episode
}

// SeedEpisode creates an episode already sitting at the given status.
func SeedEpisode(t testing.TB, st *store.Store, id string, status store.EpisodeStatus) *store.Episode {
	t.Helper()

	episode := NewEpisode(t, st, id, "Episode "+id)
	if status != "" && status != store.StatusNew {
		episode.Status = status
		if err := st.UpdateEpisode(context.Background(), episode); err != nil {
			t.Fatalf("store.UpdateEpisode: %v", err)
		}
	}
	return episode
}
