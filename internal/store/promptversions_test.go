package store_test

import (
	"context"
	"testing"

	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestRegisterPromptVersionDeduplicates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first, created, err := st.RegisterPromptVersion(ctx, &store.PromptVersion{
		Name:         "correction",
		ContentHash:  "hash-1",
		TemplatePath: "prompts/correction.md",
		Model:        "google/gemini-3-flash-preview",
	})
	if err != nil {
		t.Fatalf("RegisterPromptVersion failed: %v", err)
	}
	if !created {
		t.Fatal("expected first registration to create")
	}
	if first.Version != 1 || !first.IsDefault {
		t.Fatalf("expected version 1 default, got %#v", first)
	}

	again, created, err := st.RegisterPromptVersion(ctx, &store.PromptVersion{
		Name:        "correction",
		ContentHash: "hash-1",
	})
	if err != nil {
		t.Fatalf("re-registration failed: %v", err)
	}
	if created {
		t.Fatal("expected identical content to dedupe")
	}
	if again.ID != first.ID || again.Version != 1 {
		t.Fatalf("expected existing version back, got %#v", again)
	}

	second, created, err := st.RegisterPromptVersion(ctx, &store.PromptVersion{
		Name:        "correction",
		ContentHash: "hash-2",
	})
	if err != nil {
		t.Fatalf("RegisterPromptVersion failed: %v", err)
	}
	if !created || second.Version != 2 {
		t.Fatalf("expected new version 2, got created=%v %#v", created, second)
	}
	if second.IsDefault {
		t.Fatal("later versions must not steal the default")
	}
}

func TestPromoteDefaultSwitchesAtomically(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for _, hash := range []string{"h1", "h2", "h3"} {
		if _, _, err := st.RegisterPromptVersion(ctx, &store.PromptVersion{
			Name:        "adaptation",
			ContentHash: hash,
		}); err != nil {
			t.Fatalf("RegisterPromptVersion failed: %v", err)
		}
	}

	if err := st.PromoteDefault(ctx, "adaptation", 3); err != nil {
		t.Fatalf("PromoteDefault failed: %v", err)
	}

	def, err := st.DefaultPromptVersion(ctx, "adaptation")
	if err != nil {
		t.Fatalf("DefaultPromptVersion failed: %v", err)
	}
	if def == nil || def.Version != 3 {
		t.Fatalf("expected version 3 default, got %#v", def)
	}

	versions, err := st.PromptVersions(ctx, "adaptation")
	if err != nil {
		t.Fatalf("PromptVersions failed: %v", err)
	}
	defaults := 0
	for _, v := range versions {
		if v.IsDefault {
			defaults++
		}
	}
	if defaults != 1 {
		t.Fatalf("expected exactly one default, got %d", defaults)
	}

	if err := st.PromoteDefault(ctx, "adaptation", 9); err == nil {
		t.Fatal("expected error promoting a missing version")
	}
}

func TestPromptVersionsOrderedNewestFirst(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for _, hash := range []string{"a", "b"} {
		if _, _, err := st.RegisterPromptVersion(ctx, &store.PromptVersion{
			Name:        "translation",
			ContentHash: hash,
		}); err != nil {
			t.Fatalf("RegisterPromptVersion failed: %v", err)
		}
	}

	versions, err := st.PromptVersions(ctx, "translation")
	if err != nil {
		t.Fatalf("PromptVersions failed: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("expected 2 versions, got %d", len(versions))
	}
	if versions[0].Version != 2 || versions[1].Version != 1 {
		t.Fatalf("expected newest first, got %d then %d", versions[0].Version, versions[1].Version)
	}

	byPair, err := st.PromptVersion(ctx, "translation", 1)
	if err != nil {
		t.Fatalf("PromptVersion failed: %v", err)
	}
	if byPair == nil || byPair.ContentHash != "a" {
		t.Fatalf("unexpected lookup result: %#v", byPair)
	}
}
