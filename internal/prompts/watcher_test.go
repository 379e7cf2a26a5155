package prompts_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestWatcherAutoRegistersNewTemplates(t *testing.T) {
	registry, dir := newRegistry(t)

	watcher := prompts.NewWatcher(registry, logging.NewNop())
	watcher.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	testsupport.WriteText(t, filepath.Join(dir, "correction.md"), correctionTemplate)

	version := waitForVersion(t, registry, "correction", 1)
	if !version.IsDefault {
		t.Fatalf("expected first watched version to be default, got %#v", version)
	}
}

func TestWatcherIgnoresNonTemplateFiles(t *testing.T) {
	registry, dir := newRegistry(t)

	watcher := prompts.NewWatcher(registry, logging.NewNop())
	watcher.Debounce = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	testsupport.WriteText(t, filepath.Join(dir, "notes.txt"), "scratch notes\n")
	testsupport.WriteText(t, filepath.Join(dir, "translation.md"), "Translate precisely.\n")

	waitForVersion(t, registry, "translation", 1)

	history, err := registry.History(context.Background(), "notes")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no versions for non-template file, got %#v", history)
	}
}

func TestWatcherCoalescesEditBursts(t *testing.T) {
	registry, dir := newRegistry(t)
	path := filepath.Join(dir, "adaptation.md")
	testsupport.WriteText(t, path, "Adapt the script.\n")
	if _, _, err := registry.Register(context.Background(), "adaptation", "", false); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	watcher := prompts.NewWatcher(registry, logging.NewNop())
	watcher.Debounce = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := watcher.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// Several quick writes of the same final content must register a
	// single new version once the burst settles.
	for i := 0; i < 3; i++ {
		testsupport.WriteText(t, path, "Adapt the script for a new audience.\n")
		time.Sleep(10 * time.Millisecond)
	}

	version := waitForVersion(t, registry, "adaptation", 2)
	if version.IsDefault {
		t.Fatalf("auto-registered version must not become default, got %#v", version)
	}
	history, err := registry.History(ctx, "adaptation")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected the burst to register one version, got %d", len(history))
	}
}

// waitForVersion polls the registry until the named prompt reaches the wanted
// version, failing the test after a generous deadline.
func waitForVersion(t *testing.T, registry *prompts.Registry, name string, version int) *store.PromptVersion {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		history, err := registry.History(context.Background(), name)
		if err != nil {
			t.Fatalf("History failed: %v", err)
		}
		if len(history) > 0 && history[0].Version >= version {
			return history[0]
		}
		if time.Now().After(deadline) {
			t.Fatalf("prompt %q never reached version %d", name, version)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
