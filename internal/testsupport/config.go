package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"redub/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.PromptDir = filepath.Join(base, "prompts")
	cfgVal.LLM.APIKey = "test"
	cfgVal.TTS.APIKey = "test"
	cfgVal.ImageGen.APIKey = "test"

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithPipelineVersion sets the stage graph version on the test config.
func WithPipelineVersion(version int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.Version = version
	}
}

// WithDryRun enables canned driver outputs on the test config.
func WithDryRun() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.DryRun = true
	}
}

// WithCostCap overrides the per-episode budget on the test config.
func WithCostCap(capUSD float64) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.MaxEpisodeCostUSD = capUSD
	}
}

// WithLanguages overrides the source and target languages on the test config.
func WithLanguages(source, target string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Pipeline.SourceLanguage = source
		b.cfg.Pipeline.TargetLanguage = target
	}
}

// WithAutoApprove toggles correction auto-approval on the test config.
func WithAutoApprove(enabled bool) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Review.AutoApproveCorrections = enabled
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default external binaries
// are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"ffmpeg", "ffprobe", "yt-dlp"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return filepath.Dir(cfg.Paths.DataDir)
}
