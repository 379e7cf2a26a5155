package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"redub/internal/config"
)

func TestLoadDefaultsExpandPathsAndEnvKey(t *testing.T) {
	t.Setenv("REDUB_LLM_API_KEY", "env-key")
	tempHome := t.TempDir()
	t.Setenv("HOME", tempHome)

	cfg, resolved, exists, err := config.Load("")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if resolved == "" {
		t.Fatal("expected resolved path")
	}
	if exists {
		t.Fatal("expected config file to be absent in temp HOME")
	}

	wantData := filepath.Join(tempHome, ".local", "share", "redub", "data")
	if cfg.Paths.DataDir != wantData {
		t.Fatalf("unexpected data dir: got %q want %q", cfg.Paths.DataDir, wantData)
	}
	if cfg.Paths.PromptDir != filepath.Join(tempHome, ".config", "redub", "prompts") {
		t.Fatalf("unexpected prompt dir: %q", cfg.Paths.PromptDir)
	}
	if cfg.Pipeline.Version != 2 {
		t.Fatalf("expected pipeline version 2, got %d", cfg.Pipeline.Version)
	}
	if cfg.Pipeline.SourceLanguage != "de" || cfg.Pipeline.TargetLanguage != "tr" {
		t.Fatalf("unexpected language defaults: %q -> %q", cfg.Pipeline.SourceLanguage, cfg.Pipeline.TargetLanguage)
	}
	if cfg.Pipeline.MaxEpisodeCostUSD != 10.0 {
		t.Fatalf("unexpected cost cap: %f", cfg.Pipeline.MaxEpisodeCostUSD)
	}
	if cfg.Pipeline.DryRun {
		t.Fatal("expected dry_run disabled by default")
	}
	if cfg.LLM.APIKey != "env-key" {
		t.Fatalf("expected LLM key from env, got %q", cfg.LLM.APIKey)
	}
	if got := cfg.TranscribeLLM().APIKey; got != "env-key" {
		t.Fatalf("expected transcribe key to fall back to llm key, got %q", got)
	}
	if cfg.TTS.PricePer1KChars != 0.30 {
		t.Fatalf("unexpected tts price: %f", cfg.TTS.PricePer1KChars)
	}
	if cfg.Render.SegmentTimeoutSec != 300 || cfg.Render.ConcatTimeoutSec != 600 {
		t.Fatalf("unexpected render timeouts: %d / %d", cfg.Render.SegmentTimeoutSec, cfg.Render.ConcatTimeoutSec)
	}
	if !cfg.Review.AutoApproveCorrections || cfg.Review.AutoApproveMaxChanges != 5 {
		t.Fatalf("unexpected review defaults: %+v", cfg.Review)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}
	for _, dir := range []string{cfg.Paths.DataDir, cfg.Paths.LogDir, cfg.Paths.PromptDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("expected directory %q to exist: %v", dir, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %q to be directory", dir)
		}
	}
}

func TestLoadCustomPath(t *testing.T) {
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "redub.toml")

	content := strings.Join([]string{
		"[paths]",
		`data_dir = "` + filepath.Join(tempDir, "data") + `"`,
		"",
		"[pipeline]",
		"pipeline_version = 1",
		`source_language = "EN"`,
		`target_language = "fr"`,
		"max_episode_cost_usd = 2.5",
		"dry_run = true",
		"",
		"[tts]",
		`voice_id = "voice-1"`,
		"",
		"[imagegen]",
		`quality = "hd"`,
	}, "\n")
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, resolved, exists, err := config.Load(configPath)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !exists {
		t.Fatal("expected config file to exist")
	}
	if resolved != configPath {
		t.Fatalf("unexpected resolved path: %q", resolved)
	}
	if cfg.Pipeline.Version != 1 {
		t.Fatalf("expected pipeline version 1, got %d", cfg.Pipeline.Version)
	}
	if cfg.Pipeline.SourceLanguage != "en" {
		t.Fatalf("expected source language lowercased, got %q", cfg.Pipeline.SourceLanguage)
	}
	if cfg.Pipeline.MaxEpisodeCostUSD != 2.5 {
		t.Fatalf("unexpected cost cap: %f", cfg.Pipeline.MaxEpisodeCostUSD)
	}
	if !cfg.Pipeline.DryRun {
		t.Fatal("expected dry_run enabled")
	}
	if cfg.TTS.VoiceID != "voice-1" {
		t.Fatalf("unexpected voice id: %q", cfg.TTS.VoiceID)
	}
	if cfg.ImageGen.Quality != "hd" {
		t.Fatalf("unexpected imagegen quality: %q", cfg.ImageGen.Quality)
	}
	if cfg.LLM.Model == "" {
		t.Fatal("expected LLM model default to survive partial config")
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad pipeline version",
			content: "[pipeline]\npipeline_version = 3\n",
			wantErr: "pipeline_version",
		},
		{
			name:    "same languages",
			content: "[pipeline]\nsource_language = \"de\"\ntarget_language = \"de\"\n",
			wantErr: "are both \"de\"",
		},
		{
			name:    "unparseable language",
			content: "[pipeline]\nsource_language = \"not a tag\"\n",
			wantErr: "pipeline languages",
		},
		{
			name:    "bad imagegen quality",
			content: "[imagegen]\nquality = \"ultra\"\n",
			wantErr: "imagegen.quality",
		},
		{
			name:    "bad publish privacy",
			content: "[publish]\nprivacy = \"secret\"\n",
			wantErr: "publish.privacy",
		},
		{
			name:    "bad log format",
			content: "[logging]\nformat = \"xml\"\n",
			wantErr: "logging.format",
		},
		{
			name:    "negative cost cap",
			content: "[pipeline]\nmax_episode_cost_usd = -1.0\n",
			wantErr: "max_episode_cost_usd",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			configPath := filepath.Join(t.TempDir(), "redub.toml")
			if err := os.WriteFile(configPath, []byte(tc.content), 0o644); err != nil {
				t.Fatalf("write config: %v", err)
			}
			_, _, _, err := config.Load(configPath)
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error mentioning %q, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestCreateSampleWritesParseableConfig(t *testing.T) {
	samplePath := filepath.Join(t.TempDir(), "nested", "config.toml")
	if err := config.CreateSample(samplePath); err != nil {
		t.Fatalf("CreateSample failed: %v", err)
	}
	cfg, _, exists, err := config.Load(samplePath)
	if err != nil {
		t.Fatalf("Load of sample failed: %v", err)
	}
	if !exists {
		t.Fatal("expected sample to exist")
	}
	if cfg.Pipeline.Version != 2 {
		t.Fatalf("sample changed pipeline version default: %d", cfg.Pipeline.Version)
	}
}
