package main

import (
	"log/slog"
	"time"

	"redub/internal/config"
	"redub/internal/layout"
	"redub/internal/prompts"
	"redub/internal/services/download"
	"redub/internal/services/dryrun"
	"redub/internal/services/imagegen"
	"redub/internal/services/llm"
	"redub/internal/services/media"
	"redub/internal/services/transcribe"
	"redub/internal/services/tts"
	"redub/internal/services/youtube"
	"redub/internal/stages"
	"redub/internal/store"
)

// buildDeps wires the stage dependency bundle from configuration. With
// dry_run set every driver is the canned implementation, so whole walks
// run without network access or external binaries.
func buildDeps(cfg *config.Config, st *store.Store, logger *slog.Logger) stages.Deps {
	deps := stages.Deps{
		Store:   st,
		Layout:  layout.New(cfg),
		Config:  cfg,
		Prompts: prompts.NewRegistry(st, cfg, logger),
	}

	if cfg.Pipeline.DryRun {
		deps.LLM = &dryrun.LLM{}
		deps.Transcriber = &dryrun.Transcriber{}
		deps.Images = &dryrun.ImageGenerator{}
		deps.Speech = &dryrun.SpeechSynthesizer{}
		deps.Media = &dryrun.Media{}
		deps.Downloader = &dryrun.Downloader{}
		deps.Publisher = &dryrun.Publisher{}
		return deps
	}

	shared := cfg.GetLLM()
	deps.LLM = llm.NewClient(llm.Config{
		APIKey:         shared.APIKey,
		BaseURL:        shared.BaseURL,
		Model:          shared.Model,
		Referer:        shared.Referer,
		Title:          shared.Title,
		TimeoutSeconds: shared.TimeoutSeconds,
		MaxAttempts:    shared.MaxAttempts,
	})

	stt := cfg.TranscribeLLM()
	deps.Transcriber = transcribe.NewClient(transcribe.Config{
		APIKey:         stt.APIKey,
		BaseURL:        stt.BaseURL,
		Model:          stt.Model,
		TimeoutSeconds: stt.TimeoutSeconds,
	})

	deps.Images = imagegen.NewClient(imagegen.Config{
		APIKey:         cfg.ImageGen.APIKey,
		BaseURL:        cfg.ImageGen.BaseURL,
		Model:          cfg.ImageGen.Model,
		Size:           cfg.ImageGen.Size,
		Quality:        cfg.ImageGen.Quality,
		TimeoutSeconds: cfg.ImageGen.TimeoutSeconds,
	})

	deps.Speech = tts.NewClient(tts.Config{
		APIKey:          cfg.TTS.APIKey,
		BaseURL:         cfg.TTS.BaseURL,
		VoiceID:         cfg.TTS.VoiceID,
		Model:           cfg.TTS.Model,
		Stability:       cfg.TTS.Stability,
		SimilarityBoost: cfg.TTS.SimilarityBoost,
		Style:           cfg.TTS.Style,
		UseSpeakerBoost: cfg.TTS.UseSpeakerBoost,
		PricePer1KChars: cfg.TTS.PricePer1KChars,
		TimeoutSeconds:  cfg.TTS.TimeoutSeconds,
	})

	deps.Media = media.NewFFmpeg(media.Config{
		FFmpegBinary:   cfg.FFmpegBinary(),
		FFprobeBinary:  cfg.FFprobeBinary(),
		Font:           cfg.Render.Font,
		SegmentTimeout: time.Duration(cfg.Render.SegmentTimeoutSec) * time.Second,
		ConcatTimeout:  time.Duration(cfg.Render.ConcatTimeoutSec) * time.Second,
	})

	deps.Downloader = download.NewService(download.Config{
		Binary: cfg.YtdlpBinary(),
	})

	deps.Publisher = youtube.NewClient(youtube.Config{
		ClientSecretsFile: cfg.Publish.ClientSecretsFile,
		TokenFile:         cfg.Publish.TokenFile,
		CategoryID:        cfg.Publish.CategoryID,
		BaseURL:           cfg.Publish.BaseURL,
		Timeout:           time.Duration(cfg.Publish.TimeoutSeconds) * time.Second,
	})

	return deps
}
