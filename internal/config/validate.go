package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var resolutionPattern = regexp.MustCompile(`^\d{3,4}x\d{3,4}$`)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateImageGen(); err != nil {
		return err
	}
	if err := c.validateTTS(); err != nil {
		return err
	}
	if err := c.validateRender(); err != nil {
		return err
	}
	if err := c.validatePublish(); err != nil {
		return err
	}
	if err := c.validateReview(); err != nil {
		return err
	}
	if err := c.validateWorkflow(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.Version != 1 && c.Pipeline.Version != 2 {
		return fmt.Errorf("pipeline.pipeline_version must be 1 or 2, got %d", c.Pipeline.Version)
	}
	if c.Pipeline.MaxEpisodeCostUSD <= 0 {
		return errors.New("pipeline.max_episode_cost_usd must be positive")
	}
	return nil
}

func (c *Config) validateImageGen() error {
	switch c.ImageGen.Quality {
	case "standard", "hd":
	default:
		return fmt.Errorf("imagegen.quality must be standard or hd, got %q", c.ImageGen.Quality)
	}
	if !resolutionPattern.MatchString(c.ImageGen.Size) {
		return fmt.Errorf("imagegen.size must look like 1792x1024, got %q", c.ImageGen.Size)
	}
	return nil
}

func (c *Config) validateTTS() error {
	if c.TTS.Stability < 0 || c.TTS.Stability > 1 {
		return errors.New("tts.stability must be between 0 and 1")
	}
	if c.TTS.SimilarityBoost < 0 || c.TTS.SimilarityBoost > 1 {
		return errors.New("tts.similarity_boost must be between 0 and 1")
	}
	if c.TTS.Style < 0 || c.TTS.Style > 1 {
		return errors.New("tts.style must be between 0 and 1")
	}
	return nil
}

func (c *Config) validateRender() error {
	if !resolutionPattern.MatchString(c.Render.Resolution) {
		return fmt.Errorf("render.resolution must look like 1920x1080, got %q", c.Render.Resolution)
	}
	if c.Render.CRF < 0 || c.Render.CRF > 51 {
		return errors.New("render.crf must be between 0 and 51")
	}
	return ensurePositiveMap(map[string]int{
		"render.fps":               c.Render.FPS,
		"render.segment_timeout_s": c.Render.SegmentTimeoutSec,
		"render.concat_timeout_s":  c.Render.ConcatTimeoutSec,
	})
}

func (c *Config) validatePublish() error {
	switch c.Publish.Privacy {
	case "private", "unlisted", "public":
	default:
		return fmt.Errorf("publish.privacy must be private, unlisted, or public, got %q", c.Publish.Privacy)
	}
	if c.Publish.Enabled {
		if strings.TrimSpace(c.Publish.ClientSecretsFile) == "" {
			return errors.New("publish.client_secrets_file must be set when publish.enabled is true")
		}
		if strings.TrimSpace(c.Publish.TokenFile) == "" {
			return errors.New("publish.token_file must be set when publish.enabled is true")
		}
	}
	return nil
}

func (c *Config) validateReview() error {
	if c.Review.AutoApproveMaxChanges <= 0 {
		return errors.New("review.auto_approve_max_changes must be positive")
	}
	return nil
}

func (c *Config) validateWorkflow() error {
	if c.Notifications.DedupWindowSeconds < 0 {
		return errors.New("notifications.dedup_window_seconds must be >= 0")
	}
	return ensurePositiveMap(map[string]int{
		"workflow.poll_interval":        c.Workflow.PollInterval,
		"workflow.error_retry_interval": c.Workflow.ErrorRetryInterval,
		"workflow.concurrency":          c.Workflow.Concurrency,
		"notifications.request_timeout": c.Notifications.RequestTimeout,
		"llm.timeout_seconds":           c.LLM.TimeoutSeconds,
		"llm.max_attempts":              c.LLM.MaxAttempts,
		"transcribe.timeout_seconds":    c.Transcribe.TimeoutSeconds,
		"imagegen.timeout_seconds":      c.ImageGen.TimeoutSeconds,
		"tts.timeout_seconds":           c.TTS.TimeoutSeconds,
		"publish.timeout_seconds":       c.Publish.TimeoutSeconds,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn, or error, got %q", c.Logging.Level)
	}
	return nil
}

func ensurePositiveMap(values map[string]int) error {
	for name, value := range values {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}
