package config

import (
	"fmt"
	"os"
	"strings"

	"redub/internal/language"
)

func (c *Config) normalize() error {
	if err := c.normalizePaths(); err != nil {
		return err
	}
	if err := c.normalizePipeline(); err != nil {
		return err
	}
	c.normalizeLLM()
	c.normalizeTranscribe()
	c.normalizeImageGen()
	c.normalizeTTS()
	c.normalizeRender()
	if err := c.normalizePublish(); err != nil {
		return err
	}
	c.normalizeReview()
	c.normalizeWorkflow()
	c.normalizeLogging()
	c.normalizeNotifications()
	return nil
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		c.Paths.DataDir = defaultDataDir
	}
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return fmt.Errorf("paths.data_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		c.Paths.LogDir = defaultLogDir
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Paths.PromptDir) == "" {
		c.Paths.PromptDir = defaultPromptDir
	}
	if c.Paths.PromptDir, err = expandPath(c.Paths.PromptDir); err != nil {
		return fmt.Errorf("paths.prompt_dir: %w", err)
	}
	return nil
}

func (c *Config) normalizePipeline() error {
	if c.Pipeline.Version == 0 {
		c.Pipeline.Version = defaultPipelineVersion
	}
	if strings.TrimSpace(c.Pipeline.SourceLanguage) == "" {
		c.Pipeline.SourceLanguage = defaultSourceLanguage
	}
	if strings.TrimSpace(c.Pipeline.TargetLanguage) == "" {
		c.Pipeline.TargetLanguage = defaultTargetLanguage
	}
	// Canonicalize to the base subtags used in artifact filenames.
	pair, err := language.NewPair(c.Pipeline.SourceLanguage, c.Pipeline.TargetLanguage)
	if err != nil {
		return fmt.Errorf("pipeline languages: %w", err)
	}
	c.Pipeline.SourceLanguage = pair.Source
	c.Pipeline.TargetLanguage = pair.Target
	if c.Pipeline.MaxEpisodeCostUSD == 0 {
		c.Pipeline.MaxEpisodeCostUSD = defaultMaxEpisodeCost
	}
	return nil
}

func (c *Config) normalizeLLM() {
	if c.LLM.APIKey == "" {
		if value, ok := os.LookupEnv("REDUB_LLM_API_KEY"); ok {
			c.LLM.APIKey = strings.TrimSpace(value)
		}
	}
	c.LLM.BaseURL = strings.TrimSpace(c.LLM.BaseURL)
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = defaultLLMBaseURL
	}
	c.LLM.Model = strings.TrimSpace(c.LLM.Model)
	if c.LLM.Model == "" {
		c.LLM.Model = defaultLLMModel
	}
	c.LLM.Referer = strings.TrimSpace(c.LLM.Referer)
	if c.LLM.Referer == "" {
		c.LLM.Referer = defaultLLMReferer
	}
	c.LLM.Title = strings.TrimSpace(c.LLM.Title)
	if c.LLM.Title == "" {
		c.LLM.Title = defaultLLMTitle
	}
	if c.LLM.TimeoutSeconds <= 0 {
		c.LLM.TimeoutSeconds = defaultLLMTimeoutSeconds
	}
	if c.LLM.MaxAttempts <= 0 {
		c.LLM.MaxAttempts = defaultLLMMaxAttempts
	}
}

func (c *Config) normalizeTranscribe() {
	if c.Transcribe.APIKey == "" {
		if value, ok := os.LookupEnv("REDUB_TRANSCRIBE_API_KEY"); ok {
			c.Transcribe.APIKey = strings.TrimSpace(value)
		}
	}
	c.Transcribe.Model = strings.TrimSpace(c.Transcribe.Model)
	if c.Transcribe.Model == "" {
		c.Transcribe.Model = defaultTranscribeModel
	}
	c.Transcribe.BaseURL = strings.TrimSpace(c.Transcribe.BaseURL)
	if c.Transcribe.BaseURL == "" {
		c.Transcribe.BaseURL = defaultTranscribeBaseURL
	}
	if c.Transcribe.TimeoutSeconds <= 0 {
		c.Transcribe.TimeoutSeconds = defaultTranscribeTimeoutSeconds
	}
}

func (c *Config) normalizeImageGen() {
	if c.ImageGen.APIKey == "" {
		if value, ok := os.LookupEnv("REDUB_IMAGEGEN_API_KEY"); ok {
			c.ImageGen.APIKey = strings.TrimSpace(value)
		}
	}
	c.ImageGen.Provider = strings.ToLower(strings.TrimSpace(c.ImageGen.Provider))
	if c.ImageGen.Provider == "" {
		c.ImageGen.Provider = defaultImageGenProvider
	}
	c.ImageGen.Model = strings.TrimSpace(c.ImageGen.Model)
	if c.ImageGen.Model == "" {
		c.ImageGen.Model = defaultImageGenModel
	}
	c.ImageGen.Size = strings.TrimSpace(c.ImageGen.Size)
	if c.ImageGen.Size == "" {
		c.ImageGen.Size = defaultImageGenSize
	}
	c.ImageGen.Quality = strings.ToLower(strings.TrimSpace(c.ImageGen.Quality))
	if c.ImageGen.Quality == "" {
		c.ImageGen.Quality = defaultImageGenQuality
	}
	c.ImageGen.BaseURL = strings.TrimSpace(c.ImageGen.BaseURL)
	if c.ImageGen.BaseURL == "" {
		c.ImageGen.BaseURL = defaultImageGenBaseURL
	}
	if c.ImageGen.TimeoutSeconds <= 0 {
		c.ImageGen.TimeoutSeconds = defaultImageGenTimeoutSeconds
	}
}

func (c *Config) normalizeTTS() {
	if c.TTS.APIKey == "" {
		if value, ok := os.LookupEnv("REDUB_TTS_API_KEY"); ok {
			c.TTS.APIKey = strings.TrimSpace(value)
		}
	}
	c.TTS.Model = strings.TrimSpace(c.TTS.Model)
	if c.TTS.Model == "" {
		c.TTS.Model = defaultTTSModel
	}
	c.TTS.BaseURL = strings.TrimSpace(c.TTS.BaseURL)
	if c.TTS.BaseURL == "" {
		c.TTS.BaseURL = defaultTTSBaseURL
	}
	if c.TTS.Stability == 0 {
		c.TTS.Stability = defaultTTSStability
	}
	if c.TTS.SimilarityBoost == 0 {
		c.TTS.SimilarityBoost = defaultTTSSimilarityBoost
	}
	if c.TTS.TimeoutSeconds <= 0 {
		c.TTS.TimeoutSeconds = defaultTTSTimeoutSeconds
	}
	if c.TTS.PricePer1KChars <= 0 {
		c.TTS.PricePer1KChars = defaultTTSPricePer1K
	}
}

func (c *Config) normalizeRender() {
	c.Render.Resolution = strings.TrimSpace(c.Render.Resolution)
	if c.Render.Resolution == "" {
		c.Render.Resolution = defaultRenderResolution
	}
	if c.Render.FPS <= 0 {
		c.Render.FPS = defaultRenderFPS
	}
	if c.Render.CRF <= 0 {
		c.Render.CRF = defaultRenderCRF
	}
	c.Render.Preset = strings.TrimSpace(c.Render.Preset)
	if c.Render.Preset == "" {
		c.Render.Preset = defaultRenderPreset
	}
	c.Render.AudioBitrate = strings.TrimSpace(c.Render.AudioBitrate)
	if c.Render.AudioBitrate == "" {
		c.Render.AudioBitrate = defaultRenderAudioBitrate
	}
	c.Render.Font = strings.TrimSpace(c.Render.Font)
	if c.Render.Font == "" {
		c.Render.Font = defaultRenderFont
	}
	if c.Render.SegmentTimeoutSec <= 0 {
		c.Render.SegmentTimeoutSec = defaultSegmentTimeoutSec
	}
	if c.Render.ConcatTimeoutSec <= 0 {
		c.Render.ConcatTimeoutSec = defaultConcatTimeoutSec
	}
	if c.Render.TransitionDurationS <= 0 {
		c.Render.TransitionDurationS = defaultTransitionDuration
	}
}

func (c *Config) normalizePublish() error {
	var err error
	c.Publish.Privacy = strings.ToLower(strings.TrimSpace(c.Publish.Privacy))
	if c.Publish.Privacy == "" {
		c.Publish.Privacy = defaultPublishPrivacy
	}
	c.Publish.CategoryID = strings.TrimSpace(c.Publish.CategoryID)
	if c.Publish.CategoryID == "" {
		c.Publish.CategoryID = defaultPublishCategoryID
	}
	if strings.TrimSpace(c.Publish.ClientSecretsFile) != "" {
		if c.Publish.ClientSecretsFile, err = expandPath(c.Publish.ClientSecretsFile); err != nil {
			return fmt.Errorf("publish.client_secrets_file: %w", err)
		}
	}
	if strings.TrimSpace(c.Publish.TokenFile) == "" {
		if value, ok := os.LookupEnv("REDUB_YOUTUBE_TOKEN"); ok {
			c.Publish.TokenFile = strings.TrimSpace(value)
		}
	}
	if strings.TrimSpace(c.Publish.TokenFile) != "" {
		if c.Publish.TokenFile, err = expandPath(c.Publish.TokenFile); err != nil {
			return fmt.Errorf("publish.token_file: %w", err)
		}
	}
	c.Publish.BaseURL = strings.TrimSpace(c.Publish.BaseURL)
	if c.Publish.TimeoutSeconds <= 0 {
		c.Publish.TimeoutSeconds = defaultPublishTimeoutSeconds
	}
	return nil
}

func (c *Config) normalizeReview() {
	if c.Review.AutoApproveMaxChanges <= 0 {
		c.Review.AutoApproveMaxChanges = defaultAutoApproveMaxChanges
	}
}

func (c *Config) normalizeWorkflow() {
	if c.Workflow.PollInterval <= 0 {
		c.Workflow.PollInterval = defaultWorkflowPollInterval
	}
	if c.Workflow.ErrorRetryInterval <= 0 {
		c.Workflow.ErrorRetryInterval = defaultWorkflowErrorRetry
	}
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = defaultLogRetentionDays
	}
}

func (c *Config) normalizeNotifications() {
	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	if c.Notifications.RequestTimeout <= 0 {
		c.Notifications.RequestTimeout = defaultNotifyRequestTimeout
	}
	if c.Notifications.DedupWindowSeconds <= 0 {
		c.Notifications.DedupWindowSeconds = defaultNotifyDedupWindowSecs
	}
}
