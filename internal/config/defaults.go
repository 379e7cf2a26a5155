package config

const (
	defaultDataDir   = "~/.local/share/redub/data"
	defaultLogDir    = "~/.local/share/redub/logs"
	defaultPromptDir = "~/.config/redub/prompts"

	defaultPipelineVersion   = 2
	defaultSourceLanguage    = "de"
	defaultTargetLanguage    = "tr"
	defaultMaxEpisodeCost    = 10.0
	defaultLLMBaseURL        = "https://openrouter.ai/api/v1/chat/completions"
	defaultLLMModel          = "google/gemini-3-flash-preview"
	defaultLLMReferer        = "https://github.com/redub/redub"
	defaultLLMTitle          = "Redub Pipeline"
	defaultLLMTimeoutSeconds = 120
	defaultLLMMaxAttempts    = 3

	defaultTranscribeModel          = "whisper-1"
	defaultTranscribeBaseURL        = "https://api.openai.com/v1/audio/transcriptions"
	defaultTranscribeTimeoutSeconds = 600

	defaultImageGenProvider       = "openai"
	defaultImageGenModel          = "dall-e-3"
	defaultImageGenSize           = "1792x1024"
	defaultImageGenQuality        = "standard"
	defaultImageGenBaseURL        = "https://api.openai.com/v1/images/generations"
	defaultImageGenTimeoutSeconds = 180

	defaultTTSModel           = "eleven_multilingual_v2"
	defaultTTSStability       = 0.5
	defaultTTSSimilarityBoost = 0.75
	defaultTTSBaseURL         = "https://api.elevenlabs.io/v1"
	defaultTTSTimeoutSeconds  = 300
	defaultTTSPricePer1K      = 0.30

	defaultRenderResolution   = "1920x1080"
	defaultRenderFPS          = 30
	defaultRenderCRF          = 23
	defaultRenderPreset       = "medium"
	defaultRenderAudioBitrate = "192k"
	defaultRenderFont         = "DejaVuSans"
	defaultSegmentTimeoutSec  = 300
	defaultConcatTimeoutSec   = 600
	defaultTransitionDuration = 0.5

	defaultPublishPrivacy        = "private"
	defaultPublishCategoryID     = "27"
	defaultPublishTimeoutSeconds = 900

	defaultAutoApproveMaxChanges = 5

	defaultWorkflowPollInterval  = 5
	defaultWorkflowErrorRetry    = 10
	defaultWorkflowConcurrency   = 1
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultLogRetentionDays      = 60
	defaultNotifyRequestTimeout  = 10
	defaultNotifyDedupWindowSecs = 600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:   defaultDataDir,
			LogDir:    defaultLogDir,
			PromptDir: defaultPromptDir,
		},
		Pipeline: Pipeline{
			Version:           defaultPipelineVersion,
			SourceLanguage:    defaultSourceLanguage,
			TargetLanguage:    defaultTargetLanguage,
			MaxEpisodeCostUSD: defaultMaxEpisodeCost,
		},
		LLM: LLM{
			BaseURL:        defaultLLMBaseURL,
			Model:          defaultLLMModel,
			Referer:        defaultLLMReferer,
			Title:          defaultLLMTitle,
			TimeoutSeconds: defaultLLMTimeoutSeconds,
			MaxAttempts:    defaultLLMMaxAttempts,
		},
		Transcribe: Transcribe{
			Model:          defaultTranscribeModel,
			BaseURL:        defaultTranscribeBaseURL,
			TimeoutSeconds: defaultTranscribeTimeoutSeconds,
		},
		ImageGen: ImageGen{
			Provider:       defaultImageGenProvider,
			Model:          defaultImageGenModel,
			Size:           defaultImageGenSize,
			Quality:        defaultImageGenQuality,
			BaseURL:        defaultImageGenBaseURL,
			TimeoutSeconds: defaultImageGenTimeoutSeconds,
		},
		TTS: TTS{
			Model:           defaultTTSModel,
			Stability:       defaultTTSStability,
			SimilarityBoost: defaultTTSSimilarityBoost,
			UseSpeakerBoost: true,
			BaseURL:         defaultTTSBaseURL,
			TimeoutSeconds:  defaultTTSTimeoutSeconds,
			PricePer1KChars: defaultTTSPricePer1K,
		},
		Render: Render{
			Resolution:          defaultRenderResolution,
			FPS:                 defaultRenderFPS,
			CRF:                 defaultRenderCRF,
			Preset:              defaultRenderPreset,
			AudioBitrate:        defaultRenderAudioBitrate,
			Font:                defaultRenderFont,
			SegmentTimeoutSec:   defaultSegmentTimeoutSec,
			ConcatTimeoutSec:    defaultConcatTimeoutSec,
			TransitionDurationS: defaultTransitionDuration,
		},
		Publish: Publish{
			Privacy:        defaultPublishPrivacy,
			CategoryID:     defaultPublishCategoryID,
			TimeoutSeconds: defaultPublishTimeoutSeconds,
		},
		Review: Review{
			AutoApproveCorrections: true,
			AutoApproveMaxChanges:  defaultAutoApproveMaxChanges,
		},
		Workflow: Workflow{
			PollInterval:       defaultWorkflowPollInterval,
			ErrorRetryInterval: defaultWorkflowErrorRetry,
			Concurrency:        defaultWorkflowConcurrency,
			WatchPrompts:       true,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout:     defaultNotifyRequestTimeout,
			Review:             true,
			Publish:            true,
			Errors:             true,
			CostLimit:          true,
			Batch:              true,
			DedupWindowSeconds: defaultNotifyDedupWindowSecs,
		},
	}
}
