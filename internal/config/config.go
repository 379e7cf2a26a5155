package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	DataDir   string `toml:"data_dir"`
	LogDir    string `toml:"log_dir"`
	PromptDir string `toml:"prompt_dir"`
}

// Pipeline contains the core pipeline knobs.
type Pipeline struct {
	Version           int     `toml:"pipeline_version"`
	SourceLanguage    string  `toml:"source_language"`
	TargetLanguage    string  `toml:"target_language"`
	MaxEpisodeCostUSD float64 `toml:"max_episode_cost_usd"`
	DryRun            bool    `toml:"dry_run"`
}

// LLM contains shared LLM connection settings used by the text stages.
type LLM struct {
	APIKey         string `toml:"api_key"`
	BaseURL        string `toml:"base_url"`
	Model          string `toml:"model"`
	Referer        string `toml:"referer"`
	Title          string `toml:"title"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
	MaxAttempts    int    `toml:"max_attempts"`
}

// Transcribe contains configuration for the speech-to-text driver.
// Connection settings fall back to [llm] when unset.
type Transcribe struct {
	Model          string `toml:"model"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// ImageGen contains configuration for chapter image generation.
type ImageGen struct {
	Provider       string `toml:"provider"`
	Model          string `toml:"model"`
	Size           string `toml:"size"`
	Quality        string `toml:"quality"`
	StylePrefix    string `toml:"style_prefix"`
	BaseURL        string `toml:"base_url"`
	APIKey         string `toml:"api_key"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

// TTS contains configuration for narration synthesis.
type TTS struct {
	VoiceID         string  `toml:"voice_id"`
	Model           string  `toml:"model"`
	Stability       float64 `toml:"stability"`
	SimilarityBoost float64 `toml:"similarity_boost"`
	Style           float64 `toml:"style"`
	UseSpeakerBoost bool    `toml:"use_speaker_boost"`
	BaseURL         string  `toml:"base_url"`
	APIKey          string  `toml:"api_key"`
	TimeoutSeconds  int     `toml:"timeout_seconds"`
	PricePer1KChars float64 `toml:"price_per_1k_chars"`
}

// Render contains configuration for video assembly.
type Render struct {
	Resolution          string  `toml:"resolution"`
	FPS                 int     `toml:"fps"`
	CRF                 int     `toml:"crf"`
	Preset              string  `toml:"preset"`
	AudioBitrate        string  `toml:"audio_bitrate"`
	Font                string  `toml:"font"`
	SegmentTimeoutSec   int     `toml:"segment_timeout_s"`
	ConcatTimeoutSec    int     `toml:"concat_timeout_s"`
	TransitionDurationS float64 `toml:"transition_duration_s"`
}

// Publish contains configuration for uploading approved videos.
type Publish struct {
	Enabled           bool   `toml:"enabled"`
	Privacy           string `toml:"privacy"`
	CategoryID        string `toml:"category_id"`
	ClientSecretsFile string `toml:"client_secrets_file"`
	TokenFile         string `toml:"token_file"`
	BaseURL           string `toml:"base_url"`
	TimeoutSeconds    int    `toml:"timeout_seconds"`
}

// Review contains configuration for the human review gates.
type Review struct {
	AutoApproveCorrections bool `toml:"auto_approve_corrections"`
	AutoApproveMaxChanges  int  `toml:"auto_approve_max_changes"`
}

// Workflow contains configuration for daemon timing and intervals.
type Workflow struct {
	PollInterval       int  `toml:"poll_interval"`
	ErrorRetryInterval int  `toml:"error_retry_interval"`
	Concurrency        int  `toml:"concurrency"`
	WatchPrompts       bool `toml:"watch_prompts"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format"`
	Level         string `toml:"level"`
	RetentionDays int    `toml:"retention_days"`
}

// Notifications contains configuration for ntfy push notifications.
type Notifications struct {
	NtfyTopic          string `toml:"ntfy_topic"`
	RequestTimeout     int    `toml:"request_timeout"`
	Review             bool   `toml:"review"`
	Publish            bool   `toml:"publish"`
	Errors             bool   `toml:"errors"`
	CostLimit          bool   `toml:"cost_limit"`
	Batch              bool   `toml:"batch"`
	DedupWindowSeconds int    `toml:"dedup_window_seconds"`
}

// Config encapsulates all configuration values for redub.
//
// Configuration sections by subsystem:
//   - Paths: data, log, and prompt directories
//   - Pipeline: graph version, languages, cost cap, dry-run switch
//   - LLM: shared connection settings for correct/translate/adapt/chapterize
//   - Transcribe: speech-to-text driver settings
//   - ImageGen: chapter image generation settings
//   - TTS: narration synthesis settings
//   - Render: ffmpeg assembly settings and timeouts
//   - Publish: upload target and privacy
//   - Review: auto-approval policy for the correction gate
//   - Workflow: daemon polling intervals and the prompt watcher switch
//   - Logging: log format, level, and retention
//   - Notifications: ntfy push notification settings
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	LLM           LLM           `toml:"llm"`
	Transcribe    Transcribe    `toml:"transcribe"`
	ImageGen      ImageGen      `toml:"imagegen"`
	TTS           TTS           `toml:"tts"`
	Render        Render        `toml:"render"`
	Publish       Publish       `toml:"publish"`
	Review        Review        `toml:"review"`
	Workflow      Workflow      `toml:"workflow"`
	Logging       Logging       `toml:"logging"`
	Notifications Notifications `toml:"notifications"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/redub/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("redub.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the directories the pipeline writes into.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.LogDir, c.Paths.PromptDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name used for rendering.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for media inspection.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// YtdlpBinary returns the yt-dlp executable name used for episode download.
func (c *Config) YtdlpBinary() string {
	return "yt-dlp"
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	sample := sampleConfig

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}

// LLMConfig contains common LLM settings used across text stages.
type LLMConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Referer        string
	Title          string
	TimeoutSeconds int
	MaxAttempts    int
}

// GetLLM returns the shared LLM connection settings.
func (c *Config) GetLLM() LLMConfig {
	return LLMConfig{
		APIKey:         strings.TrimSpace(c.LLM.APIKey),
		BaseURL:        strings.TrimSpace(c.LLM.BaseURL),
		Model:          strings.TrimSpace(c.LLM.Model),
		Referer:        strings.TrimSpace(c.LLM.Referer),
		Title:          strings.TrimSpace(c.LLM.Title),
		TimeoutSeconds: c.LLM.TimeoutSeconds,
		MaxAttempts:    c.LLM.MaxAttempts,
	}
}

// TranscribeLLM returns the speech-to-text connection settings.
// Falls back to [llm] credentials when not explicitly configured.
func (c *Config) TranscribeLLM() LLMConfig {
	cfg := LLMConfig{
		APIKey:         strings.TrimSpace(c.Transcribe.APIKey),
		BaseURL:        strings.TrimSpace(c.Transcribe.BaseURL),
		Model:          strings.TrimSpace(c.Transcribe.Model),
		TimeoutSeconds: c.Transcribe.TimeoutSeconds,
		MaxAttempts:    c.LLM.MaxAttempts,
	}
	if cfg.APIKey == "" {
		cfg.APIKey = strings.TrimSpace(c.LLM.APIKey)
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = c.LLM.TimeoutSeconds
	}
	return cfg
}
