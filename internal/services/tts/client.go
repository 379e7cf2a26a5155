package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/textutil"
)

const (
	defaultBaseURL        = "https://api.elevenlabs.io/v1"
	defaultModel          = "eleven_multilingual_v2"
	defaultHTTPTimeout    = 5 * time.Minute
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second

	// Provider ceiling per synthesis request, in characters.
	maxChunkChars = 5000

	defaultPricePer1KCharsUSD = 0.30

	// The mp3_44100_128 output format is constant bitrate, so duration can be
	// derived from the payload size without probing.
	outputFormat      = "mp3_44100_128"
	outputBitrateBits = 128000
)

// Config captures the text-to-speech connection settings.
type Config struct {
	APIKey          string
	BaseURL         string
	VoiceID         string
	Model           string
	Stability       float64
	SimilarityBoost float64
	Style           float64
	UseSpeakerBoost bool
	PricePer1KChars float64
	TimeoutSeconds  int
}

var _ stage.SpeechSynthesizer = (*Client)(nil)

// Client wraps the ElevenLabs API and satisfies stage.SpeechSynthesizer.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryMaxAttempts int
	retryBaseDelay   time.Duration
	retryMaxDelay    time.Duration
	sleeper          func(time.Duration)
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryMaxAttempts overrides the default retry count (defaults to 3).
func WithRetryMaxAttempts(attempts int) Option {
	return func(c *Client) {
		c.retryMaxAttempts = attempts
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBaseDelay = baseDelay
		c.retryMaxDelay = maxDelay
	}
}

// WithSleeper overrides how retry sleeps are performed (useful for tests).
func WithSleeper(sleeper func(time.Duration)) Option {
	return func(c *Client) {
		c.sleeper = sleeper
	}
}

// NewClient constructs a text-to-speech client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:          strings.TrimSpace(cfg.APIKey),
			BaseURL:         strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			VoiceID:         strings.TrimSpace(cfg.VoiceID),
			Model:           strings.TrimSpace(cfg.Model),
			Stability:       cfg.Stability,
			SimilarityBoost: cfg.SimilarityBoost,
			Style:           cfg.Style,
			UseSpeakerBoost: cfg.UseSpeakerBoost,
			PricePer1KChars: cfg.PricePer1KChars,
			TimeoutSeconds:  cfg.TimeoutSeconds,
		},
		httpClient:       &http.Client{Timeout: timeout},
		retryMaxAttempts: defaultRetryAttempts,
		retryBaseDelay:   defaultRetryBaseDelay,
		retryMaxDelay:    defaultRetryMaxDelay,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	if client.cfg.Model == "" {
		client.cfg.Model = defaultModel
	}
	if client.cfg.PricePer1KChars <= 0 {
		client.cfg.PricePer1KChars = defaultPricePer1KCharsUSD
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Synthesize converts narration text into one MP3 stream. Texts above the
// provider ceiling are split at sentence boundaries and the chunk audio is
// concatenated in order.
func (c *Client) Synthesize(ctx context.Context, req stage.SpeechRequest) (*stage.SpeechResult, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "tts", "synthesize", "api key required", nil)
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, services.Wrap(services.ErrValidation, "tts", "synthesize", "text required", nil)
	}
	voice := c.cfg.VoiceID
	if trimmed := strings.TrimSpace(req.Voice); trimmed != "" {
		voice = trimmed
	}
	if voice == "" {
		return nil, services.Wrap(services.ErrConfiguration, "tts", "synthesize", "voice id required", nil)
	}
	model := c.cfg.Model
	if trimmed := strings.TrimSpace(req.Model); trimmed != "" {
		model = trimmed
	}
	settings := c.voiceSettings(req)

	var audio bytes.Buffer
	characters := 0
	for _, chunk := range textutil.ChunkBySentences(text, maxChunkChars) {
		chunkAudio, err := c.synthesizeChunk(ctx, chunk, voice, model, settings)
		if err != nil {
			return nil, err
		}
		audio.Write(chunkAudio)
		characters += utf8.RuneCountInString(chunk)
	}
	if audio.Len() == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "tts", "synthesize", "empty audio returned", nil)
	}

	return &stage.SpeechResult{
		MP3:             audio.Bytes(),
		DurationSeconds: float64(audio.Len()) * 8 / outputBitrateBits,
		CharacterCount:  characters,
		CostUSD:         float64(characters) / 1000 * c.cfg.PricePer1KChars,
	}, nil
}

// HealthCheck probes the user endpoint, which verifies the API key without
// billing any characters.
func (c *Client) HealthCheck(ctx context.Context) stage.Health {
	return stage.CheckResult("tts", c.ping(ctx))
}

func (c *Client) ping(ctx context.Context) error {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return errors.New("api key required")
	}
	if strings.TrimSpace(c.cfg.VoiceID) == "" {
		return errors.New("voice id required")
	}
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "user")
	if err != nil {
		return fmt.Errorf("build url: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

func (c *Client) voiceSettings(req stage.SpeechRequest) voiceSettings {
	settings := voiceSettings{
		Stability:       c.cfg.Stability,
		SimilarityBoost: c.cfg.SimilarityBoost,
		Style:           c.cfg.Style,
		UseSpeakerBoost: c.cfg.UseSpeakerBoost || req.UseSpeakerBoost,
	}
	if req.Stability > 0 {
		settings.Stability = req.Stability
	}
	if req.SimilarityBoost > 0 {
		settings.SimilarityBoost = req.SimilarityBoost
	}
	if req.Style > 0 {
		settings.Style = req.Style
	}
	return settings
}

func (c *Client) synthesizeChunk(ctx context.Context, text, voice, model string, settings voiceSettings) ([]byte, error) {
	attempts := c.retryAttempts()
	var audio []byte
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		audio, lastErr = c.postOnce(ctx, text, voice, model, settings)
		if lastErr == nil {
			return audio, nil
		}
		delay, retry := c.retryDelay(ctx, lastErr, attempt, attempts)
		if !retry {
			return nil, classifyError(lastErr)
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
	return nil, classifyError(fmt.Errorf("synthesize: failed after %d attempts: %w", attempts, lastErr))
}

func (c *Client) postOnce(ctx context.Context, text, voice, model string, settings voiceSettings) ([]byte, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "text-to-speech", voice)
	if err != nil {
		return nil, fmt.Errorf("tts request: build url: %w", err)
	}
	endpoint += "?output_format=" + outputFormat
	payload := map[string]any{
		"text":           text,
		"model_id":       model,
		"voice_settings": settings,
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("tts request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("tts request: new request: %w", err)
	}
	req.Header.Set("xi-api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/mpeg")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tts request: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("tts request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	if len(body) == 0 {
		return nil, errors.New("tts request: empty audio response")
	}
	return body, nil
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("tts request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout ||
		code == http.StatusTooManyRequests ||
		code >= http.StatusInternalServerError
}

// classifyError maps transport failures onto the service error taxonomy.
func classifyError(err error) error {
	if err == nil {
		return nil
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusUnauthorized:
			return services.Wrap(services.ErrConfiguration, "tts", "synthesize", "api key rejected", err)
		case retryableStatus(statusErr.StatusCode):
			return services.Wrap(services.ErrTransient, "tts", "synthesize", "retries exhausted", err)
		default:
			return services.Wrap(services.ErrExternalTool, "tts", "synthesize", "request rejected", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "tts", "synthesize", "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "tts", "synthesize", "request timed out", err)
	}
	return services.Wrap(services.ErrExternalTool, "tts", "synthesize", "request failed", err)
}

func (c *Client) retryAttempts() int {
	if c == nil || c.retryMaxAttempts <= 0 {
		return 1
	}
	return c.retryMaxAttempts
}

func (c *Client) retryDelay(ctx context.Context, err error, attempt, maxAttempts int) (time.Duration, bool) {
	if attempt >= maxAttempts || err == nil || ctx == nil || ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		if retryableStatus(statusErr.StatusCode) {
			if statusErr.RetryAfter > 0 {
				return c.capDelay(statusErr.RetryAfter), true
			}
			return c.backoffDelay(attempt), true
		}
		return 0, false
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}
	return 0, false
}

func (c *Client) backoffDelay(attempt int) time.Duration {
	base := defaultRetryBaseDelay
	maxDelay := defaultRetryMaxDelay
	if c != nil {
		if c.retryBaseDelay >= 0 {
			base = c.retryBaseDelay
		}
		if c.retryMaxDelay > 0 {
			maxDelay = c.retryMaxDelay
		}
	}
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	return c.capDelay(delay)
}

func (c *Client) capDelay(delay time.Duration) time.Duration {
	if delay < 0 {
		return 0
	}
	maxDelay := defaultRetryMaxDelay
	if c != nil && c.retryMaxDelay > 0 {
		maxDelay = c.retryMaxDelay
	}
	if maxDelay > 0 && delay > maxDelay {
		return maxDelay
	}
	return delay
}

func (c *Client) sleep(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if c != nil && c.sleeper != nil {
		c.sleeper(delay)
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func parseRetryAfter(value string) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			return 0, false
		}
		return time.Duration(seconds) * time.Second, true
	}
	if when, err := http.ParseTime(value); err == nil {
		delay := time.Until(when)
		if delay < 0 {
			return 0, false
		}
		return delay, true
	}
	return 0, false
}
