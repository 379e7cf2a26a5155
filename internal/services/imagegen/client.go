package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"redub/internal/services"
	"redub/internal/stage"
)

const (
	defaultModel          = "dall-e-3"
	defaultSize           = "1792x1024"
	defaultQuality        = "standard"
	defaultBaseURL        = "https://api.openai.com/v1/images/generations"
	defaultHTTPTimeout    = 5 * time.Minute
	defaultRetryAttempts  = 3
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second

	// Per-image prices by quality tier.
	priceStandardUSD = 0.080
	priceHDUSD       = 0.120
)

// Config captures the image generation connection settings.
type Config struct {
	APIKey         string
	BaseURL        string
	Model          string
	Size           string
	Quality        string
	TimeoutSeconds int
}

var _ stage.ImageGenerator = (*Client)(nil)

// Client wraps the OpenAI image generation API and satisfies
// stage.ImageGenerator.
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

// NewClient constructs an image generation client using the supplied configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := defaultHTTPTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	client := &Client{
		cfg: Config{
			APIKey:         strings.TrimSpace(cfg.APIKey),
			BaseURL:        strings.TrimSpace(cfg.BaseURL),
			Model:          strings.TrimSpace(cfg.Model),
			Size:           strings.TrimSpace(cfg.Size),
			Quality:        strings.TrimSpace(cfg.Quality),
			TimeoutSeconds: cfg.TimeoutSeconds,
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
	if client.cfg.Size == "" {
		client.cfg.Size = defaultSize
	}
	if client.cfg.Quality == "" {
		client.cfg.Quality = defaultQuality
	}
	if client.httpClient == nil {
		client.httpClient = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return client
}

// Generate submits one prompt and returns the decoded image together with the
// metered cost for its quality tier.
func (c *Client) Generate(ctx context.Context, req stage.ImageRequest) (*stage.ImageResult, error) {
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return nil, services.Wrap(services.ErrConfiguration, "imagegen", "generate", "api key required", nil)
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, services.Wrap(services.ErrValidation, "imagegen", "generate", "prompt required", nil)
	}
	size := c.cfg.Size
	if trimmed := strings.TrimSpace(req.Size); trimmed != "" {
		size = trimmed
	}
	quality := c.cfg.Quality
	if trimmed := strings.TrimSpace(req.Quality); trimmed != "" {
		quality = trimmed
	}

	attempts := c.retryAttempts()
	var payload *imageResponse
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		payload, lastErr = c.postOnce(ctx, prompt, size, quality)
		if lastErr == nil {
			break
		}
		delay, retry := c.retryDelay(ctx, lastErr, attempt, attempts)
		if !retry {
			return nil, classifyError(lastErr)
		}
		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return nil, sleepErr
		}
	}
	if lastErr != nil {
		return nil, classifyError(fmt.Errorf("generate: failed after %d attempts: %w", attempts, lastErr))
	}

	if len(payload.Data) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "imagegen", "generate", "no image returned", nil)
	}
	image, err := base64.StdEncoding.DecodeString(payload.Data[0].B64JSON)
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "imagegen", "generate", "decode image payload", err)
	}
	if len(image) == 0 {
		return nil, services.Wrap(services.ErrExternalTool, "imagegen", "generate", "empty image returned", nil)
	}
	return &stage.ImageResult{
		Bytes:         image,
		RevisedPrompt: strings.TrimSpace(payload.Data[0].RevisedPrompt),
		CostUSD:       priceFor(quality),
	}, nil
}

// HealthCheck reports whether the client is configured. A live probe would
// bill an image, so connectivity is only verified on first use.
func (c *Client) HealthCheck(ctx context.Context) stage.Health {
	_ = ctx
	if strings.TrimSpace(c.cfg.APIKey) == "" {
		return stage.Unhealthy("imagegen", "api key not configured")
	}
	return stage.Healthy("imagegen")
}

func priceFor(quality string) float64 {
	if strings.EqualFold(strings.TrimSpace(quality), "hd") {
		return priceHDUSD
	}
	return priceStandardUSD
}

type imageResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
}

func (c *Client) postOnce(ctx context.Context, prompt, size, quality string) (*imageResponse, error) {
	payload := map[string]any{
		"model":           c.cfg.Model,
		"prompt":          prompt,
		"n":               1,
		"size":            size,
		"quality":         quality,
		"response_format": "b64_json",
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("imagegen request: encode body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("imagegen request: new request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagegen request: http error: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("imagegen request: read body: %w", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter, _ := parseRetryAfter(resp.Header.Get("Retry-After"))
		return nil, &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}
	var decoded imageResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("imagegen request: decode response: %w", err)
	}
	return &decoded, nil
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("imagegen request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// contentPolicyRejection reports whether the provider refused the prompt on
// safety grounds. OpenAI returns HTTP 400 with code content_policy_violation.
func contentPolicyRejection(err *httpStatusError) bool {
	if err.StatusCode != http.StatusBadRequest {
		return false
	}
	body := strings.ToLower(err.Body)
	return strings.Contains(body, "content_policy") || strings.Contains(body, "safety system")
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
		case contentPolicyRejection(statusErr):
			return services.Wrap(services.ErrContentPolicy, "imagegen", "generate", "provider refused the prompt", err)
		case statusErr.StatusCode == http.StatusUnauthorized:
			return services.Wrap(services.ErrConfiguration, "imagegen", "generate", "api key rejected", err)
		case retryableStatus(statusErr.StatusCode):
			return services.Wrap(services.ErrTransient, "imagegen", "generate", "retries exhausted", err)
		default:
			return services.Wrap(services.ErrExternalTool, "imagegen", "generate", "request rejected", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "imagegen", "generate", "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return services.Wrap(services.ErrTimeout, "imagegen", "generate", "request timed out", err)
	}
	return services.Wrap(services.ErrExternalTool, "imagegen", "generate", "request failed", err)
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
		if contentPolicyRejection(statusErr) {
			return 0, false
		}
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
