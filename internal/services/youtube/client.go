package youtube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	youtubeapi "google.golang.org/api/youtube/v3"

	"redub/internal/services"
	"redub/internal/stage"
)

const (
	defaultCategoryID = "22"
	defaultTimeout    = 30 * time.Minute
)

// Config captures the upload settings.
type Config struct {
	ClientSecretsFile string
	TokenFile         string
	CategoryID        string
	BaseURL           string
	Timeout           time.Duration
}

var _ stage.Publisher = (*Client)(nil)

// Client uploads videos and satisfies stage.Publisher.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient substitutes the HTTP client. The API library then skips
// credential loading, which lets tests point at a local server.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// NewClient constructs an uploader with the given configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.CategoryID == "" {
		cfg.CategoryID = defaultCategoryID
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := &Client{cfg: cfg}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// Upload publishes one video and returns its external identity.
func (c *Client) Upload(ctx context.Context, req stage.UploadRequest) (*stage.UploadResult, error) {
	if req.VideoPath == "" {
		return nil, services.Wrap(services.ErrValidation, "publish", "upload", "video path required", nil)
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, services.Wrap(services.ErrValidation, "publish", "upload", "title required", nil)
	}
	privacy, err := normalizePrivacy(req.Privacy)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "publish", "upload", err.Error(), nil)
	}

	file, err := os.Open(req.VideoPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, services.Wrap(services.ErrNotFound, "publish", "upload", req.VideoPath, err)
		}
		return nil, services.Wrap(services.ErrValidation, "publish", "upload", "open video", err)
	}
	defer file.Close()

	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	video := &youtubeapi.Video{
		Snippet: &youtubeapi.VideoSnippet{
			Title:                title,
			Description:          req.Description,
			Tags:                 req.Tags,
			CategoryId:           c.cfg.CategoryID,
			DefaultLanguage:      req.Language,
			DefaultAudioLanguage: req.Language,
		},
		Status: &youtubeapi.VideoStatus{
			PrivacyStatus: privacy,
		},
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	inserted, err := svc.Videos.Insert([]string{"snippet", "status"}, video).
		Media(file).
		Context(ctx).
		Do()
	if err != nil {
		return nil, classifyUploadError(err)
	}
	if inserted.Id == "" {
		return nil, services.Wrap(services.ErrExternalTool, "publish", "upload", "no video id returned", nil)
	}

	publishedAt := time.Now().UTC()
	if inserted.Snippet != nil && inserted.Snippet.PublishedAt != "" {
		if parsed, err := time.Parse(time.RFC3339, inserted.Snippet.PublishedAt); err == nil {
			publishedAt = parsed.UTC()
		}
	}
	return &stage.UploadResult{ExternalID: inserted.Id, PublishedAt: publishedAt}, nil
}

// HealthCheck verifies the credential files are present and parseable. It
// never calls the API, so a passing check still requires a valid grant.
func (c *Client) HealthCheck(ctx context.Context) stage.Health {
	_ = ctx
	if c.httpClient != nil {
		return stage.Healthy("publish")
	}
	if c.cfg.ClientSecretsFile == "" || c.cfg.TokenFile == "" {
		return stage.Unhealthy("publish", "client secrets and token files not configured")
	}
	if _, err := c.oauthConfig(); err != nil {
		return stage.Unhealthy("publish", err.Error())
	}
	if _, err := LoadToken(c.cfg.TokenFile); err != nil {
		return stage.Unhealthy("publish", err.Error())
	}
	return stage.Healthy("publish")
}

// AuthURL returns the consent URL for the one-time authorization flow.
func (c *Client) AuthURL() (string, error) {
	conf, err := c.oauthConfig()
	if err != nil {
		return "", err
	}
	return conf.AuthCodeURL("state", oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// Exchange redeems the authorization code and persists the token file.
func (c *Client) Exchange(ctx context.Context, code string) error {
	conf, err := c.oauthConfig()
	if err != nil {
		return err
	}
	token, err := conf.Exchange(ctx, strings.TrimSpace(code))
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "publish", "authorize", "exchange authorization code", err)
	}
	return SaveToken(c.cfg.TokenFile, token)
}

func (c *Client) service(ctx context.Context) (*youtubeapi.Service, error) {
	var opts []option.ClientOption
	if c.httpClient != nil {
		opts = append(opts, option.WithHTTPClient(c.httpClient))
	} else {
		conf, err := c.oauthConfig()
		if err != nil {
			return nil, err
		}
		token, err := LoadToken(c.cfg.TokenFile)
		if err != nil {
			return nil, err
		}
		opts = append(opts, option.WithTokenSource(conf.TokenSource(ctx, token)))
	}
	if c.cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.BaseURL))
	}
	svc, err := youtubeapi.NewService(ctx, opts...)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "upload", "build youtube service", err)
	}
	return svc, nil
}

func (c *Client) oauthConfig() (*oauth2.Config, error) {
	if c.cfg.ClientSecretsFile == "" {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "client secrets file not configured", nil)
	}
	data, err := os.ReadFile(c.cfg.ClientSecretsFile)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "read client secrets", err)
	}
	conf, err := google.ConfigFromJSON(data, youtubeapi.YoutubeUploadScope)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "parse client secrets", err)
	}
	return conf, nil
}

// LoadToken reads a stored OAuth token.
func LoadToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "read token file", err)
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "parse token file", err)
	}
	if token.RefreshToken == "" && token.AccessToken == "" {
		return nil, services.Wrap(services.ErrConfiguration, "publish", "authorize", "token file holds no credentials", nil)
	}
	return &token, nil
}

// SaveToken writes an OAuth token with owner-only permissions.
func SaveToken(path string, token *oauth2.Token) error {
	encoded, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return services.Wrap(services.ErrConfiguration, "publish", "authorize", "encode token", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return services.Wrap(services.ErrConfiguration, "publish", "authorize", "create token directory", err)
		}
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o600); err != nil {
		return services.Wrap(services.ErrConfiguration, "publish", "authorize", "write token file", err)
	}
	return nil
}

func normalizePrivacy(privacy string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(privacy)) {
	case "":
		return stage.PrivacyPrivate, nil
	case stage.PrivacyPrivate:
		return stage.PrivacyPrivate, nil
	case stage.PrivacyUnlisted:
		return stage.PrivacyUnlisted, nil
	case stage.PrivacyPublic:
		return stage.PrivacyPublic, nil
	default:
		return "", fmt.Errorf("unknown privacy %q", privacy)
	}
}

func classifyUploadError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == http.StatusUnauthorized:
			return services.Wrap(services.ErrConfiguration, "publish", "upload", "authorization rejected", err)
		case apiErr.Code == http.StatusForbidden:
			return services.Wrap(services.ErrConfiguration, "publish", "upload", "access denied (check scope and quota)", err)
		case apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500:
			return services.Wrap(services.ErrTransient, "publish", "upload", "upload rejected", err)
		default:
			return services.Wrap(services.ErrExternalTool, "publish", "upload", "upload rejected", err)
		}
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "publish", "upload", "upload timed out", err)
	}
	return services.Wrap(services.ErrExternalTool, "publish", "upload", "upload failed", err)
}
