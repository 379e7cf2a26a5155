package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"redub/internal/services"
	"redub/internal/stage"
)

const (
	// Command is the default downloader binary name.
	Command = "yt-dlp"

	// formatSelector prefers an MP4 video plus M4A audio pair and falls back
	// to the best single MP4, then the best anything.
	formatSelector = "bv*[ext=mp4]+ba[ext=m4a]/b[ext=mp4]/b"

	defaultTimeout = 30 * time.Minute
)

// Config captures the downloader settings.
type Config struct {
	Binary  string
	Timeout time.Duration
}

var _ stage.Downloader = (*Service)(nil)

// Service drives the yt-dlp binary and satisfies stage.Downloader.
type Service struct {
	cfg           Config
	commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookPath      func(name string) (string, error)
}

// NewService constructs a downloader with the given configuration.
func NewService(cfg Config) *Service {
	if cfg.Binary == "" {
		cfg.Binary = Command
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{cfg: cfg, lookPath: exec.LookPath}
}

// WithCommandRunner sets a custom command runner (for testing).
func (s *Service) WithCommandRunner(runner func(ctx context.Context, name string, args ...string) ([]byte, error)) {
	s.commandRunner = runner
}

// WithLookPath sets a custom binary resolver (for testing).
func (s *Service) WithLookPath(lookPath func(name string) (string, error)) {
	if lookPath != nil {
		s.lookPath = lookPath
	}
}

// sourceMeta is the metadata subset persisted next to the downloaded video.
type sourceMeta struct {
	ID              string  `json:"id,omitempty"`
	Title           string  `json:"title"`
	Channel         string  `json:"channel,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	UploadDate      string  `json:"upload_date,omitempty"`
	SourceURL       string  `json:"source_url"`
}

// Fetch downloads the source episode and writes its metadata file.
func (s *Service) Fetch(ctx context.Context, req stage.FetchRequest) (*stage.FetchResult, error) {
	if strings.TrimSpace(req.SourceURL) == "" {
		return nil, services.Wrap(services.ErrValidation, "download", "fetch", "source url required", nil)
	}
	if req.VideoPath == "" || req.MetaPath == "" {
		return nil, services.Wrap(services.ErrValidation, "download", "fetch", "video and metadata paths required", nil)
	}

	args := []string{
		"--no-playlist",
		"--no-warnings",
		"--retries", "3",
		"-f", formatSelector,
		"--merge-output-format", "mp4",
		"-o", req.VideoPath,
		"-j",
		"--no-simulate",
		req.SourceURL,
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()
	output, err := s.run(ctx, s.cfg.Binary, args...)
	if err != nil {
		return nil, classifyRunError(err)
	}

	var payload struct {
		ID         string  `json:"id"`
		Title      string  `json:"title"`
		Channel    string  `json:"channel"`
		Uploader   string  `json:"uploader"`
		Duration   float64 `json:"duration"`
		UploadDate string  `json:"upload_date"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(output), &payload); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "download", "fetch", "parse yt-dlp output", err)
	}
	channel := payload.Channel
	if channel == "" {
		channel = payload.Uploader
	}

	if _, err := os.Stat(req.VideoPath); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "download", "fetch", "video not produced", err)
	}

	meta := sourceMeta{
		ID:              payload.ID,
		Title:           strings.TrimSpace(payload.Title),
		Channel:         strings.TrimSpace(channel),
		DurationSeconds: payload.Duration,
		UploadDate:      payload.UploadDate,
		SourceURL:       req.SourceURL,
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "download", "fetch", "encode metadata", err)
	}
	if err := os.WriteFile(req.MetaPath, append(encoded, '\n'), 0o644); err != nil {
		return nil, services.Wrap(services.ErrValidation, "download", "fetch", "write metadata", err)
	}

	return &stage.FetchResult{
		Title:           meta.Title,
		Channel:         meta.Channel,
		DurationSeconds: meta.DurationSeconds,
	}, nil
}

// HealthCheck verifies the downloader binary resolves on PATH.
func (s *Service) HealthCheck(ctx context.Context) stage.Health {
	_ = ctx
	if _, err := s.lookPath(s.cfg.Binary); err != nil {
		return stage.Unhealthy("download", fmt.Sprintf("%s not found", s.cfg.Binary))
	}
	return stage.Healthy("download")
}

func classifyRunError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return services.Wrap(services.ErrTimeout, "download", "fetch", "download timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return services.Wrap(services.ErrExternalTool, "download", "fetch", "yt-dlp failed", err)
}

func (s *Service) run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if s.commandRunner != nil {
		return s.commandRunner(ctx, name, args...)
	}
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return stdout.Bytes(), fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
