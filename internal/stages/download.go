package stages

import (
	"context"
	"fmt"
	"os"
	"strings"

	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Download ingests the source episode media and its discovery metadata.
type Download struct {
	deps Deps
}

// NewDownload builds the download stage module.
func NewDownload(deps Deps) *Download {
	return &Download{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *Download) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameDownload,
		Requires: store.StatusNew,
		Produces: store.StatusDownloaded,
	}
}

// Plan hashes the source URL; a changed source re-downloads even when the
// media files already exist.
func (s *Download) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	sourceURL := strings.TrimSpace(ep.SourceURL)
	if sourceURL == "" {
		return nil, services.Wrap(services.ErrValidation, stage.NameDownload, "plan",
			fmt.Sprintf("episode %s has no source url", ep.ID), nil)
	}

	paths := s.deps.Layout.Episode(ep.ID)
	return &stage.Plan{
		InputHash:   hashing.Canonical(hashing.TextPart("source_url", sourceURL)),
		OutputFiles: []string{paths.SourceMedia(), paths.SourceMeta()},
	}, nil
}

// Execute fetches the media, adopts the discovered title, and records the
// source video asset.
func (s *Download) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	if err := os.MkdirAll(paths.MediaDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create media directory: %w", err)
	}
	result, err := s.deps.Downloader.Fetch(ctx, stage.FetchRequest{
		SourceURL: ep.SourceURL,
		VideoPath: paths.SourceMedia(),
		MetaPath:  paths.SourceMeta(),
	})
	if err != nil {
		return nil, err
	}

	if title := strings.TrimSpace(result.Title); title != "" && title != ep.Title {
		ep.Title = title
		if err := s.deps.Store.UpdateEpisode(ctx, ep); err != nil {
			return nil, fmt.Errorf("store discovered title: %w", err)
		}
		exec.Logger.Info("episode title adopted from source",
			logging.String("title", title),
			logging.String("channel", result.Channel),
		)
	}

	info, err := os.Stat(paths.SourceMedia())
	if err != nil {
		return nil, fmt.Errorf("stat downloaded media: %w", err)
	}

	asset := store.MediaAsset{
		EpisodeID: ep.ID,
		AssetType: store.AssetVideo,
		FilePath:  paths.SourceMedia(),
		MimeType:  "video/mp4",
		SizeBytes: info.Size(),
		Metadata:  map[string]string{"source_url": ep.SourceURL},
	}
	if result.DurationSeconds > 0 {
		asset.DurationSeconds = float64Ptr(result.DurationSeconds)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("downloaded %.0fs of source media", result.DurationSeconds),
		ArtifactType: "source_media",
		ArtifactPath: paths.SourceMedia(),
		Assets:       []store.MediaAsset{asset},
	}, nil
}

// HealthCheck reports downloader readiness.
func (s *Download) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameDownload, s.deps.Downloader.HealthCheck(ctx))
}
