package stages

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"redub/internal/cascade"
	"redub/internal/chapters"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Publish uploads the approved draft. The video identity lands on the episode
// row, and a second run is a no-op unless forced, so a crash between upload
// and status write never double-publishes.
type Publish struct {
	deps Deps
}

// NewPublish builds the publish stage module.
func NewPublish(deps Deps) *Publish {
	return &Publish{deps: deps}
}

// Descriptor requires the final review gate's approval of the rendered draft.
func (s *Publish) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NamePublish,
		Requires: store.StatusApproved,
		Produces: store.StatusPublished,
		Gate:     stage.NameRender,
	}
}

// Plan hashes the draft and its listing inputs. Publish declares no output
// files; idempotence lives on the episode row, not on disk.
func (s *Publish) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	draftHash, err := hashing.File(paths.DraftVideo())
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, stage.NamePublish, "plan",
			"draft video missing, run render first", err)
	}

	return &stage.Plan{
		InputFiles: []string{paths.DraftVideo(), paths.ChaptersDoc()},
		InputHash: hashing.Canonical(
			hashing.TextPart("draft_sha256", draftHash),
			hashing.TextPart("title", ep.Title),
			hashing.TextPart("privacy", s.deps.Config.Publish.Privacy),
			hashing.TextPart("target_language", s.deps.Config.Pipeline.TargetLanguage),
		),
	}, nil
}

// Execute uploads the draft with a chaptered description and records the
// published identity on the episode.
func (s *Publish) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)

	if outcome, err := publishGuard(s.deps, exec); outcome != nil || err != nil {
		return outcome, err
	}

	doc, err := loadChapters(stage.NamePublish, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}
	renderManifest, err := cascade.LoadManifest(paths.RenderManifest())
	if err != nil {
		return nil, err
	}

	description := buildDescription(ep, doc, renderManifest)
	return publishUpload(ctx, s.deps, exec, description, listingTags(doc, s.deps.Config.Pipeline.TargetLanguage))
}

// publishGuard enforces the publish configuration and the episode-row
// idempotence. A non-nil outcome means the episode is already published and
// the upload must not repeat.
func publishGuard(deps Deps, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	if !deps.Config.Publish.Enabled {
		return nil, services.Wrap(services.ErrConfiguration, stage.NamePublish, "execute",
			"publishing is disabled, enable [publish] in config", nil)
	}
	if ep.YouTubeVideoID != "" && !exec.Force {
		exec.Logger.Info("episode already published, skipping upload",
			logging.String("video_id", ep.YouTubeVideoID),
		)
		return &stage.Outcome{
			Detail:       fmt.Sprintf("already published as %s", ep.YouTubeVideoID),
			ArtifactType: "publish",
			ArtifactPath: deps.Layout.Episode(ep.ID).DraftVideo(),
		}, nil
	}
	return nil, nil
}

// publishUpload performs the provider upload and records the published
// identity on the episode row.
func publishUpload(ctx context.Context, deps Deps, exec *stage.Execution, description string, tags []string) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := deps.Layout.Episode(ep.ID)
	pub := deps.Config.Publish

	result, err := deps.Publisher.Upload(ctx, stage.UploadRequest{
		VideoPath:   paths.DraftVideo(),
		Title:       ep.Title,
		Description: description,
		Tags:        tags,
		Language:    deps.Config.Pipeline.TargetLanguage,
		Privacy:     pub.Privacy,
	})
	if err != nil {
		return nil, err
	}

	publishedAt := result.PublishedAt
	ep.YouTubeVideoID = result.ExternalID
	ep.PublishedAtYouTube = &publishedAt
	if err := deps.Store.UpdateEpisode(ctx, ep); err != nil {
		return nil, fmt.Errorf("store published identity: %w", err)
	}

	return &stage.Outcome{
		Detail:       fmt.Sprintf("published as %s (%s)", result.ExternalID, pub.Privacy),
		ArtifactType: "publish",
		ArtifactPath: paths.DraftVideo(),
	}, nil
}

// buildDescription lists the chapters with their start timestamps in the
// format video platforms parse for chapter markers. Measured segment durations
// from the render manifest win over the chapterizer's estimates.
func buildDescription(ep *store.Episode, doc *chapters.Document, renderManifest *cascade.Manifest) string {
	var b strings.Builder
	b.WriteString(doc.Title)
	b.WriteString("\n\nChapters:\n")

	var offset float64
	for _, ch := range doc.Chapters {
		fmt.Fprintf(&b, "%s %s\n", formatTimestamp(offset), ch.Title)
		offset += chapterDuration(ch, renderManifest)
	}

	if url := strings.TrimSpace(ep.SourceURL); url != "" {
		b.WriteString("\nSource: ")
		b.WriteString(url)
		b.WriteString("\n")
	}
	return b.String()
}

// chapterDuration prefers the measured segment duration, falling back to the
// narration estimate when the manifest has none.
func chapterDuration(ch chapters.Chapter, renderManifest *cascade.Manifest) float64 {
	if entry := renderManifest.Entry(ch.ChapterID); entry != nil {
		if v, err := strconv.ParseFloat(entry.Metadata["duration_seconds"], 64); err == nil && v > 0 {
			return v
		}
	}
	return ch.Narration.EstimatedDurationSeconds
}

// formatTimestamp renders whole seconds as H:MM:SS above an hour, M:SS below.
func formatTimestamp(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := total % 3600 / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

// listingTags derives upload tags from the chapter titles and language.
func listingTags(doc *chapters.Document, targetLanguage string) []string {
	tags := []string{targetLanguage, "dubbed"}
	for _, ch := range doc.Chapters {
		title := strings.TrimSpace(ch.Title)
		if title == "" || len(tags) >= 10 {
			continue
		}
		tags = append(tags, title)
	}
	return tags
}

// HealthCheck reports publisher readiness.
func (s *Publish) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NamePublish, s.deps.Publisher.HealthCheck(ctx))
}
