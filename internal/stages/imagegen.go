package stages

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"redub/internal/cascade"
	"redub/internal/chapters"
	"redub/internal/costs"
	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/stage"
	"redub/internal/store"
)

// ImageGen produces one image per chapter whose visual type calls for one.
// Per-chapter hashes in the image manifest let a rerun regenerate only the
// chapters whose prompts or image settings changed.
type ImageGen struct {
	deps Deps
}

// NewImageGen builds the image generation stage module.
func NewImageGen(deps Deps) *ImageGen {
	return &ImageGen{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *ImageGen) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameImageGen,
		Requires: store.StatusChapterized,
		Produces: store.StatusImagesGenerated,
	}
}

// Plan hashes every image chapter's prompt together with the image settings
// and budgets only the chapters the manifest does not already cover.
func (s *ImageGen) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	doc, err := loadChapters(stage.NameImageGen, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}

	img := s.deps.Config.ImageGen
	parts := []hashing.Part{
		hashing.TextPart("style_prefix", img.StylePrefix),
		hashing.TextPart("size", img.Size),
		hashing.TextPart("quality", img.Quality),
	}
	outputs := []string{paths.ImageManifest()}

	manifest, err := cascade.LoadManifest(paths.ImageManifest())
	if err != nil {
		return nil, err
	}
	var pending int
	for _, ch := range doc.ImageChapters() {
		parts = append(parts, hashing.TextPart("chapter:"+ch.ChapterID, ch.Visual.ImagePrompt))
		imagePath := paths.ChapterImage(ch.ChapterID, ch.Order)
		outputs = append(outputs, imagePath)
		if !manifest.Current(ch.ChapterID, s.chapterHash(ch), imagePath) {
			pending++
		}
	}

	return &stage.Plan{
		InputFiles:       []string{paths.ChaptersDoc()},
		InputHash:        hashing.Canonical(parts...),
		OutputFiles:      outputs,
		ProjectedCostUSD: float64(pending) * costs.ImagePrice(img.Quality),
	}, nil
}

// Execute generates the missing images in chapter order, persisting manifest
// entries after every image so a mid-stage failure loses no finished work.
func (s *ImageGen) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)
	img := s.deps.Config.ImageGen

	doc, err := loadChapters(stage.NameImageGen, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}
	manifest, err := cascade.LoadManifest(paths.ImageManifest())
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = cascade.NewManifest(stage.NameImageGen, ep.ID)
	}

	var (
		generated int
		reused    int
		assets    []store.MediaAsset
	)
	for _, ch := range doc.ImageChapters() {
		imagePath := paths.ChapterImage(ch.ChapterID, ch.Order)
		chapterHash := s.chapterHash(ch)

		if !exec.Force && manifest.Current(ch.ChapterID, chapterHash, imagePath) {
			reused++
			exec.Logger.Debug("chapter image current, skipping",
				logging.String("chapter_id", ch.ChapterID),
			)
			continue
		}

		result, err := s.deps.Images.Generate(ctx, stage.ImageRequest{
			Prompt:  s.styledPrompt(ch.Visual.ImagePrompt),
			Size:    img.Size,
			Quality: img.Quality,
		})
		if err != nil {
			return nil, fmt.Errorf("chapter %s: %w", ch.ChapterID, err)
		}
		exec.AddUsage(0, 0, result.CostUSD)

		if err := fileutil.WriteFileAtomic(imagePath, result.Bytes, 0o644); err != nil {
			return nil, fmt.Errorf("chapter %s: write image: %w", ch.ChapterID, err)
		}

		entry := cascade.ManifestEntry{
			ChapterID: ch.ChapterID,
			InputHash: chapterHash,
			File:      filepath.Base(imagePath),
		}
		if result.RevisedPrompt != "" {
			entry.Metadata = map[string]string{"revised_prompt": result.RevisedPrompt}
		}
		manifest.Upsert(entry)
		if err := manifest.Write(paths.ImageManifest()); err != nil {
			return nil, fmt.Errorf("chapter %s: write image manifest: %w", ch.ChapterID, err)
		}

		assets = append(assets, store.MediaAsset{
			EpisodeID: ep.ID,
			ChapterID: ch.ChapterID,
			AssetType: store.AssetImage,
			FilePath:  imagePath,
			MimeType:  "image/png",
			SizeBytes: int64(len(result.Bytes)),
			Metadata:  entry.Metadata,
		})
		generated++
	}

	if err := manifest.Write(paths.ImageManifest()); err != nil {
		return nil, fmt.Errorf("write image manifest: %w", err)
	}

	detail := fmt.Sprintf("generated %d images, reused %d", generated, reused)
	if generated == 0 && reused == 0 {
		detail = "no chapters need imagery"
	}
	return &stage.Outcome{
		Detail:            detail,
		ArtifactType:      "images",
		ArtifactPath:      paths.ImageManifest(),
		Assets:            assets,
		SegmentsProcessed: generated,
	}, nil
}

// chapterHash fingerprints everything that shapes one chapter's image.
func (s *ImageGen) chapterHash(ch chapters.Chapter) string {
	img := s.deps.Config.ImageGen
	return hashing.Canonical(
		hashing.TextPart("image_prompt", ch.Visual.ImagePrompt),
		hashing.TextPart("style_prefix", img.StylePrefix),
		hashing.TextPart("size", img.Size),
		hashing.TextPart("quality", img.Quality),
	)
}

// styledPrompt prepends the configured style prefix to a chapter prompt.
func (s *ImageGen) styledPrompt(prompt string) string {
	prefix := strings.TrimSpace(s.deps.Config.ImageGen.StylePrefix)
	if prefix == "" {
		return prompt
	}
	return prefix + ". " + prompt
}

// HealthCheck reports image provider readiness.
func (s *ImageGen) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameImageGen, s.deps.Images.HealthCheck(ctx))
}
