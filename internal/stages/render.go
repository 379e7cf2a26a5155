package stages

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"redub/internal/cascade"
	"redub/internal/chapters"
	"redub/internal/fileutil"
	"redub/internal/hashing"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// backgroundFill is the backdrop for chapters that carry no generated image.
var backgroundFill = color.RGBA{R: 0x10, G: 0x18, B: 0x22, A: 0xFF}

// Render encodes one video segment per chapter (still image plus narration,
// overlays and fades burned in) and concatenates them into the draft cut.
// Per-chapter hashes chain the tts and image manifest entries, so a re-voiced
// or re-imaged chapter re-encodes exactly that segment.
type Render struct {
	deps Deps
}

// NewRender builds the video assembly stage module.
func NewRender(deps Deps) *Render {
	return &Render{deps: deps}
}

// Descriptor names the stage and its status transition.
func (s *Render) Descriptor() stage.Descriptor {
	return stage.Descriptor{
		Name:     stage.NameRender,
		Requires: store.StatusTTSDone,
		Produces: store.StatusRendered,
	}
}

// renderSource carries the upstream manifest hashes that identify one
// chapter's audio and imagery, plus the files the manifests point at. The
// manifests are authoritative for where artifacts live; render never
// re-derives those names.
type renderSource struct {
	audioHash string
	imageHash string
	audioPath string
	imagePath string
}

// Plan chains every chapter's upstream hashes with the encode settings. Local
// encoding spends no provider money, so the projected cost stays zero.
func (s *Render) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	paths := s.deps.Layout.Episode(ep.ID)

	doc, err := loadChapters(stage.NameRender, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}
	sources, err := s.chapterSources(paths, doc)
	if err != nil {
		return nil, err
	}

	parts := []hashing.Part{hashing.TextPart("settings", s.settingsKey())}
	outputs := []string{paths.RenderManifest()}
	needsBackground := false
	for _, ch := range doc.Chapters {
		parts = append(parts, hashing.TextPart("chapter:"+ch.ChapterID, s.chapterHash(ch, sources[ch.ChapterID])))
		outputs = append(outputs, paths.ChapterSegment(ch.ChapterID))
		if !ch.Visual.Type.RequiresImage() {
			needsBackground = true
		}
	}
	if needsBackground {
		outputs = append(outputs, paths.RenderBackground())
	}
	outputs = append(outputs, paths.DraftVideo())

	return &stage.Plan{
		InputFiles:  []string{paths.ChaptersDoc(), paths.TTSManifest(), paths.ImageManifest()},
		InputHash:   hashing.Canonical(parts...),
		OutputFiles: outputs,
	}, nil
}

// Execute encodes the stale segments in chapter order, then always reassembles
// the draft so it reflects the current segment set.
func (s *Render) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	ep := exec.Episode
	paths := s.deps.Layout.Episode(ep.ID)
	render := s.deps.Config.Render

	doc, err := loadChapters(stage.NameRender, paths.ChaptersDoc())
	if err != nil {
		return nil, err
	}
	sources, err := s.chapterSources(paths, doc)
	if err != nil {
		return nil, err
	}
	manifest, err := cascade.LoadManifest(paths.RenderManifest())
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		manifest = cascade.NewManifest(stage.NameRender, ep.ID)
	}

	if err := os.MkdirAll(paths.SegmentsDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create segments directory: %w", err)
	}
	if err := s.ensureBackground(doc, paths); err != nil {
		return nil, err
	}

	var (
		encoded      int
		reused       int
		segmentPaths []string
	)
	for _, ch := range doc.Chapters {
		segPath := paths.ChapterSegment(ch.ChapterID)
		segmentPaths = append(segmentPaths, segPath)
		src := sources[ch.ChapterID]
		chapterHash := s.chapterHash(ch, src)

		if !exec.Force && manifest.Current(ch.ChapterID, chapterHash, segPath) {
			reused++
			exec.Logger.Debug("chapter segment current, skipping",
				logging.String("chapter_id", ch.ChapterID),
			)
			continue
		}

		imagePath := src.imagePath
		if imagePath == "" {
			imagePath = paths.RenderBackground()
		}

		if err := s.encodeSegment(ctx, ch, imagePath, src.audioPath, segPath); err != nil {
			return nil, fmt.Errorf("chapter %s: %w", ch.ChapterID, err)
		}

		probe, err := s.deps.Media.Probe(ctx, segPath)
		if err != nil {
			return nil, fmt.Errorf("chapter %s: probe segment: %w", ch.ChapterID, err)
		}

		relPath, err := filepath.Rel(filepath.Dir(paths.RenderManifest()), segPath)
		if err != nil {
			relPath = filepath.Base(segPath)
		}
		manifest.Upsert(cascade.ManifestEntry{
			ChapterID: ch.ChapterID,
			InputHash: chapterHash,
			File:      relPath,
			Metadata: map[string]string{
				"duration_seconds": strconv.FormatFloat(probe.DurationSeconds, 'f', 3, 64),
			},
		})
		if err := manifest.Write(paths.RenderManifest()); err != nil {
			return nil, fmt.Errorf("chapter %s: write render manifest: %w", ch.ChapterID, err)
		}
		encoded++
	}

	concatCtx := ctx
	if render.ConcatTimeoutSec > 0 {
		var cancel context.CancelFunc
		concatCtx, cancel = context.WithTimeout(ctx, time.Duration(render.ConcatTimeoutSec)*time.Second)
		defer cancel()
	}
	if err := s.deps.Media.Concat(concatCtx, segmentPaths, paths.DraftVideo()); err != nil {
		return nil, fmt.Errorf("assemble draft: %w", err)
	}

	probe, err := s.deps.Media.Probe(ctx, paths.DraftVideo())
	if err != nil {
		return nil, fmt.Errorf("probe draft: %w", err)
	}

	return &stage.Outcome{
		Detail: fmt.Sprintf("encoded %d segments, reused %d, assembled %.0fs draft",
			encoded, reused, probe.DurationSeconds),
		ArtifactType: "draft_video",
		ArtifactPath: paths.DraftVideo(),
		Assets: []store.MediaAsset{{
			EpisodeID:       ep.ID,
			AssetType:       store.AssetVideo,
			FilePath:        paths.DraftVideo(),
			MimeType:        "video/mp4",
			SizeBytes:       probe.SizeBytes,
			DurationSeconds: float64Ptr(probe.DurationSeconds),
		}},
		SegmentsProcessed: encoded,
	}, nil
}

// encodeSegment runs one chapter encode under the configured per-segment
// timeout.
func (s *Render) encodeSegment(ctx context.Context, ch chapters.Chapter, imagePath, audioPath, outputPath string) error {
	render := s.deps.Config.Render

	if _, err := os.Stat(audioPath); err != nil {
		return services.Wrap(services.ErrValidation, stage.NameRender, "encode",
			fmt.Sprintf("narration audio missing at %s, run tts first", filepath.Base(audioPath)), nil)
	}
	if _, err := os.Stat(imagePath); err != nil {
		return services.Wrap(services.ErrValidation, stage.NameRender, "encode",
			fmt.Sprintf("visual missing at %s, run imagegen first", filepath.Base(imagePath)), nil)
	}

	segCtx := ctx
	if render.SegmentTimeoutSec > 0 {
		var cancel context.CancelFunc
		segCtx, cancel = context.WithTimeout(ctx, time.Duration(render.SegmentTimeoutSec)*time.Second)
		defer cancel()
	}

	var fadeIn, fadeOut float64
	if strings.EqualFold(ch.Transitions.In, "fade") {
		fadeIn = render.TransitionDurationS
	}
	if strings.EqualFold(ch.Transitions.Out, "fade") {
		fadeOut = render.TransitionDurationS
	}

	return s.deps.Media.EncodeSegment(segCtx, stage.SegmentRequest{
		ImagePath:    imagePath,
		AudioPath:    audioPath,
		Overlays:     ch.Overlays,
		Resolution:   render.Resolution,
		FPS:          render.FPS,
		CRF:          render.CRF,
		Preset:       render.Preset,
		AudioBitrate: render.AudioBitrate,
		FadeIn:       fadeIn,
		FadeOut:      fadeOut,
		OutputPath:   outputPath,
	})
}

// chapterSources resolves each chapter's upstream manifest hashes, failing
// with a validation error when a narration or image entry is absent.
func (s *Render) chapterSources(paths layout.Episode, doc *chapters.Document) (map[string]renderSource, error) {
	ttsManifest, err := cascade.LoadManifest(paths.TTSManifest())
	if err != nil {
		return nil, err
	}
	imageManifest, err := cascade.LoadManifest(paths.ImageManifest())
	if err != nil {
		return nil, err
	}

	out := make(map[string]renderSource, len(doc.Chapters))
	for _, ch := range doc.Chapters {
		narration := ttsManifest.Entry(ch.ChapterID)
		if narration == nil {
			return nil, services.Wrap(services.ErrValidation, stage.NameRender, "plan",
				fmt.Sprintf("narration for chapter %s missing, run tts first", ch.ChapterID), nil)
		}
		src := renderSource{
			audioHash: narration.InputHash,
			imageHash: "background",
			audioPath: cascade.EntryPath(paths.TTSManifest(), *narration),
		}
		if ch.Visual.Type.RequiresImage() {
			img := imageManifest.Entry(ch.ChapterID)
			if img == nil {
				return nil, services.Wrap(services.ErrValidation, stage.NameRender, "plan",
					fmt.Sprintf("image for chapter %s missing, run imagegen first", ch.ChapterID), nil)
			}
			src.imageHash = img.InputHash
			src.imagePath = cascade.EntryPath(paths.ImageManifest(), *img)
		}
		out[ch.ChapterID] = src
	}
	return out, nil
}

// chapterHash fingerprints everything that shapes one encoded segment.
func (s *Render) chapterHash(ch chapters.Chapter, src renderSource) string {
	return hashing.Canonical(
		hashing.TextPart("audio", src.audioHash),
		hashing.TextPart("image", src.imageHash),
		hashing.TextPart("overlays", overlaysKey(ch.Overlays)),
		hashing.TextPart("transition_in", ch.Transitions.In),
		hashing.TextPart("transition_out", ch.Transitions.Out),
		hashing.TextPart("settings", s.settingsKey()),
	)
}

// settingsKey flattens the encode settings that invalidate every segment when
// changed.
func (s *Render) settingsKey() string {
	render := s.deps.Config.Render
	return strings.Join([]string{
		render.Resolution,
		strconv.Itoa(render.FPS),
		strconv.Itoa(render.CRF),
		render.Preset,
		render.AudioBitrate,
		render.Font,
		formatFloat(render.TransitionDurationS),
	}, "|")
}

// overlaysKey flattens overlay specs deterministically for hashing.
func overlaysKey(overlays []chapters.Overlay) string {
	var b strings.Builder
	for _, o := range overlays {
		fmt.Fprintf(&b, "%s|%s|%s|%s\n", o.Text, o.Position, formatFloat(o.StartSeconds), formatFloat(o.EndSeconds))
	}
	return b.String()
}

// ensureBackground writes the solid backdrop when any chapter renders without
// a generated image. Regenerating is cheap and keeps it in step with the
// configured resolution.
func (s *Render) ensureBackground(doc *chapters.Document, paths layout.Episode) error {
	needed := false
	for _, ch := range doc.Chapters {
		if !ch.Visual.Type.RequiresImage() {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}
	return writeBackground(s.deps.Config.Render.Resolution, paths.RenderBackground())
}

// writeBackground renders the solid backdrop PNG at the given resolution.
func writeBackground(resolution, path string) error {
	width, height, err := parseResolution(resolution)
	if err != nil {
		return err
	}
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(backgroundFill), image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, canvas); err != nil {
		return fmt.Errorf("encode background: %w", err)
	}
	if err := fileutil.WriteFileAtomic(path, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write background: %w", err)
	}
	return nil
}

// parseResolution splits a WxH resolution string.
func parseResolution(resolution string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(resolution)), "x")
	if len(parts) == 2 {
		width, werr := strconv.Atoi(parts[0])
		height, herr := strconv.Atoi(parts[1])
		if werr == nil && herr == nil && width > 0 && height > 0 {
			return width, height, nil
		}
	}
	return 0, 0, services.Wrap(services.ErrConfiguration, stage.NameRender, "background",
		fmt.Sprintf("resolution %q is not WxH", resolution), nil)
}

// HealthCheck reports av toolchain readiness.
func (s *Render) HealthCheck(ctx context.Context) stage.Health {
	return combineHealth(stage.NameRender, s.deps.Media.HealthCheck(ctx))
}
