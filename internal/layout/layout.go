// Package layout resolves the per-episode filesystem contract: every path a
// stage reads or writes is produced here so stages never assemble filenames
// themselves.
package layout

import (
	"fmt"
	"path/filepath"

	"redub/internal/config"
)

// Layout roots episode paths at the configured data directory and carries the
// language codes baked into transcript and script filenames.
type Layout struct {
	root   string
	source string
	target string
}

// New builds a Layout from config. Language codes are already normalized by
// config loading.
func New(cfg *config.Config) Layout {
	return Layout{
		root:   cfg.Paths.DataDir,
		source: cfg.Pipeline.SourceLanguage,
		target: cfg.Pipeline.TargetLanguage,
	}
}

// Root returns the data directory the layout is rooted at.
func (l Layout) Root() string { return l.root }

// Episode resolves the path set for one episode.
func (l Layout) Episode(id string) Episode {
	return Episode{layout: l, id: id}
}

// Episode names every file the pipeline touches for a single episode.
type Episode struct {
	layout Layout
	id     string
}

// MediaDir holds the downloaded source media.
func (e Episode) MediaDir() string {
	return filepath.Join(e.layout.root, "media", e.id)
}

// SourceMedia is the downloaded episode video.
func (e Episode) SourceMedia() string {
	return filepath.Join(e.MediaDir(), "source.mp4")
}

// SourceMeta records download provenance (origin URL, size, duration).
func (e Episode) SourceMeta() string {
	return filepath.Join(e.MediaDir(), "source.meta.json")
}

// SourceAudio is the audio extraction fed to transcription.
func (e Episode) SourceAudio() string {
	return filepath.Join(e.MediaDir(), "source.audio.mp3")
}

// TranscriptDir holds source-language transcripts.
func (e Episode) TranscriptDir() string {
	return filepath.Join(e.layout.root, "transcripts", e.id)
}

// CleanTranscript is the raw transcription output after cleanup.
func (e Episode) CleanTranscript() string {
	return filepath.Join(e.TranscriptDir(), fmt.Sprintf("transcript.clean.%s.txt", e.layout.source))
}

// CorrectedTranscript is the corrector output.
func (e Episode) CorrectedTranscript() string {
	return filepath.Join(e.TranscriptDir(), fmt.Sprintf("transcript.corrected.%s.txt", e.layout.source))
}

// TranslatedTranscript is the translator output in the target language.
func (e Episode) TranslatedTranscript() string {
	return filepath.Join(e.TranscriptDir(), fmt.Sprintf("transcript.%s.txt", e.layout.target))
}

// OutputDir holds everything produced after translation.
func (e Episode) OutputDir() string {
	return filepath.Join(e.layout.root, "outputs", e.id)
}

// AdaptedScript is the adapter output.
func (e Episode) AdaptedScript() string {
	return filepath.Join(e.OutputDir(), fmt.Sprintf("script.adapted.%s.md", e.layout.target))
}

// ChaptersDoc is the chapterizer output document.
func (e Episode) ChaptersDoc() string {
	return filepath.Join(e.OutputDir(), "chapters.json")
}

// ImagesDir holds generated chapter images.
func (e Episode) ImagesDir() string {
	return filepath.Join(e.OutputDir(), "images")
}

// ImageManifest indexes generated images with per-chapter input hashes.
func (e Episode) ImageManifest() string {
	return filepath.Join(e.ImagesDir(), "manifest.json")
}

// ChapterImage names one generated image. index is 1-based.
func (e Episode) ChapterImage(chapterID string, index int) string {
	return filepath.Join(e.ImagesDir(), fmt.Sprintf("%s_%02d.png", chapterID, index))
}

// TTSDir holds synthesized narration audio.
func (e Episode) TTSDir() string {
	return filepath.Join(e.OutputDir(), "tts")
}

// TTSManifest indexes synthesized chapters with per-chapter input hashes.
func (e Episode) TTSManifest() string {
	return filepath.Join(e.TTSDir(), "manifest.json")
}

// ChapterAudio names one chapter's narration MP3.
func (e Episode) ChapterAudio(chapterID string) string {
	return filepath.Join(e.TTSDir(), chapterID+".mp3")
}

// NarrationAudio is the single-take narration of version-1 episodes, which
// carry no chapters.
func (e Episode) NarrationAudio() string {
	return filepath.Join(e.TTSDir(), "narration.mp3")
}

// RenderDir holds encoded segments and the assembled draft.
func (e Episode) RenderDir() string {
	return filepath.Join(e.OutputDir(), "render")
}

// RenderManifest indexes encoded segments with per-chapter input hashes.
func (e Episode) RenderManifest() string {
	return filepath.Join(e.RenderDir(), "render_manifest.json")
}

// RenderBackground is the generated solid backdrop used for chapters whose
// visuals carry no image.
func (e Episode) RenderBackground() string {
	return filepath.Join(e.RenderDir(), "background.png")
}

// SegmentsDir holds per-chapter encoded segments.
func (e Episode) SegmentsDir() string {
	return filepath.Join(e.RenderDir(), "segments")
}

// ChapterSegment names one encoded chapter segment.
func (e Episode) ChapterSegment(chapterID string) string {
	return filepath.Join(e.SegmentsDir(), chapterID+".mp4")
}

// DraftVideo is the concatenated review cut.
func (e Episode) DraftVideo() string {
	return filepath.Join(e.RenderDir(), "draft.mp4")
}

// ReviewDir holds reviewer-facing diffs and history.
func (e Episode) ReviewDir() string {
	return filepath.Join(e.OutputDir(), "review")
}

// CorrectionDiff is the reviewer diff for the correction gate.
func (e Episode) CorrectionDiff() string {
	return filepath.Join(e.ReviewDir(), "correction_diff.json")
}

// AdaptationDiff is the reviewer diff for the adaptation gate.
func (e Episode) AdaptationDiff() string {
	return filepath.Join(e.ReviewDir(), "adaptation_diff.json")
}

// ReviewHistory is the append-only reviewer decision log.
func (e Episode) ReviewHistory() string {
	return filepath.Join(e.ReviewDir(), "review_history.json")
}

// ProvenanceDir holds per-stage provenance records.
func (e Episode) ProvenanceDir() string {
	return filepath.Join(e.OutputDir(), "provenance")
}

// StageProvenance names the provenance record for one stage.
func (e Episode) StageProvenance(stage string) string {
	return filepath.Join(e.ProvenanceDir(), stage+"_provenance.json")
}

// StaleMarker names the cascade invalidation marker beside an output file.
func StaleMarker(outputPath string) string {
	return outputPath + ".stale"
}
