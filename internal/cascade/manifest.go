package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"redub/internal/fileutil"
)

// ManifestSchemaVersion is the chapter manifest revision this build reads.
const ManifestSchemaVersion = "1.0"

// Manifest is the per-chapter recovery index kept by the chapter-parallel
// stages (imagegen, tts, render). Each entry pairs a chapter with the hash of
// the text inputs that produced its output file, so a re-run regenerates only
// the chapters whose inputs changed.
type Manifest struct {
	SchemaVersion string          `json:"schema_version"`
	Stage         string          `json:"stage"`
	EpisodeID     string          `json:"episode_id"`
	GeneratedAt   time.Time       `json:"generated_at"`
	Entries       []ManifestEntry `json:"entries"`
}

// ManifestEntry records one chapter output. File is relative to the manifest
// directory; the input hash covers narration text and visual specs, never
// binary media.
type ManifestEntry struct {
	ChapterID string            `json:"chapter_id"`
	InputHash string            `json:"input_hash"`
	File      string            `json:"file"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// NewManifest builds an empty manifest for one stage of one episode.
func NewManifest(stageName, episodeID string) *Manifest {
	return &Manifest{
		SchemaVersion: ManifestSchemaVersion,
		Stage:         stageName,
		EpisodeID:     episodeID,
	}
}

// LoadManifest reads a manifest from disk. A missing file returns (nil, nil)
// so callers treat absence as "no chapters produced yet". A manifest with an
// unknown schema version is also treated as absent, forcing a full rebuild.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return nil, nil
	}
	return &m, nil
}

// Write stamps the generation time and persists the manifest atomically.
func (m *Manifest) Write(path string) error {
	if m.Stage == "" {
		return fmt.Errorf("manifest missing stage")
	}
	if m.EpisodeID == "" {
		return fmt.Errorf("manifest missing episode_id")
	}
	if m.SchemaVersion == "" {
		m.SchemaVersion = ManifestSchemaVersion
	}
	m.GeneratedAt = time.Now().UTC()
	return fileutil.WriteJSONAtomic(path, m)
}

// Entry returns the entry for a chapter, or nil.
func (m *Manifest) Entry(chapterID string) *ManifestEntry {
	if m == nil {
		return nil
	}
	for i := range m.Entries {
		if m.Entries[i].ChapterID == chapterID {
			return &m.Entries[i]
		}
	}
	return nil
}

// Upsert replaces the entry for its chapter or appends a new one.
func (m *Manifest) Upsert(entry ManifestEntry) {
	for i := range m.Entries {
		if m.Entries[i].ChapterID == entry.ChapterID {
			m.Entries[i] = entry
			return
		}
	}
	m.Entries = append(m.Entries, entry)
}

// Current reports whether a chapter's recorded input hash matches the fresh
// one and its output file exists at filePath. Nil manifests are never
// current, so first runs produce every chapter.
func (m *Manifest) Current(chapterID, inputHash, filePath string) bool {
	entry := m.Entry(chapterID)
	if entry == nil || entry.InputHash != inputHash {
		return false
	}
	info, err := os.Stat(filePath)
	return err == nil && !info.IsDir()
}

// EntryPath resolves an entry's file relative to the manifest location.
func EntryPath(manifestPath string, entry ManifestEntry) string {
	if filepath.IsAbs(entry.File) {
		return entry.File
	}
	return filepath.Join(filepath.Dir(manifestPath), entry.File)
}
