// Package cascade implements downstream invalidation. When a stage rewrites
// its artifact, the artifacts derived from it are flagged with sibling .stale
// markers so their stages re-run instead of skipping.
package cascade

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"redub/internal/layout"
)

// Marker is the JSON body of a .stale file.
type Marker struct {
	InvalidatedAt time.Time `json:"invalidated_at"`
	InvalidatedBy string    `json:"invalidated_by"`
	Reason        string    `json:"reason"`
}

// DownstreamOutputs returns the primary artifacts invalidated when stage
// rewrites its output. The map is fixed: correct feeds translate, translate
// feeds adapt, adapt feeds chapterize, chapterize feeds both media stages,
// and both media stages feed render.
func DownstreamOutputs(ep layout.Episode, stage string) []string {
	switch stage {
	case "correct":
		return []string{ep.TranslatedTranscript()}
	case "translate":
		return []string{ep.AdaptedScript()}
	case "adapt":
		return []string{ep.ChaptersDoc()}
	case "chapterize":
		return []string{ep.ImageManifest(), ep.TTSManifest()}
	case "imagegen", "tts":
		return []string{ep.RenderManifest(), ep.DraftVideo()}
	default:
		return nil
	}
}

// Invalidate writes stale markers beside every downstream artifact of stage
// that exists on disk. Returns the marker paths written.
func Invalidate(ep layout.Episode, stage, reason string) ([]string, error) {
	var written []string
	for _, output := range DownstreamOutputs(ep, stage) {
		if _, err := os.Stat(output); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return written, fmt.Errorf("stat %s: %w", output, err)
		}
		if err := WriteStale(output, stage, reason); err != nil {
			return written, err
		}
		written = append(written, layout.StaleMarker(output))
	}
	return written, nil
}

// WriteStale writes the .stale marker for one output file.
func WriteStale(outputPath, byStage, reason string) error {
	marker := Marker{
		InvalidatedAt: time.Now().UTC(),
		InvalidatedBy: byStage,
		Reason:        reason,
	}
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal stale marker: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(layout.StaleMarker(outputPath), data, 0o644); err != nil {
		return fmt.Errorf("write stale marker: %w", err)
	}
	return nil
}

// ClearStale removes the marker beside an output. Missing markers are fine.
func ClearStale(outputPath string) error {
	err := os.Remove(layout.StaleMarker(outputPath))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear stale marker: %w", err)
	}
	return nil
}

// IsStale reports whether a marker sits beside the output.
func IsStale(outputPath string) bool {
	_, err := os.Stat(layout.StaleMarker(outputPath))
	return err == nil
}

// ReadMarker loads the marker beside an output, or nil when absent.
func ReadMarker(outputPath string) (*Marker, error) {
	data, err := os.ReadFile(layout.StaleMarker(outputPath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stale marker: %w", err)
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return nil, fmt.Errorf("parse stale marker: %w", err)
	}
	return &marker, nil
}

// OutputsReady reports whether every declared output exists with no stale
// marker. The reason names the first blocker for skip-decision logging,
// carrying the marker's recorded cause when one is readable.
func OutputsReady(outputs ...string) (bool, string) {
	for _, output := range outputs {
		if _, err := os.Stat(output); err != nil {
			return false, fmt.Sprintf("missing output %s", output)
		}
		if IsStale(output) {
			if marker, err := ReadMarker(output); err == nil && marker != nil && marker.Reason != "" {
				return false, fmt.Sprintf("stale marker on %s (%s)", output, marker.Reason)
			}
			return false, fmt.Sprintf("stale marker on %s", output)
		}
	}
	return true, ""
}
