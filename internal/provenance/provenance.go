// Package provenance persists the per-stage execution records that back skip
// decisions and cost audits. One JSON file per stage per episode.
package provenance

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"redub/internal/fileutil"
)

// Record captures what a stage consumed and produced. Fields that do not
// apply to a stage are omitted; CostUSD is always present, zero for local
// stages.
type Record struct {
	Stage             string         `json:"stage"`
	EpisodeID         string         `json:"episode_id"`
	Timestamp         time.Time      `json:"timestamp"`
	PromptName        string         `json:"prompt_name,omitempty"`
	PromptVersion     int            `json:"prompt_version,omitempty"`
	PromptHash        string         `json:"prompt_hash,omitempty"`
	Model             string         `json:"model,omitempty"`
	ModelParams       map[string]any `json:"model_params,omitempty"`
	InputFiles        []string       `json:"input_files"`
	InputContentHash  string         `json:"input_content_hash"`
	OutputFiles       []string       `json:"output_files"`
	InputTokens       int64          `json:"input_tokens,omitempty"`
	OutputTokens      int64          `json:"output_tokens,omitempty"`
	CostUSD           float64        `json:"cost_usd"`
	DurationSeconds   float64        `json:"duration_seconds"`
	SegmentsProcessed int            `json:"segments_processed,omitempty"`
}

// Matches reports whether the recorded hashes equal the freshly computed
// ones. An empty promptHash argument skips the prompt comparison for stages
// without prompts.
func (r *Record) Matches(inputContentHash, promptHash string) bool {
	if r == nil {
		return false
	}
	if r.InputContentHash != inputContentHash {
		return false
	}
	if promptHash != "" && r.PromptHash != promptHash {
		return false
	}
	return true
}

// Write validates and atomically persists a record.
func Write(path string, rec Record) error {
	if rec.Stage == "" {
		return fmt.Errorf("provenance record missing stage")
	}
	if rec.EpisodeID == "" {
		return fmt.Errorf("provenance record missing episode_id")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	return fileutil.WriteJSONAtomic(path, rec)
}

// Read loads a record from disk. A missing file returns (nil, nil) so
// callers treat absence as "stage never ran".
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read provenance: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse provenance %s: %w", path, err)
	}
	return &rec, nil
}
