package review

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"redub/internal/fileutil"
	"redub/internal/logging"
)

// Actors recorded on history entries.
const (
	ActorReviewer = "reviewer"
	ActorAuto     = "auto"
)

// HistoryEntry is one decision in the episode's reviewer log.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	TaskID    int64     `json:"task_id"`
	Stage     string    `json:"stage"`
	Decision  string    `json:"decision"`
	Actor     string    `json:"actor"`
	Notes     string    `json:"notes,omitempty"`
}

// AppendHistory adds an entry to the file-backed reviewer log. The store's
// decision table stays the source of truth; the file gives reviewers a
// readable trail beside the artifacts they reviewed.
func AppendHistory(path string, entry HistoryEntry) error {
	entries, err := LoadHistory(path)
	if err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entries = append(entries, entry)
	if err := fileutil.WriteJSONAtomic(path, entries); err != nil {
		return fmt.Errorf("write review history: %w", err)
	}
	return nil
}

// LoadHistory reads the reviewer log. A missing file is an empty log.
func LoadHistory(path string) ([]HistoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read review history: %w", err)
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse review history %s: %w", path, err)
	}
	return entries, nil
}

// appendHistory writes the log entry for a decision. The decision is already
// durable in the store at this point, so a log write failure is reported but
// does not undo it.
func (c *Coordinator) appendHistory(episodeID string, entry HistoryEntry) {
	path := c.layout.Episode(episodeID).ReviewHistory()
	if err := AppendHistory(path, entry); err != nil {
		c.logger.Warn("review history write failed",
			logging.String(logging.FieldEventType, "review_history_error"),
			logging.String(logging.FieldEpisodeID, episodeID),
			logging.Error(err),
		)
	}
}
