package store

import (
	"strings"
	"time"
)

// EpisodeStatus represents the lifecycle position of an episode.
type EpisodeStatus string

const (
	StatusNew             EpisodeStatus = "new"
	StatusDownloaded      EpisodeStatus = "downloaded"
	StatusTranscribed     EpisodeStatus = "transcribed"
	StatusCorrected       EpisodeStatus = "corrected"
	StatusTranslated      EpisodeStatus = "translated"
	StatusAdapted         EpisodeStatus = "adapted"
	StatusChapterized     EpisodeStatus = "chapterized"
	StatusImagesGenerated EpisodeStatus = "images_generated"
	StatusTTSDone         EpisodeStatus = "tts_done"
	StatusRendered        EpisodeStatus = "rendered"
	StatusApproved        EpisodeStatus = "approved"
	StatusPublished       EpisodeStatus = "published"

	// Orthogonal to the progression above.
	StatusFailed    EpisodeStatus = "failed"
	StatusCostLimit EpisodeStatus = "cost_limit"
)

var statusProgression = []EpisodeStatus{
	StatusNew,
	StatusDownloaded,
	StatusTranscribed,
	StatusCorrected,
	StatusTranslated,
	StatusAdapted,
	StatusChapterized,
	StatusImagesGenerated,
	StatusTTSDone,
	StatusRendered,
	StatusApproved,
	StatusPublished,
}

var statusRank = func() map[EpisodeStatus]int {
	ranks := make(map[EpisodeStatus]int, len(statusProgression))
	for i, status := range statusProgression {
		ranks[status] = i
	}
	return ranks
}()

// StatusProgression returns the ordered list of progression statuses,
// excluding the orthogonal failed and cost_limit states.
func StatusProgression() []EpisodeStatus {
	cp := make([]EpisodeStatus, len(statusProgression))
	copy(cp, statusProgression)
	return cp
}

// ActionableStatuses returns the statuses at which the pipeline can pick an
// episode up for work: everything before published, excluding failed and
// cost_limit.
func ActionableStatuses() []EpisodeStatus {
	return statusProgression[:len(statusProgression)-1]
}

// ParseEpisodeStatus converts a string into a known EpisodeStatus.
func ParseEpisodeStatus(value string) (EpisodeStatus, bool) {
	normalized := EpisodeStatus(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	if normalized == StatusFailed || normalized == StatusCostLimit {
		return normalized, true
	}
	if _, ok := statusRank[normalized]; ok {
		return normalized, true
	}
	return "", false
}

// Rank returns the status position in the progression total order. The
// orthogonal failed and cost_limit states have no rank.
func (s EpisodeStatus) Rank() (int, bool) {
	rank, ok := statusRank[s]
	return rank, ok
}

// Before reports whether s precedes other in the progression total order.
// Unranked statuses are never before anything.
func (s EpisodeStatus) Before(other EpisodeStatus) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a < b
}

// After reports whether s follows other in the progression total order.
func (s EpisodeStatus) After(other EpisodeStatus) bool {
	a, okA := statusRank[s]
	b, okB := statusRank[other]
	return okA && okB && a > b
}

// IsHalted reports whether the status is one of the orthogonal stop states.
func (s EpisodeStatus) IsHalted() bool {
	return s == StatusFailed || s == StatusCostLimit
}

// Episode is the unit of work moving through the pipeline.
//
// ResumeStatus holds the progression status the episode occupied before it
// was halted; it is set only while Status is failed or cost_limit.
type Episode struct {
	ID                 string
	Title              string
	SourceURL          string
	PipelineVersion    int
	Status             EpisodeStatus
	ResumeStatus       EpisodeStatus
	ErrorMessage       string
	ReviewStatus       string
	YouTubeVideoID     string
	PublishedAtYouTube *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RunStatus is the lifecycle of one stage attempt.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunSkipped RunStatus = "skipped"
)

// PipelineRun records one attempt of one stage against one episode.
type PipelineRun struct {
	ID               int64
	EpisodeID        string
	Stage            string
	Status           RunStatus
	StartedAt        time.Time
	FinishedAt       *time.Time
	InputTokens      int64
	OutputTokens     int64
	EstimatedCostUSD float64
	ErrorMessage     string
}

// ContentArtifact is a persisted, hash-addressed output of a stage.
type ContentArtifact struct {
	ID              int64
	EpisodeID       string
	ArtifactType    string
	FilePath        string
	PromptVersionID *int64
	InputTokens     int64
	OutputTokens    int64
	CostUSD         float64
	PromptHash      string
	CreatedAt       time.Time
}

// PromptVersion is an immutable snapshot of a named prompt template.
type PromptVersion struct {
	ID           int64
	Name         string
	Version      int
	ContentHash  string
	TemplatePath string
	Model        string
	ModelParams  string
	IsDefault    bool
	Notes        string
	CreatedAt    time.Time
}

// ReviewTaskStatus is the lifecycle of a review task.
type ReviewTaskStatus string

const (
	ReviewPending          ReviewTaskStatus = "pending"
	ReviewInReview         ReviewTaskStatus = "in_review"
	ReviewApproved         ReviewTaskStatus = "approved"
	ReviewRejected         ReviewTaskStatus = "rejected"
	ReviewChangesRequested ReviewTaskStatus = "changes_requested"
)

// Active reports whether the task still awaits a decision.
func (s ReviewTaskStatus) Active() bool {
	return s == ReviewPending || s == ReviewInReview
}

// Decided reports whether the task has reached a terminal decision.
func (s ReviewTaskStatus) Decided() bool {
	return s == ReviewApproved || s == ReviewRejected || s == ReviewChangesRequested
}

// ParseReviewTaskStatus converts a string into a known ReviewTaskStatus.
func ParseReviewTaskStatus(value string) (ReviewTaskStatus, bool) {
	normalized := ReviewTaskStatus(strings.ToLower(strings.TrimSpace(value)))
	switch normalized {
	case ReviewPending, ReviewInReview, ReviewApproved, ReviewRejected, ReviewChangesRequested:
		return normalized, true
	}
	return "", false
}

// ReviewTask is a request for a human decision at a review gate.
type ReviewTask struct {
	ID              int64
	EpisodeID       string
	Stage           string
	Status          ReviewTaskStatus
	ArtifactPaths   []string
	DiffPath        string
	ArtifactHash    string
	ReviewerNotes   string
	PromptVersionID *int64
	CreatedAt       time.Time
	ReviewedAt      *time.Time
}

// ReviewDecision is the append-only record of one action on a task.
type ReviewDecision struct {
	ID           int64
	ReviewTaskID int64
	Decision     ReviewTaskStatus
	Notes        string
	DecidedAt    time.Time
}

// AssetType categorizes produced media files.
type AssetType string

const (
	AssetImage AssetType = "image"
	AssetAudio AssetType = "audio"
	AssetVideo AssetType = "video"
)

// MediaAsset is a produced media file with duration and size metadata.
type MediaAsset struct {
	ID              int64
	EpisodeID       string
	ChapterID       string
	AssetType       AssetType
	FilePath        string
	MimeType        string
	SizeBytes       int64
	DurationSeconds *float64
	Metadata        map[string]string
	PromptVersionID *int64
	CreatedAt       time.Time
}

// HealthSummary describes aggregated episode counts per key lifecycle states.
type HealthSummary struct {
	Total      int
	Actionable int
	Published  int
	Failed     int
	CostLimit  int
}
