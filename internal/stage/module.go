package stage

import (
	"context"
	"log/slog"
	"time"

	"redub/internal/prompts"
	"redub/internal/store"
)

// Stage names as recorded on pipeline runs, artifacts, and provenance files.
const (
	NameDownload   = "download"
	NameTranscribe = "transcribe"
	NameCorrect    = "correct"
	NameTranslate  = "translate"
	NameAdapt      = "adapt"
	NameChapterize = "chapterize"
	NameImageGen   = "imagegen"
	NameTTS        = "tts"
	NameRender     = "render"
	NamePublish    = "publish"
)

// Descriptor states the pipeline facts of a module: its recorded name, the
// episode status it consumes, and the status a successful run produces.
// Gate, when set, names the producing stage whose newest review task must be
// approved before the module may run.
type Descriptor struct {
	Name     string
	Requires store.EpisodeStatus
	Produces store.EpisodeStatus
	Gate     string
}

// Plan is a module's pre-flight assessment: the input set and its content
// hash (including injected review feedback), the resolved prompt, the files
// the module will write, and a conservative budget for the cost guard.
type Plan struct {
	InputFiles       []string
	InputHash        string
	Prompt           *prompts.Resolved
	OutputFiles      []string
	ProjectedCostUSD float64
}

// PromptHash returns the active prompt's content hash, empty for stages
// without prompts.
func (p *Plan) PromptHash() string {
	if p == nil || p.Prompt == nil {
		return ""
	}
	return p.Prompt.Hash
}

// Execution carries the open run and plan into a module's work phase. The
// usage counters accumulate as driver calls return so spend stays visible on
// the run row even when the stage fails halfway.
type Execution struct {
	Episode *store.Episode
	Run     *store.PipelineRun
	Plan    *Plan
	Logger  *slog.Logger
	Force   bool

	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// AddUsage accumulates token and cost counters from one driver call.
func (e *Execution) AddUsage(inputTokens, outputTokens int64, costUSD float64) {
	e.InputTokens += inputTokens
	e.OutputTokens += outputTokens
	e.CostUSD += costUSD
}

// Outcome is what a module's work phase hands back for the commit. When
// OutputFiles is empty the planned outputs are taken as written.
type Outcome struct {
	Detail            string
	ArtifactType      string
	ArtifactPath      string
	Assets            []store.MediaAsset
	OutputFiles       []string
	SegmentsProcessed int
}

// Module is the contract every artifact-producing pipeline stage implements.
// Plan must be side-effect free; Execute does the work and writes outputs
// atomically.
type Module interface {
	Descriptor() Descriptor
	Plan(ctx context.Context, ep *store.Episode) (*Plan, error)
	Execute(ctx context.Context, exec *Execution) (*Outcome, error)
	HealthCheck(ctx context.Context) Health
}

// ResultStatus labels one stage attempt in an executor report.
type ResultStatus string

const (
	ResultSuccess       ResultStatus = "success"
	ResultSkipped       ResultStatus = "skipped"
	ResultReviewPending ResultStatus = "review_pending"
	ResultFailed        ResultStatus = "failed"
)

// Result describes one stage attempt for the executor report.
type Result struct {
	Stage   string
	Status  ResultStatus
	Detail  string
	Elapsed time.Duration
	CostUSD float64
}
