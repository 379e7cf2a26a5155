package review

import (
	"context"
	"fmt"
	"log/slog"

	"redub/internal/config"
	"redub/internal/hashing"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
)

// Gate names as they appear in executor reports. The number is the gate's
// position in the pipeline, not a priority.
const (
	GateCorrection = "review_gate_1"
	GateAdaptation = "review_gate_2"
	GateFinal      = "review_gate_3"
)

// Gate is one review checkpoint: it sits at an episode status, reviews the
// artifact of a producing stage, and (for the final gate) owns the status
// transition a success performs.
type Gate struct {
	Name    string
	Stage   string
	At      store.EpisodeStatus
	Advance store.EpisodeStatus
}

var gates = []Gate{
	{Name: GateCorrection, Stage: stage.NameCorrect, At: store.StatusCorrected},
	{Name: GateAdaptation, Stage: stage.NameAdapt, At: store.StatusAdapted},
	{Name: GateFinal, Stage: stage.NameRender, At: store.StatusRendered, Advance: store.StatusApproved},
}

// Gates returns the review checkpoints in pipeline order.
func Gates() []Gate {
	cp := make([]Gate, len(gates))
	copy(cp, gates)
	return cp
}

// GateAt returns the checkpoint sitting at an episode status, or nil when the
// status carries no gate.
func GateAt(status store.EpisodeStatus) *Gate {
	for _, g := range gates {
		if g.At == status {
			gate := g
			return &gate
		}
	}
	return nil
}

// GateForStage returns the checkpoint reviewing a producing stage, or nil.
func GateForStage(stageName string) *Gate {
	for _, g := range gates {
		if g.Stage == stageName {
			gate := g
			return &gate
		}
	}
	return nil
}

// revertStatus is where a reject or changes-requested decision sends the
// episode: the status from which the producing stage re-runs.
var revertStatus = map[string]store.EpisodeStatus{
	stage.NameCorrect: store.StatusTranscribed,
	stage.NameAdapt:   store.StatusTranslated,
	stage.NameRender:  store.StatusTTSDone,
}

// GateResult is the outcome of evaluating one checkpoint. Status is success
// when the executor may proceed past the gate, review_pending when the
// episode waits on a decision. Task carries the open or just-created task on
// the pending path.
type GateResult struct {
	Gate   string
	Stage  string
	Status stage.ResultStatus
	Detail string
	Task   *store.ReviewTask
}

// Coordinator implements the review protocol: gate evaluation against the
// task store, reviewer decisions with their status reverts, correction
// auto-approval, and the file-backed decision log.
type Coordinator struct {
	store  *store.Store
	layout layout.Layout
	cfg    *config.Config
	logger *slog.Logger
}

// NewCoordinator wires the coordinator.
func NewCoordinator(st *store.Store, lay layout.Layout, cfg *config.Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Coordinator{store: st, layout: lay, cfg: cfg, logger: logger}
}

// EvaluateGate applies the checkpoint protocol: an approved newest task lets
// the episode pass (the final gate also advances it to approved), an active
// task keeps it parked, and otherwise a new task is opened. A freshly opened
// correction task may be auto-approved by policy; the episode still parks
// until the next invocation picks the approval up.
func (c *Coordinator) EvaluateGate(ctx context.Context, ep *store.Episode, g Gate) (*GateResult, error) {
	if ep == nil {
		return nil, services.Wrap(services.ErrValidation, g.Name, "evaluate gate", "episode is nil", nil)
	}

	result := &GateResult{Gate: g.Name, Stage: g.Stage}
	logger := c.logger.With(
		logging.String(logging.FieldEpisodeID, ep.ID),
		logging.String(logging.FieldStage, g.Name),
	)

	latest, err := c.store.LatestReviewTask(ctx, ep.ID, g.Stage)
	if err != nil {
		return nil, fmt.Errorf("load review state: %w", err)
	}

	switch {
	case latest != nil && latest.Status == store.ReviewApproved:
		if g.Advance != "" && ep.Status == g.At {
			if err := c.store.SetEpisodeStatus(ctx, ep.ID, g.Advance); err != nil {
				return nil, fmt.Errorf("advance past gate: %w", err)
			}
			ep.Status = g.Advance
		}
		result.Status = stage.ResultSuccess
		result.Detail = fmt.Sprintf("%s review approved", g.Stage)
		return result, nil

	case latest != nil && latest.Status.Active():
		result.Status = stage.ResultReviewPending
		result.Detail = fmt.Sprintf("awaiting %s review (task %d)", g.Stage, latest.ID)
		result.Task = latest
		return result, nil
	}

	seed, err := c.taskSeed(ctx, ep, g)
	if err != nil {
		return nil, err
	}

	if g.Stage == stage.NameCorrect {
		verdict, err := c.correctionAutoApproval(ep)
		if err != nil {
			return nil, err
		}
		if verdict.Eligible {
			task, err := c.store.CreateAutoApprovedTask(ctx, seed, verdict.Reason)
			if err != nil {
				return nil, fmt.Errorf("record auto-approval: %w", err)
			}
			c.appendHistory(ep.ID, HistoryEntry{
				TaskID:   task.ID,
				Stage:    task.Stage,
				Decision: string(store.ReviewApproved),
				Actor:    ActorAuto,
				Notes:    verdict.Reason,
			})
			logger.Info("review auto-approved",
				logging.String(logging.FieldEventType, "review_auto_approved"),
				logging.Int64("task_id", task.ID),
				logging.Int("changes", verdict.Changes),
			)
			result.Status = stage.ResultReviewPending
			result.Detail = verdict.Reason
			result.Task = task
			return result, nil
		}
	}

	task, err := c.store.CreateReviewTask(ctx, seed)
	if err != nil {
		return nil, fmt.Errorf("open review task: %w", err)
	}
	logger.Info("review task opened",
		logging.String(logging.FieldEventType, "review_task_opened"),
		logging.Int64("task_id", task.ID),
	)
	result.Status = stage.ResultReviewPending
	result.Detail = fmt.Sprintf("%s review pending (task %d)", g.Stage, task.ID)
	result.Task = task
	return result, nil
}

// taskSeed assembles the task row for a gate: the reviewable artifacts, the
// diff document when the producing stage writes one, the hash of the primary
// artifact, and the prompt version that produced it.
func (c *Coordinator) taskSeed(ctx context.Context, ep *store.Episode, g Gate) (*store.ReviewTask, error) {
	paths := c.layout.Episode(ep.ID)
	task := &store.ReviewTask{EpisodeID: ep.ID, Stage: g.Stage}

	var artifactType string
	switch g.Stage {
	case stage.NameCorrect:
		task.ArtifactPaths = []string{paths.CorrectedTranscript()}
		task.DiffPath = paths.CorrectionDiff()
		artifactType = "correction"
	case stage.NameAdapt:
		task.ArtifactPaths = []string{paths.AdaptedScript()}
		task.DiffPath = paths.AdaptationDiff()
		artifactType = "adaptation"
	case stage.NameRender:
		task.ArtifactPaths = []string{paths.DraftVideo(), paths.ChaptersDoc()}
		artifactType = "draft_video"
	default:
		return nil, services.Wrap(services.ErrConfiguration, g.Name, "open review",
			fmt.Sprintf("no gate reviews stage %q", g.Stage), nil)
	}

	hash, err := hashing.File(task.ArtifactPaths[0])
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, g.Name, "open review",
			fmt.Sprintf("artifact %s is not readable, run %s first", task.ArtifactPaths[0], g.Stage), err)
	}
	task.ArtifactHash = hash

	artifact, err := c.store.LatestArtifact(ctx, ep.ID, artifactType)
	if err != nil {
		return nil, fmt.Errorf("load producing artifact: %w", err)
	}
	if artifact != nil {
		task.PromptVersionID = artifact.PromptVersionID
	}
	return task, nil
}

// correctionAutoApproval loads the correction diff and applies the policy.
func (c *Coordinator) correctionAutoApproval(ep *store.Episode) (AutoApproval, error) {
	diff, err := LoadDiff(c.layout.Episode(ep.ID).CorrectionDiff())
	if err != nil {
		return AutoApproval{}, fmt.Errorf("load correction diff: %w", err)
	}
	return EvaluateAutoApproval(c.cfg.Review, diff), nil
}
