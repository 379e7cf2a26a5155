package pipeline_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"redub/internal/cascade"
	"redub/internal/pipeline"
	"redub/internal/review"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
	"redub/internal/testsupport"
)

func TestRunFreshEpisodeParksAtCorrectionReview(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-fresh", store.StatusNew)

	report := h.run(t, ep)

	want := []struct {
		name   string
		status stage.ResultStatus
	}{
		{stage.NameDownload, stage.ResultSuccess},
		{stage.NameTranscribe, stage.ResultSuccess},
		{stage.NameCorrect, stage.ResultSuccess},
		{review.GateCorrection, stage.ResultReviewPending},
	}
	if len(report.Stages) != len(want) {
		t.Fatalf("report stages = %v, want %d entries", stageNames(report), len(want))
	}
	for i, w := range want {
		got := report.Stages[i]
		if got.Stage != w.name || got.Status != w.status {
			t.Errorf("entry %d = %s %s, want %s %s", i, got.Stage, got.Status, w.name, w.status)
		}
	}
	if !report.Success {
		t.Error("a walk parked on review should count as a success")
	}
	if report.StoppedOn != pipeline.StopReviewPending {
		t.Errorf("StoppedOn = %s, want %s", report.StoppedOn, pipeline.StopReviewPending)
	}
	if report.Status != store.StatusCorrected {
		t.Errorf("Status = %s, want %s", report.Status, store.StatusCorrected)
	}
	if report.CostUSD != 0 {
		t.Errorf("CostUSD = %v, want 0 from canned drivers", report.CostUSD)
	}

	ctx := context.Background()
	tasks, err := h.store.ReviewTasksForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("ReviewTasksForEpisode: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("review tasks = %d, want exactly one", len(tasks))
	}
	task := tasks[0]
	if task.Stage != stage.NameCorrect || task.Status != store.ReviewPending {
		t.Errorf("task = %s %s, want %s %s", task.Stage, task.Status, stage.NameCorrect, store.ReviewPending)
	}
	if len(task.ArtifactPaths) == 0 || task.ArtifactPaths[0] != h.paths(ep).CorrectedTranscript() {
		t.Errorf("task artifacts = %v, want the corrected transcript first", task.ArtifactPaths)
	}
}

func TestApprovedCorrectionResumesToAdaptationReview(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-resume", store.StatusNew)

	h.run(t, ep)
	h.approve(t, ep, stage.NameCorrect)

	report := h.run(t, ep)

	want := []struct {
		name   string
		status stage.ResultStatus
	}{
		{stage.NameDownload, stage.ResultSkipped},
		{stage.NameTranscribe, stage.ResultSkipped},
		{stage.NameCorrect, stage.ResultSkipped},
		{review.GateCorrection, stage.ResultSuccess},
		{stage.NameTranslate, stage.ResultSuccess},
		{stage.NameAdapt, stage.ResultSuccess},
		{review.GateAdaptation, stage.ResultReviewPending},
	}
	if len(report.Stages) != len(want) {
		t.Fatalf("report stages = %v, want %d entries", stageNames(report), len(want))
	}
	for i, w := range want {
		got := report.Stages[i]
		if got.Stage != w.name || got.Status != w.status {
			t.Errorf("entry %d = %s %s, want %s %s", i, got.Stage, got.Status, w.name, w.status)
		}
	}
	if report.Status != store.StatusAdapted {
		t.Errorf("Status = %s, want %s", report.Status, store.StatusAdapted)
	}

	// The approved gate must pass without opening a second correction task.
	tasks, err := h.store.ReviewTasksForEpisode(context.Background(), ep.ID)
	if err != nil {
		t.Fatalf("ReviewTasksForEpisode: %v", err)
	}
	var correction int
	for _, task := range tasks {
		if task.Stage == stage.NameCorrect {
			correction++
		}
	}
	if correction != 1 {
		t.Errorf("correction tasks = %d, want 1", correction)
	}
}

func TestRunStageSkipsCurrentStage(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-skip", store.StatusNew)
	h.advanceTo(t, ep, store.StatusAdapted)

	ctx := context.Background()
	runsBefore, err := h.store.RunsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("RunsForEpisode: %v", err)
	}
	costBefore, err := h.store.SuccessfulCost(ctx, ep.ID)
	if err != nil {
		t.Fatalf("SuccessfulCost: %v", err)
	}

	res, err := h.exec.RunStage(ctx, ep.ID, stage.NameAdapt, false)
	if err != nil {
		t.Fatalf("RunStage adapt: %v", err)
	}
	if res.Status != stage.ResultSkipped {
		t.Fatalf("result = %s (%s), want %s", res.Status, res.Detail, stage.ResultSkipped)
	}

	h.reload(t, ep)
	if ep.Status != store.StatusAdapted {
		t.Errorf("status = %s, want it untouched at %s", ep.Status, store.StatusAdapted)
	}
	costAfter, err := h.store.SuccessfulCost(ctx, ep.ID)
	if err != nil {
		t.Fatalf("SuccessfulCost: %v", err)
	}
	if costAfter != costBefore {
		t.Errorf("successful cost moved from %v to %v on a skip", costBefore, costAfter)
	}
	runsAfter, err := h.store.RunsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("RunsForEpisode: %v", err)
	}
	if len(runsAfter) != len(runsBefore)+1 {
		t.Fatalf("runs = %d, want %d", len(runsAfter), len(runsBefore)+1)
	}
	var skipped int
	for _, run := range runsAfter {
		if run.Stage == stage.NameAdapt && run.Status == store.RunSkipped {
			skipped++
		}
	}
	if skipped != 1 {
		t.Errorf("skipped adapt runs = %d, want the one recorded here", skipped)
	}
}

func TestForcedChapterizeInvalidatesDownstream(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-force", store.StatusNew)
	h.advanceTo(t, ep, store.StatusRendered)
	paths := h.paths(ep)

	ctx := context.Background()
	if err := h.store.SetEpisodeStatus(ctx, ep.ID, store.StatusChapterized); err != nil {
		t.Fatalf("SetEpisodeStatus: %v", err)
	}

	res, err := h.exec.RunStage(ctx, ep.ID, stage.NameChapterize, true)
	if err != nil {
		t.Fatalf("RunStage chapterize: %v", err)
	}
	if res.Status != stage.ResultSuccess {
		t.Fatalf("forced chapterize = %s (%s), want %s", res.Status, res.Detail, stage.ResultSuccess)
	}
	if !cascade.IsStale(paths.ImageManifest()) {
		t.Error("image manifest carries no stale marker after forced chapterize")
	}
	if !cascade.IsStale(paths.TTSManifest()) {
		t.Error("narration manifest carries no stale marker after forced chapterize")
	}
	// Invalidation reaches one hop: the draft goes stale only once a media
	// stage actually re-runs.
	if cascade.IsStale(paths.DraftVideo()) {
		t.Error("draft video already stale before any media stage re-ran")
	}

	res, err = h.exec.RunStage(ctx, ep.ID, stage.NameImageGen, false)
	if err != nil {
		t.Fatalf("RunStage imagegen: %v", err)
	}
	if res.Status != stage.ResultSuccess {
		t.Fatalf("imagegen = %s (%s), want %s", res.Status, res.Detail, stage.ResultSuccess)
	}
	if !strings.Contains(res.Detail, "generated 0 images") {
		t.Errorf("imagegen detail = %q, want unchanged chapters reused", res.Detail)
	}
	if cascade.IsStale(paths.ImageManifest()) {
		t.Error("image manifest still stale after imagegen re-ran")
	}
	if !cascade.IsStale(paths.TTSManifest()) {
		t.Error("narration manifest lost its stale marker without tts re-running")
	}
	if !cascade.IsStale(paths.DraftVideo()) {
		t.Error("draft video carries no stale marker after imagegen re-ran")
	}

	h.reload(t, ep)
	if ep.Status != store.StatusImagesGenerated {
		t.Errorf("status = %s, want %s", ep.Status, store.StatusImagesGenerated)
	}
}

func TestPunctuationOnlyCorrectionAutoApproves(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-auto", store.StatusCorrected)
	paths := h.paths(ep)

	testsupport.WriteText(t, paths.CorrectedTranscript(),
		"Welcome to the episode. Today we walk the line, start to finish.\n")
	diff := &review.Diff{
		SchemaVersion:   review.DiffSchemaVersion,
		EpisodeID:       ep.ID,
		Stage:           stage.NameCorrect,
		ChangeCount:     2,
		PunctuationOnly: true,
		Hunks: []review.DiffHunk{
			{Op: "equal", Text: "Welcome to the episode. Today we walk the", Words: 8},
			{Op: "replace", Before: "line", After: "line,"},
			{Op: "equal", Text: "start to", Words: 2},
			{Op: "replace", Before: "finish", After: "finish."},
		},
	}
	if err := diff.Write(paths.CorrectionDiff()); err != nil {
		t.Fatalf("write diff: %v", err)
	}

	report := h.run(t, ep)

	gate := stageEntry(t, report, review.GateCorrection)
	if gate.Status != stage.ResultReviewPending {
		t.Fatalf("gate = %s, want %s", gate.Status, stage.ResultReviewPending)
	}
	if !strings.Contains(gate.Detail, "auto-approved") {
		t.Errorf("gate detail = %q, want the auto-approval reason", gate.Detail)
	}
	if report.Status != store.StatusCorrected {
		t.Errorf("Status = %s, want the episode parked at %s", report.Status, store.StatusCorrected)
	}

	ctx := context.Background()
	task, err := h.store.LatestReviewTask(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		t.Fatalf("LatestReviewTask: %v", err)
	}
	if task == nil {
		t.Fatal("no correction task recorded")
	}
	if task.Status != store.ReviewApproved {
		t.Fatalf("task = %s, want %s in the same transaction", task.Status, store.ReviewApproved)
	}

	// The next invocation rides the stored approval through the gate.
	report = h.run(t, ep)
	if got := stageEntry(t, report, review.GateCorrection).Status; got != stage.ResultSuccess {
		t.Errorf("gate on re-run = %s, want %s", got, stage.ResultSuccess)
	}
	if report.Status != store.StatusAdapted {
		t.Errorf("Status = %s, want %s", report.Status, store.StatusAdapted)
	}
	tasks, err := h.store.ReviewTasksForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("ReviewTasksForEpisode: %v", err)
	}
	var correction int
	for _, task := range tasks {
		if task.Stage == stage.NameCorrect {
			correction++
		}
	}
	if correction != 1 {
		t.Errorf("correction tasks = %d, want the single auto-approved one", correction)
	}
}

func TestRejectedDraftReturnsEpisodeToRender(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-reject", store.StatusNew)
	h.advanceTo(t, ep, store.StatusRendered)

	ctx := context.Background()
	task, err := h.store.ActiveReviewTask(ctx, ep.ID, stage.NameRender)
	if err != nil {
		t.Fatalf("ActiveReviewTask: %v", err)
	}
	if task == nil {
		t.Fatal("no open final review task")
	}

	rejected, err := h.reviews.Reject(ctx, task.ID, "audio sync drifts in ch03")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if rejected.Status != store.ReviewRejected {
		t.Errorf("task = %s, want %s", rejected.Status, store.ReviewRejected)
	}
	if rejected.ReviewerNotes != "audio sync drifts in ch03" {
		t.Errorf("notes = %q, want them stored verbatim", rejected.ReviewerNotes)
	}
	h.reload(t, ep)
	if ep.Status != store.StatusTTSDone {
		t.Fatalf("status = %s, want the reject to revert to %s", ep.Status, store.StatusTTSDone)
	}

	report := h.run(t, ep)

	// Nothing upstream changed, so render passes as current and the final
	// gate opens a fresh task for the next look.
	if got := stageEntry(t, report, stage.NameRender).Status; got != stage.ResultSkipped {
		t.Errorf("render = %s, want %s", got, stage.ResultSkipped)
	}
	gate := stageEntry(t, report, review.GateFinal)
	if gate.Status != stage.ResultReviewPending {
		t.Errorf("final gate = %s, want %s", gate.Status, stage.ResultReviewPending)
	}
	if report.Status != store.StatusRendered {
		t.Errorf("Status = %s, want %s", report.Status, store.StatusRendered)
	}

	fresh, err := h.store.ActiveReviewTask(ctx, ep.ID, stage.NameRender)
	if err != nil {
		t.Fatalf("ActiveReviewTask: %v", err)
	}
	if fresh == nil {
		t.Fatal("no fresh final review task after the re-run")
	}
	if fresh.ID == task.ID {
		t.Error("rejected task was reopened instead of a fresh one")
	}

	// Rejecting the draft without notes leaves the reviewer nothing to fix.
	if _, err := h.reviews.Reject(ctx, fresh.ID, ""); !errors.Is(err, services.ErrValidation) {
		t.Errorf("Reject without notes = %v, want a validation error", err)
	}
}

func TestWalkStopsAtCostCap(t *testing.T) {
	h := newHarness(t, testsupport.WithCostCap(1.0))
	ep := h.seedEpisode(t, "ep-cap", store.StatusNew)

	// A prior run already spent past the cap.
	ctx := context.Background()
	run, err := h.store.StartRun(ctx, ep.ID, stage.NameDownload)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	err = h.store.RecordStageSuccess(ctx, store.StageSuccess{
		RunID:            run.ID,
		EpisodeID:        ep.ID,
		EstimatedCostUSD: 5,
		NewStatus:        store.StatusNew,
	})
	if err != nil {
		t.Fatalf("RecordStageSuccess: %v", err)
	}

	report, err := h.exec.Run(ctx, ep.ID)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Stages) != 1 {
		t.Fatalf("report stages = %v, want the refused download only", stageNames(report))
	}
	if got := report.Stages[0]; got.Stage != stage.NameDownload || got.Status != stage.ResultFailed {
		t.Errorf("entry = %s %s, want %s %s", got.Stage, got.Status, stage.NameDownload, stage.ResultFailed)
	}
	if report.StoppedOn != pipeline.StopCostLimit {
		t.Errorf("StoppedOn = %s, want %s", report.StoppedOn, pipeline.StopCostLimit)
	}
	if report.Success {
		t.Error("a budget stop should not count as success")
	}
	if report.Status != store.StatusCostLimit {
		t.Errorf("Status = %s, want %s", report.Status, store.StatusCostLimit)
	}
	if report.CostUSD != 5 {
		t.Errorf("CostUSD = %v, want the recorded 5", report.CostUSD)
	}

	h.reload(t, ep)
	if ep.Status != store.StatusCostLimit {
		t.Errorf("stored status = %s, want %s", ep.Status, store.StatusCostLimit)
	}
	if ep.ResumeStatus != store.StatusNew {
		t.Errorf("resume status = %s, want %s", ep.ResumeStatus, store.StatusNew)
	}
}

func TestRunRefusesHaltedEpisode(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-halted", store.StatusTranscribed)

	ctx := context.Background()
	if err := h.store.HaltEpisode(ctx, ep.ID, store.StatusFailed, "boom"); err != nil {
		t.Fatalf("HaltEpisode: %v", err)
	}

	_, err := h.exec.Run(ctx, ep.ID)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("Run = %v, want a validation error", err)
	}
	if !strings.Contains(err.Error(), "retry") {
		t.Errorf("error = %q, want it to point at retry", err)
	}
}

func TestRunStageRejectsUnknownStage(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-unknown", store.StatusNew)

	_, err := h.exec.RunStage(context.Background(), ep.ID, "remaster", false)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("RunStage remaster = %v, want a validation error", err)
	}
}

func TestRunStageRequiresPublishEnabled(t *testing.T) {
	h := newHarness(t)
	ep := h.seedEpisode(t, "ep-nopublish", store.StatusApproved)

	_, err := h.exec.RunStage(context.Background(), ep.ID, stage.NamePublish, false)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("RunStage publish = %v, want a configuration error", err)
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Errorf("error = %q, want it to name the disabled publishing", err)
	}

	h.reload(t, ep)
	if ep.Status != store.StatusApproved {
		t.Errorf("status = %s, a refused dispatch must leave no mark", ep.Status)
	}
}

func TestRunUnknownEpisode(t *testing.T) {
	h := newHarness(t)

	_, err := h.exec.Run(context.Background(), "ep-missing")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("Run = %v, want a not-found error", err)
	}
}

func TestLegacyWalkNeedsNoReviews(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ep, err := h.store.CreateEpisode(ctx, &store.Episode{
		ID:              "ep-legacy",
		Title:           "Legacy Episode",
		SourceURL:       "https://example.com/episodes/ep-legacy",
		PipelineVersion: 1,
	})
	if err != nil {
		t.Fatalf("CreateEpisode: %v", err)
	}

	report := h.run(t, ep)

	if !report.Success || report.StoppedOn != pipeline.StopTerminal {
		t.Fatalf("report = %s success=%v, want a terminal success", report.StoppedOn, report.Success)
	}
	if report.Status != store.StatusRendered {
		t.Errorf("Status = %s, want %s with publishing disabled", report.Status, store.StatusRendered)
	}
	if len(report.Stages) != 6 {
		t.Fatalf("report stages = %v, want six", stageNames(report))
	}
	for _, res := range report.Stages {
		if res.Status != stage.ResultSuccess {
			t.Errorf("%s = %s, want %s", res.Stage, res.Status, stage.ResultSuccess)
		}
	}

	tasks, err := h.store.ReviewTasksForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("ReviewTasksForEpisode: %v", err)
	}
	if len(tasks) != 0 {
		t.Errorf("legacy walk opened %d review tasks, want none", len(tasks))
	}
}
