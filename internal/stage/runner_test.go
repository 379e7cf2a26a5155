package stage_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"redub/internal/cascade"
	"redub/internal/costs"
	"redub/internal/hashing"
	"redub/internal/layout"
	"redub/internal/logging"
	"redub/internal/prompts"
	"redub/internal/provenance"
	"redub/internal/services"
	"redub/internal/stage"
	"redub/internal/store"
	"redub/internal/testsupport"
)

type fakeModule struct {
	desc     stage.Descriptor
	plan     *stage.Plan
	planErr  error
	execErr  error
	outcome  *stage.Outcome
	tokens   [2]int64
	cost     float64
	executed int
	work     func(exec *stage.Execution) error
}

func (m *fakeModule) Descriptor() stage.Descriptor { return m.desc }

func (m *fakeModule) Plan(ctx context.Context, ep *store.Episode) (*stage.Plan, error) {
	if m.planErr != nil {
		return nil, m.planErr
	}
	return m.plan, nil
}

func (m *fakeModule) Execute(ctx context.Context, exec *stage.Execution) (*stage.Outcome, error) {
	m.executed++
	exec.AddUsage(m.tokens[0], m.tokens[1], m.cost)
	if m.work != nil {
		if err := m.work(exec); err != nil {
			return nil, err
		}
	}
	if m.execErr != nil {
		return nil, m.execErr
	}
	return m.outcome, nil
}

func (m *fakeModule) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy(m.desc.Name)
}

func newRunner(t *testing.T) (*stage.Runner, *store.Store, layout.Layout) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	lay := layout.New(cfg)
	runner := stage.NewRunner(st, lay, costs.NewGuard(cfg.Pipeline.MaxEpisodeCostUSD), logging.NewNop())
	return runner, st, lay
}

func mustCreateEpisode(t *testing.T, st *store.Store, id string, status store.EpisodeStatus) *store.Episode {
	t.Helper()
	ep, err := st.CreateEpisode(context.Background(), &store.Episode{
		ID:              id,
		Title:           "Folge " + id,
		SourceURL:       "https://example.com/watch?v=" + id,
		PipelineVersion: 2,
		Status:          status,
	})
	if err != nil {
		t.Fatalf("CreateEpisode failed: %v", err)
	}
	return ep
}

// correctionModule builds a prompt-bearing module resembling the correction
// stage: one transcript in, one transcript out.
func correctionModule(t *testing.T, st *store.Store, lay layout.Layout, episodeID string) *fakeModule {
	t.Helper()
	paths := lay.Episode(episodeID)
	input := paths.CleanTranscript()
	testsupport.WriteText(t, input, "guten tag und herzlich willkommen\n")
	output := paths.CorrectedTranscript()

	pv, _, err := st.RegisterPromptVersion(context.Background(), &store.PromptVersion{
		Name:        "correction",
		ContentHash: hashing.Text("Correct the transcript."),
		Model:       "google/gemini-3-flash-preview",
	})
	if err != nil {
		t.Fatalf("RegisterPromptVersion failed: %v", err)
	}

	mod := &fakeModule{
		desc: stage.Descriptor{
			Name:     stage.NameCorrect,
			Requires: store.StatusTranscribed,
			Produces: store.StatusCorrected,
		},
		plan: &stage.Plan{
			InputFiles:       []string{input},
			InputHash:        hashing.Text("correct-inputs-v1"),
			Prompt:           &prompts.Resolved{Version: pv, Body: "Correct the transcript.", Hash: pv.ContentHash},
			OutputFiles:      []string{output},
			ProjectedCostUSD: 0.10,
		},
		outcome: &stage.Outcome{
			Detail:       "transcript corrected",
			ArtifactType: "correction",
			ArtifactPath: output,
		},
		tokens: [2]int64{1200, 900},
		cost:   0.05,
	}
	mod.work = func(exec *stage.Execution) error {
		testsupport.WriteText(t, output, "Guten Tag und herzlich willkommen.\n")
		return nil
	}
	return mod
}

func TestRunnerCommitsSuccessfulStage(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-1", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)

	result, err := runner.Run(ctx, ep, mod, false)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if result.Status != stage.ResultSuccess || result.CostUSD != 0.05 {
		t.Fatalf("unexpected result: %#v", result)
	}

	reloaded, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if reloaded.Status != store.StatusCorrected {
		t.Fatalf("expected corrected, got %s", reloaded.Status)
	}

	run, err := st.LatestRun(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.Status != store.RunSuccess || run.EstimatedCostUSD != 0.05 {
		t.Fatalf("unexpected run: %#v", run)
	}
	if run.InputTokens != 1200 || run.OutputTokens != 900 {
		t.Fatalf("unexpected run tokens: %#v", run)
	}

	artifact, err := st.LatestArtifact(ctx, ep.ID, "correction")
	if err != nil {
		t.Fatalf("LatestArtifact failed: %v", err)
	}
	if artifact == nil {
		t.Fatal("expected an artifact row")
	}
	if filepath.IsAbs(artifact.FilePath) {
		t.Fatalf("artifact path must be relative to the data root: %q", artifact.FilePath)
	}
	wantRel, err := filepath.Rel(lay.Root(), lay.Episode(ep.ID).CorrectedTranscript())
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	if artifact.FilePath != wantRel {
		t.Fatalf("artifact path = %q, want %q", artifact.FilePath, wantRel)
	}
	if artifact.PromptVersionID == nil || artifact.PromptHash != mod.plan.Prompt.Hash {
		t.Fatalf("artifact missing prompt linkage: %#v", artifact)
	}

	rec, err := provenance.Read(lay.Episode(ep.ID).StageProvenance(stage.NameCorrect))
	if err != nil {
		t.Fatalf("read provenance: %v", err)
	}
	if rec == nil || !rec.Matches(mod.plan.InputHash, mod.plan.Prompt.Hash) {
		t.Fatalf("provenance does not match plan: %#v", rec)
	}
	if rec.PromptName != "correction" || rec.CostUSD != 0.05 {
		t.Fatalf("unexpected provenance: %#v", rec)
	}
	for _, path := range append(rec.InputFiles, rec.OutputFiles...) {
		if filepath.IsAbs(path) {
			t.Fatalf("provenance path must be relative: %q", path)
		}
	}
}

func TestRunnerSkipsCurrentOutputsAndForceReruns(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-2", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)

	if _, err := runner.Run(ctx, ep, mod, false); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	ep, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}

	result, err := runner.Run(ctx, ep, mod, false)
	if err != nil {
		t.Fatalf("second Run failed: %v", err)
	}
	if result.Status != stage.ResultSkipped {
		t.Fatalf("expected skip, got %#v", result)
	}
	if mod.executed != 1 {
		t.Fatalf("skip must not call the module, executed %d times", mod.executed)
	}

	runs, err := st.RunsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("RunsForEpisode failed: %v", err)
	}
	if len(runs) != 2 || runs[0].Status != store.RunSuccess || runs[1].Status != store.RunSkipped {
		t.Fatalf("unexpected run history: %#v", runs)
	}
	if runs[1].EstimatedCostUSD != 0 {
		t.Fatal("skipped run must not carry cost")
	}
	artifacts, err := st.ArtifactsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("ArtifactsForEpisode failed: %v", err)
	}
	if len(artifacts) != 1 {
		t.Fatalf("skip must not add artifacts, have %d", len(artifacts))
	}

	forced, err := runner.Run(ctx, ep, mod, true)
	if err != nil {
		t.Fatalf("forced Run failed: %v", err)
	}
	if forced.Status != stage.ResultSuccess || mod.executed != 2 {
		t.Fatalf("force must re-execute: %#v executed=%d", forced, mod.executed)
	}
}

func TestRunnerSkipAdvancesRevertedEpisode(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-2b", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)

	if _, err := runner.Run(ctx, ep, mod, false); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	// A rejection sends the episode back while the outputs stay current.
	if err := st.SetEpisodeStatus(ctx, ep.ID, store.StatusTranscribed); err != nil {
		t.Fatalf("SetEpisodeStatus failed: %v", err)
	}
	ep, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}

	result, err := runner.Run(ctx, ep, mod, false)
	if err != nil {
		t.Fatalf("Run after revert failed: %v", err)
	}
	if result.Status != stage.ResultSkipped || mod.executed != 1 {
		t.Fatalf("expected a skip without re-execution: %#v executed=%d", result, mod.executed)
	}
	if ep.Status != store.StatusCorrected {
		t.Fatalf("skip must move the reverted episode forward, got %s", ep.Status)
	}
	reloaded, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if reloaded.Status != store.StatusCorrected {
		t.Fatalf("advance must persist, got %s", reloaded.Status)
	}
}

func TestRunnerClearsStaleMarkerOnRerun(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-3", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)

	if _, err := runner.Run(ctx, ep, mod, false); err != nil {
		t.Fatalf("first Run failed: %v", err)
	}
	output := lay.Episode(ep.ID).CorrectedTranscript()
	if err := cascade.WriteStale(output, "review", "changes requested"); err != nil {
		t.Fatalf("WriteStale failed: %v", err)
	}

	ep, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	result, err := runner.Run(ctx, ep, mod, false)
	if err != nil {
		t.Fatalf("re-run failed: %v", err)
	}
	if result.Status != stage.ResultSuccess || mod.executed != 2 {
		t.Fatalf("stale marker must force a re-run: %#v executed=%d", result, mod.executed)
	}
	if cascade.IsStale(output) {
		t.Fatal("re-producing the output must clear its stale marker")
	}
}

func TestRunnerInvalidatesDownstreamOutputs(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-4", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)

	translated := lay.Episode(ep.ID).TranslatedTranscript()
	testsupport.WriteText(t, translated, "previous translation\n")

	if _, err := runner.Run(ctx, ep, mod, false); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !cascade.IsStale(translated) {
		t.Fatal("new correction must mark the translation stale")
	}
}

func TestRunnerFailureHaltsEpisode(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-5", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)
	mod.execErr = services.Wrap(services.ErrExternalTool, "correct", "call llm", "rate limit retries exhausted", nil)
	mod.cost = 0.01

	result, err := runner.Run(ctx, ep, mod, false)
	if err == nil {
		t.Fatal("expected stage error")
	}
	if !errors.Is(err, services.ErrExternalTool) {
		t.Fatalf("expected external tool classification, got %v", err)
	}
	if result.Status != stage.ResultFailed {
		t.Fatalf("unexpected result: %#v", result)
	}

	reloaded, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if reloaded.Status != store.StatusFailed || reloaded.ResumeStatus != store.StatusTranscribed {
		t.Fatalf("expected failed halt with resume point, got %#v", reloaded)
	}
	if !strings.Contains(reloaded.ErrorMessage, "rate limit") {
		t.Fatalf("error message not persisted: %q", reloaded.ErrorMessage)
	}

	run, err := st.LatestRun(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.Status != store.RunFailed || run.EstimatedCostUSD != 0.01 {
		t.Fatalf("unexpected failed run: %#v", run)
	}
	spent, err := st.SuccessfulCost(ctx, ep.ID)
	if err != nil {
		t.Fatalf("SuccessfulCost failed: %v", err)
	}
	if spent != 0 {
		t.Fatalf("failed run cost must not count toward budget, got %f", spent)
	}
}

func TestRunnerCostLimitErrorParksEpisode(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-6", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)
	mod.execErr = services.Wrap(services.ErrCostLimit, "correct", "budget", "mid-stage breach", nil)

	_, err := runner.Run(ctx, ep, mod, false)
	if !errors.Is(err, services.ErrCostLimit) {
		t.Fatalf("expected cost limit error, got %v", err)
	}
	reloaded, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if reloaded.Status != store.StatusCostLimit || reloaded.ResumeStatus != store.StatusTranscribed {
		t.Fatalf("expected cost_limit halt, got %#v", reloaded)
	}
}

func TestRunnerCostGuardStopsBeforeRun(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-7", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)
	mod.plan.ProjectedCostUSD = 25.0

	result, err := runner.Run(ctx, ep, mod, false)
	if !errors.Is(err, services.ErrCostLimit) {
		t.Fatalf("expected cost limit error, got %v", err)
	}
	if result.Status != stage.ResultFailed || mod.executed != 0 {
		t.Fatalf("guard must stop before work: %#v executed=%d", result, mod.executed)
	}
	runs, err := st.RunsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("RunsForEpisode failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatalf("no run may open after a guard refusal, got %#v", runs)
	}
	reloaded, err := st.GetEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("GetEpisode failed: %v", err)
	}
	if reloaded.Status != store.StatusTranscribed {
		t.Fatalf("pre-run refusal must leave the episode untouched, got %s", reloaded.Status)
	}
}

func TestRunnerRejectsWrongStatus(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-8", store.StatusNew)
	mod := correctionModule(t, st, lay, ep.ID)

	result, err := runner.Run(ctx, ep, mod, false)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if result.Status != stage.ResultFailed || mod.executed != 0 {
		t.Fatalf("unexpected result: %#v executed=%d", result, mod.executed)
	}
	runs, err := st.RunsForEpisode(ctx, ep.ID)
	if err != nil {
		t.Fatalf("RunsForEpisode failed: %v", err)
	}
	if len(runs) != 0 {
		t.Fatal("precondition failure must not open a run")
	}
}

func TestRunnerGateRequiresApprovedReview(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-9", store.StatusCorrected)

	paths := lay.Episode(ep.ID)
	output := paths.TranslatedTranscript()
	mod := &fakeModule{
		desc: stage.Descriptor{
			Name:     stage.NameTranslate,
			Requires: store.StatusCorrected,
			Produces: store.StatusTranslated,
			Gate:     stage.NameCorrect,
		},
		plan: &stage.Plan{
			InputHash:   hashing.Text("translate-inputs-v1"),
			OutputFiles: []string{output},
		},
		outcome: &stage.Outcome{ArtifactType: "translation", ArtifactPath: output},
	}
	mod.work = func(exec *stage.Execution) error {
		testsupport.WriteText(t, output, "iyi günler ve hoş geldiniz\n")
		return nil
	}

	if _, err := runner.Run(ctx, ep, mod, false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected gate refusal, got %v", err)
	}

	task, err := st.CreateReviewTask(ctx, &store.ReviewTask{
		EpisodeID:     ep.ID,
		Stage:         stage.NameCorrect,
		ArtifactPaths: []string{"transcripts/ep-9/transcript.clean.de.txt"},
		ArtifactHash:  "abc",
	})
	if err != nil {
		t.Fatalf("CreateReviewTask failed: %v", err)
	}
	if _, err := st.DecideReviewTask(ctx, task.ID, store.ReviewApproved, ""); err != nil {
		t.Fatalf("DecideReviewTask failed: %v", err)
	}

	result, err := runner.Run(ctx, ep, mod, false)
	if err != nil {
		t.Fatalf("Run after approval failed: %v", err)
	}
	if result.Status != stage.ResultSuccess {
		t.Fatalf("unexpected result: %#v", result)
	}
}

func TestRunnerMissingDeclaredOutputFails(t *testing.T) {
	runner, st, lay := newRunner(t)
	ctx := context.Background()
	ep := mustCreateEpisode(t, st, "ep-10", store.StatusTranscribed)
	mod := correctionModule(t, st, lay, ep.ID)
	mod.work = nil // never writes the declared output

	_, err := runner.Run(ctx, ep, mod, false)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	run, err := st.LatestRun(ctx, ep.ID, stage.NameCorrect)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if run.Status != store.RunFailed || !strings.Contains(run.ErrorMessage, "output missing") {
		t.Fatalf("unexpected run: %#v", run)
	}
}
