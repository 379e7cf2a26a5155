package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// StartRun opens a running pipeline run for a stage attempt.
func (s *Store) StartRun(ctx context.Context, episodeID, stage string) (*PipelineRun, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (episode_id, stage, status, started_at) VALUES (?, ?, ?, ?)`,
		episodeID,
		stage,
		RunRunning,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRun(ctx, id)
}

// GetRun fetches a pipeline run by identifier. Returns nil when not found.
func (s *Store) GetRun(ctx context.Context, id int64) (*PipelineRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return run, nil
}

// RunsForEpisode returns all runs recorded for an episode in start order.
func (s *Store) RunsForEpisode(ctx context.Context, episodeID string) ([]*PipelineRun, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE episode_id = ? ORDER BY started_at, id`,
		episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []*PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// LatestRun returns the most recent run of a stage for an episode, or nil
// when the stage has never run.
func (s *Store) LatestRun(ctx context.Context, episodeID, stage string) (*PipelineRun, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE episode_id = ? AND stage = ? ORDER BY started_at DESC, id DESC LIMIT 1`,
		episodeID,
		stage,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// RecordRunSkipped inserts an already-finished skipped run, noting why the
// stage did not execute.
func (s *Store) RecordRunSkipped(ctx context.Context, episodeID, stage, note string) (*PipelineRun, error) {
	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_runs (episode_id, stage, status, started_at, finished_at, error_message)
         VALUES (?, ?, ?, ?, ?, ?)`,
		episodeID,
		stage,
		RunSkipped,
		timestamp,
		timestamp,
		nullableString(note),
	)
	if err != nil {
		return nil, fmt.Errorf("insert skipped run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRun(ctx, id)
}

// StageSuccess is the complete outcome of a successful stage execution.
type StageSuccess struct {
	RunID            int64
	EpisodeID        string
	InputTokens      int64
	OutputTokens     int64
	EstimatedCostUSD float64

	// NewStatus advances the episode when it is further along than the
	// current status. Leave empty to keep the episode where it is.
	NewStatus EpisodeStatus

	Artifact *ContentArtifact
	Assets   []MediaAsset
}

// RecordStageSuccess commits a stage outcome atomically: the run is closed
// as success, artifact and asset rows are inserted, and the episode status
// advances. A partially applied outcome never becomes visible.
func (s *Store) RecordStageSuccess(ctx context.Context, outcome StageSuccess) error {
	if outcome.RunID == 0 {
		return errors.New("run id is zero")
	}
	if outcome.EpisodeID == "" {
		return errors.New("episode id is empty")
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		_, err := tx.ExecContext(
			ctx,
			`UPDATE pipeline_runs
             SET status = ?, finished_at = ?, input_tokens = ?, output_tokens = ?,
                 estimated_cost_usd = ?, error_message = NULL
             WHERE id = ?`,
			RunSuccess,
			now,
			outcome.InputTokens,
			outcome.OutputTokens,
			outcome.EstimatedCostUSD,
			outcome.RunID,
		)
		if err != nil {
			return fmt.Errorf("close run: %w", err)
		}

		if outcome.Artifact != nil {
			artifact := *outcome.Artifact
			artifact.EpisodeID = outcome.EpisodeID
			if _, err := insertArtifactTx(ctx, tx, &artifact); err != nil {
				return err
			}
		}
		for i := range outcome.Assets {
			asset := outcome.Assets[i]
			asset.EpisodeID = outcome.EpisodeID
			if _, err := insertAssetTx(ctx, tx, &asset); err != nil {
				return err
			}
		}

		if outcome.NewStatus != "" {
			if err := advanceEpisodeTx(ctx, tx, outcome.EpisodeID, outcome.NewStatus); err != nil {
				return err
			}
		}
		return nil
	})
}

// StageFailure is the outcome of a failed stage execution.
type StageFailure struct {
	RunID            int64
	EpisodeID        string
	Status           EpisodeStatus
	Message          string
	InputTokens      int64
	OutputTokens     int64
	EstimatedCostUSD float64
}

// RecordStageFailure closes the run as failed and halts the episode in the
// same transaction. Tokens and cost spent before the failure are kept on the
// run row for inspection but never count toward the episode budget.
func (s *Store) RecordStageFailure(ctx context.Context, outcome StageFailure) error {
	if outcome.RunID == 0 {
		return errors.New("run id is zero")
	}
	if outcome.EpisodeID == "" {
		return errors.New("episode id is empty")
	}
	status := outcome.Status
	if status == "" {
		status = StatusFailed
	}
	if !status.IsHalted() {
		return fmt.Errorf("status %q is not a halt state", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)

		_, err := tx.ExecContext(
			ctx,
			`UPDATE pipeline_runs
             SET status = ?, finished_at = ?, input_tokens = ?, output_tokens = ?,
                 estimated_cost_usd = ?, error_message = ?
             WHERE id = ?`,
			RunFailed,
			now,
			outcome.InputTokens,
			outcome.OutputTokens,
			outcome.EstimatedCostUSD,
			nullableString(outcome.Message),
			outcome.RunID,
		)
		if err != nil {
			return fmt.Errorf("close run: %w", err)
		}

		return haltEpisodeTx(ctx, tx, outcome.EpisodeID, status, outcome.Message)
	})
}

// SuccessfulCost sums the estimated cost over all successful runs of an
// episode. Failed runs do not count toward the budget.
func (s *Store) SuccessfulCost(ctx context.Context, episodeID string) (float64, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT COALESCE(SUM(estimated_cost_usd), 0) FROM pipeline_runs WHERE episode_id = ? AND status = ?`,
		episodeID,
		RunSuccess,
	)
	var total float64
	if err := row.Scan(&total); err != nil {
		return 0, fmt.Errorf("sum successful cost: %w", err)
	}
	return total, nil
}

// StageCost aggregates spend for one stage of an episode.
type StageCost struct {
	Stage        string
	Runs         int
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
}

// CostBreakdown returns per-stage spend over successful runs of an episode.
func (s *Store) CostBreakdown(ctx context.Context, episodeID string) ([]StageCost, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT stage, COUNT(1), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(estimated_cost_usd), 0)
         FROM pipeline_runs WHERE episode_id = ? AND status = ? GROUP BY stage ORDER BY stage`,
		episodeID,
		RunSuccess,
	)
	if err != nil {
		return nil, fmt.Errorf("query cost breakdown: %w", err)
	}
	defer rows.Close()

	var breakdown []StageCost
	for rows.Next() {
		var entry StageCost
		if err := rows.Scan(&entry.Stage, &entry.Runs, &entry.InputTokens, &entry.OutputTokens, &entry.CostUSD); err != nil {
			return nil, err
		}
		breakdown = append(breakdown, entry)
	}
	return breakdown, rows.Err()
}

// ResetStuckRunning closes runs left in the running state by an interrupted
// process. Episode statuses are untouched; a status only ever advances inside
// the success transaction, so an interrupted stage left no partial progress.
func (s *Store) ResetStuckRunning(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_runs
         SET status = ?, finished_at = ?, error_message = 'interrupted: process restarted'
         WHERE status = ?`,
		RunFailed,
		time.Now().UTC().Format(time.RFC3339Nano),
		RunRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("reset stuck runs: %w", err)
	}
	return res.RowsAffected()
}

func advanceEpisodeTx(ctx context.Context, tx *sql.Tx, episodeID string, status EpisodeStatus) error {
	var currentStr string
	row := tx.QueryRowContext(ctx, `SELECT status FROM episodes WHERE id = ?`, episodeID)
	if err := row.Scan(&currentStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("episode %q not found", episodeID)
		}
		return fmt.Errorf("read episode status: %w", err)
	}
	current := EpisodeStatus(currentStr)
	if !current.Before(status) {
		// Re-running an earlier stage never moves the episode backwards.
		return nil
	}
	_, err := tx.ExecContext(
		ctx,
		`UPDATE episodes SET status = ?, resume_status = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		episodeID,
	)
	if err != nil {
		return fmt.Errorf("advance episode: %w", err)
	}
	return nil
}

const runColumns = "id, episode_id, stage, status, started_at, finished_at, input_tokens, output_tokens, estimated_cost_usd, error_message"

func scanRun(scanner interface{ Scan(dest ...any) error }) (*PipelineRun, error) {
	var (
		id           int64
		episodeID    string
		stage        string
		statusStr    string
		startedRaw   sql.NullString
		finishedRaw  sql.NullString
		inputTokens  sql.NullInt64
		outputTokens sql.NullInt64
		costUSD      sql.NullFloat64
		errorMessage sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&stage,
		&statusStr,
		&startedRaw,
		&finishedRaw,
		&inputTokens,
		&outputTokens,
		&costUSD,
		&errorMessage,
	); err != nil {
		return nil, err
	}

	run := &PipelineRun{
		ID:               id,
		EpisodeID:        episodeID,
		Stage:            stage,
		Status:           RunStatus(statusStr),
		InputTokens:      inputTokens.Int64,
		OutputTokens:     outputTokens.Int64,
		EstimatedCostUSD: costUSD.Float64,
		ErrorMessage:     errorMessage.String,
	}

	if started, err := parseTimeString(startedRaw.String); err == nil {
		run.StartedAt = started
	}
	if finishedRaw.Valid {
		if finished, err := parseTimeString(finishedRaw.String); err == nil {
			run.FinishedAt = &finished
		}
	}
	return run, nil
}
