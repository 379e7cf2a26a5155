package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// CreateReviewTask opens a pending review task for an episode and stage.
// When an undecided task already exists for the pair it is returned
// unchanged, so re-running a gate never stacks duplicate tasks.
func (s *Store) CreateReviewTask(ctx context.Context, task *ReviewTask) (*ReviewTask, error) {
	if task == nil {
		return nil, errors.New("review task is nil")
	}
	if task.EpisodeID == "" {
		return nil, errors.New("review task episode id is empty")
	}
	if task.Stage == "" {
		return nil, errors.New("review task stage is empty")
	}

	existing, err := s.ActiveReviewTask(ctx, task.EpisodeID, task.Stage)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	id, err := s.insertReviewTask(ctx, task, ReviewPending)
	if err != nil {
		return nil, err
	}
	return s.GetReviewTask(ctx, id)
}

// CreateAutoApprovedTask records a review task that the pipeline approved on
// the reviewer's behalf, together with the decision explaining why. Both rows
// land in one transaction.
func (s *Store) CreateAutoApprovedTask(ctx context.Context, task *ReviewTask, notes string) (*ReviewTask, error) {
	if task == nil {
		return nil, errors.New("review task is nil")
	}
	if task.EpisodeID == "" {
		return nil, errors.New("review task episode id is empty")
	}
	if task.Stage == "" {
		return nil, errors.New("review task stage is empty")
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := time.Now().UTC().Format(time.RFC3339Nano)
		paths, err := marshalArtifactPaths(task.ArtifactPaths)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO review_tasks (
                episode_id, stage, status, artifact_paths, diff_path,
                artifact_hash, reviewer_notes, prompt_version_id, created_at, reviewed_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			task.EpisodeID,
			task.Stage,
			ReviewApproved,
			paths,
			nullableString(task.DiffPath),
			task.ArtifactHash,
			nullableString(task.ReviewerNotes),
			nullableInt64(task.PromptVersionID),
			now,
			now,
		)
		if err != nil {
			return fmt.Errorf("insert auto-approved task: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO review_decisions (review_task_id, decision, notes, decided_at) VALUES (?, ?, ?, ?)`,
			id,
			ReviewApproved,
			nullableString(notes),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert auto-approval decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReviewTask(ctx, id)
}

func (s *Store) insertReviewTask(ctx context.Context, task *ReviewTask, status ReviewTaskStatus) (int64, error) {
	paths, err := marshalArtifactPaths(task.ArtifactPaths)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO review_tasks (
            episode_id, stage, status, artifact_paths, diff_path,
            artifact_hash, reviewer_notes, prompt_version_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.EpisodeID,
		task.Stage,
		status,
		paths,
		nullableString(task.DiffPath),
		task.ArtifactHash,
		nullableString(task.ReviewerNotes),
		nullableInt64(task.PromptVersionID),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert review task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// GetReviewTask fetches a review task by identifier. Returns nil when not
// found.
func (s *Store) GetReviewTask(ctx context.Context, id int64) (*ReviewTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewTaskColumns+` FROM review_tasks WHERE id = ?`, id)
	task, err := scanReviewTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get review task: %w", err)
	}
	return task, nil
}

// ActiveReviewTask returns the undecided task for an episode and stage, or
// nil when every task for the pair has been decided.
func (s *Store) ActiveReviewTask(ctx context.Context, episodeID, stage string) (*ReviewTask, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+reviewTaskColumns+` FROM review_tasks
         WHERE episode_id = ? AND stage = ? AND status IN (?, ?)
         ORDER BY created_at DESC, id DESC LIMIT 1`,
		episodeID,
		stage,
		ReviewPending,
		ReviewInReview,
	)
	task, err := scanReviewTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active review task: %w", err)
	}
	return task, nil
}

// LatestReviewTask returns the newest task for an episode and stage,
// optionally filtered to a status set. Nil when no task matches.
func (s *Store) LatestReviewTask(ctx context.Context, episodeID, stage string, statuses ...ReviewTaskStatus) (*ReviewTask, error) {
	query := `SELECT ` + reviewTaskColumns + ` FROM review_tasks WHERE episode_id = ? AND stage = ?`
	args := []any{episodeID, stage}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, status)
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	task, err := scanReviewTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest review task: %w", err)
	}
	return task, nil
}

// ListReviewTasks returns review tasks filtered by status set (or all tasks
// when no status is provided), ordered by creation time.
func (s *Store) ListReviewTasks(ctx context.Context, statuses ...ReviewTaskStatus) ([]*ReviewTask, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + reviewTaskColumns + ` FROM review_tasks`
	orderClause := ` ORDER BY created_at, id`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		query := baseQuery + ` WHERE status IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ReviewTask
	for rows.Next() {
		task, err := scanReviewTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// ReviewTasksForEpisode returns every review task recorded for an episode in
// creation order.
func (s *Store) ReviewTasksForEpisode(ctx context.Context, episodeID string) ([]*ReviewTask, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+reviewTaskColumns+` FROM review_tasks WHERE episode_id = ? ORDER BY created_at, id`,
		episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*ReviewTask
	for rows.Next() {
		task, err := scanReviewTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// DecideReviewTask applies a terminal decision to an undecided task and
// appends the decision record in the same transaction. Reviewer notes on a
// changes_requested decision are stored on the task for the next generation
// attempt to pick up.
func (s *Store) DecideReviewTask(ctx context.Context, taskID int64, decision ReviewTaskStatus, notes string) (*ReviewTask, error) {
	if !decision.Decided() {
		return nil, fmt.Errorf("decision %q is not terminal", decision)
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var statusStr string
		row := tx.QueryRowContext(ctx, `SELECT status FROM review_tasks WHERE id = ?`, taskID)
		if err := row.Scan(&statusStr); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("review task %d not found", taskID)
			}
			return fmt.Errorf("read review task: %w", err)
		}
		current := ReviewTaskStatus(statusStr)
		if !current.Active() {
			return fmt.Errorf("review task %d already decided: %s", taskID, current)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(
			ctx,
			`UPDATE review_tasks SET status = ?, reviewer_notes = ?, reviewed_at = ? WHERE id = ?`,
			decision,
			nullableString(notes),
			now,
			taskID,
		)
		if err != nil {
			return fmt.Errorf("decide review task: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO review_decisions (review_task_id, decision, notes, decided_at) VALUES (?, ?, ?, ?)`,
			taskID,
			decision,
			nullableString(notes),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert review decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReviewTask(ctx, taskID)
}

// ApproveReviewTask decides an active task as approved, rewriting the stored
// artifact hash to snapshot the artifact present at decision time. The task
// update and the decision row land in one transaction.
func (s *Store) ApproveReviewTask(ctx context.Context, taskID int64, notes, artifactHash string) (*ReviewTask, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var statusStr string
		row := tx.QueryRowContext(ctx, `SELECT status FROM review_tasks WHERE id = ?`, taskID)
		if err := row.Scan(&statusStr); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("review task %d not found", taskID)
			}
			return fmt.Errorf("read review task: %w", err)
		}
		current := ReviewTaskStatus(statusStr)
		if !current.Active() {
			return fmt.Errorf("review task %d already decided: %s", taskID, current)
		}

		now := time.Now().UTC().Format(time.RFC3339Nano)
		_, err := tx.ExecContext(
			ctx,
			`UPDATE review_tasks SET status = ?, artifact_hash = ?, reviewer_notes = ?, reviewed_at = ? WHERE id = ?`,
			ReviewApproved,
			artifactHash,
			nullableString(notes),
			now,
			taskID,
		)
		if err != nil {
			return fmt.Errorf("approve review task: %w", err)
		}
		_, err = tx.ExecContext(
			ctx,
			`INSERT INTO review_decisions (review_task_id, decision, notes, decided_at) VALUES (?, ?, ?, ?)`,
			taskID,
			ReviewApproved,
			nullableString(notes),
			now,
		)
		if err != nil {
			return fmt.Errorf("insert review decision: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReviewTask(ctx, taskID)
}

// MarkReviewTaskInReview moves a pending task to in_review so other
// reviewers can see it is claimed.
func (s *Store) MarkReviewTaskInReview(ctx context.Context, taskID int64) error {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE review_tasks SET status = ? WHERE id = ? AND status = ?`,
		ReviewInReview,
		taskID,
		ReviewPending,
	)
	if err != nil {
		return fmt.Errorf("mark in review: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("review task %d is not pending", taskID)
	}
	return nil
}

// ReviewHistory returns the decisions recorded for a task in decision order.
func (s *Store) ReviewHistory(ctx context.Context, taskID int64) ([]*ReviewDecision, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, review_task_id, decision, notes, decided_at FROM review_decisions WHERE review_task_id = ? ORDER BY decided_at, id`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query review history: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// ReviewHistoryForEpisode returns every decision made across all review
// tasks of an episode in decision order.
func (s *Store) ReviewHistoryForEpisode(ctx context.Context, episodeID string) ([]*ReviewDecision, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT d.id, d.review_task_id, d.decision, d.notes, d.decided_at
         FROM review_decisions d
         JOIN review_tasks t ON t.id = d.review_task_id
         WHERE t.episode_id = ?
         ORDER BY d.decided_at, d.id`,
		episodeID,
	)
	if err != nil {
		return nil, fmt.Errorf("query episode review history: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

func collectDecisions(rows *sql.Rows) ([]*ReviewDecision, error) {
	var decisions []*ReviewDecision
	for rows.Next() {
		var (
			id         int64
			taskID     int64
			decision   string
			notes      sql.NullString
			decidedRaw sql.NullString
		)
		if err := rows.Scan(&id, &taskID, &decision, &notes, &decidedRaw); err != nil {
			return nil, err
		}
		record := &ReviewDecision{
			ID:           id,
			ReviewTaskID: taskID,
			Decision:     ReviewTaskStatus(decision),
			Notes:        notes.String,
		}
		if decided, err := parseTimeString(decidedRaw.String); err == nil {
			record.DecidedAt = decided
		}
		decisions = append(decisions, record)
	}
	return decisions, rows.Err()
}

func marshalArtifactPaths(paths []string) (string, error) {
	if len(paths) == 0 {
		return "[]", nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return "", fmt.Errorf("marshal artifact paths: %w", err)
	}
	return string(data), nil
}

const reviewTaskColumns = "id, episode_id, stage, status, artifact_paths, diff_path, artifact_hash, reviewer_notes, prompt_version_id, created_at, reviewed_at"

func scanReviewTask(scanner interface{ Scan(dest ...any) error }) (*ReviewTask, error) {
	var (
		id              int64
		episodeID       string
		stage           string
		statusStr       string
		pathsRaw        sql.NullString
		diffPath        sql.NullString
		artifactHash    sql.NullString
		reviewerNotes   sql.NullString
		promptVersionID sql.NullInt64
		createdRaw      sql.NullString
		reviewedRaw     sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&stage,
		&statusStr,
		&pathsRaw,
		&diffPath,
		&artifactHash,
		&reviewerNotes,
		&promptVersionID,
		&createdRaw,
		&reviewedRaw,
	); err != nil {
		return nil, err
	}

	task := &ReviewTask{
		ID:            id,
		EpisodeID:     episodeID,
		Stage:         stage,
		Status:        ReviewTaskStatus(statusStr),
		DiffPath:      diffPath.String,
		ArtifactHash:  artifactHash.String,
		ReviewerNotes: reviewerNotes.String,
	}
	if pathsRaw.Valid && pathsRaw.String != "" {
		var paths []string
		if err := json.Unmarshal([]byte(pathsRaw.String), &paths); err == nil {
			task.ArtifactPaths = paths
		}
	}
	if promptVersionID.Valid {
		v := promptVersionID.Int64
		task.PromptVersionID = &v
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		task.CreatedAt = created
	}
	if reviewedRaw.Valid {
		if reviewed, err := parseTimeString(reviewedRaw.String); err == nil {
			task.ReviewedAt = &reviewed
		}
	}
	return task, nil
}
