package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateEpisode inserts a new episode and returns the stored row.
// Fields left at their zero value receive defaults: status new, pipeline
// version 2.
func (s *Store) CreateEpisode(ctx context.Context, episode *Episode) (*Episode, error) {
	if episode == nil {
		return nil, errors.New("episode is nil")
	}
	if strings.TrimSpace(episode.ID) == "" {
		return nil, errors.New("episode id is empty")
	}

	status := episode.Status
	if status == "" {
		status = StatusNew
	}
	version := episode.PipelineVersion
	if version == 0 {
		version = 2
	}

	now := time.Now().UTC()
	timestamp := now.Format(time.RFC3339Nano)

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO episodes (
            id, title, source_url, pipeline_version, status, resume_status,
            error_message, review_status, youtube_video_id, published_at_youtube,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		episode.ID,
		episode.Title,
		episode.SourceURL,
		version,
		status,
		nullableString(string(episode.ResumeStatus)),
		nullableString(episode.ErrorMessage),
		nullableString(episode.ReviewStatus),
		nullableString(episode.YouTubeVideoID),
		nullableTime(episode.PublishedAtYouTube),
		timestamp,
		timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("insert episode: %w", err)
	}

	return s.GetEpisode(ctx, episode.ID)
}

// GetEpisode fetches an episode by identifier. Returns nil when not found.
func (s *Store) GetEpisode(ctx context.Context, id string) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes WHERE id = ?`, id)
	episode, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get episode: %w", err)
	}
	return episode, nil
}

// FindEpisodeBySourceURL returns the first episode registered for a source URL.
func (s *Store) FindEpisodeBySourceURL(ctx context.Context, sourceURL string) (*Episode, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+episodeColumns+` FROM episodes WHERE source_url = ? ORDER BY created_at LIMIT 1`,
		sourceURL,
	)
	episode, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find episode by source url: %w", err)
	}
	return episode, nil
}

// UpdateEpisode persists changes to an existing episode.
func (s *Store) UpdateEpisode(ctx context.Context, episode *Episode) error {
	if episode == nil {
		return errors.New("episode is nil")
	}
	episode.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE episodes
         SET title = ?, source_url = ?, pipeline_version = ?, status = ?,
             resume_status = ?, error_message = ?, review_status = ?,
             youtube_video_id = ?, published_at_youtube = ?, updated_at = ?
         WHERE id = ?`,
		episode.Title,
		episode.SourceURL,
		episode.PipelineVersion,
		episode.Status,
		nullableString(string(episode.ResumeStatus)),
		nullableString(episode.ErrorMessage),
		nullableString(episode.ReviewStatus),
		nullableString(episode.YouTubeVideoID),
		nullableTime(episode.PublishedAtYouTube),
		episode.UpdatedAt.Format(time.RFC3339Nano),
		episode.ID,
	)
	if err != nil {
		return fmt.Errorf("update episode: %w", err)
	}
	return nil
}

// SetEpisodeStatus moves an episode to a status, clearing any stored error
// and resume point. Callers placing the episode at an explicit status own the
// decision; the halt bookkeeping no longer applies.
func (s *Store) SetEpisodeStatus(ctx context.Context, id string, status EpisodeStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE episodes SET status = ?, resume_status = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
		status,
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("set episode status: %w", err)
	}
	return nil
}

// HaltEpisode moves an episode into failed or cost_limit, records the cause,
// and remembers the progression status it occupied for a later retry.
func (s *Store) HaltEpisode(ctx context.Context, id string, status EpisodeStatus, message string) error {
	if !status.IsHalted() {
		return fmt.Errorf("status %q is not a halt state", status)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return haltEpisodeTx(ctx, tx, id, status, message)
	})
}

func haltEpisodeTx(ctx context.Context, tx *sql.Tx, id string, status EpisodeStatus, message string) error {
	var currentStr string
	row := tx.QueryRowContext(ctx, `SELECT status FROM episodes WHERE id = ?`, id)
	if err := row.Scan(&currentStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("episode %q not found", id)
		}
		return fmt.Errorf("read episode status: %w", err)
	}

	current := EpisodeStatus(currentStr)
	resume := current
	if current.IsHalted() {
		// Already halted; keep the original resume point.
		var resumeRaw sql.NullString
		row := tx.QueryRowContext(ctx, `SELECT resume_status FROM episodes WHERE id = ?`, id)
		if err := row.Scan(&resumeRaw); err != nil {
			return fmt.Errorf("read resume status: %w", err)
		}
		resume = EpisodeStatus(resumeRaw.String)
	}

	_, err := tx.ExecContext(
		ctx,
		`UPDATE episodes SET status = ?, resume_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		status,
		nullableString(string(resume)),
		nullableString(message),
		time.Now().UTC().Format(time.RFC3339Nano),
		id,
	)
	if err != nil {
		return fmt.Errorf("halt episode: %w", err)
	}
	return nil
}

// RetryEpisode returns a halted episode to the progression status it held
// before the failure and clears the stored error.
func (s *Store) RetryEpisode(ctx context.Context, id string) (*Episode, error) {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			currentStr string
			resumeRaw  sql.NullString
		)
		row := tx.QueryRowContext(ctx, `SELECT status, resume_status FROM episodes WHERE id = ?`, id)
		if err := row.Scan(&currentStr, &resumeRaw); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("episode %q not found", id)
			}
			return fmt.Errorf("read episode status: %w", err)
		}
		current := EpisodeStatus(currentStr)
		if !current.IsHalted() {
			return fmt.Errorf("episode %q is %s, not halted", id, current)
		}
		resume := EpisodeStatus(resumeRaw.String)
		if resume == "" {
			resume = StatusNew
		}
		_, err := tx.ExecContext(
			ctx,
			`UPDATE episodes SET status = ?, resume_status = NULL, error_message = NULL, updated_at = ? WHERE id = ?`,
			resume,
			time.Now().UTC().Format(time.RFC3339Nano),
			id,
		)
		if err != nil {
			return fmt.Errorf("retry episode: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetEpisode(ctx, id)
}

// ListEpisodes returns episodes filtered by status set (or all episodes when
// no status is provided), ordered by creation time.
func (s *Store) ListEpisodes(ctx context.Context, statuses ...EpisodeStatus) ([]*Episode, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + episodeColumns + ` FROM episodes`
	orderClause := ` ORDER BY created_at`

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
		return nil, fmt.Errorf("list episodes: %w", err)
	}
	defer rows.Close()

	var episodes []*Episode
	for rows.Next() {
		episode, err := scanEpisode(rows)
		if err != nil {
			return nil, err
		}
		episodes = append(episodes, episode)
	}
	return episodes, rows.Err()
}

// LatestEpisode returns the most recently created episode, or nil when the
// store is empty.
func (s *Store) LatestEpisode(ctx context.Context) (*Episode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+episodeColumns+` FROM episodes ORDER BY created_at DESC LIMIT 1`)
	episode, err := scanEpisode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest episode: %w", err)
	}
	return episode, nil
}

// RemoveEpisode deletes an episode and, through foreign keys, its runs,
// artifacts, review tasks, and assets.
func (s *Store) RemoveEpisode(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM episodes WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete episode: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Stats returns a count of episodes grouped by status.
func (s *Store) Stats(ctx context.Context) (map[EpisodeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM episodes GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("episode stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[EpisodeStatus]int)
	for rows.Next() {
		var status EpisodeStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// Health aggregates episode state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for status, count := range stats {
		health.Total += count
		switch status {
		case StatusPublished:
			health.Published += count
		case StatusFailed:
			health.Failed += count
		case StatusCostLimit:
			health.CostLimit += count
		default:
			health.Actionable += count
		}
	}
	return health, nil
}

const episodeColumns = "id, title, source_url, pipeline_version, status, resume_status, error_message, review_status, youtube_video_id, published_at_youtube, created_at, updated_at"

func scanEpisode(scanner interface{ Scan(dest ...any) error }) (*Episode, error) {
	var (
		id              string
		title           sql.NullString
		sourceURL       sql.NullString
		pipelineVersion int64
		statusStr       string
		resumeStatus    sql.NullString
		errorMessage    sql.NullString
		reviewStatus    sql.NullString
		youtubeVideoID  sql.NullString
		publishedRaw    sql.NullString
		createdRaw      sql.NullString
		updatedRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&title,
		&sourceURL,
		&pipelineVersion,
		&statusStr,
		&resumeStatus,
		&errorMessage,
		&reviewStatus,
		&youtubeVideoID,
		&publishedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	episode := &Episode{
		ID:              id,
		Title:           title.String,
		SourceURL:       sourceURL.String,
		PipelineVersion: int(pipelineVersion),
		Status:          EpisodeStatus(statusStr),
		ResumeStatus:    EpisodeStatus(resumeStatus.String),
		ErrorMessage:    errorMessage.String,
		ReviewStatus:    reviewStatus.String,
		YouTubeVideoID:  youtubeVideoID.String,
	}

	if publishedRaw.Valid {
		if published, err := parseTimeString(publishedRaw.String); err == nil {
			episode.PublishedAtYouTube = &published
		}
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		episode.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		episode.UpdatedAt = updated
	}
	return episode, nil
}
