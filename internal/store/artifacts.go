package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// insertArtifactTx inserts one artifact row inside the caller's transaction.
// RecordStageSuccess is the only write path so artifacts never appear without
// their closing run.
func insertArtifactTx(ctx context.Context, exec dbExecer, artifact *ContentArtifact) (int64, error) {
	if artifact.EpisodeID == "" {
		return 0, errors.New("artifact episode id is empty")
	}
	if artifact.ArtifactType == "" {
		return 0, errors.New("artifact type is empty")
	}
	createdAt := artifact.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	res, err := exec.ExecContext(
		ctx,
		`INSERT INTO content_artifacts (
            episode_id, artifact_type, file_path, prompt_version_id,
            input_tokens, output_tokens, cost_usd, prompt_hash, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		artifact.EpisodeID,
		artifact.ArtifactType,
		artifact.FilePath,
		nullableInt64(artifact.PromptVersionID),
		artifact.InputTokens,
		artifact.OutputTokens,
		artifact.CostUSD,
		artifact.PromptHash,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert artifact: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// ArtifactsForEpisode returns artifacts for an episode, optionally filtered
// by type, in creation order.
func (s *Store) ArtifactsForEpisode(ctx context.Context, episodeID string, types ...string) ([]*ContentArtifact, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + artifactColumns + ` FROM content_artifacts WHERE episode_id = ?`
	orderClause := ` ORDER BY created_at, id`

	if len(types) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause, episodeID)
	} else {
		placeholders := makePlaceholders(len(types))
		args := make([]any, 0, len(types)+1)
		args = append(args, episodeID)
		for _, t := range types {
			args = append(args, t)
		}
		query := baseQuery + ` AND artifact_type IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []*ContentArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

// LatestArtifact returns the most recent artifact of a type for an episode,
// or nil when none exists.
func (s *Store) LatestArtifact(ctx context.Context, episodeID, artifactType string) (*ContentArtifact, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+artifactColumns+` FROM content_artifacts WHERE episode_id = ? AND artifact_type = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		episodeID,
		artifactType,
	)
	artifact, err := scanArtifact(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest artifact: %w", err)
	}
	return artifact, nil
}

const artifactColumns = "id, episode_id, artifact_type, file_path, prompt_version_id, input_tokens, output_tokens, cost_usd, prompt_hash, created_at"

func scanArtifact(scanner interface{ Scan(dest ...any) error }) (*ContentArtifact, error) {
	var (
		id              int64
		episodeID       string
		artifactType    string
		filePath        sql.NullString
		promptVersionID sql.NullInt64
		inputTokens     sql.NullInt64
		outputTokens    sql.NullInt64
		costUSD         sql.NullFloat64
		promptHash      sql.NullString
		createdRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&artifactType,
		&filePath,
		&promptVersionID,
		&inputTokens,
		&outputTokens,
		&costUSD,
		&promptHash,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	artifact := &ContentArtifact{
		ID:           id,
		EpisodeID:    episodeID,
		ArtifactType: artifactType,
		FilePath:     filePath.String,
		InputTokens:  inputTokens.Int64,
		OutputTokens: outputTokens.Int64,
		CostUSD:      costUSD.Float64,
		PromptHash:   promptHash.String,
	}
	if promptVersionID.Valid {
		v := promptVersionID.Int64
		artifact.PromptVersionID = &v
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		artifact.CreatedAt = created
	}
	return artifact, nil
}
