package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// insertAssetTx inserts one media asset row inside the caller's transaction,
// mirroring insertArtifactTx.
func insertAssetTx(ctx context.Context, exec dbExecer, asset *MediaAsset) (int64, error) {
	if asset.EpisodeID == "" {
		return 0, errors.New("asset episode id is empty")
	}
	if asset.AssetType == "" {
		return 0, errors.New("asset type is empty")
	}
	createdAt := asset.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	var metadataJSON any
	if len(asset.Metadata) > 0 {
		data, err := json.Marshal(asset.Metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal asset metadata: %w", err)
		}
		metadataJSON = string(data)
	}

	res, err := exec.ExecContext(
		ctx,
		`INSERT INTO media_assets (
            episode_id, chapter_id, asset_type, file_path, mime_type,
            size_bytes, duration_seconds, metadata_json, prompt_version_id, created_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		asset.EpisodeID,
		asset.ChapterID,
		asset.AssetType,
		asset.FilePath,
		asset.MimeType,
		asset.SizeBytes,
		nullableFloat64(asset.DurationSeconds),
		metadataJSON,
		nullableInt64(asset.PromptVersionID),
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("insert asset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("last insert id: %w", err)
	}
	return id, nil
}

// AssetsForEpisode returns media assets for an episode, optionally filtered
// by type, in creation order.
func (s *Store) AssetsForEpisode(ctx context.Context, episodeID string, types ...AssetType) ([]*MediaAsset, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + assetColumns + ` FROM media_assets WHERE episode_id = ?`
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
		query := baseQuery + ` AND asset_type IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("query assets: %w", err)
	}
	defer rows.Close()

	var assets []*MediaAsset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

const assetColumns = "id, episode_id, chapter_id, asset_type, file_path, mime_type, size_bytes, duration_seconds, metadata_json, prompt_version_id, created_at"

func scanAsset(scanner interface{ Scan(dest ...any) error }) (*MediaAsset, error) {
	var (
		id              int64
		episodeID       string
		chapterID       sql.NullString
		assetType       string
		filePath        sql.NullString
		mimeType        sql.NullString
		sizeBytes       sql.NullInt64
		duration        sql.NullFloat64
		metadataRaw     sql.NullString
		promptVersionID sql.NullInt64
		createdRaw      sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&episodeID,
		&chapterID,
		&assetType,
		&filePath,
		&mimeType,
		&sizeBytes,
		&duration,
		&metadataRaw,
		&promptVersionID,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	asset := &MediaAsset{
		ID:        id,
		EpisodeID: episodeID,
		ChapterID: chapterID.String,
		AssetType: AssetType(assetType),
		FilePath:  filePath.String,
		MimeType:  mimeType.String,
		SizeBytes: sizeBytes.Int64,
	}
	if duration.Valid {
		v := duration.Float64
		asset.DurationSeconds = &v
	}
	if metadataRaw.Valid && metadataRaw.String != "" {
		metadata := make(map[string]string)
		if err := json.Unmarshal([]byte(metadataRaw.String), &metadata); err == nil {
			asset.Metadata = metadata
		}
	}
	if promptVersionID.Valid {
		v := promptVersionID.Int64
		asset.PromptVersionID = &v
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		asset.CreatedAt = created
	}
	return asset, nil
}
