package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// RegisterPromptVersion stores a prompt snapshot, deduplicating on content
// hash. When a version with the same name and hash already exists it is
// returned unchanged and created reports false. Otherwise the next version
// number for the name is assigned; the first version of a name becomes the
// default.
func (s *Store) RegisterPromptVersion(ctx context.Context, pv *PromptVersion) (registered *PromptVersion, created bool, err error) {
	if pv == nil {
		return nil, false, errors.New("prompt version is nil")
	}
	name := strings.TrimSpace(pv.Name)
	if name == "" {
		return nil, false, errors.New("prompt name is empty")
	}
	if pv.ContentHash == "" {
		return nil, false, errors.New("prompt content hash is empty")
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT id FROM prompt_versions WHERE name = ? AND content_hash = ?`,
			name,
			pv.ContentHash,
		)
		var existingID int64
		scanErr := row.Scan(&existingID)
		if scanErr == nil {
			id = existingID
			return nil
		}
		if !errors.Is(scanErr, sql.ErrNoRows) {
			return fmt.Errorf("check existing prompt version: %w", scanErr)
		}

		var maxVersion sql.NullInt64
		row = tx.QueryRowContext(ctx, `SELECT MAX(version) FROM prompt_versions WHERE name = ?`, name)
		if err := row.Scan(&maxVersion); err != nil {
			return fmt.Errorf("max prompt version: %w", err)
		}
		version := int64(1)
		isDefault := true
		if maxVersion.Valid {
			version = maxVersion.Int64 + 1
			isDefault = false
		}

		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO prompt_versions (
                name, version, content_hash, template_path, model, model_params,
                is_default, notes, created_at
            ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			name,
			version,
			pv.ContentHash,
			pv.TemplatePath,
			pv.Model,
			pv.ModelParams,
			boolToInt(isDefault),
			nullableString(pv.Notes),
			time.Now().UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("insert prompt version: %w", err)
		}
		newID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		id = newID
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	registered, err = s.PromptVersionByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return registered, created, nil
}

// PromptVersionByID fetches a prompt version by identifier. Returns nil when
// not found.
func (s *Store) PromptVersionByID(ctx context.Context, id int64) (*PromptVersion, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+promptVersionColumns+` FROM prompt_versions WHERE id = ?`, id)
	pv, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt version: %w", err)
	}
	return pv, nil
}

// PromptVersion fetches one version of a named prompt. Returns nil when not
// found.
func (s *Store) PromptVersion(ctx context.Context, name string, version int) (*PromptVersion, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+promptVersionColumns+` FROM prompt_versions WHERE name = ? AND version = ?`,
		name,
		version,
	)
	pv, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt version: %w", err)
	}
	return pv, nil
}

// DefaultPromptVersion returns the default version of a named prompt, or nil
// when the name has no versions.
func (s *Store) DefaultPromptVersion(ctx context.Context, name string) (*PromptVersion, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+promptVersionColumns+` FROM prompt_versions WHERE name = ? AND is_default = 1 LIMIT 1`,
		name,
	)
	pv, err := scanPromptVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("default prompt version: %w", err)
	}
	return pv, nil
}

// PromptVersions returns all versions of a named prompt, newest first. With
// an empty name, every stored version is returned grouped by name.
func (s *Store) PromptVersions(ctx context.Context, name string) ([]*PromptVersion, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if name == "" {
		rows, err = s.db.QueryContext(ctx, `SELECT `+promptVersionColumns+` FROM prompt_versions ORDER BY name, version DESC`)
	} else {
		rows, err = s.db.QueryContext(ctx, `SELECT `+promptVersionColumns+` FROM prompt_versions WHERE name = ? ORDER BY version DESC`, name)
	}
	if err != nil {
		return nil, fmt.Errorf("query prompt versions: %w", err)
	}
	defer rows.Close()

	var versions []*PromptVersion
	for rows.Next() {
		pv, err := scanPromptVersion(rows)
		if err != nil {
			return nil, err
		}
		versions = append(versions, pv)
	}
	return versions, rows.Err()
}

// PromoteDefault marks one version of a named prompt as the default,
// clearing the flag from every other version of that name.
func (s *Store) PromoteDefault(ctx context.Context, name string, version int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id int64
		row := tx.QueryRowContext(ctx, `SELECT id FROM prompt_versions WHERE name = ? AND version = ?`, name, version)
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("prompt %q version %d not found", name, version)
			}
			return fmt.Errorf("find prompt version: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_default = 0 WHERE name = ?`, name); err != nil {
			return fmt.Errorf("clear default: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE prompt_versions SET is_default = 1 WHERE id = ?`, id); err != nil {
			return fmt.Errorf("set default: %w", err)
		}
		return nil
	})
}

const promptVersionColumns = "id, name, version, content_hash, template_path, model, model_params, is_default, notes, created_at"

func scanPromptVersion(scanner interface{ Scan(dest ...any) error }) (*PromptVersion, error) {
	var (
		id           int64
		name         string
		version      int64
		contentHash  string
		templatePath sql.NullString
		model        sql.NullString
		modelParams  sql.NullString
		isDefault    sql.NullInt64
		notes        sql.NullString
		createdRaw   sql.NullString
	)

	if err := scanner.Scan(
		&id,
		&name,
		&version,
		&contentHash,
		&templatePath,
		&model,
		&modelParams,
		&isDefault,
		&notes,
		&createdRaw,
	); err != nil {
		return nil, err
	}

	pv := &PromptVersion{
		ID:           id,
		Name:         name,
		Version:      int(version),
		ContentHash:  contentHash,
		TemplatePath: templatePath.String,
		Model:        model.String,
		ModelParams:  modelParams.String,
		IsDefault:    isDefault.Valid && isDefault.Int64 != 0,
		Notes:        notes.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		pv.CreatedAt = created
	}
	return pv, nil
}
