package prompts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"redub/internal/config"
	"redub/internal/hashing"
	"redub/internal/logging"
	"redub/internal/services"
	"redub/internal/store"
)

// Registry versions prompt templates over the store.
type Registry struct {
	store  *store.Store
	dir    string
	logger *slog.Logger
}

// NewRegistry builds a registry rooted at the configured prompt directory.
func NewRegistry(st *store.Store, cfg *config.Config, logger *slog.Logger) *Registry {
	return &Registry{
		store:  st,
		dir:    cfg.Paths.PromptDir,
		logger: logging.NewComponentLogger(logger, "prompts"),
	}
}

// TemplatePath returns the conventional on-disk location for a prompt name.
func (r *Registry) TemplatePath(name string) string {
	return filepath.Join(r.dir, name+".md")
}

// Register hashes the template at path and records it as a version of name.
// An empty path falls back to the conventional location; an empty name falls
// back to the frontmatter name, then the filename stem. Identical bodies
// dedupe to the existing version.
func (r *Registry) Register(ctx context.Context, name, path string, setDefault bool) (*store.PromptVersion, bool, error) {
	if path == "" {
		if name == "" {
			return nil, false, services.Wrap(services.ErrValidation, "prompts", "register", "name or path required", nil)
		}
		path = r.TemplatePath(name)
	}
	meta, body, err := LoadTemplate(path)
	if err != nil {
		return nil, false, err
	}
	if name == "" {
		name = strings.TrimSpace(meta.Name)
	}
	if name == "" {
		name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if body == "" {
		return nil, false, services.Wrap(services.ErrValidation, "prompts", "register", fmt.Sprintf("template %s has an empty body", path), nil)
	}

	params := ""
	if len(meta.ModelParams) > 0 {
		encoded, err := json.Marshal(meta.ModelParams)
		if err != nil {
			return nil, false, fmt.Errorf("encode model params: %w", err)
		}
		params = string(encoded)
	}

	version, created, err := r.store.RegisterPromptVersion(ctx, &store.PromptVersion{
		Name:         name,
		ContentHash:  hashing.Text(body),
		TemplatePath: path,
		Model:        meta.Model,
		ModelParams:  params,
	})
	if err != nil {
		return nil, false, err
	}
	if setDefault && !version.IsDefault {
		if err := r.store.PromoteDefault(ctx, name, version.Version); err != nil {
			return nil, false, err
		}
		version.IsDefault = true
	}

	if created {
		r.logger.Info("prompt version registered",
			logging.String("prompt", name),
			logging.Int("version", version.Version),
			logging.Bool("default", version.IsDefault),
			logging.String(logging.FieldEventType, "prompt_registered"),
		)
	}
	return version, created, nil
}

// Resolved is the prompt a stage actually runs with.
type Resolved struct {
	Version  *store.PromptVersion
	Metadata Metadata
	Body     string
	Hash     string
}

// Resolve returns the operative prompt for name. The on-disk template is the
// source of truth: an edited file auto-registers as a new version before use,
// while an unchanged file resolves to the stored default.
func (r *Registry) Resolve(ctx context.Context, name string) (*Resolved, error) {
	def, err := r.store.DefaultPromptVersion(ctx, name)
	if err != nil {
		return nil, err
	}

	path := r.TemplatePath(name)
	if def != nil && def.TemplatePath != "" {
		if _, statErr := os.Stat(def.TemplatePath); statErr == nil {
			path = def.TemplatePath
		}
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, services.Wrap(services.ErrConfiguration, "prompts", "resolve",
			fmt.Sprintf("no template for prompt %q at %s", name, path), nil)
	}

	meta, body, err := LoadTemplate(path)
	if err != nil {
		return nil, err
	}
	hash := hashing.Text(body)

	version := def
	if version == nil || version.ContentHash != hash {
		version, _, err = r.Register(ctx, name, path, false)
		if err != nil {
			return nil, err
		}
	}

	return &Resolved{Version: version, Metadata: meta, Body: body, Hash: hash}, nil
}

// Default returns the default version for name, or nil.
func (r *Registry) Default(ctx context.Context, name string) (*store.PromptVersion, error) {
	return r.store.DefaultPromptVersion(ctx, name)
}

// Version returns one registered version of name, or nil when it does not exist.
func (r *Registry) Version(ctx context.Context, name string, version int) (*store.PromptVersion, error) {
	return r.store.PromptVersion(ctx, name, version)
}

// Promote flips the default flag to the named version atomically.
func (r *Registry) Promote(ctx context.Context, name string, version int) error {
	if err := r.store.PromoteDefault(ctx, name, version); err != nil {
		return err
	}
	r.logger.Info("prompt default promoted",
		logging.String("prompt", name),
		logging.Int("version", version),
		logging.String(logging.FieldEventType, "prompt_promoted"),
	)
	return nil
}

// History returns versions of name ordered newest first.
func (r *Registry) History(ctx context.Context, name string) ([]*store.PromptVersion, error) {
	return r.store.PromptVersions(ctx, name)
}
