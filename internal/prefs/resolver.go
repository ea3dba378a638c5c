// Package prefs resolves per-member notification channel preferences
// against the type catalog: explicit member overrides where the type is
// editable, type defaults otherwise, with globally-disabled and
// server-unsupported channels subtracted from every result.
package prefs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/notify"
)

// Repository is the slice of the preference store the resolver needs.
type Repository interface {
	Defaults(ctx context.Context) ([]*db.TypeDefault, error)
	SeedDefault(ctx context.Context, d *db.TypeDefault) error
	BulkPreferences(ctx context.Context, members []uuid.UUID) ([]*db.PreferenceRow, error)
}

// DefaultsCache is an external cache for the merged type catalog, shared
// across processes. Nil-able: without one the resolver keeps a
// process-local copy.
type DefaultsCache interface {
	GetJSON(ctx context.Context) ([]byte, bool, error)
	SetJSON(ctx context.Context, data []byte) error
	Invalidate(ctx context.Context) error
}

// TypeSpec is a notification type advertised by a platform extension:
// its key, the parent group it rolls up to (if any) and the channels it
// suggests when the admin has not configured it yet.
type TypeSpec struct {
	Key      string
	Parent   string // e.g. follower_content; "" when the type stands alone
	Default  notify.ChannelSet
	Disabled notify.ChannelSet
}

// TypeConfig is one resolved catalog entry.
type TypeConfig struct {
	Default  notify.ChannelSet `json:"default"`
	Disabled notify.ChannelSet `json:"disabled"`
	Editable bool              `json:"editable"`
}

// Resolver loads and caches the merged type catalog and bulk-resolves
// member preferences against it.
type Resolver struct {
	repo    Repository
	cache   DefaultsCache
	catalog []TypeSpec
	logger  *zap.Logger

	// unsupported channels are dropped from every resolved set, e.g.
	// push when the server has no VAPID key pair.
	unsupported notify.ChannelSet

	mu    sync.Mutex
	local map[string]TypeConfig
}

func NewResolver(repo Repository, cache DefaultsCache, catalog []TypeSpec, unsupported notify.ChannelSet, logger *zap.Logger) *Resolver {
	return &Resolver{
		repo:        repo,
		cache:       cache,
		catalog:     catalog,
		unsupported: unsupported,
		logger:      logger,
	}
}

// Defaults returns the merged type catalog: admin-configured rows from
// the defaults table, supplemented with catalog types the table does not
// know yet. Newly seen types are seeded into the table (inheriting the
// parent group's stored values when the group is configured) and the
// merged result is cached until Invalidate.
func (r *Resolver) Defaults(ctx context.Context) (map[string]TypeConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defaultsLocked(ctx)
}

func (r *Resolver) defaultsLocked(ctx context.Context) (map[string]TypeConfig, error) {
	if r.local != nil {
		return r.local, nil
	}

	if r.cache != nil {
		if data, ok, err := r.cache.GetJSON(ctx); err != nil {
			r.logger.Warn("defaults cache read failed, falling back to database", zap.Error(err))
		} else if ok {
			var cached map[string]TypeConfig
			if err := json.Unmarshal(data, &cached); err == nil {
				r.local = cached
				return r.local, nil
			}
			r.logger.Warn("defaults cache held invalid payload, rebuilding", zap.Error(err))
		}
	}

	stored, err := r.repo.Defaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("load notification defaults: %w", err)
	}

	merged := make(map[string]TypeConfig, len(stored)+len(r.catalog))
	for _, row := range stored {
		merged[row.Key] = TypeConfig{
			Default:  notify.ParseChannelSet(row.Default),
			Disabled: notify.ParseChannelSet(row.Disabled),
			Editable: row.Editable,
		}
	}

	for _, spec := range r.catalog {
		if existing, ok := merged[spec.Key]; ok {
			// Extension-declared disabled channels apply on top of the
			// admin's stored row.
			existing.Disabled = existing.Disabled.Union(spec.Disabled)
			merged[spec.Key] = existing
			continue
		}

		cfg := TypeConfig{Default: spec.Default, Disabled: spec.Disabled, Editable: true}
		if spec.Parent != "" {
			if parent, ok := merged[spec.Parent]; ok {
				cfg.Default = parent.Default
				cfg.Disabled = parent.Disabled
			}
		}

		if err := r.repo.SeedDefault(ctx, &db.TypeDefault{
			Key:      spec.Key,
			Default:  cfg.Default.String(),
			Disabled: cfg.Disabled.String(),
			Editable: true,
		}); err != nil {
			return nil, fmt.Errorf("seed type %s: %w", spec.Key, err)
		}
		merged[spec.Key] = cfg
	}

	if r.cache != nil {
		if data, err := json.Marshal(merged); err == nil {
			if err := r.cache.SetJSON(ctx, data); err != nil {
				r.logger.Warn("defaults cache write failed", zap.Error(err))
			}
		}
	}

	r.local = merged
	return r.local, nil
}

// Invalidate drops the cached catalog; the next Defaults call rebuilds
// it. Exposed to the admin surface so catalog edits take effect without a
// restart.
func (r *Resolver) Invalidate(ctx context.Context) error {
	r.mu.Lock()
	r.local = nil
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.Invalidate(ctx); err != nil {
			return fmt.Errorf("invalidate defaults cache: %w", err)
		}
	}

	r.logger.Info("notification defaults cache invalidated")
	return nil
}

// Resolve bulk-loads preferences for all members in one query and returns
// the effective channel set per member per type.
//
// Precedence per (member, type): explicit member row if the type is
// editable, else the type default — and in both cases the type's disabled
// set and the server's unsupported set are subtracted, so a disabled
// channel can never be re-enabled by an override.
func (r *Resolver) Resolve(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]map[string]notify.ChannelSet, error) {
	out := make(map[uuid.UUID]map[string]notify.ChannelSet, len(members))
	if len(members) == 0 {
		return out, nil
	}

	defaults, err := r.Defaults(ctx)
	if err != nil {
		return nil, err
	}

	for _, id := range members {
		resolved := make(map[string]notify.ChannelSet, len(defaults))
		for key, cfg := range defaults {
			resolved[key] = cfg.Default.Subtract(cfg.Disabled).Subtract(r.unsupported)
		}
		out[id] = resolved
	}

	rows, err := r.repo.BulkPreferences(ctx, members)
	if err != nil {
		return nil, fmt.Errorf("bulk load preferences: %w", err)
	}

	for _, row := range rows {
		if row.Pref == nil || !row.Editable || row.MemberID == uuid.Nil {
			continue
		}
		member, ok := out[row.MemberID]
		if !ok {
			continue
		}
		disabled := notify.ParseChannelSet(row.Disabled)
		member[row.Key] = notify.ParseChannelSet(*row.Pref).Subtract(disabled).Subtract(r.unsupported)
	}

	return out, nil
}
