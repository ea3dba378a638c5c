package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PreferenceRepository reads and writes the notification type catalog and
// per-member channel preferences.
type PreferenceRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewPreferenceRepository(db *DB, logger *zap.Logger) *PreferenceRepository {
	return &PreferenceRepository{db: db, logger: logger}
}

// Defaults loads the whole notification type catalog.
func (r *PreferenceRepository) Defaults(ctx context.Context) ([]*TypeDefault, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT notification_key, default_channels, disabled_channels, editable FROM notification_defaults`,
	)
	if err != nil {
		return nil, fmt.Errorf("query notification defaults: %w", err)
	}
	defer rows.Close()

	var defaults []*TypeDefault
	for rows.Next() {
		var d TypeDefault
		if err := rows.Scan(&d.Key, &d.Default, &d.Disabled, &d.Editable); err != nil {
			return nil, fmt.Errorf("scan default: %w", err)
		}
		defaults = append(defaults, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return defaults, nil
}

// SeedDefault registers a type that extensions advertise but the catalog
// does not know yet. First write wins; a concurrent seed of the same key
// is harmless.
func (r *PreferenceRepository) SeedDefault(ctx context.Context, d *TypeDefault) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO notification_defaults (notification_key, default_channels, disabled_channels, editable)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (notification_key) DO NOTHING
	`, d.Key, d.Default, d.Disabled, d.Editable)
	if err != nil {
		return fmt.Errorf("seed notification default: %w", err)
	}

	r.logger.Info("notification type registered",
		zap.String("key", d.Key),
		zap.String("default", d.Default),
	)

	return nil
}

// BulkPreferences loads the defaults joined against every explicit
// preference row for the given members, in one pass. One row per
// (type, member-with-override) plus one default-only row per type, which
// is how the resolver seeds members lacking an override without a second
// query.
func (r *PreferenceRepository) BulkPreferences(ctx context.Context, members []uuid.UUID) ([]*PreferenceRow, error) {
	if len(members) == 0 {
		return nil, nil
	}

	query := `
		SELECT d.notification_key, d.default_channels, d.disabled_channels, d.editable,
			p.member_id, p.preference
		FROM notification_defaults d
		LEFT JOIN notification_preferences p
			ON d.notification_key = p.notification_key AND p.member_id = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, members)
	if err != nil {
		return nil, fmt.Errorf("query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []*PreferenceRow
	for rows.Next() {
		var row PreferenceRow
		var memberID *uuid.UUID
		if err := rows.Scan(&row.Key, &row.Default, &row.Disabled, &row.Editable, &memberID, &row.Pref); err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		if memberID != nil {
			row.MemberID = *memberID
		}
		prefs = append(prefs, &row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return prefs, nil
}

// SavePreference upserts one member's explicit preference for a type.
func (r *PreferenceRepository) SavePreference(ctx context.Context, member uuid.UUID, key, preference string) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO notification_preferences (member_id, notification_key, preference)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id, notification_key) DO UPDATE SET preference = EXCLUDED.preference
	`, member, key, preference)
	if err != nil {
		return fmt.Errorf("save preference: %w", err)
	}
	return nil
}

// MemberPreferences returns a member's explicit overrides keyed by type.
func (r *PreferenceRepository) MemberPreferences(ctx context.Context, member uuid.UUID) (map[string]string, error) {
	rows, err := r.db.Pool().Query(ctx,
		`SELECT notification_key, preference FROM notification_preferences WHERE member_id = $1`,
		member,
	)
	if err != nil {
		return nil, fmt.Errorf("query member preferences: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var key, pref string
		if err := rows.Scan(&key, &pref); err != nil {
			return nil, fmt.Errorf("scan member preference: %w", err)
		}
		out[key] = pref
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}
