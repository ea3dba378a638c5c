package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemberRepository reads the member records and ignore lists the
// dispatcher filters on. Members are owned by the platform; this engine
// only ever reads them.
type MemberRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewMemberRepository(db *DB, logger *zap.Logger) *MemberRepository {
	return &MemberRepository{db: db, logger: logger}
}

// Members bulk-loads the given members in one query. Missing ids are
// simply absent from the result; the dispatcher treats them as
// unidentified and skips them.
func (r *MemberRepository) Members(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Member, error) {
	out := make(map[uuid.UUID]*Member, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT id, name, email, language, banned, spammer, email_once, last_seen
		FROM members
		WHERE id = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("query members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m Member
		err := rows.Scan(
			&m.ID,
			&m.Name,
			&m.Email,
			&m.Language,
			&m.Banned,
			&m.Spammer,
			&m.EmailOnce,
			&m.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("scan member: %w", err)
		}
		out[m.ID] = &m
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// Ignores bulk-loads the ignore lists for the given members in one area.
// Result maps member -> set of ignored member ids.
func (r *MemberRepository) Ignores(ctx context.Context, ids []uuid.UUID, area string) (map[uuid.UUID]map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]map[uuid.UUID]bool, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query := `
		SELECT member_id, ignored_id
		FROM member_ignores
		WHERE member_id = ANY($1) AND area = $2
	`

	rows, err := r.db.Pool().Query(ctx, query, ids, area)
	if err != nil {
		return nil, fmt.Errorf("query ignores: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var member, ignored uuid.UUID
		if err := rows.Scan(&member, &ignored); err != nil {
			return nil, fmt.Errorf("scan ignore: %w", err)
		}
		if out[member] == nil {
			out[member] = make(map[uuid.UUID]bool)
		}
		out[member][ignored] = true
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}
