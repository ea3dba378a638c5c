package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// PushQueueRepository stores pre-encoded push payloads so the background
// worker never re-renders notification text when fanning one event out to
// many devices.
type PushQueueRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewPushQueueRepository(db *DB, logger *zap.Logger) *PushQueueRepository {
	return &PushQueueRepository{db: db, logger: logger}
}

// Enqueue persists a batch of payloads in one round trip and returns the
// ids in input order.
func (r *PushQueueRepository) Enqueue(ctx context.Context, items []*QueuedPush) ([]uuid.UUID, error) {
	if len(items) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, 0, len(items))
	batchMembers := make([]uuid.UUID, 0, len(items))
	payloads := make([][]byte, 0, len(items))
	expirations := make([]time.Time, 0, len(items))
	for _, item := range items {
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		ids = append(ids, item.ID)
		batchMembers = append(batchMembers, item.MemberID)
		payloads = append(payloads, item.Payload)
		expirations = append(expirations, item.ExpiresAt)
	}

	query := `
		INSERT INTO push_queue (id, member_id, payload, expires_at)
		SELECT * FROM unnest($1::uuid[], $2::uuid[], $3::jsonb[], $4::timestamptz[])
	`

	_, err := r.db.Pool().Exec(ctx, query, ids, batchMembers, payloads, expirations)
	if err != nil {
		return nil, fmt.Errorf("enqueue push payloads: %w", err)
	}

	return ids, nil
}

// Load fetches the queued payloads for a batch job, silently dropping
// rows that expired while the job sat in the queue.
func (r *PushQueueRepository) Load(ctx context.Context, ids []uuid.UUID) ([]*QueuedPush, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, member_id, payload, expires_at
		FROM push_queue
		WHERE id = ANY($1) AND expires_at > NOW()
	`

	rows, err := r.db.Pool().Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("load push queue: %w", err)
	}
	defer rows.Close()

	var items []*QueuedPush
	for rows.Next() {
		var q QueuedPush
		if err := rows.Scan(&q.ID, &q.MemberID, &q.Payload, &q.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan queued push: %w", err)
		}
		items = append(items, &q)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return items, nil
}

// Delete removes processed payloads.
func (r *PushQueueRepository) Delete(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM push_queue WHERE id = ANY($1)`, ids)
	if err != nil {
		return fmt.Errorf("delete push queue rows: %w", err)
	}
	return nil
}

// PurgeExpired drops payloads past their TTL and returns how many went.
func (r *PushQueueRepository) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM push_queue WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("purge push queue: %w", err)
	}

	if n := result.RowsAffected(); n > 0 {
		r.logger.Info("purged expired push payloads", zap.Int64("count", n))
		return n, nil
	}
	return 0, nil
}
