package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// InlineRepository persists inline feed notifications.
type InlineRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewInlineRepository(db *DB, logger *zap.Logger) *InlineRepository {
	return &InlineRepository{db: db, logger: logger}
}

// Insert stores a new inline notification.
func (r *InlineRepository) Insert(ctx context.Context, n *InlineNotification) error {
	query := `
		INSERT INTO notifications (
			id, member_id, app, key, item_class, item_id,
			sub_item_class, sub_item_id, extra, sent_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`

	_, err := r.db.Pool().Exec(ctx, query,
		n.ID,
		n.MemberID,
		n.App,
		n.Key,
		n.ItemClass,
		n.ItemID,
		n.SubItemClass,
		n.SubItemID,
		n.Extra,
		n.SentAt,
	)
	if err != nil {
		r.logger.Error("failed to insert inline notification",
			zap.Error(err),
			zap.String("notification_id", n.ID.String()),
		)
		return fmt.Errorf("insert inline notification: %w", err)
	}

	return nil
}

// FindUnread returns the unread notification matching the merge key
// (key, item class, item id, member), or nil when there is none.
//
// The subsequent Merge is a separate statement, so two concurrent
// dispatches of the same event can both miss here and insert two rows.
// That is an accepted data-quality risk: the feed shows a duplicate, no
// state is corrupted, and a unique constraint would change the extra-merge
// semantics.
func (r *InlineRepository) FindUnread(ctx context.Context, key, itemClass string, itemID int64, member uuid.UUID) (*InlineNotification, error) {
	query := `
		SELECT id, member_id, app, key, item_class, item_id,
			sub_item_class, sub_item_id, extra, sent_at, updated_at, read_at
		FROM notifications
		WHERE key = $1 AND item_class = $2 AND item_id = $3 AND member_id = $4 AND read_at IS NULL
	`

	var n InlineNotification
	err := r.db.Pool().QueryRow(ctx, query, key, itemClass, itemID, member).Scan(
		&n.ID,
		&n.MemberID,
		&n.App,
		&n.Key,
		&n.ItemClass,
		&n.ItemID,
		&n.SubItemClass,
		&n.SubItemID,
		&n.Extra,
		&n.SentAt,
		&n.UpdatedAt,
		&n.ReadAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query unread notification: %w", err)
	}

	return &n, nil
}

// Merge folds a repeated event into an existing unread row: the timestamp
// is bumped and the extra payload is the union of both events, with the
// new event's values winning on key collision.
func (r *InlineRepository) Merge(ctx context.Context, id uuid.UUID, extra map[string]any, at time.Time) error {
	merged, err := json.Marshal(extra)
	if err != nil {
		return fmt.Errorf("marshal extra: %w", err)
	}

	query := `
		UPDATE notifications
		SET updated_at = $1,
			extra = COALESCE(extra, '{}'::jsonb) || $2::jsonb
		WHERE id = $3 AND read_at IS NULL
	`

	result, err := r.db.Pool().Exec(ctx, query, at, merged, id)
	if err != nil {
		return fmt.Errorf("merge inline notification: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found or already read: %s", id)
	}

	return nil
}

// ListByMember retrieves a member's feed, newest activity first.
func (r *InlineRepository) ListByMember(ctx context.Context, member uuid.UUID, limit, offset int) ([]*InlineNotification, error) {
	query := `
		SELECT id, member_id, app, key, item_class, item_id,
			sub_item_class, sub_item_id, extra, sent_at, updated_at, read_at
		FROM notifications
		WHERE member_id = $1
		ORDER BY updated_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, member, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	var notifications []*InlineNotification
	for rows.Next() {
		var n InlineNotification
		err := rows.Scan(
			&n.ID,
			&n.MemberID,
			&n.App,
			&n.Key,
			&n.ItemClass,
			&n.ItemID,
			&n.SubItemClass,
			&n.SubItemID,
			&n.Extra,
			&n.SentAt,
			&n.UpdatedAt,
			&n.ReadAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, &n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// UnreadCount returns the number of unread feed entries for a member,
// carried in push payloads as the app badge count.
func (r *InlineRepository) UnreadCount(ctx context.Context, member uuid.UUID) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE member_id = $1 AND read_at IS NULL`,
		member,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkRead marks a single notification read. Marking an already-read row
// is a no-op, not an error.
func (r *InlineRepository) MarkRead(ctx context.Context, id, member uuid.UUID, at time.Time) error {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET read_at = COALESCE(read_at, $1) WHERE id = $2 AND member_id = $3`,
		at, id, member,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("notification not found: %s", id)
	}
	return nil
}

// MarkAllRead marks every unread notification for a member as read.
func (r *InlineRepository) MarkAllRead(ctx context.Context, member uuid.UUID, at time.Time) (int64, error) {
	result, err := r.db.Pool().Exec(ctx,
		`UPDATE notifications SET read_at = $1 WHERE member_id = $2 AND read_at IS NULL`,
		at, member,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	return result.RowsAffected(), nil
}
