package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SubscriptionRepository manages Web Push device registrations.
type SubscriptionRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewSubscriptionRepository(db *DB, logger *zap.Logger) *SubscriptionRepository {
	return &SubscriptionRepository{db: db, logger: logger}
}

// Save registers (or refreshes) a device's subscription. A device
// re-registering replaces its previous endpoint and keys.
func (r *SubscriptionRepository) Save(ctx context.Context, s *PushSubscription) error {
	query := `
		INSERT INTO push_subscriptions (id, member_id, device_id, endpoint, encoding, p256dh, auth, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (member_id, device_id) DO UPDATE
			SET endpoint = EXCLUDED.endpoint,
				encoding = EXCLUDED.encoding,
				p256dh = EXCLUDED.p256dh,
				auth = EXCLUDED.auth,
				active = EXCLUDED.active
	`

	_, err := r.db.Pool().Exec(ctx, query,
		s.ID, s.MemberID, s.DeviceID, s.Endpoint, s.Encoding, s.P256DH, s.Auth, s.Active,
	)
	if err != nil {
		return fmt.Errorf("save push subscription: %w", err)
	}

	r.logger.Info("push subscription saved",
		zap.String("member_id", s.MemberID.String()),
		zap.String("device_id", s.DeviceID),
		zap.String("encoding", s.Encoding),
	)

	return nil
}

// ForMembers returns every subscription belonging to the given members.
func (r *SubscriptionRepository) ForMembers(ctx context.Context, members []uuid.UUID) ([]*PushSubscription, error) {
	if len(members) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, member_id, device_id, endpoint, encoding, p256dh, auth, active, created_at
		FROM push_subscriptions
		WHERE member_id = ANY($1)
	`

	rows, err := r.db.Pool().Query(ctx, query, members)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*PushSubscription
	for rows.Next() {
		var s PushSubscription
		err := rows.Scan(&s.ID, &s.MemberID, &s.DeviceID, &s.Endpoint, &s.Encoding, &s.P256DH, &s.Auth, &s.Active, &s.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, &s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return subs, nil
}

// ActiveCounts returns, per member, how many logged-in devices they have
// registered. Members with zero are absent from the result.
func (r *SubscriptionRepository) ActiveCounts(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]int, error) {
	out := make(map[uuid.UUID]int)
	if len(members) == 0 {
		return out, nil
	}

	query := `
		SELECT member_id, COUNT(*)
		FROM push_subscriptions
		WHERE member_id = ANY($1) AND active
		GROUP BY member_id
	`

	rows, err := r.db.Pool().Query(ctx, query, members)
	if err != nil {
		return nil, fmt.Errorf("count subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var member uuid.UUID
		var count int
		if err := rows.Scan(&member, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[member] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return out, nil
}

// Delete removes a subscription, typically after the push service reports
// the endpoint permanently gone (404/410).
func (r *SubscriptionRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Pool().Exec(ctx, `DELETE FROM push_subscriptions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete push subscription: %w", err)
	}

	r.logger.Info("push subscription deleted", zap.String("subscription_id", id.String()))
	return nil
}

// SetActive flips a device's logged-in flag. Inactive subscriptions are
// skipped by the transport but kept for when the device logs back in.
func (r *SubscriptionRepository) SetActive(ctx context.Context, member uuid.UUID, deviceID string, active bool) error {
	_, err := r.db.Pool().Exec(ctx,
		`UPDATE push_subscriptions SET active = $1 WHERE member_id = $2 AND device_id = $3`,
		active, member, deviceID,
	)
	if err != nil {
		return fmt.Errorf("set subscription active: %w", err)
	}
	return nil
}
