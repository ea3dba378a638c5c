// Package worker owns the push fan-out boundary: the gateway decides
// whether a batch is sent in-process or handed to the background queue,
// and the worker drains queued batches.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/db"
	"github.com/forgeboard/notify/internal/metrics"
	"github.com/forgeboard/notify/internal/notify"
	"github.com/forgeboard/notify/internal/sqs"
	"github.com/forgeboard/notify/internal/webpush"
)

// payloadExpiry is how long a queued payload stays deliverable. A push
// about day-old activity is noise, not news.
const payloadExpiry = 24 * time.Hour

// QueueStore persists pre-encoded payloads between dispatch and delivery.
type QueueStore interface {
	Enqueue(ctx context.Context, items []*db.QueuedPush) ([]uuid.UUID, error)
	Load(ctx context.Context, ids []uuid.UUID) ([]*db.QueuedPush, error)
	Delete(ctx context.Context, ids []uuid.UUID) error
	PurgeExpired(ctx context.Context) (int64, error)
}

// DeviceCounter reports how many logged-in devices members have.
type DeviceCounter interface {
	ActiveCounts(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]int, error)
}

// BatchSender delivers payloads to the push services.
type BatchSender interface {
	SendBatch(ctx context.Context, deliveries []webpush.Delivery) error
}

// JobPublisher hands a batch job to the background queue.
type JobPublisher interface {
	Publish(ctx context.Context, job *sqs.PushBatchJob) (string, error)
}

// Gateway implements notify.PushSink. Every accepted batch is persisted
// to the payload queue first; a batch targeting a single device is then
// delivered in-process (the common "reply to one member" case), anything
// larger becomes a background job.
type Gateway struct {
	queue    QueueStore
	devices  DeviceCounter
	sender   BatchSender
	producer JobPublisher
	logger   *zap.Logger
}

// NewGateway wires the gateway. sender may be nil when push is not
// configured; producer may be nil to force in-process delivery (tests,
// single-binary deployments without SQS).
func NewGateway(queue QueueStore, devices DeviceCounter, sender BatchSender, producer JobPublisher, logger *zap.Logger) *Gateway {
	return &Gateway{
		queue:    queue,
		devices:  devices,
		sender:   sender,
		producer: producer,
		logger:   logger,
	}
}

// Enabled reports whether push delivery is available at all.
func (g *Gateway) Enabled() bool {
	return g.sender != nil
}

// ActiveDeviceCounts exposes the device counts the dispatcher gates
// eligibility on.
func (g *Gateway) ActiveDeviceCounts(ctx context.Context, members []uuid.UUID) (map[uuid.UUID]int, error) {
	return g.devices.ActiveCounts(ctx, members)
}

// Dispatch accepts one batch of rendered payloads.
func (g *Gateway) Dispatch(ctx context.Context, batch []notify.MemberPush, ttl int64, urgency string) error {
	if !g.Enabled() || len(batch) == 0 {
		return nil
	}

	queued := make([]*db.QueuedPush, 0, len(batch))
	members := make([]uuid.UUID, 0, len(batch))
	expiresAt := time.Now().Add(payloadExpiry)
	for _, p := range batch {
		payload, err := json.Marshal(p.Content)
		if err != nil {
			return fmt.Errorf("marshal push payload: %w", err)
		}
		queued = append(queued, &db.QueuedPush{
			MemberID:  p.MemberID,
			Payload:   payload,
			ExpiresAt: expiresAt,
		})
		members = append(members, p.MemberID)
	}

	ids, err := g.queue.Enqueue(ctx, queued)
	if err != nil {
		return fmt.Errorf("persist push payloads: %w", err)
	}

	counts, err := g.devices.ActiveCounts(ctx, members)
	if err != nil {
		return fmt.Errorf("count target devices: %w", err)
	}
	total := 0
	for _, n := range counts {
		total += n
	}

	if total == 1 || g.producer == nil {
		metrics.RecordPushHandoff("direct")
		return g.deliverNow(ctx, ids, queued, ttl, urgency)
	}

	job := &sqs.PushBatchJob{QueueIDs: ids, TTL: ttl, Urgency: urgency}
	if _, err := g.producer.Publish(ctx, job); err != nil {
		// Queue trouble must not lose the event; fall back to sending
		// here and now.
		g.logger.Warn("batch job publish failed, delivering in-process",
			zap.Int("payloads", len(ids)),
			zap.Error(err),
		)
		metrics.RecordPushHandoff("direct")
		return g.deliverNow(ctx, ids, queued, ttl, urgency)
	}

	metrics.RecordPushHandoff("queued")
	g.logger.Debug("push batch queued",
		zap.Int("payloads", len(ids)),
		zap.Int("devices", total),
	)
	return nil
}

func (g *Gateway) deliverNow(ctx context.Context, ids []uuid.UUID, queued []*db.QueuedPush, ttl int64, urgency string) error {
	deliveries := make([]webpush.Delivery, len(queued))
	for i, q := range queued {
		deliveries[i] = webpush.Delivery{
			MemberID: q.MemberID,
			Payload:  q.Payload,
			TTL:      ttl,
			Urgency:  urgency,
		}
	}

	if err := g.sender.SendBatch(ctx, deliveries); err != nil {
		return fmt.Errorf("send push batch: %w", err)
	}

	if err := g.queue.Delete(ctx, ids); err != nil {
		// The rows expire on their own; losing the delete only costs a
		// purge later.
		g.logger.Warn("failed to clear delivered payloads", zap.Error(err))
	}
	return nil
}
