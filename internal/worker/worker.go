package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/forgeboard/notify/internal/metrics"
	"github.com/forgeboard/notify/internal/sqs"
	"github.com/forgeboard/notify/internal/webpush"
)

// JobSource is the queue side the worker consumes from.
type JobSource interface {
	ReceiveJob(ctx context.Context) (*sqs.PushBatchJob, string, error)
	DeleteJob(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// Worker drains push batch jobs: load the referenced payloads, deliver
// them, clear the rows. A ticker purges payloads that expired without
// ever being delivered.
type Worker struct {
	jobs   JobSource
	queue  QueueStore
	sender BatchSender
	config Config
	logger *zap.Logger
}

type Config struct {
	PurgeInterval time.Duration
}

func New(jobs JobSource, queue QueueStore, sender BatchSender, cfg Config, logger *zap.Logger) *Worker {
	if cfg.PurgeInterval == 0 {
		cfg.PurgeInterval = 15 * time.Minute
	}

	return &Worker{
		jobs:   jobs,
		queue:  queue,
		sender: sender,
		config: cfg,
		logger: logger,
	}
}

// Start blocks until ctx is cancelled, consuming jobs with long polling.
func (w *Worker) Start(ctx context.Context) {
	purge := time.NewTicker(w.config.PurgeInterval)
	defer purge.Stop()

	w.logger.Info("push worker started")

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("push worker stopping")
			return
		case <-purge.C:
			w.purgeExpired(ctx)
		default:
			w.consumeOne(ctx)
		}
	}
}

func (w *Worker) consumeOne(ctx context.Context) {
	job, receipt, err := w.jobs.ReceiveJob(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("failed to receive batch job", zap.Error(err))
		// Back off briefly so a broken queue does not spin the loop.
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
		return
	}
	if job == nil {
		return
	}

	metrics.SetSQSMessagesInFlight(1)
	defer metrics.SetSQSMessagesInFlight(0)

	if err := w.process(ctx, job); err != nil {
		// Leave the message for redelivery; a duplicate push is
		// cosmetic. Shorten visibility so the retry lands before
		// the payloads expire out of the queue table.
		w.logger.Error("batch job processing failed",
			zap.Int("payloads", len(job.QueueIDs)),
			zap.Error(err),
		)
		if err := w.jobs.ChangeVisibility(ctx, receipt, 30); err != nil {
			w.logger.Warn("failed to shorten job visibility", zap.Error(err))
		}
		return
	}

	if err := w.jobs.DeleteJob(ctx, receipt); err != nil {
		w.logger.Error("failed to delete processed job", zap.Error(err))
	}
}

func (w *Worker) process(ctx context.Context, job *sqs.PushBatchJob) error {
	queued, err := w.queue.Load(ctx, job.QueueIDs)
	if err != nil {
		return err
	}
	if len(queued) == 0 {
		// Every payload expired while the job waited. Nothing to send.
		w.logger.Info("batch job expired in queue", zap.Int("payloads", len(job.QueueIDs)))
		return nil
	}

	deliveries := make([]webpush.Delivery, len(queued))
	for i, q := range queued {
		deliveries[i] = webpush.Delivery{
			MemberID: q.MemberID,
			Payload:  q.Payload,
			TTL:      job.TTL,
			Urgency:  job.Urgency,
		}
	}

	if err := w.sender.SendBatch(ctx, deliveries); err != nil {
		return err
	}

	if err := w.queue.Delete(ctx, job.QueueIDs); err != nil {
		w.logger.Warn("failed to clear delivered payloads", zap.Error(err))
	}

	w.logger.Info("push batch delivered", zap.Int("payloads", len(queued)))
	return nil
}

func (w *Worker) purgeExpired(ctx context.Context) {
	n, err := w.queue.PurgeExpired(ctx)
	if err != nil {
		w.logger.Error("push queue purge failed", zap.Error(err))
		return
	}
	if n > 0 {
		metrics.RecordPushQueuePurged(n)
	}
}
