// Package sqs carries push fan-out batch jobs over AWS SQS. A job only
// references push_queue rows; the encoded payloads never travel on the
// queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// PushBatchJob is the payload sent to SQS: which queued payloads to
// deliver and the delivery parameters shared by the batch. The worker
// loads the rows by id, so a job surviving past the payload TTL simply
// finds nothing to send.
type PushBatchJob struct {
	QueueIDs   []uuid.UUID `json:"queue_ids"`
	TTL        int64       `json:"ttl"`
	Urgency    string      `json:"urgency"`
	EnqueuedAt int64       `json:"enqueued_at"`
}

// Producer publishes batch jobs.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish hands a batch job to SQS. Fire-and-forget: the caller's
// contract ends when SQS accepts the message.
func (p *Producer) Publish(ctx context.Context, job *PushBatchJob) (string, error) {
	if job.EnqueuedAt == 0 {
		job.EnqueuedAt = time.Now().UnixNano()
	}

	body, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	}

	result, err := p.client.SendMessage(ctx, input)
	if err != nil {
		p.logger.Error("failed to send job to sqs",
			zap.Error(err),
			zap.Int("queue_ids", len(job.QueueIDs)),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}

// Consumer reads batch jobs from SQS.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// ReceiveJob retrieves one batch job with long polling. Returns a nil
// job when the poll times out with nothing to do.
func (c *Consumer) ReceiveJob(ctx context.Context) (*PushBatchJob, string, error) {
	input := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return nil, "", fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, "", nil
	}

	msgData := result.Messages[0]

	var job PushBatchJob
	if err := json.Unmarshal([]byte(*msgData.Body), &job); err != nil {
		c.logger.Error("failed to unmarshal job", zap.Error(err))
		return nil, "", fmt.Errorf("invalid job format: %w", err)
	}

	return &job, *msgData.ReceiptHandle, nil
}

// DeleteJob removes a job from SQS after successful processing.
func (c *Consumer) DeleteJob(ctx context.Context, receiptHandle string) error {
	input := &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	}

	_, err := c.client.DeleteMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility extends the visibility timeout for a job.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	input := &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	}

	_, err := c.client.ChangeMessageVisibility(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}

// Close closes the SQS consumer.
func (c *Consumer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
