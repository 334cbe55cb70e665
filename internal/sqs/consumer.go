// Package sqs consumes billing events from an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/nudge/internal/billing"
	"github.com/lalithlochan/nudge/internal/metrics"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// API is the subset of the SQS client used by the consumer.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Applier applies a decoded billing event.
type Applier interface {
	Apply(ctx context.Context, e billing.Event, source string) error
}

// Consumer long-polls the billing queue and applies each event.
type Consumer struct {
	client   API
	queueURL string
	applier  Applier
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, applier Applier, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs billing consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return NewConsumerWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL, applier, logger), nil
}

// NewConsumerWithClient builds a consumer around an existing client.
func NewConsumerWithClient(client API, queueURL string, applier Applier, logger *zap.Logger) *Consumer {
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		applier:  applier,
		logger:   logger,
	}
}

// Run polls until ctx is cancelled. Receive errors back off briefly and do
// not stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.logger.Info("billing consumer stopping")
			return nil
		}

		n, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("billing queue receive failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("billing messages handled", zap.Int("count", n))
		}
	}
}

// Poll receives one batch and handles it. It returns the number of messages
// received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, m := range result.Messages {
		c.handle(ctx, m)
	}
	return len(result.Messages), nil
}

// handle applies one message. Successful and permanently invalid messages are
// deleted; anything else stays on the queue for redelivery.
func (c *Consumer) handle(ctx context.Context, m types.Message) {
	var e billing.Event
	if err := json.Unmarshal([]byte(aws.ToString(m.Body)), &e); err != nil {
		c.logger.Error("discarding undecodable billing message",
			zap.String("message_id", aws.ToString(m.MessageId)),
			zap.Error(err),
		)
		c.delete(ctx, m)
		return
	}

	if err := c.applier.Apply(ctx, e, billing.SourceQueue); err != nil {
		if errors.Is(err, billing.ErrInvalidEvent) {
			c.logger.Error("discarding invalid billing event",
				zap.String("message_id", aws.ToString(m.MessageId)),
				zap.Error(err),
			)
			c.delete(ctx, m)
			return
		}
		c.logger.Warn("billing event not applied, leaving for redelivery",
			zap.String("message_id", aws.ToString(m.MessageId)),
			zap.Error(err),
		)
		return
	}

	c.delete(ctx, m)
}

func (c *Consumer) delete(ctx context.Context, m types.Message) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: m.ReceiptHandle,
	})
	if err != nil {
		c.logger.Warn("sqs delete failed",
			zap.String("message_id", aws.ToString(m.MessageId)),
			zap.Error(err),
		)
	}
}
