// Package sns publishes delivery events to an SNS topic for downstream
// consumers (analytics, audit, tenant dashboards).
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// EventDelivered is the event type published after a delivery is recorded.
const EventDelivered = "notification.delivered"

// API is the subset of the SNS client used by the publisher.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher handles SNS topic publishing
type Publisher struct {
	client   API
	topicARN string
}

// DeliveryEvent describes one recorded delivery.
type DeliveryEvent struct {
	Type      string    `json:"type"`
	TenantID  string    `json:"tenant_id"`
	EntityID  string    `json:"entity_id"`
	RuleType  string    `json:"rule_type"`
	Channel   string    `json:"channel"`
	SentAt    time.Time `json:"sent_at"`
	Lifecycle string    `json:"lifecycle_state,omitempty"`
}

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN), nil
}

// NewPublisherWithClient builds a publisher around an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

// PublishDelivery sends a delivery event with channel, rule and tenant
// attributes for subscription filter policies.
func (p *Publisher) PublishDelivery(ctx context.Context, ev DeliveryEvent) (string, error) {
	if ev.Type == "" {
		ev.Type = EventDelivered
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": stringAttr(ev.Type),
			"channel":    stringAttr(ev.Channel),
			"rule_type":  stringAttr(ev.RuleType),
			"tenant_id":  stringAttr(ev.TenantID),
		},
	}

	result, err := p.client.Publish(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

func stringAttr(v string) types.MessageAttributeValue {
	if v == "" {
		v = "none"
	}
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(v),
	}
}
