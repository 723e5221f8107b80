// Package notifications publishes account health transitions so
// operators can rotate credentials before the pool drains. The SNS
// publisher satisfies health.Notifier; publish failures are logged and
// dropped because notification delivery must never block routing.
package notifications

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
)

type EventType string

const (
	EventAccountInvalid       EventType = "account_invalid"
	EventAccountQuotaExceeded EventType = "account_quota_exceeded"
	EventAccountRecovered     EventType = "account_recovered"
)

// Event is one account health transition.
type Event struct {
	Type      EventType  `json:"type"`
	AccountID string     `json:"account_id"`
	Message   string     `json:"message"`
	ResetsAt  *time.Time `json:"resets_at,omitempty"`
}

type SNSNotifier struct {
	client   *sns.Client
	topicArn string
}

func NewSNSNotifier(ctx context.Context, region, topicArn string) (*SNSNotifier, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}, nil
}

func NewSNSNotifierWithConfig(cfg aws.Config, topicArn string) *SNSNotifier {
	return &SNSNotifier{
		client:   sns.NewFromConfig(cfg),
		topicArn: topicArn,
	}
}

func (n *SNSNotifier) AccountInvalid(ctx context.Context, accountID string) {
	n.publish(ctx, Event{
		Type:      EventAccountInvalid,
		AccountID: accountID,
		Message:   "account credential rejected by upstream and marked invalid",
	})
}

func (n *SNSNotifier) AccountQuotaExceeded(ctx context.Context, accountID string, resetsAt time.Time) {
	n.publish(ctx, Event{
		Type:      EventAccountQuotaExceeded,
		AccountID: accountID,
		Message:   "account exhausted its upstream quota",
		ResetsAt:  &resetsAt,
	})
}

func (n *SNSNotifier) AccountRecovered(ctx context.Context, accountID string) {
	n.publish(ctx, Event{
		Type:      EventAccountRecovered,
		AccountID: accountID,
		Message:   "account returned to active",
	})
}

func (n *SNSNotifier) publish(ctx context.Context, event Event) {
	message, err := json.Marshal(event)
	if err != nil {
		slog.Error("marshal notification", "error", err)
		return
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(n.topicArn),
		Message:  aws.String(string(message)),
		MessageAttributes: map[string]snstypes.MessageAttributeValue{
			"Type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(event.Type)),
			},
			"AccountID": {
				DataType:    aws.String("String"),
				StringValue: aws.String(event.AccountID),
			},
		},
	}

	if _, err := n.client.Publish(ctx, input); err != nil {
		slog.Error("publish notification", "type", event.Type, "account_id", event.AccountID, "error", err)
		return
	}
	slog.Info("notification sent", "type", event.Type, "account_id", event.AccountID)
}

// InMemoryNotifier records events for tests.
type InMemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewInMemoryNotifier() *InMemoryNotifier {
	return &InMemoryNotifier{}
}

func (n *InMemoryNotifier) AccountInvalid(ctx context.Context, accountID string) {
	n.record(Event{Type: EventAccountInvalid, AccountID: accountID})
}

func (n *InMemoryNotifier) AccountQuotaExceeded(ctx context.Context, accountID string, resetsAt time.Time) {
	n.record(Event{Type: EventAccountQuotaExceeded, AccountID: accountID, ResetsAt: &resetsAt})
}

func (n *InMemoryNotifier) AccountRecovered(ctx context.Context, accountID string) {
	n.record(Event{Type: EventAccountRecovered, AccountID: accountID})
}

func (n *InMemoryNotifier) record(event Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *InMemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}
