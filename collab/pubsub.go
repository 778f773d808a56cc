package collab

import (
	"context"

	"device-allocator/models"
	"device-allocator/queues"
)

// Notification is the payload handed to the notification service.
type Notification struct {
	UserID  string         `json:"userId"`
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload,omitempty"`
}

// PubsubNotifier hands notifications to the delivery service through a topic. Delivery itself
// happens elsewhere; one bounded attempt is made.
type PubsubNotifier struct {
	publisher queues.Publisher
	topic     string
	policy    CallPolicy
}

func NewPubsubNotifier(p queues.Publisher, topic string, policy CallPolicy) *PubsubNotifier {
	policy.Attempts = 1
	return &PubsubNotifier{publisher: p, topic: topic, policy: policy}
}

func (n *PubsubNotifier) Notify(ctx context.Context, userID, kind string, payload map[string]any) error {
	ev := queues.NewEvent("notification."+kind, Notification{UserID: userID, Kind: kind, Payload: payload})
	return n.policy.do(ctx, "notify "+kind, func(ctx context.Context) error {
		return n.publisher.Publish(ctx, n.topic, ev)
	})
}

// PubsubBilling reports usage records to the billing topic.
type PubsubBilling struct {
	publisher queues.Publisher
	topic     string
	policy    CallPolicy
}

func NewPubsubBilling(p queues.Publisher, topic string, policy CallPolicy) *PubsubBilling {
	return &PubsubBilling{publisher: p, topic: topic, policy: policy}
}

func (b *PubsubBilling) ReportUsage(ctx context.Context, rec models.UsageRecord) error {
	ev := queues.NewEvent("billing.usage", rec)
	return b.policy.do(ctx, "billing report", func(ctx context.Context) error {
		return b.publisher.Publish(ctx, b.topic, ev)
	})
}
