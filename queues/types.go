package queues

import (
	"context"
	"time"
)

const EnvelopeVersion = "1.0"

// Domain events published by the allocator.
const (
	TopicAllocationFailed        = "allocation.failed"
	TopicAllocationQuotaExceeded = "allocation.quota_exceeded"
	TopicAllocationAllocated     = "allocation.allocated"
	TopicAllocationReleased      = "allocation.released"
	TopicAllocationExpired       = "allocation.expired"
	TopicQueueJoined             = "queue.joined"
	TopicQueueFulfilled          = "queue.fulfilled"
	TopicQueueCancelled          = "queue.cancelled"
	TopicQueueExpired            = "queue.expired"
	TopicReservationCreated      = "reservation.created"
	TopicReservationUpdated      = "reservation.updated"
	TopicReservationConfirmed    = "reservation.confirmed"
	TopicReservationCancelled    = "reservation.cancelled"
	TopicReservationExecuted     = "reservation.executed"
	TopicReservationFailed       = "reservation.failed"
	TopicReservationExpired      = "reservation.expired"
)

// Event is the envelope every domain event is published in.
type Event struct {
	EnvelopeVersion string    `json:"envelopeVersion"`
	Type            string    `json:"type"`
	OccurredAt      time.Time `json:"occurredAt"`
	Data            any       `json:"data"`
}

func NewEvent(topic string, data any) *Event {
	return &Event{EnvelopeVersion: EnvelopeVersion, Type: topic, OccurredAt: time.Now().UTC(), Data: data}
}

// Message is an inbound message handed to a subscription handler.
type Message struct {
	ID         string
	Topic      string
	Data       []byte
	Attributes map[string]string
}

// Handler returning an error asks the broker to redeliver; after the broker's delivery limit the
// message is routed to the subscription's dead-letter topic.
type Handler func(ctx context.Context, msg *Message) error

// Subscription describes a topic subscription independent of the broker client.
type Subscription struct {
	Topic           string
	Handler         Handler
	Durable         bool
	DeadLetterTopic string
}

type Publisher interface {
	Publish(ctx context.Context, topic string, event *Event) error
}

type Subscriber interface {
	// Start blocks until ctx is cancelled or a subscription fails irrecoverably.
	Start(ctx context.Context, subs []Subscription) error
}
