package allocator

import (
	"context"

	"device-allocator/models"
	"device-allocator/queues"

	"github.com/rs/zerolog/log"
)

// Inventory is the read-only view of devices currently in a ready state.
type Inventory interface {
	ListReady(ctx context.Context) ([]models.Resource, error)
}

type Quota interface {
	Check(ctx context.Context, userID string, specs models.Specs) (models.QuotaDecision, error)
	Report(ctx context.Context, userID string, delta int) error
}

type Billing interface {
	ReportUsage(ctx context.Context, rec models.UsageRecord) error
}

// Notifier is fire-and-forget; callers only log its errors.
type Notifier interface {
	Notify(ctx context.Context, userID, kind string, payload map[string]any) error
}

// AllocateRequest is a request for one device.
type AllocateRequest struct {
	UserID          string
	TenantID        string
	DurationMinutes int
	Preferences     models.Preferences
	Metadata        map[string]string
}

// Stats aggregates allocation counts.
type Stats struct {
	Total    int    `json:"total"`
	Active   int    `json:"active"`
	Released int    `json:"released"`
	Expired  int    `json:"expired"`
	Strategy string `json:"strategy"`
}

// Emitter publishes domain events and notifications on a best-effort basis: failures are
// logged and never reach the caller.
type Emitter struct {
	Publisher queues.Publisher
	Notifier  Notifier
}

func (e Emitter) Publish(ctx context.Context, topic string, data any) {
	if e.Publisher == nil {
		return
	}
	if err := e.Publisher.Publish(ctx, topic, queues.NewEvent(topic, data)); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
	}
}

func (e Emitter) Notify(ctx context.Context, userID, kind string, payload map[string]any) {
	if e.Notifier == nil {
		return
	}
	if err := e.Notifier.Notify(ctx, userID, kind, payload); err != nil {
		log.Warn().Err(err).Str("userId", userID).Str("kind", kind).Msg("failed to send notification")
	}
}
