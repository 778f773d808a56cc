// Package cascade releases allocations when external services report that a device, user or
// billing account is no longer eligible to hold them.
package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"device-allocator/allocator"
	"device-allocator/coord"
	"device-allocator/metrics"
	"device-allocator/models"
	"device-allocator/queues"

	"github.com/rs/zerolog/log"
)

// Lifecycle topics published by the device, user and billing services.
const (
	TopicDeviceFailed          = "device.failed"
	TopicDeviceDeleted         = "device.deleted"
	TopicDeviceStatusChanged   = "device.status_changed"
	TopicDeviceMaintenance     = "device.maintenance"
	TopicUserDeleted           = "user.deleted"
	TopicUserSuspended         = "user.suspended"
	TopicUserQuotaUpdated      = "user.quota_updated"
	TopicUserQuotaExceeded     = "user.quota_exceeded"
	TopicBillingPaymentFailed  = "billing.payment_failed"
	TopicBillingOverdue        = "billing.overdue"
	TopicBillingPaymentSuccess = "billing.payment_success"
	TopicBillingRecharged      = "billing.recharged"

	deadLetterSuffix = ".dlq"
)

const (
	PaymentFailureThreshold = 3
	PaymentFailureTTL       = 30 * 24 * time.Hour
)

// Notification kinds sent by the handlers.
const (
	NotifyDeviceUnavailable = "device_unavailable"
	NotifyAccountRevoked    = "account_access_revoked"
	NotifyQuotaEnforced     = "quota_enforced"
	NotifyPaymentFailed     = "payment_failed"
	NotifyBillingOverdue    = "billing_overdue"
)

// Allocations is the subset of allocator.Manager the handlers release through.
type Allocations interface {
	ActiveForResource(ctx context.Context, resourceID string) (*models.Allocation, error)
	ListUserAllocations(ctx context.Context, userID string) ([]*models.Allocation, error)
	ReleaseByAllocationID(ctx context.Context, allocationID, reason string, automatic bool) (*models.Allocation, error)
}

// Queue is the subset of admission.Queue used to withdraw a user's waiting request.
type Queue interface {
	GetUserEntry(ctx context.Context, userID string) (*models.QueueEntry, error)
	CancelQueue(ctx context.Context, id, reason string) (*models.QueueEntry, error)
}

// Reservations is the subset of reservation.Scheduler used to withdraw a user's bookings.
type Reservations interface {
	ListUserReservations(ctx context.Context, userID string, statuses ...models.ReservationStatus) ([]*models.Reservation, error)
	CancelReservation(ctx context.Context, id, reason string) (*models.Reservation, error)
}

type DeviceEvent struct {
	DeviceID  string `json:"deviceId"`
	OldStatus string `json:"oldStatus,omitempty"`
	NewStatus string `json:"newStatus,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type UserEvent struct {
	UserID   string `json:"userId"`
	Reason   string `json:"reason,omitempty"`
	NewLimit *int   `json:"newLimit,omitempty"`
	Limit    *int   `json:"limit,omitempty"`
}

// limit prefers newLimit over limit.
func (e UserEvent) limit() (int, bool) {
	switch {
	case e.NewLimit != nil:
		return *e.NewLimit, true
	case e.Limit != nil:
		return *e.Limit, true
	}
	return 0, false
}

type BillingEvent struct {
	UserID string `json:"userId"`
	Reason string `json:"reason,omitempty"`
}

type Handler struct {
	allocations  Allocations
	queue        Queue
	reservations Reservations
	counter      coord.Counter
	events       allocator.Emitter
}

func NewHandler(allocations Allocations, queue Queue, reservations Reservations, counter coord.Counter, notifier allocator.Notifier) *Handler {
	return &Handler{
		allocations:  allocations,
		queue:        queue,
		reservations: reservations,
		counter:      counter,
		events:       allocator.Emitter{Notifier: notifier},
	}
}

// Subscriptions returns one durable, dead-lettered subscription per lifecycle topic.
func (h *Handler) Subscriptions() []queues.Subscription {
	handlers := []struct {
		topic string
		fn    queues.Handler
	}{
		{TopicDeviceFailed, h.onDeviceGone},
		{TopicDeviceDeleted, h.onDeviceGone},
		{TopicDeviceStatusChanged, h.onDeviceStatusChanged},
		{TopicDeviceMaintenance, h.onDeviceMaintenance},
		{TopicUserDeleted, h.onUserRevoked},
		{TopicUserSuspended, h.onUserRevoked},
		{TopicUserQuotaUpdated, h.onQuotaChanged},
		{TopicUserQuotaExceeded, h.onQuotaChanged},
		{TopicBillingPaymentFailed, h.onPaymentFailed},
		{TopicBillingOverdue, h.onBillingOverdue},
		{TopicBillingPaymentSuccess, h.onPaymentRecovered},
		{TopicBillingRecharged, h.onPaymentRecovered},
	}
	subs := make([]queues.Subscription, 0, len(handlers))
	for _, x := range handlers {
		subs = append(subs, queues.Subscription{
			Topic:           x.topic,
			Handler:         x.fn,
			Durable:         true,
			DeadLetterTopic: x.topic + deadLetterSuffix,
		})
	}
	return subs
}

// decode accepts either an envelope carrying the payload under "data" or the bare payload.
func decode(msg *queues.Message, v any) error {
	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		return err
	}
	body := msg.Data
	if len(env.Data) > 0 && string(env.Data) != "null" {
		body = env.Data
	}
	return json.Unmarshal(body, v)
}

var errMissingField = errors.New("missing required field")

func decodeDevice(msg *queues.Message) (DeviceEvent, error) {
	var ev DeviceEvent
	if err := decode(msg, &ev); err != nil {
		return ev, err
	}
	if ev.DeviceID == "" {
		return ev, fmt.Errorf("deviceId: %w", errMissingField)
	}
	return ev, nil
}

func decodeUser(msg *queues.Message) (UserEvent, error) {
	var ev UserEvent
	if err := decode(msg, &ev); err != nil {
		return ev, err
	}
	if ev.UserID == "" {
		return ev, fmt.Errorf("userId: %w", errMissingField)
	}
	return ev, nil
}

func decodeBilling(msg *queues.Message) (BillingEvent, error) {
	var ev BillingEvent
	if err := decode(msg, &ev); err != nil {
		return ev, err
	}
	if ev.UserID == "" {
		return ev, fmt.Errorf("userId: %w", errMissingField)
	}
	return ev, nil
}

// malformed logs a message that can never be processed; it is acked so it is not redelivered.
func malformed(msg *queues.Message, err error) error {
	log.Warn().Err(err).Str("messageID", msg.ID).Str("topic", msg.Topic).Msg("cascade: dropping malformed event")
	return nil
}

// swallow logs a failure of an informational handler and acks the message.
func swallow(msg *queues.Message, err error) error {
	if err != nil {
		log.Error().Err(err).Str("messageID", msg.ID).Str("topic", msg.Topic).Msg("cascade: handler failed; not retrying")
	}
	return nil
}

// release force-releases each allocation, continuing past failures. Allocations that ended in
// the meantime are not failures.
func (h *Handler) release(ctx context.Context, topic string, allocs []*models.Allocation, reason string) (int, error) {
	released := 0
	var errs []error
	for _, a := range allocs {
		if _, err := h.allocations.ReleaseByAllocationID(ctx, a.ID, reason, true); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				continue
			}
			errs = append(errs, fmt.Errorf("release %s: %w", a.ID, err))
			continue
		}
		released++
		metrics.CascadeReleasesTotal.WithLabelValues(topic).Inc()
	}
	if released > 0 {
		log.Info().Str("topic", topic).Int("released", released).Str("reason", reason).Msg("cascade: released allocations")
	}
	return released, errors.Join(errs...)
}

func (h *Handler) releaseDevice(ctx context.Context, msg *queues.Message, ev DeviceEvent, reason string) error {
	a, err := h.allocations.ActiveForResource(ctx, ev.DeviceID)
	if errors.Is(err, models.ErrNotFound) {
		log.Debug().Str("deviceId", ev.DeviceID).Str("topic", msg.Topic).Msg("cascade: device has no active allocation")
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := h.release(ctx, msg.Topic, []*models.Allocation{a}, reason); err != nil {
		return err
	}
	h.events.Notify(ctx, a.UserID, NotifyDeviceUnavailable, map[string]any{
		"allocationId": a.ID,
		"deviceId":     ev.DeviceID,
		"reason":       reason,
	})
	return nil
}

func (h *Handler) releaseUser(ctx context.Context, topic, userID, reason string) (int, error) {
	allocs, err := h.allocations.ListUserAllocations(ctx, userID)
	if err != nil {
		return 0, err
	}
	return h.release(ctx, topic, allocs, reason)
}

// revokeUser withdraws the user's queue entry and pending bookings before releasing what they
// hold, so the queue cannot hand a freed device straight back to them.
func (h *Handler) revokeUser(ctx context.Context, topic, userID, reason string) (int, error) {
	withdrawErr := h.withdraw(ctx, topic, userID, reason)
	n, err := h.releaseUser(ctx, topic, userID, reason)
	return n, errors.Join(withdrawErr, err)
}

// withdraw cancels the user's active queue entry and PENDING/CONFIRMED reservations. Records
// that finished in the meantime are not failures.
func (h *Handler) withdraw(ctx context.Context, topic, userID, reason string) error {
	var errs []error
	if e, err := h.queue.GetUserEntry(ctx, userID); err == nil {
		if _, err := h.queue.CancelQueue(ctx, e.ID, reason); err != nil && !errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
			errs = append(errs, fmt.Errorf("cancel queue entry %s: %w", e.ID, err))
		} else if err == nil {
			log.Info().Str("topic", topic).Str("userId", userID).Str("queueId", e.ID).Msg("cascade: withdrew queue entry")
		}
	} else if !errors.Is(err, models.ErrNotFound) {
		errs = append(errs, fmt.Errorf("find queue entry: %w", err))
	}

	pending, err := h.reservations.ListUserReservations(ctx, userID, models.ReservationPending, models.ReservationConfirmed)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("list reservations: %w", err))...)
	}
	cancelled := 0
	for _, r := range pending {
		if _, err := h.reservations.CancelReservation(ctx, r.ID, reason); err != nil {
			if !errors.Is(err, models.ErrInvalidState) && !errors.Is(err, models.ErrNotFound) {
				errs = append(errs, fmt.Errorf("cancel reservation %s: %w", r.ID, err))
			}
			continue
		}
		cancelled++
	}
	if cancelled > 0 {
		log.Info().Str("topic", topic).Str("userId", userID).Int("reservations", cancelled).Msg("cascade: cancelled reservations")
	}
	return errors.Join(errs...)
}

func withReason(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

// onDeviceGone handles failed and deleted devices. Errors are returned for redelivery.
func (h *Handler) onDeviceGone(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeDevice(msg)
	if err != nil {
		return malformed(msg, err)
	}
	return h.releaseDevice(ctx, msg, ev, withReason(ev.Reason, "device "+strings.TrimPrefix(msg.Topic, "device.")))
}

func (h *Handler) onDeviceMaintenance(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeDevice(msg)
	if err != nil {
		return malformed(msg, err)
	}
	return swallow(msg, h.releaseDevice(ctx, msg, ev, withReason(ev.Reason, "device maintenance")))
}

// onDeviceStatusChanged releases only when a running device stops or errors.
func (h *Handler) onDeviceStatusChanged(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeDevice(msg)
	if err != nil {
		return malformed(msg, err)
	}
	from, to := strings.ToLower(ev.OldStatus), strings.ToLower(ev.NewStatus)
	if from != "running" || (to != "stopped" && to != "error") {
		return nil
	}
	return swallow(msg, h.releaseDevice(ctx, msg, ev, withReason(ev.Reason, "device status changed to "+to)))
}

// onUserRevoked handles deleted and suspended users. Errors are returned for redelivery.
func (h *Handler) onUserRevoked(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeUser(msg)
	if err != nil {
		return malformed(msg, err)
	}
	reason := withReason(ev.Reason, "user "+strings.TrimPrefix(msg.Topic, "user."))
	n, err := h.revokeUser(ctx, msg.Topic, ev.UserID, reason)
	if err != nil {
		return err
	}
	h.events.Notify(ctx, ev.UserID, NotifyAccountRevoked, map[string]any{"released": n, "reason": reason})
	return nil
}

// onQuotaChanged evicts the user's oldest allocations until they fit the new limit.
func (h *Handler) onQuotaChanged(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeUser(msg)
	if err != nil {
		return malformed(msg, err)
	}
	limit, ok := ev.limit()
	if !ok {
		return malformed(msg, errors.New("missing limit"))
	}
	limit = max(limit, 0)
	active, err := h.allocations.ListUserAllocations(ctx, ev.UserID)
	if err != nil {
		return swallow(msg, err)
	}
	excess := len(active) - limit
	if excess <= 0 {
		return nil
	}
	reason := fmt.Sprintf("quota reduced to %d", limit)
	n, err := h.release(ctx, msg.Topic, active[:excess], reason)
	h.events.Notify(ctx, ev.UserID, NotifyQuotaEnforced, map[string]any{"released": n, "limit": limit})
	return swallow(msg, err)
}

func failureKey(userID string) string { return "billing:payment_failures:" + userID }

// onPaymentFailed counts failures per user; at PaymentFailureThreshold all allocations are released.
func (h *Handler) onPaymentFailed(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeBilling(msg)
	if err != nil {
		return malformed(msg, err)
	}
	count, err := h.counter.Incr(ctx, failureKey(ev.UserID), PaymentFailureTTL)
	if err != nil {
		return swallow(msg, err)
	}
	log.Info().Str("userId", ev.UserID).Int64("failures", count).Msg("cascade: payment failure recorded")
	if count < PaymentFailureThreshold {
		h.events.Notify(ctx, ev.UserID, NotifyPaymentFailed, map[string]any{"failures": count, "threshold": PaymentFailureThreshold})
		return nil
	}
	reason := fmt.Sprintf("%d consecutive payment failures", count)
	n, err := h.revokeUser(ctx, msg.Topic, ev.UserID, reason)
	if err != nil {
		return swallow(msg, err)
	}
	if err := h.counter.Reset(ctx, failureKey(ev.UserID)); err != nil {
		log.Warn().Err(err).Str("userId", ev.UserID).Msg("cascade: failed to reset payment failure counter")
	}
	h.events.Notify(ctx, ev.UserID, NotifyPaymentFailed, map[string]any{"failures": count, "released": n})
	return nil
}

// onBillingOverdue releases everything the user holds. Errors are returned for redelivery.
func (h *Handler) onBillingOverdue(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeBilling(msg)
	if err != nil {
		return malformed(msg, err)
	}
	reason := withReason(ev.Reason, "billing overdue")
	n, err := h.revokeUser(ctx, msg.Topic, ev.UserID, reason)
	if err != nil {
		return err
	}
	h.events.Notify(ctx, ev.UserID, NotifyBillingOverdue, map[string]any{"released": n, "reason": reason})
	return nil
}

func (h *Handler) onPaymentRecovered(ctx context.Context, msg *queues.Message) error {
	ev, err := decodeBilling(msg)
	if err != nil {
		return malformed(msg, err)
	}
	if err := h.counter.Reset(ctx, failureKey(ev.UserID)); err != nil {
		return swallow(msg, err)
	}
	log.Debug().Str("userId", ev.UserID).Str("topic", msg.Topic).Msg("cascade: payment failure counter reset")
	return nil
}
