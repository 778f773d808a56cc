package pubsub

import (
	"context"
	"fmt"
	"time"

	"device-allocator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAckDeadline         = 30 * time.Second
	defaultMaxDeliveryAttempts = 5
)

// Subscriber consumes lifecycle topics. Each queues.Subscription gets its own Pub/Sub
// subscription named <subscriptionPrefix><topic>, created on first start.
type Subscriber struct {
	projectID          string
	topicPrefix        string
	subscriptionPrefix string
	credsFile          string
	client             *gpubsub.Client
}

func NewSubscriber(projectID, topicPrefix, subscriptionPrefix, credsFile string) *Subscriber {
	return &Subscriber{projectID: projectID, topicPrefix: topicPrefix, subscriptionPrefix: subscriptionPrefix, credsFile: credsFile}
}

func (s *Subscriber) Start(ctx context.Context, subs []queues.Subscription) error {
	if s.client == nil {
		client, err := newClient(ctx, s.projectID, s.credsFile)
		if err != nil {
			log.Error().Err(err).Str("projectID", s.projectID).Msg("failed to create pubsub client for subscriber")
			return err
		}
		s.client = client
		log.Info().Int("subscriptions", len(subs)).Msg("pubsub subscriber initialized")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	for _, sub := range subs {
		psub, err := s.ensureSubscription(ctx, sub)
		if err != nil {
			// stop the receive loops already started before reporting
			cancel()
			_ = g.Wait()
			return err
		}
		g.Go(func() error {
			log.Info().Str("topic", sub.Topic).Str("subscription", psub.ID()).Bool("durable", sub.Durable).Msg("starting subscription receive loop")
			// Receive blocks; it creates goroutines internally and returns once gctx is cancelled
			return psub.Receive(gctx, func(ctx context.Context, m *gpubsub.Message) {
				if err := deliver(ctx, sub, m.ID, m.Data, m.Attributes); err != nil {
					m.Nack()
					return
				}
				m.Ack()
			})
		})
	}
	return g.Wait()
}

// deliver runs the handler for one message; a non-nil result means the message must be redelivered.
func deliver(ctx context.Context, sub queues.Subscription, id string, data []byte, attrs map[string]string) error {
	recvAt := time.Now()
	log.Debug().Str("messageID", id).Str("topic", sub.Topic).Int("size", len(data)).Msg("received pubsub message")
	err := sub.Handler(ctx, &queues.Message{ID: id, Topic: sub.Topic, Data: data, Attributes: attrs})
	if err != nil {
		log.Error().Err(err).Str("messageID", id).Str("topic", sub.Topic).Msg("handler failed; will retry")
		return err
	}
	log.Debug().Str("messageID", id).Str("topic", sub.Topic).Dur("latency", time.Since(recvAt)).Msg("handler succeeded; acking message")
	return nil
}

func (s *Subscriber) ensureTopic(ctx context.Context, id string) (*gpubsub.Topic, error) {
	t := s.client.Topic(id)
	exists, err := t.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %s: %w", id, err)
	}
	if exists {
		return t, nil
	}
	log.Info().Str("topic", id).Msg("creating missing topic")
	return s.client.CreateTopic(ctx, id)
}

func (s *Subscriber) ensureSubscription(ctx context.Context, sub queues.Subscription) (*gpubsub.Subscription, error) {
	id := s.subscriptionPrefix + sub.Topic
	psub := s.client.Subscription(id)
	exists, err := psub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %s: %w", id, err)
	}
	if exists {
		return psub, nil
	}

	topic, err := s.ensureTopic(ctx, s.topicPrefix+sub.Topic)
	if err != nil {
		return nil, err
	}
	cfg := gpubsub.SubscriptionConfig{Topic: topic, AckDeadline: defaultAckDeadline}
	if sub.Durable {
		// never expire an idle durable subscription
		cfg.ExpirationPolicy = time.Duration(0)
	}
	if sub.DeadLetterTopic != "" {
		dlt, err := s.ensureTopic(ctx, s.topicPrefix+sub.DeadLetterTopic)
		if err != nil {
			return nil, err
		}
		cfg.DeadLetterPolicy = &gpubsub.DeadLetterPolicy{
			DeadLetterTopic:     dlt.String(),
			MaxDeliveryAttempts: defaultMaxDeliveryAttempts,
		}
	}
	log.Info().Str("subscription", id).Str("topic", topic.ID()).Str("deadLetterTopic", sub.DeadLetterTopic).Msg("creating subscription")
	return s.client.CreateSubscription(ctx, id, cfg)
}
