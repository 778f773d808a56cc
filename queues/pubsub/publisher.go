package pubsub

import (
	"context"
	"encoding/json"
	"sync"

	"device-allocator/queues"

	gpubsub "cloud.google.com/go/pubsub"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
)

// Publisher publishes event envelopes to <topicPrefix><topic>.
type Publisher struct {
	projectID   string
	topicPrefix string
	credsFile   string

	mu     sync.Mutex
	client *gpubsub.Client
	topics map[string]*gpubsub.Topic
}

func NewPublisher(projectID, topicPrefix, credsFile string) *Publisher {
	return &Publisher{projectID: projectID, topicPrefix: topicPrefix, credsFile: credsFile, topics: make(map[string]*gpubsub.Topic)}
}

func newClient(ctx context.Context, projectID, credsFile string) (*gpubsub.Client, error) {
	if credsFile != "" {
		log.Debug().Str("projectID", projectID).Str("credsFile", credsFile).Msg("initializing pubsub client with explicit credentials")
		return gpubsub.NewClient(ctx, projectID, option.WithCredentialsFile(credsFile))
	}
	log.Debug().Str("projectID", projectID).Msg("initializing pubsub client with default credentials")
	return gpubsub.NewClient(ctx, projectID)
}

func (p *Publisher) topic(ctx context.Context, name string) (*gpubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client == nil {
		client, err := newClient(ctx, p.projectID, p.credsFile)
		if err != nil {
			log.Error().Err(err).Str("projectID", p.projectID).Msg("failed to create pubsub client for publisher")
			return nil, err
		}
		p.client = client
		log.Info().Str("topicPrefix", p.topicPrefix).Msg("pubsub publisher initialized")
	}
	if p.topics == nil {
		p.topics = make(map[string]*gpubsub.Topic)
	}
	id := p.topicPrefix + name
	t, ok := p.topics[id]
	if !ok {
		t = p.client.Topic(id)
		p.topics[id] = t
	}
	return t, nil
}

func (p *Publisher) Publish(ctx context.Context, topic string, event *queues.Event) error {
	t, err := p.topic(ctx, topic)
	if err != nil {
		return err
	}
	b, err := json.Marshal(event)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to marshal event")
		return err
	}
	// Publish and wait for server ack
	r := t.Publish(ctx, &gpubsub.Message{Data: b, Attributes: map[string]string{"type": event.Type}})
	id, err := r.Get(ctx)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to publish event")
		return err
	}
	log.Debug().Str("messageID", id).Str("topic", topic).Msg("published event")
	return nil
}

// Close stops all topic publishers and the client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.topics {
		t.Stop()
	}
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
