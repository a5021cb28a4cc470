package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"
)

// Publisher sends one message and returns its server-assigned ID.
type Publisher interface {
	Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error)
	Stop()
}

// TopicPublisher adapts a Pub/Sub topic to Publisher.
type TopicPublisher struct {
	Topic *pubsub.Topic
}

// Publish sends data and waits for the server acknowledgement.
func (p TopicPublisher) Publish(ctx context.Context, data []byte, attrs map[string]string) (string, error) {
	if p.Topic == nil {
		return "", errors.New("pubsub topic is not configured")
	}
	id, err := p.Topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes outstanding messages.
func (p TopicPublisher) Stop() {
	if p.Topic != nil {
		p.Topic.Stop()
	}
}

// PubSubSink publishes one JSON message per event.
type PubSubSink struct {
	publisher Publisher
	logger    *zap.Logger
}

// NewPubSubSink builds a sink over publisher.
func NewPubSubSink(publisher Publisher, logger *zap.Logger) *PubSubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PubSubSink{publisher: publisher, logger: logger}
}

// Consume publishes every event. It keeps going after a failed publish and
// returns the joined errors.
func (s *PubSubSink) Consume(ctx context.Context, batch []Event) error {
	var errs []error
	for _, evt := range batch {
		data, err := json.Marshal(evt)
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal event: %w", err))
			continue
		}
		id, err := s.publisher.Publish(ctx, data, map[string]string{
			"result": string(evt.Result),
			"rp":     evt.RP,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		s.logger.Debug("verification event published", zap.String("message_id", id))
	}
	return errors.Join(errs...)
}

// Close stops the publisher.
func (s *PubSubSink) Close(context.Context) error {
	s.publisher.Stop()
	return nil
}

// NewPubSubPublisher connects to projectID and resolves topicName. The
// returned close function releases the client.
func NewPubSubPublisher(ctx context.Context, projectID, topicName string) (*TopicPublisher, func() error, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic := client.Topic(topicName)
	ok, err := topic.Exists(ctx)
	if err != nil || !ok {
		if closeErr := client.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
		if err == nil {
			err = fmt.Errorf("topic %q does not exist", topicName)
		}
		return nil, nil, fmt.Errorf("resolve pubsub topic: %w", err)
	}
	return &TopicPublisher{Topic: topic}, client.Close, nil
}
