package eventsink

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubSink wraps an in-process Bus and additionally publishes every event
// to a Google Cloud Pub/Sub topic for durable, cross-process delivery —
// useful when several SDK instances on different hosts want a shared
// record of polling errors and promotions, not just their own local
// subscribers.
type PubSubSink struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink creates a Pub/Sub-backed sink, creating the topic if it
// does not already exist.
func NewPubSubSink(projectID, topicID string) (*PubSubSink, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("eventsink: pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("eventsink: topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("eventsink: CreateTopic: %w", err)
		}
		slog.Info("eventsink: created Pub/Sub topic", "topic_id", topicID)
	}

	sink := &PubSubSink{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
	}
	slog.Info("eventsink: connected to Pub/Sub topic", "project_id", projectID, "topic_id", topicID)
	return sink, nil
}

// Emit publishes event to Pub/Sub (durable) and fans it out to local
// subscribers (immediate). Implements Sink.
func (s *PubSubSink) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewEvent(eventType, source, subject, data)
	s.publishToPubSub(event)
	s.Bus.Publish(event)
}

func (s *PubSubSink) publishToPubSub(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		slog.Error("eventsink: marshal event failed", "id", event.ID, "err", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
		},
	}

	result := s.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			slog.Error("eventsink: Pub/Sub publish failed", "id", event.ID, "err", err)
		}
	}()
}

// Close shuts down the Pub/Sub client, flushing any in-flight publishes.
func (s *PubSubSink) Close() error {
	s.topic.Stop()
	if err := s.client.Close(); err != nil {
		return fmt.Errorf("eventsink: pubsub client close: %w", err)
	}
	return nil
}

// TopicPath returns the fully-qualified Pub/Sub topic path.
func (s *PubSubSink) TopicPath() string { return s.topic.String() }

// HealthCheck verifies the Pub/Sub topic is still reachable.
func (s *PubSubSink) HealthCheck(ctx context.Context) error {
	exists, err := s.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("eventsink: topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("eventsink: topic does not exist")
	}
	return nil
}

var _ Sink = (*PubSubSink)(nil)
