// Package pubsub implements a Google Cloud Pub/Sub publisher.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
)

// EventAttribute carries the logical topic an event was published under.
const EventAttribute = "event_type"

// Publisher sends every event to one Pub/Sub topic, tagged with its event type.
type Publisher struct {
	client    *pubsub.Client
	publisher *pubsub.Publisher
}

// Open creates a client for projectID using Application Default Credentials
// (or opts) and checks that topic exists and is active.
func Open(ctx context.Context, projectID, topic string, opts ...option.ClientOption) (*Publisher, error) {
	if projectID == "" || topic == "" {
		return nil, fmt.Errorf("pubsub.project_id and pubsub.topic_name are required")
	}
	client, err := pubsub.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	name := TopicName(projectID, topic)
	found, err := client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: name})
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("get pubsub topic %q: %w", topic, err)
	}
	if found.GetState() == pubsubpb.Topic_INGESTION_RESOURCE_ERROR {
		_ = client.Close()
		return nil, fmt.Errorf("pubsub topic %q is not active", topic)
	}
	return &Publisher{client: client, publisher: client.Publisher(name)}, nil
}

// TopicName returns the fully qualified topic resource name.
func TopicName(projectID, topic string) string {
	return fmt.Sprintf("projects/%s/topics/%s", projectID, topic)
}

// New wraps an existing topic publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// Publish marshals the payload to JSON and waits for the server id.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	data, err := encode(topic, payload)
	if err != nil {
		return "", err
	}
	result := p.publisher.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{EventAttribute: topic},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return id, nil
}

func encode(topic string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	return data, nil
}

// Close flushes pending messages and closes an owned client.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	if p.publisher != nil {
		p.publisher.Stop()
	}
	if p.client != nil {
		return p.client.Close()
	}
	return nil
}
