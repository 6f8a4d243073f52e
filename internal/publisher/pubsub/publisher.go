// Package pubsub publishes task completions to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/crawlic/internal/telemetry"
)

// Attributed payloads supply message attributes.
type Attributed interface {
	Attributes() map[string]string
}

// Publisher sends JSON payloads through a topic publisher. The topic argument
// of Publish is ignored; the publisher is already bound to its topic.
type Publisher struct {
	publisher *pubsub.Publisher
}

// New wraps publisher.
func New(publisher *pubsub.Publisher) *Publisher {
	return &Publisher{publisher: publisher}
}

// NewForTopic opens a publisher for topic on client.
func NewForTopic(client *pubsub.Client, topic string) *Publisher {
	return New(client.Publisher(topic))
}

// Publish marshals payload and waits for the server-assigned message id.
func (p *Publisher) Publish(ctx context.Context, _ string, payload any) (string, error) {
	if p == nil || p.publisher == nil {
		return "", fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := Message(ctx, payload)
	if err != nil {
		return "", err
	}
	id, err := p.publisher.Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Stop flushes pending messages.
func (p *Publisher) Stop() {
	if p != nil && p.publisher != nil {
		p.publisher.Stop()
	}
}

// Message builds the Pub/Sub message for payload. The trace context of ctx
// rides along in the attributes.
func Message(ctx context.Context, payload any) (*pubsub.Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if a, ok := payload.(Attributed); ok {
		msg.Attributes = a.Attributes()
	}
	msg.Attributes = telemetry.InjectInto(ctx, msg.Attributes)
	return msg, nil
}
