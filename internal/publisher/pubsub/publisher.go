// Package pubsub implements a Google Cloud Pub/Sub publisher for terminal
// item events.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/harvester/internal/harvest"
)

// Publisher wraps a Pub/Sub topic.
type Publisher struct {
	topic *pubsub.Topic
}

// New creates a Publisher for the provided topic.
func New(topic *pubsub.Topic) *Publisher {
	return &Publisher{topic: topic}
}

// Publish marshals the event to JSON and publishes it to the topic. The
// status and error kind ride along as attributes so subscribers can filter
// without decoding the payload.
func (p *Publisher) Publish(ctx context.Context, event harvest.TerminalEvent) (string, error) {
	if p.topic == nil {
		return "", fmt.Errorf("pubsub topic is not configured")
	}
	data, err := json.Marshal(event)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"status": string(event.Status),
		},
	}
	if event.ErrorKind != "" && event.ErrorKind != harvest.ErrorNone {
		msg.Attributes["error_kind"] = string(event.ErrorKind)
	}

	result := p.topic.Publish(ctx, msg)
	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}
