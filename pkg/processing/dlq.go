package processing

import (
	"context"
	"time"

	"cloud.google.com/go/pubsub"
)

// Reasons attached to dead-lettered payloads.
const (
	ReasonMalformedEntry = "malformed_entry"
	ReasonRowPersist     = "row_persist_error"
)

// DLQPublisher publishes rejected entries and rows to a dead-letter topic.
type DLQPublisher interface {
	Publish(ctx context.Context, data []byte, reason string, attrs map[string]string) error
}

// PubSubDLQPublisher implements DLQPublisher using a Pub/Sub topic.
type PubSubDLQPublisher struct {
	topic *pubsub.Topic
}

// NewPubSubDLQPublisher constructs a DLQ publisher for the given topic. If the
// topic is nil, publishes are treated as no-ops.
func NewPubSubDLQPublisher(topic *pubsub.Topic) *PubSubDLQPublisher {
	return &PubSubDLQPublisher{topic: topic}
}

// Publish sends the payload to the DLQ topic. If topic is nil, it is a no-op.
func (p *PubSubDLQPublisher) Publish(ctx context.Context, data []byte, reason string, attrs map[string]string) error {
	if p.topic == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	attributes := make(map[string]string, len(attrs)+1)
	for k, v := range attrs {
		attributes[k] = v
	}
	attributes["reason"] = reason

	_, err := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attributes,
	}).Get(ctx)
	return err
}

// Stop flushes pending publishes.
func (p *PubSubDLQPublisher) Stop() {
	if p.topic != nil {
		p.topic.Stop()
	}
}

// NoopDLQPublisher is used when no DLQ topic is configured.
type NoopDLQPublisher struct{}

func (n *NoopDLQPublisher) Publish(ctx context.Context, data []byte, reason string, attrs map[string]string) error {
	return nil
}
