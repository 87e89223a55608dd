package jetstream

import (
	"context"

	"github.com/nats-io/nats.go"
)

// ClientInterface is the part of JetStream the processor depends on.
type ClientInterface interface {
	// EnsureStream creates the stream or updates it when its core settings drifted.
	EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error
	// EnsureConsumer creates the durable consumer or recreates it when its settings drifted.
	EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error
	// SubscribePush binds a queue subscription to an existing durable push consumer.
	SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error)
	// Publish publishes data to subject. A non-empty msgID enables JetStream de-duplication.
	Publish(ctx context.Context, subject string, data []byte, msgID string, headers map[string]string) error
	// Connected reports whether the underlying connection is up.
	Connected() bool
	Close()
}
