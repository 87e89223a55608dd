package jetstream

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
)

func TestStreamConfigEqual(t *testing.T) {
	base := nats.StreamConfig{
		Name:       "billing_messages",
		Retention:  nats.InterestPolicy,
		MaxAge:     24 * time.Hour,
		Storage:    nats.FileStorage,
		Duplicates: 2 * time.Minute,
		Subjects:   []string{"v1.billing.messages.>"},
	}

	tests := []struct {
		name   string
		mutate func(c *nats.StreamConfig)
		want   bool
	}{
		{name: "identical", mutate: func(c *nats.StreamConfig) {}, want: true},
		{name: "different subjects", mutate: func(c *nats.StreamConfig) { c.Subjects = []string{"v1.calls.outcome.>"} }, want: false},
		{name: "extra subject", mutate: func(c *nats.StreamConfig) { c.Subjects = append(c.Subjects, "v1.other") }, want: false},
		{name: "different max age", mutate: func(c *nats.StreamConfig) { c.MaxAge = time.Hour }, want: false},
		{name: "different dedupe window", mutate: func(c *nats.StreamConfig) { c.Duplicates = time.Minute }, want: false},
		{name: "description ignored", mutate: func(c *nats.StreamConfig) { c.Description = "x" }, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			other := base
			other.Subjects = append([]string(nil), base.Subjects...)
			tt.mutate(&other)
			assert.Equal(t, tt.want, streamConfigEqual(base, other))
		})
	}
}

func TestConsumerConfigEqual(t *testing.T) {
	base := nats.ConsumerConfig{
		Durable:       "billing_messages_consumer",
		AckPolicy:     nats.AckExplicitPolicy,
		FilterSubject: "v1.billing.messages.acme",
		DeliverGroup:  "billing",
		MaxDeliver:    5,
	}

	same := base
	assert.True(t, consumerConfigEqual(base, same))

	other := base
	other.MaxDeliver = 10
	assert.False(t, consumerConfigEqual(base, other))

	other = base
	other.DeliverGroup = "other"
	assert.False(t, consumerConfigEqual(base, other))
}
