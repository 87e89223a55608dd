package mock

import (
	"context"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/jetstream"
)

// ClientMock is a testify mock of jetstream.ClientInterface.
type ClientMock struct {
	mock.Mock
}

var _ jetstream.ClientInterface = (*ClientMock)(nil)

func (m *ClientMock) EnsureStream(ctx context.Context, cfg *nats.StreamConfig) error {
	args := m.Called(ctx, cfg)
	return args.Error(0)
}

func (m *ClientMock) EnsureConsumer(ctx context.Context, stream string, cfg *nats.ConsumerConfig) error {
	args := m.Called(ctx, stream, cfg)
	return args.Error(0)
}

func (m *ClientMock) SubscribePush(subject, consumer, group, stream string, handler nats.MsgHandler) (*nats.Subscription, error) {
	args := m.Called(subject, consumer, group, stream, handler)
	sub, _ := args.Get(0).(*nats.Subscription)
	return sub, args.Error(1)
}

func (m *ClientMock) Publish(ctx context.Context, subject string, data []byte, msgID string, headers map[string]string) error {
	args := m.Called(ctx, subject, data, msgID, headers)
	return args.Error(0)
}

func (m *ClientMock) Connected() bool {
	return m.Called().Bool(0)
}

func (m *ClientMock) Close() {
	m.Called()
}
