package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/classifier"
)

// ClientMock mocks classifier.Client
type ClientMock struct {
	mock.Mock
}

// Classify mocks the Classify method
func (m *ClientMock) Classify(ctx context.Context, text string) (*classifier.Result, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*classifier.Result), args.Error(1)
}
