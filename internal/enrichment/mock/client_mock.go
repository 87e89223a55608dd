package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/enrichment"
)

// ClientMock mocks enrichment.Client
type ClientMock struct {
	mock.Mock
}

// Search mocks the Search method
func (m *ClientMock) Search(ctx context.Context, name string) (*enrichment.Result, error) {
	args := m.Called(ctx, name)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*enrichment.Result), args.Error(1)
}
