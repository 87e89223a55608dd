package mock

import (
	"context"

	"github.com/stretchr/testify/mock"

	"gitlab.com/timkado/api/billing-verify-processor/internal/telephony"
)

// ProviderMock mocks telephony.Provider
type ProviderMock struct {
	mock.Mock
}

// PlaceCall mocks the PlaceCall method
func (m *ProviderMock) PlaceCall(ctx context.Context, req telephony.CallRequest) (*telephony.PlacedCall, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*telephony.PlacedCall), args.Error(1)
}
