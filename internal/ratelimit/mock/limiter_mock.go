package mock

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// LimiterMock mocks ratelimit.Limiter
type LimiterMock struct {
	mock.Mock
}

// Allow mocks the Allow method
func (m *LimiterMock) Allow(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}
