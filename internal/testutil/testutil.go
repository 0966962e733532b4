// Package testutil provides testing utilities shared by the backend tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/shared/types"
	"github.com/GriffinCanCode/MobileDeviceManager/backend/internal/transport/appium"
)

// NewRedis starts an in-process Redis and returns it with a connected client.
// Both are closed when the test ends.
func NewRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(context.Background()).Err())
	return mr, rdb
}

// MockAppium is a mock Appium transport.
type MockAppium struct {
	mock.Mock
}

// StartSession mocks the StartSession method.
func (m *MockAppium) StartSession(ctx context.Context, server string, req appium.SessionRequest) (string, error) {
	args := m.Called(ctx, server, req)
	return args.String(0), args.Error(1)
}

// StopSession mocks the StopSession method.
func (m *MockAppium) StopSession(ctx context.Context, server, sessionID string) error {
	args := m.Called(ctx, server, sessionID)
	return args.Error(0)
}

// Execute mocks the Execute method.
func (m *MockAppium) Execute(ctx context.Context, server, sessionID string, cmd types.Command, timeout time.Duration) ([]byte, error) {
	args := m.Called(ctx, server, sessionID, cmd, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

// NewMockAppium creates a mock whose sessions always start as "session-1".
func NewMockAppium(t *testing.T) *MockAppium {
	t.Helper()
	m := new(MockAppium)

	m.On("StartSession", mock.Anything, mock.Anything, mock.Anything).
		Return("session-1", nil).
		Maybe()

	m.On("StopSession", mock.Anything, mock.Anything, mock.Anything).
		Return(nil).
		Maybe()

	m.On("Execute", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]byte(`null`), nil).
		Maybe()

	return m
}
