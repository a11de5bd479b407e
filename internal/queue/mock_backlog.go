package queue

import (
	"context"

	"github.com/stretchr/testify/mock"
)

// MockBacklog is a testify mock of Backlog for callers that need to script
// publish failures.
type MockBacklog struct {
	mock.Mock
}

// Publish records the call and returns the scripted error.
func (m *MockBacklog) Publish(ctx context.Context, req Request) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

// Receive records the call and returns the scripted error.
func (m *MockBacklog) Receive(ctx context.Context, h Handler) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

// Close records the call and returns the scripted error.
func (m *MockBacklog) Close() error {
	args := m.Called()
	return args.Error(0)
}
