package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

// MockSessionRegistry mocks the SessionRegistry interface.
type MockSessionRegistry struct {
	mock.Mock
}

func (m *MockSessionRegistry) EvictIdle(ctx context.Context, ttl time.Duration) []string {
	args := m.Called(ctx, ttl)
	if ids := args.Get(0); ids != nil {
		return ids.([]string)
	}
	return nil
}

func (m *MockSessionRegistry) ReconcileOrphans(ctx context.Context, discovered []runtime.Handle) ([]string, error) {
	args := m.Called(ctx, discovered)
	if ids := args.Get(0); ids != nil {
		return ids.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionRegistry) Len() int {
	args := m.Called()
	return args.Int(0)
}

func (m *MockSessionRegistry) TakeLeaked() bool {
	args := m.Called()
	return args.Bool(0)
}

// MockOrphanSource mocks the OrphanSource interface.
type MockOrphanSource struct {
	mock.Mock
}

func (m *MockOrphanSource) DiscoverOrphans(ctx context.Context) ([]runtime.Handle, error) {
	args := m.Called(ctx)
	if handles := args.Get(0); handles != nil {
		return handles.([]runtime.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockMetrics mocks the Metrics interface.
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) SessionsEvicted(n int) {
	m.Called(n)
}

func (m *MockMetrics) OrphansRemoved(n int) {
	m.Called(n)
}

func (m *MockMetrics) SetActiveSessions(n int) {
	m.Called(n)
}
