package api

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/codesandbox/internal/session"
)

// MockArtifactService mocks the ArtifactService interface.
type MockArtifactService struct {
	mock.Mock
}

func (m *MockArtifactService) DownloadArtifact(ctx context.Context, sessionID, filename string) (*session.ArtifactContent, error) {
	args := m.Called(ctx, sessionID, filename)
	if a := args.Get(0); a != nil {
		return a.(*session.ArtifactContent), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockPinger mocks the Pinger interface.
type MockPinger struct {
	mock.Mock
}

func (m *MockPinger) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// MockMetrics mocks the Metrics interface.
type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) ObserveHTTPRequest(method, route string, status int, d time.Duration) {
	m.Called(method, route, status, d)
}
