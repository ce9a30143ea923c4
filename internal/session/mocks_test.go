package session

import (
	"time"

	"github.com/stretchr/testify/mock"
)

type MockMetrics struct {
	mock.Mock
}

func (m *MockMetrics) ObserveExecution(outcome string, d time.Duration) {
	m.Called(outcome, d)
}

func (m *MockMetrics) SetActiveSessions(n int) {
	m.Called(n)
}

func (m *MockMetrics) ObserveUpload(sizeBytes int64) {
	m.Called(sizeBytes)
}
