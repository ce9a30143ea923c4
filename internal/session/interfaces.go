package session

import (
	"context"
	"time"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

type RuntimeDriver interface {
	Create(ctx context.Context, sessionID string) (runtime.Handle, error)
	Exec(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error)
	WriteFile(ctx context.Context, h runtime.Handle, name string, data []byte) error
	StatFile(ctx context.Context, h runtime.Handle, name string) (runtime.FileInfo, error)
	ReadFile(ctx context.Context, h runtime.Handle, name string, limit int64) ([]byte, error)
	ListDir(ctx context.Context, h runtime.Handle) ([]runtime.FileInfo, error)
	Destroy(ctx context.Context, h runtime.Handle) error
}

// Metrics receives execution and session-count observations.
type Metrics interface {
	ObserveExecution(outcome string, d time.Duration)
	SetActiveSessions(n int)
	ObserveUpload(sizeBytes int64)
}

type nopMetrics struct{}

func (nopMetrics) ObserveExecution(string, time.Duration) {}
func (nopMetrics) SetActiveSessions(int)                  {}
func (nopMetrics) ObserveUpload(int64)                    {}
