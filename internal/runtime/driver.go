package runtime

import (
	"context"
	"errors"
	"time"
)

var (
	ErrCreateFailed = errors.New("runtime create failed")
	ErrExecFailed   = errors.New("runtime exec failed")
	ErrWriteFailed  = errors.New("runtime write failed")
	ErrReadFailed   = errors.New("runtime read failed")
	ErrNotFound     = errors.New("not found in runtime")
	ErrTooLarge     = errors.New("file exceeds read limit")
)

// Handle identifies one sandbox runtime. A handle is owned by exactly one session.
type Handle struct {
	ID        string
	SessionID string
	Name      string
}

type ExecRequest struct {
	Command []string
	Timeout time.Duration
	// MaxOutputBytes bounds how much of each stream the runtime buffers. Drivers keep
	// at least MaxOutputBytes+1 bytes so callers can tell that a stream overflowed.
	MaxOutputBytes int
}

type ExecResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	TimedOut bool
}

// FileInfo describes a regular file directly inside the sandbox data directory.
type FileInfo struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Driver is the only way the session manager reaches a sandbox. File names are
// relative to the sandbox data directory and must already be validated.
type Driver interface {
	Create(ctx context.Context, sessionID string) (Handle, error)
	Exec(ctx context.Context, h Handle, req ExecRequest) (*ExecResult, error)
	WriteFile(ctx context.Context, h Handle, name string, data []byte) error
	StatFile(ctx context.Context, h Handle, name string) (FileInfo, error)
	ReadFile(ctx context.Context, h Handle, name string, limit int64) ([]byte, error)
	ListDir(ctx context.Context, h Handle) ([]FileInfo, error)
	Destroy(ctx context.Context, h Handle) error
	DiscoverOrphans(ctx context.Context) ([]Handle, error)
	Ping(ctx context.Context) error
	Close() error
}
