package reaper

import (
	"context"
	"time"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

// SessionRegistry abstracts the registry operations needed by the reaper.
type SessionRegistry interface {
	EvictIdle(ctx context.Context, ttl time.Duration) []string
	ReconcileOrphans(ctx context.Context, discovered []runtime.Handle) ([]string, error)
	Len() int
	TakeLeaked() bool
}

// OrphanSource lists every sandbox runtime carrying the ownership label.
type OrphanSource interface {
	DiscoverOrphans(ctx context.Context) ([]runtime.Handle, error)
}

type Metrics interface {
	SessionsEvicted(n int)
	OrphansRemoved(n int)
	SetActiveSessions(n int)
}

type nopMetrics struct{}

func (nopMetrics) SessionsEvicted(int)   {}
func (nopMetrics) OrphansRemoved(int)    {}
func (nopMetrics) SetActiveSessions(int) {}
