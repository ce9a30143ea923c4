package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

type Status string

const (
	StatusCreating Status = "creating"
	StatusActive   Status = "active"
	StatusClosing  Status = "closing"
	StatusClosed   Status = "closed"
)

// Session binds an identifier to the runtime that serves it.
type Session struct {
	ID        string
	Handle    runtime.Handle
	CreatedAt time.Time

	// execMu is held for the whole of an execution or upload. It is only ever
	// taken with TryLock so contention surfaces as SessionBusy.
	execMu sync.Mutex

	// Guarded by Registry.mu.
	status       Status
	lastActiveAt time.Time
	ready        chan struct{}
}

type lifecycleDriver interface {
	Create(ctx context.Context, sessionID string) (runtime.Handle, error)
	Destroy(ctx context.Context, h runtime.Handle) error
}

// Registry owns the id -> session mapping and every lifecycle transition.
// Its mutex is never held across a runtime call.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	// closed remembers recently closed ids so a repeated close is reported
	// as already closed rather than unknown.
	closed map[string]time.Time

	driver      lifecycleDriver
	maxSessions int
	logger      *slog.Logger
	now         func() time.Time

	// leaked is set when a close or eviction could not destroy its runtime.
	leaked atomic.Bool
}

func NewRegistry(driver lifecycleDriver, maxSessions int, logger *slog.Logger) *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		closed:      make(map[string]time.Time),
		driver:      driver,
		maxSessions: maxSessions,
		logger:      logger,
		now:         time.Now,
	}
}

// GetOrCreate returns the active session for id, creating its runtime if the id
// is unseen. The second result reports whether a runtime was created. Finding
// an existing session counts as activity on it.
func (r *Registry) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	return r.getOrCreate(ctx, id, true)
}

// resolve is GetOrCreate without recording activity on an existing session.
// Operations that may be rejected as busy touch the session themselves once
// they have run.
func (r *Registry) resolve(ctx context.Context, id string) (*Session, bool, error) {
	return r.getOrCreate(ctx, id, false)
}

func (r *Registry) getOrCreate(ctx context.Context, id string, touch bool) (*Session, bool, error) {
	for {
		r.mu.Lock()
		if s, ok := r.sessions[id]; ok {
			switch s.status {
			case StatusActive:
				if touch {
					s.lastActiveAt = r.now()
				}
				r.mu.Unlock()
				return s, false, nil
			case StatusCreating:
				ready := s.ready
				r.mu.Unlock()
				select {
				case <-ready:
					continue
				case <-ctx.Done():
					return nil, false, newError(KindSessionBusy, ctx.Err(), "session %s is still being created", id)
				}
			default:
				r.mu.Unlock()
				return nil, false, newError(KindSessionBusy, nil, "session %s is closing", id)
			}
		}

		if len(r.sessions) >= r.maxSessions {
			r.mu.Unlock()
			return nil, false, newError(KindCapacityExceeded, nil, "maximum of %d concurrent sessions reached", r.maxSessions)
		}

		now := r.now()
		s := &Session{
			ID:           id,
			CreatedAt:    now,
			status:       StatusCreating,
			lastActiveAt: now,
			ready:        make(chan struct{}),
		}
		r.sessions[id] = s
		delete(r.closed, id)
		r.mu.Unlock()

		h, err := r.driver.Create(ctx, id)

		r.mu.Lock()
		if err != nil {
			delete(r.sessions, id)
			close(s.ready)
			r.mu.Unlock()
			r.logger.Error("create runtime", "session_id", id, "error", err)
			return nil, false, newError(KindRuntimeCreateFailed, err, "failed to create sandbox for session %s", id)
		}
		s.Handle = h
		s.status = StatusActive
		s.lastActiveAt = r.now()
		close(s.ready)
		r.mu.Unlock()

		r.logger.Info("session created", "session_id", id, "container_id", h.ID)
		return s, true, nil
	}
}

// Require returns the session for id only if it is active.
func (r *Registry) Require(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok || s.status != StatusActive {
		return nil, newError(KindSessionNotFound, nil, "session %s not found", id)
	}
	return s, nil
}

// IsActive reports whether s is still the live session for its id.
func (r *Registry) IsActive(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[s.ID] == s && s.status == StatusActive
}

// Touch records activity on s.
func (r *Registry) Touch(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.status == StatusActive {
		s.lastActiveAt = r.now()
	}
}

// LastActiveAt returns the last activity time recorded for s.
func (r *Registry) LastActiveAt(s *Session) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return s.lastActiveAt
}

type CloseResult struct {
	SessionID     string `json:"session_id"`
	Status        Status `json:"status"`
	AlreadyClosed bool   `json:"already_closed,omitempty"`
}

// Close destroys the session's runtime and forgets the session. Runtime
// destruction failures are logged; the entry is removed regardless.
func (r *Registry) Close(ctx context.Context, id string) (*CloseResult, error) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		_, wasClosed := r.closed[id]
		r.mu.Unlock()
		if wasClosed {
			return &CloseResult{SessionID: id, Status: StatusClosed, AlreadyClosed: true}, nil
		}
		return nil, newError(KindSessionNotFound, nil, "session %s not found", id)
	}
	switch s.status {
	case StatusCreating:
		r.mu.Unlock()
		return nil, newError(KindSessionBusy, nil, "session %s is still being created", id)
	case StatusClosing:
		r.mu.Unlock()
		return &CloseResult{SessionID: id, Status: StatusClosed, AlreadyClosed: true}, nil
	}
	s.status = StatusClosing
	r.mu.Unlock()

	r.destroy(ctx, s)

	r.mu.Lock()
	r.finishClose(s)
	r.mu.Unlock()

	r.logger.Info("session closed", "session_id", id)
	return &CloseResult{SessionID: id, Status: StatusClosed}, nil
}

// EvictIdle closes every active session idle for longer than ttl. Sessions with
// an execution in flight are skipped. Returns the evicted ids, sorted.
func (r *Registry) EvictIdle(ctx context.Context, ttl time.Duration) []string {
	now := r.now()

	r.mu.Lock()
	var victims []*Session
	for _, s := range r.sessions {
		if s.status != StatusActive || now.Sub(s.lastActiveAt) <= ttl {
			continue
		}
		if !s.execMu.TryLock() {
			continue
		}
		s.status = StatusClosing
		victims = append(victims, s)
	}
	for id, at := range r.closed {
		if now.Sub(at) > ttl {
			delete(r.closed, id)
		}
	}
	r.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}

	for _, s := range victims {
		r.logger.Info("evicting idle session", "session_id", s.ID)
		r.destroy(ctx, s)
	}

	ids := make([]string, 0, len(victims))
	r.mu.Lock()
	for _, s := range victims {
		r.finishClose(s)
		ids = append(ids, s.ID)
	}
	r.mu.Unlock()

	for _, s := range victims {
		s.execMu.Unlock()
	}

	sort.Strings(ids)
	return ids
}

// ReconcileOrphans destroys every discovered runtime whose session is not
// registered. Individual failures do not stop the pass; they are joined into
// the returned error. Returns the session ids whose runtimes were removed.
func (r *Registry) ReconcileOrphans(ctx context.Context, discovered []runtime.Handle) ([]string, error) {
	var removed []string
	var errs []error
	for _, h := range discovered {
		r.mu.Lock()
		_, known := r.sessions[h.SessionID]
		r.mu.Unlock()
		if known {
			continue
		}

		if err := r.driver.Destroy(ctx, h); err != nil {
			r.logger.Warn("remove orphaned runtime", "session_id", h.SessionID, "container_id", h.ID, "error", err)
			errs = append(errs, fmt.Errorf("orphan %s: %w", h.ID, err))
			continue
		}
		r.logger.Info("removed orphaned runtime", "session_id", h.SessionID, "container_id", h.ID)
		removed = append(removed, h.SessionID)
	}
	sort.Strings(removed)
	return removed, errors.Join(errs...)
}

// CloseAll destroys every active session that is not running an execution.
// Sessions it skips are removed by the next startup reconciliation.
func (r *Registry) CloseAll(ctx context.Context) []string {
	return r.EvictIdle(ctx, -1)
}

// Len counts registered sessions, including ones being created or closed.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) destroy(ctx context.Context, s *Session) {
	// Cleanup must finish even if the caller gave up.
	ctx = context.WithoutCancel(ctx)
	if err := r.driver.Destroy(ctx, s.Handle); err != nil {
		r.leaked.Store(true)
		r.logger.Error("destroy runtime", "session_id", s.ID, "container_id", s.Handle.ID, "error", err)
	}
}

// TakeLeaked reports whether a runtime was left behind by a failed destroy
// since the last call, and clears the mark. The runtime is no longer
// registered, so the next orphan reconciliation removes it.
func (r *Registry) TakeLeaked() bool {
	return r.leaked.Swap(false)
}

// finishClose must be called with r.mu held.
func (r *Registry) finishClose(s *Session) {
	if r.sessions[s.ID] == s {
		delete(r.sessions, s.ID)
	}
	s.status = StatusClosed
	r.closed[s.ID] = r.now()
}
