package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/p-arndt/codesandbox/internal/config"
	"github.com/p-arndt/codesandbox/internal/validation"
)

type Manager struct {
	cfg      *config.Config
	registry *Registry
	runtime  RuntimeDriver
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  Metrics
	now      func() time.Time
}

type Option func(*Manager)

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func WithMetrics(mt Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

func NewManager(cfg *config.Config, reg *Registry, rt RuntimeDriver, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		registry: reg,
		runtime:  rt,
		logger:   logger,
		tracer:   noop.NewTracerProvider().Tracer(""),
		metrics:  nopMetrics{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry exposes the registry for the cleanup sweeper.
func (m *Manager) Registry() *Registry {
	return m.registry
}

type SessionInfo struct {
	SessionID string    `json:"session_id"`
	Created   bool      `json:"created"`
	Status    Status    `json:"status"`
	DataDir   string    `json:"data_dir"`
	CreatedAt time.Time `json:"created_at"`
}

// GetOrCreateSession resolves id to an active session, creating one when the id
// is unseen. An empty id generates a fresh one.
func (m *Manager) GetOrCreateSession(ctx context.Context, id string) (*SessionInfo, error) {
	ctx, span := m.tracer.Start(ctx, "session.GetOrCreate")
	defer span.End()

	sess, created, err := m.getOrCreate(ctx, id, true)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.Bool("session.created", created))
	return &SessionInfo{
		SessionID: sess.ID,
		Created:   created,
		Status:    StatusActive,
		DataDir:   m.cfg.DataDir,
		CreatedAt: sess.CreatedAt,
	}, nil
}

// CloseSession destroys the session's runtime. Closing an id that was recently
// closed reports AlreadyClosed instead of an error.
func (m *Manager) CloseSession(ctx context.Context, id string) (*CloseResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Close", trace.WithAttributes(attribute.String("session.id", id)))
	defer span.End()

	if err := validation.SessionID(id); err != nil {
		return nil, newError(KindInvalidSessionID, err, "%s", err.Error())
	}
	res, err := m.registry.Close(ctx, id)
	if err != nil {
		return nil, err
	}
	m.metrics.SetActiveSessions(m.registry.Len())
	return res, nil
}

// getOrCreate validates id and resolves its session. With touch unset an
// existing session's activity time is left alone, so a busy rejection does not
// keep it from going idle.
func (m *Manager) getOrCreate(ctx context.Context, id string, touch bool) (*Session, bool, error) {
	if id == "" {
		id = NewSessionID()
	} else if err := validation.SessionID(id); err != nil {
		return nil, false, newError(KindInvalidSessionID, err, "%s", err.Error())
	}

	var (
		sess    *Session
		created bool
		err     error
	)
	if touch {
		sess, created, err = m.registry.GetOrCreate(ctx, id)
	} else {
		sess, created, err = m.registry.resolve(ctx, id)
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		m.metrics.SetActiveSessions(m.registry.Len())
	}
	return sess, created, nil
}

func (m *Manager) require(id string) (*Session, error) {
	if err := validation.SessionID(id); err != nil {
		return nil, newError(KindInvalidSessionID, err, "%s", err.Error())
	}
	return m.registry.Require(id)
}

// NewSessionID returns an id of the form sess_<12 hex>.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// newRunID returns run_<UTC timestamp>_<4 hex>, unique enough to correlate
// log lines of one execution.
func newRunID(now time.Time) string {
	return fmt.Sprintf("run_%s_%s", now.UTC().Format("20060102T150405Z"), strings.ReplaceAll(uuid.New().String(), "-", "")[:4])
}
