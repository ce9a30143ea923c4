package session

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/p-arndt/codesandbox/internal/artifact"
	"github.com/p-arndt/codesandbox/internal/runtime"
	"github.com/p-arndt/codesandbox/internal/validation"
)

// Execution outcomes reported to metrics.
const (
	OutcomeSuccess = "success"
	OutcomeNonZero = "nonzero_exit"
	OutcomeTimeout = "timeout"
	OutcomeBusy    = "busy"
	OutcomeFailed  = "failed"
)

type ExecutionRecord struct {
	SessionID       string              `json:"session_id"`
	RunID           string              `json:"run_id"`
	ExitCode        int                 `json:"exit_code"`
	Stdout          string              `json:"stdout"`
	Stderr          string              `json:"stderr"`
	StdoutTruncated bool                `json:"stdout_truncated"`
	StderrTruncated bool                `json:"stderr_truncated"`
	TimedOut        bool                `json:"timed_out"`
	Duration        time.Duration       `json:"-"`
	DurationMs      int64               `json:"duration_ms"`
	Artifacts       []artifact.Artifact `json:"artifacts"`
}

// Run executes code in the session's sandbox, creating the session on first use.
// At most one execution per session runs at a time; a concurrent call fails
// immediately with SessionBusy. Artifacts are only collected when the code
// exits zero within the timeout. A zero timeout selects the configured default.
func (m *Manager) Run(ctx context.Context, sessionID, code string, timeout time.Duration) (*ExecutionRecord, error) {
	ctx, span := m.tracer.Start(ctx, "session.Run")
	defer span.End()

	if err := validation.CodeSize(code, m.cfg.Limits.MaxCodeBytes); err != nil {
		return nil, newError(KindCodeTooLarge, err, "%s", err.Error())
	}

	sess, _, err := m.getOrCreate(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID))

	if !sess.execMu.TryLock() {
		m.metrics.ObserveExecution(OutcomeBusy, 0)
		return nil, newError(KindSessionBusy, nil, "session %s is already executing code", sess.ID)
	}
	defer sess.execMu.Unlock()

	// The session may have been evicted or closed between lookup and lock.
	if !m.registry.IsActive(sess) {
		return nil, newError(KindSessionNotFound, nil, "session %s not found", sess.ID)
	}
	defer m.registry.Touch(sess)

	runID := newRunID(m.now())
	span.SetAttributes(attribute.String("run.id", runID))
	logger := m.logger.With("session_id", sess.ID, "run_id", runID)

	timeout = m.enforceMaxTimeout(timeout)
	logger.Info("execution started", "code_bytes", len(code), "timeout", timeout)

	before, err := m.runtime.ListDir(ctx, sess.Handle)
	if err != nil {
		logger.Error("snapshot before execution", "error", err)
		m.metrics.ObserveExecution(OutcomeFailed, 0)
		span.SetStatus(codes.Error, "snapshot failed")
		return nil, newError(KindRuntimeExecFailed, err, "failed to execute code in session %s", sess.ID)
	}

	cmd := append(append([]string{}, m.cfg.ExecCommand...), code)
	start := time.Now()
	res, err := m.runtime.Exec(ctx, sess.Handle, runtime.ExecRequest{
		Command:        cmd,
		Timeout:        timeout,
		MaxOutputBytes: m.cfg.Limits.MaxOutputBytes,
	})
	if err != nil {
		elapsed := time.Since(start)
		span.SetStatus(codes.Error, "exec failed")
		if ctx.Err() != nil {
			logger.Warn("execution abandoned by caller", "error", err)
			m.metrics.ObserveExecution(OutcomeTimeout, elapsed)
			return nil, newError(KindTimeout, err, "execution in session %s was cancelled", sess.ID)
		}
		logger.Error("execution failed", "error", err)
		m.metrics.ObserveExecution(OutcomeFailed, elapsed)
		return nil, newError(KindRuntimeExecFailed, err, "failed to execute code in session %s", sess.ID)
	}

	rec := &ExecutionRecord{
		SessionID: sess.ID,
		RunID:     runID,
		ExitCode:  res.ExitCode,
		Artifacts: []artifact.Artifact{},
	}
	var stdout, stderr []byte
	stdout, rec.StdoutTruncated = truncateHead(res.Stdout, m.cfg.Limits.MaxOutputBytes)
	stderr, rec.StderrTruncated = truncateHead(res.Stderr, m.cfg.Limits.MaxOutputBytes)
	rec.Stdout = string(stdout)
	rec.Stderr = string(stderr)

	outcome := OutcomeSuccess
	switch {
	case res.TimedOut:
		outcome = OutcomeTimeout
		rec.ExitCode = -1
		rec.TimedOut = true
		rec.Stderr += fmt.Sprintf("\nExecution timed out after %ds", int(math.Ceil(timeout.Seconds())))
	case res.ExitCode != 0:
		outcome = OutcomeNonZero
	default:
		after, err := m.runtime.ListDir(ctx, sess.Handle)
		if err != nil {
			// The code already ran; report its output without artifacts.
			logger.Warn("snapshot after execution", "error", err)
		} else {
			changed := artifact.Diff(before, after)
			rec.Artifacts = artifact.Collect(m.cfg.DataDir, m.cfg.DownloadBaseURL(), sess.ID, changed)
		}
	}

	rec.Duration = time.Since(start)
	rec.DurationMs = rec.Duration.Milliseconds()
	m.metrics.ObserveExecution(outcome, rec.Duration)
	span.SetAttributes(
		attribute.Int("exec.exit_code", rec.ExitCode),
		attribute.Bool("exec.timed_out", rec.TimedOut),
		attribute.Int("exec.artifacts", len(rec.Artifacts)),
	)

	logger.Info("execution finished",
		"exit_code", rec.ExitCode,
		"timed_out", rec.TimedOut,
		"duration_ms", rec.DurationMs,
		"artifacts", len(rec.Artifacts),
		"stdout_truncated", rec.StdoutTruncated,
		"stderr_truncated", rec.StderrTruncated,
	)
	return rec, nil
}

// enforceMaxTimeout applies the default for non-positive values and caps the rest.
func (m *Manager) enforceMaxTimeout(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		return m.cfg.ExecTimeout()
	}
	if limit := m.cfg.MaxExecTimeout(); timeout > limit {
		return limit
	}
	return timeout
}

// truncateHead keeps the first limit bytes of b.
func truncateHead(b []byte, limit int) ([]byte, bool) {
	if len(b) <= limit {
		return b, false
	}
	return b[:limit], true
}
