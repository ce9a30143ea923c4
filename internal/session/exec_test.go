package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/codesandbox/internal/runtime"
	"github.com/p-arndt/codesandbox/internal/testutil"
)

func newTestManager() (*Manager, *testutil.FakeRuntime) {
	cfg := testutil.TestConfig()
	rt := testutil.NewFakeRuntime()
	reg := NewRegistry(rt, cfg.MaxSessions, testutil.DiscardLogger())
	return NewManager(cfg, reg, rt, testutil.DiscardLogger()), rt
}

func TestRunSuccessCollectsArtifacts(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "input.csv", "YSxiCg==", false)
	require.NoError(t, err)

	var gotCmd []string
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		gotCmd = req.Command
		rt.PutFile(h, "plot.png", []byte("png"))
		rt.PutFile(h, "out.json", []byte("{}"))
		return &runtime.ExecResult{Stdout: []byte("done\n")}, nil
	})

	rec, err := mgr.Run(ctx, "s1", "print('done')", 0)
	require.NoError(t, err)

	assert.Equal(t, []string{"python", "-c", "print('done')"}, gotCmd)
	assert.Equal(t, "s1", rec.SessionID)
	assert.Regexp(t, `^run_\d{8}T\d{6}Z_[0-9a-f]{4}$`, rec.RunID)
	assert.Equal(t, 0, rec.ExitCode)
	assert.Equal(t, "done\n", rec.Stdout)
	assert.False(t, rec.TimedOut)
	require.Len(t, rec.Artifacts, 2, "the uploaded input is not an artifact")
	assert.Equal(t, "out.json", rec.Artifacts[0].Filename)
	assert.Equal(t, "/mnt/data/plot.png", rec.Artifacts[1].Path)
	assert.Equal(t, "image/png", rec.Artifacts[1].ContentType)
	assert.Equal(t, int64(3), rec.Artifacts[1].SizeBytes)
	assert.Equal(t, "http://localhost:8080/files/s1/plot.png", rec.Artifacts[1].DownloadURL)
	assert.Equal(t, 2, rt.ListCalls(), "snapshots before and after")
}

func TestRunReportsModifiedFiles(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "data.txt", "YQ==", false)
	require.NoError(t, err)

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		rt.PutFile(h, "data.txt", []byte("ab"))
		return &runtime.ExecResult{}, nil
	})
	rec, err := mgr.Run(ctx, "s1", "x", 0)
	require.NoError(t, err)
	require.Len(t, rec.Artifacts, 1)
	assert.Equal(t, "data.txt", rec.Artifacts[0].Filename)
}

func TestRunDeletionsAreNotReported(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "tmp.txt", "YQ==", false)
	require.NoError(t, err)

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		rt.RemoveFile(h, "tmp.txt")
		return &runtime.ExecResult{}, nil
	})
	rec, err := mgr.Run(ctx, "s1", "x", 0)
	require.NoError(t, err)
	assert.Empty(t, rec.Artifacts)
	assert.NotNil(t, rec.Artifacts)
}

func TestRunNonZeroExitSkipsArtifacts(t *testing.T) {
	mgr, rt := newTestManager()

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		rt.PutFile(h, "partial.csv", []byte("x"))
		return &runtime.ExecResult{ExitCode: 1, Stderr: []byte("Traceback")}, nil
	})

	rec, err := mgr.Run(context.Background(), "s1", "raise SystemExit(1)", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.ExitCode)
	assert.Equal(t, "Traceback", rec.Stderr)
	assert.Empty(t, rec.Artifacts)
	assert.Equal(t, 1, rt.ListCalls(), "only the before-snapshot lists the data dir")
}

func TestRunTimeout(t *testing.T) {
	mgr, rt := newTestManager()

	var gotTimeout time.Duration
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		gotTimeout = req.Timeout
		rt.PutFile(h, "half.txt", []byte("x"))
		return &runtime.ExecResult{ExitCode: 124, TimedOut: true, Stdout: []byte("tick\n")}, nil
	})

	rec, err := mgr.Run(context.Background(), "s1", "while True: pass", 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, gotTimeout)
	assert.True(t, rec.TimedOut)
	assert.Equal(t, -1, rec.ExitCode)
	assert.Equal(t, "tick\n", rec.Stdout)
	assert.True(t, strings.HasSuffix(rec.Stderr, "Execution timed out after 2s"))
	assert.Empty(t, rec.Artifacts)
	assert.Equal(t, 1, rt.ListCalls(), "only the before-snapshot lists the data dir")
}

func TestRunTruncatesStreamsIndependently(t *testing.T) {
	mgr, rt := newTestManager()
	limit := mgr.cfg.Limits.MaxOutputBytes

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		assert.Equal(t, limit, req.MaxOutputBytes)
		return &runtime.ExecResult{
			Stdout: []byte("HEAD" + strings.Repeat("x", limit)),
			Stderr: []byte("short"),
		}, nil
	})

	rec, err := mgr.Run(context.Background(), "s1", "x", 0)
	require.NoError(t, err)
	assert.True(t, rec.StdoutTruncated)
	assert.False(t, rec.StderrTruncated)
	assert.Len(t, rec.Stdout, limit)
	assert.True(t, strings.HasPrefix(rec.Stdout, "HEAD"), "truncation keeps the head")
	assert.Equal(t, "short", rec.Stderr)
}

func TestRunExactlyAtLimitIsNotTruncated(t *testing.T) {
	mgr, rt := newTestManager()
	limit := mgr.cfg.Limits.MaxOutputBytes

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{Stdout: []byte(strings.Repeat("y", limit))}, nil
	})

	rec, err := mgr.Run(context.Background(), "s1", "x", 0)
	require.NoError(t, err)
	assert.False(t, rec.StdoutTruncated)
	assert.Len(t, rec.Stdout, limit)
}

func TestRunBusyRejectsImmediately(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		if req.Command[len(req.Command)-1] == "slow" {
			close(started)
			<-release
		}
		return &runtime.ExecResult{}, nil
	})

	done := make(chan error, 1)
	go func() {
		_, err := mgr.Run(ctx, "s1", "slow", 0)
		done <- err
	}()
	<-started

	_, err := mgr.Run(ctx, "s1", "fast", 0)
	assert.ErrorIs(t, err, ErrSessionBusy)

	_, err = mgr.Upload(ctx, "s1", "late.txt", "YQ==", false)
	assert.ErrorIs(t, err, ErrSessionBusy)

	close(release)
	require.NoError(t, <-done)

	_, err = mgr.Run(ctx, "s1", "fast", 0)
	assert.NoError(t, err)
}

func TestRunDifferentSessionsDoNotBlock(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		if h.SessionID == "blocked" {
			close(started)
			<-release
		}
		return &runtime.ExecResult{Stdout: []byte(h.SessionID)}, nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := mgr.Run(ctx, "blocked", "x", 0)
		assert.NoError(t, err)
	}()
	<-started

	rec, err := mgr.Run(ctx, "other", "x", 0)
	require.NoError(t, err)
	assert.Equal(t, "other", rec.Stdout)

	close(release)
	wg.Wait()
}

func TestRunCreatesSessionOnFirstUse(t *testing.T) {
	mgr, rt := newTestManager()

	rec, err := mgr.Run(context.Background(), "", "x", 0)
	require.NoError(t, err)
	assert.Regexp(t, `^sess_[0-9a-f]{12}$`, rec.SessionID)
	assert.Equal(t, 1, rt.Live())

	_, err = mgr.registry.Require(rec.SessionID)
	assert.NoError(t, err)
}

func TestRunValidatesBeforeTouchingRuntime(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Run(ctx, "../escape", "x", 0)
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	_, err = mgr.Run(ctx, "s1", strings.Repeat("x", mgr.cfg.Limits.MaxCodeBytes+1), 0)
	assert.ErrorIs(t, err, ErrCodeTooLarge)

	creates, _ := rt.Calls()
	assert.Zero(t, creates)
}

func TestRunCapacityExceeded(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := mgr.Run(ctx, id, "x", 0)
		require.NoError(t, err)
	}
	_, err := mgr.Run(ctx, "d", "x", 0)
	assert.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestRunRuntimeFailure(t *testing.T) {
	mgr, rt := newTestManager()

	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return nil, runtime.ErrExecFailed
	})

	_, err := mgr.Run(context.Background(), "s1", "x", 0)
	require.ErrorIs(t, err, ErrRuntimeExecFailed)
	assert.ErrorIs(t, err, runtime.ErrExecFailed, "cause stays reachable for logging")
	assert.Equal(t, KindRuntimeExecFailed, KindOf(err))
}

func TestRunSnapshotFailure(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)

	rt.FailList(testutil.ErrInjected)
	_, err = mgr.Run(ctx, "s1", "x", 0)
	assert.ErrorIs(t, err, ErrRuntimeExecFailed)
}

func TestRunCallerCancellation(t *testing.T) {
	mgr, rt := newTestManager()

	ctx, cancel := context.WithCancel(context.Background())
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		cancel()
		return nil, ctx.Err()
	})

	_, err := mgr.Run(ctx, "s1", "x", 0)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRunTouchesSession(t *testing.T) {
	mgr, rt := newTestManager()
	clock := newFakeClock()
	mgr.registry.now = clock.Now
	ctx := context.Background()

	_, err := mgr.Run(ctx, "s1", "x", 0)
	require.NoError(t, err)
	s, err := mgr.registry.Require("s1")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		return &runtime.ExecResult{ExitCode: 2}, nil
	})
	_, err = mgr.Run(ctx, "s1", "x", 0)
	require.NoError(t, err)

	assert.Equal(t, clock.Now(), mgr.registry.LastActiveAt(s), "non-zero exits count as activity")
}

func TestRunBusyRejectionIsNotActivity(t *testing.T) {
	mgr, rt := newTestManager()
	clock := newFakeClock()
	mgr.registry.now = clock.Now
	ctx := context.Background()

	_, err := mgr.Run(ctx, "s1", "x", 0)
	require.NoError(t, err)
	s, err := mgr.registry.Require("s1")
	require.NoError(t, err)
	lastRun := clock.Now()

	started := make(chan struct{})
	release := make(chan struct{})
	rt.SetExec(func(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
		if req.Command[len(req.Command)-1] == "slow" {
			close(started)
			<-release
		}
		return &runtime.ExecResult{}, nil
	})

	clock.Advance(10 * time.Minute)
	done := make(chan error, 1)
	go func() {
		_, err := mgr.Run(ctx, "s1", "slow", 0)
		done <- err
	}()
	<-started

	clock.Advance(10 * time.Minute)
	_, err = mgr.Run(ctx, "s1", "fast", 0)
	assert.ErrorIs(t, err, ErrSessionBusy)
	_, err = mgr.Upload(ctx, "s1", "late.txt", "YQ==", false)
	assert.ErrorIs(t, err, ErrSessionBusy)
	assert.Equal(t, lastRun, mgr.registry.LastActiveAt(s), "busy rejections do not touch the session")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, clock.Now(), mgr.registry.LastActiveAt(s), "the finished run does")
}

func TestGetOrCreateSessionCountsAsActivity(t *testing.T) {
	mgr, _ := newTestManager()
	clock := newFakeClock()
	mgr.registry.now = clock.Now
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	s, err := mgr.registry.Require("s1")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	_, err = mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), mgr.registry.LastActiveAt(s))
}

func TestRunRecordsMetrics(t *testing.T) {
	cfg := testutil.TestConfig()
	rt := testutil.NewFakeRuntime()
	metrics := &MockMetrics{}
	reg := NewRegistry(rt, cfg.MaxSessions, testutil.DiscardLogger())
	mgr := NewManager(cfg, reg, rt, testutil.DiscardLogger(), WithMetrics(metrics))

	metrics.On("SetActiveSessions", 1).Return()
	metrics.On("ObserveExecution", OutcomeSuccess, mock.AnythingOfType("time.Duration")).Return()

	_, err := mgr.Run(context.Background(), "s1", "x", 0)
	require.NoError(t, err)

	metrics.AssertExpectations(t)
}

func TestEnforceMaxTimeout(t *testing.T) {
	mgr, _ := newTestManager()

	assert.Equal(t, 5*time.Second, mgr.enforceMaxTimeout(0))
	assert.Equal(t, 5*time.Second, mgr.enforceMaxTimeout(-time.Second))
	assert.Equal(t, 10*time.Second, mgr.enforceMaxTimeout(10*time.Second))
	assert.Equal(t, 30*time.Second, mgr.enforceMaxTimeout(time.Hour))
}

func TestTruncateHead(t *testing.T) {
	out, truncated := truncateHead([]byte("abcdef"), 4)
	assert.Equal(t, "abcd", string(out))
	assert.True(t, truncated)

	out, truncated = truncateHead([]byte("ab"), 4)
	assert.Equal(t, "ab", string(out))
	assert.False(t, truncated)
}
