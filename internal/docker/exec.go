package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

const (
	// exit status of coreutils timeout(1) when the command ran out of time
	exitTimedOut = 124
	// timeout(1) escalated to SIGKILL
	exitKilled = 137

	listTimeout = 15 * time.Second
)

// Exec runs req.Command inside the sandbox under timeout(1). The in-container
// timeout sends TERM and then KILL; a client-side deadline slightly past it
// covers a wedged exec stream, in which case every process of the sandbox user
// is killed from a second exec.
func (c *Client) Exec(ctx context.Context, h runtime.Handle, req runtime.ExecRequest) (*runtime.ExecResult, error) {
	secs := int(math.Ceil(req.Timeout.Seconds()))
	if secs < 1 {
		secs = 1
	}
	argv := append([]string{"timeout", "--kill-after=2", strconv.Itoa(secs)}, req.Command...)

	deadline := time.Duration(secs)*time.Second + 2*time.Second + c.opts.KillGrace
	start := time.Now()
	res, err := c.run(ctx, h.ID, argv, deadline, req.MaxOutputBytes)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			c.killAll(h)
			return &runtime.ExecResult{
				Stdout:   res.Stdout,
				Stderr:   res.Stderr,
				ExitCode: -1,
				TimedOut: true,
			}, nil
		}
		return nil, fmt.Errorf("%w: %w", runtime.ErrExecFailed, err)
	}

	switch {
	case res.ExitCode == exitTimedOut:
		res.TimedOut = true
	case res.ExitCode == exitKilled && elapsed >= req.Timeout:
		res.TimedOut = true
	}
	return res, nil
}

// ListDir lists regular files directly inside the data directory.
func (c *Client) ListDir(ctx context.Context, h runtime.Handle) ([]runtime.FileInfo, error) {
	argv := []string{"find", c.opts.DataDir, "-maxdepth", "1", "-type", "f", "-printf", `%f\0%s\0%T@\0`}
	res, err := c.run(ctx, h.ID, argv, listTimeout, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", runtime.ErrReadFailed, c.opts.DataDir, err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("%w: list %s: exit %d: %s", runtime.ErrReadFailed, c.opts.DataDir, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return parseListing(res.Stdout)
}

// parseListing decodes find(1) output of NUL-terminated name, size and mtime
// fields. NUL is the one byte a file name cannot contain, so tabs and newlines
// in names survive.
func parseListing(out []byte) ([]runtime.FileInfo, error) {
	fields := strings.Split(string(out), "\x00")
	// Output ends with a terminator, leaving one empty trailing field.
	if n := len(fields); n > 0 && fields[n-1] == "" {
		fields = fields[:n-1]
	}
	if len(fields)%3 != 0 {
		return nil, fmt.Errorf("truncated listing: %d fields", len(fields))
	}

	files := make([]runtime.FileInfo, 0, len(fields)/3)
	for i := 0; i < len(fields); i += 3 {
		name := fields[i]
		size, err := strconv.ParseInt(fields[i+1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("listing size %q for %q: %w", fields[i+1], name, err)
		}
		mtime, err := strconv.ParseFloat(fields[i+2], 64)
		if err != nil {
			return nil, fmt.Errorf("listing mtime %q for %q: %w", fields[i+2], name, err)
		}
		sec, frac := math.Modf(mtime)
		files = append(files, runtime.FileInfo{
			Name:    name,
			Size:    size,
			ModTime: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		})
	}
	return files, nil
}

// run executes argv and collects separated stdout and stderr. limit bounds
// each buffered stream (0 means unbounded). On error the partial output read
// so far is still returned.
func (c *Client) run(ctx context.Context, containerID string, argv []string, timeout time.Duration, limit int) (*runtime.ExecResult, error) {
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	execCfg := container.ExecOptions{
		Cmd:          argv,
		AttachStdout: true,
		AttachStderr: true,
		WorkingDir:   c.opts.DataDir,
	}

	execResp, err := c.docker.ContainerExecCreate(tctx, containerID, execCfg)
	if err != nil {
		return &runtime.ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attachResp, err := c.docker.ContainerExecAttach(tctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return &runtime.ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attachResp.Close()

	// The hijacked connection ignores ctx, so close it when the deadline passes.
	stop := context.AfterFunc(tctx, attachResp.Close)
	defer stop()

	stdout := newHeadBuffer(limit)
	stderr := newHeadBuffer(limit)
	_, copyErr := stdcopy.StdCopy(stdout, stderr, attachResp.Reader)
	res := &runtime.ExecResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if tctx.Err() != nil {
		return res, tctx.Err()
	}
	if copyErr != nil {
		return res, fmt.Errorf("exec read: %w", copyErr)
	}

	insp, err := c.docker.ContainerExecInspect(tctx, execResp.ID)
	if err != nil {
		if tctx.Err() != nil {
			return res, tctx.Err()
		}
		return res, fmt.Errorf("exec inspect: %w", err)
	}
	res.ExitCode = insp.ExitCode
	return res, nil
}

// killAll terminates every process the sandbox user owns except the container's
// init process.
func (c *Client) killAll(h runtime.Handle) {
	ctx, cancel := context.WithTimeout(context.Background(), listTimeout)
	defer cancel()
	if _, err := c.run(ctx, h.ID, []string{"kill", "-9", "-1"}, listTimeout, 0); err != nil {
		c.logger.Error("force kill after exec deadline", "session_id", h.SessionID, "container_id", h.ID, "error", err)
	}
}

// headBuffer keeps the first limit+1 bytes written and discards the rest while
// still reporting full writes, so the stream is drained.
type headBuffer struct {
	buf   bytes.Buffer
	limit int
}

func newHeadBuffer(limit int) *headBuffer {
	return &headBuffer{limit: limit}
}

func (b *headBuffer) Write(p []byte) (int, error) {
	if b.limit <= 0 {
		return b.buf.Write(p)
	}
	if room := b.limit + 1 - b.buf.Len(); room > 0 {
		if len(p) <= room {
			b.buf.Write(p)
		} else {
			b.buf.Write(p[:room])
		}
	}
	return len(p), nil
}

func (b *headBuffer) Bytes() []byte {
	return b.buf.Bytes()
}
