package session

import (
	"context"
	"encoding/base64"
	"errors"
	"path"

	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/otel/attribute"

	"github.com/p-arndt/codesandbox/internal/artifact"
	"github.com/p-arndt/codesandbox/internal/runtime"
	"github.com/p-arndt/codesandbox/internal/validation"
)

type UploadResult struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// ArtifactContent is an artifact together with its bytes.
type ArtifactContent struct {
	artifact.Artifact
	Content []byte `json:"-"`
}

// Upload decodes base64 content and writes it into the session's data
// directory, creating the session on first use. An existing file is only
// replaced when overwrite is set.
func (m *Manager) Upload(ctx context.Context, sessionID, filename, contentBase64 string, overwrite bool) (*UploadResult, error) {
	ctx, span := m.tracer.Start(ctx, "session.Upload")
	defer span.End()

	if err := validation.Filename(filename); err != nil {
		return nil, newError(KindInvalidFilename, err, "%s", err.Error())
	}
	maxUpload := m.cfg.Limits.MaxUploadBytes
	if err := validation.EncodedUploadSize(len(contentBase64), maxUpload); err != nil {
		return nil, &Error{Kind: KindUploadTooLarge, Err: err, LimitBytes: maxUpload,
			Message: "upload exceeds the " + humanize.IBytes(uint64(maxUpload)) + " limit"}
	}
	data, err := base64.StdEncoding.DecodeString(contentBase64)
	if err != nil {
		return nil, newError(KindInvalidContent, err, "content is not valid base64")
	}
	if int64(len(data)) > maxUpload {
		return nil, &Error{Kind: KindUploadTooLarge, SizeBytes: int64(len(data)), LimitBytes: maxUpload,
			Message: humanize.IBytes(uint64(len(data))) + " exceeds the " + humanize.IBytes(uint64(maxUpload)) + " limit"}
	}

	sess, _, err := m.getOrCreate(ctx, sessionID, false)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session.id", sess.ID), attribute.Int("upload.bytes", len(data)))
	logger := m.logger.With("session_id", sess.ID, "filename", filename)

	// Uploads share the execution lock so they cannot land in the middle of a
	// run's before/after snapshots.
	if !sess.execMu.TryLock() {
		return nil, newError(KindSessionBusy, nil, "session %s is already executing code", sess.ID)
	}
	defer sess.execMu.Unlock()
	if !m.registry.IsActive(sess) {
		return nil, newError(KindSessionNotFound, nil, "session %s not found", sess.ID)
	}
	defer m.registry.Touch(sess)

	if !overwrite {
		_, err := m.runtime.StatFile(ctx, sess.Handle, filename)
		switch {
		case err == nil:
			return nil, newError(KindFileExists, nil, "%s already exists; set overwrite to replace it", filename)
		case !errors.Is(err, runtime.ErrNotFound):
			logger.Error("stat before upload", "error", err)
			return nil, newError(KindRuntimeReadFailed, err, "failed to check %s", filename)
		}
	}

	if err := m.runtime.WriteFile(ctx, sess.Handle, filename, data); err != nil {
		logger.Error("upload", "error", err)
		return nil, newError(KindRuntimeWriteFailed, err, "failed to write %s", filename)
	}
	m.metrics.ObserveUpload(int64(len(data)))
	logger.Info("file uploaded", "size_bytes", len(data))

	return &UploadResult{
		SessionID: sess.ID,
		Path:      path.Join(m.cfg.DataDir, filename),
		SizeBytes: int64(len(data)),
	}, nil
}

// ReadArtifact returns a file from the session's data directory, bounded by the
// artifact read limit. Unlike Run and Upload it never creates a session.
func (m *Manager) ReadArtifact(ctx context.Context, sessionID, filePath string) (*ArtifactContent, error) {
	ctx, span := m.tracer.Start(ctx, "session.ReadArtifact")
	defer span.End()
	return m.readArtifact(ctx, sessionID, filePath, m.cfg.Limits.MaxArtifactReadBytes)
}

// DownloadArtifact is ReadArtifact with the larger download limit used by the
// HTTP file endpoint.
func (m *Manager) DownloadArtifact(ctx context.Context, sessionID, filename string) (*ArtifactContent, error) {
	ctx, span := m.tracer.Start(ctx, "session.DownloadArtifact")
	defer span.End()
	return m.readArtifact(ctx, sessionID, filename, m.cfg.Limits.MaxDownloadBytes)
}

func (m *Manager) readArtifact(ctx context.Context, sessionID, filePath string, limit int64) (*ArtifactContent, error) {
	if err := validation.SessionID(sessionID); err != nil {
		return nil, newError(KindInvalidSessionID, err, "%s", err.Error())
	}
	full, name, err := validation.ResolvePath(m.cfg.DataDir, filePath)
	if err != nil {
		return nil, newError(KindInvalidPath, err, "%s must be a file directly inside %s", filePath, m.cfg.DataDir)
	}
	sess, err := m.registry.Require(sessionID)
	if err != nil {
		return nil, err
	}
	defer m.registry.Touch(sess)
	logger := m.logger.With("session_id", sess.ID, "path", full)

	info, err := m.runtime.StatFile(ctx, sess.Handle, name)
	if err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			return nil, newError(KindNotFound, err, "%s not found", full)
		}
		logger.Error("stat artifact", "error", err)
		return nil, newError(KindRuntimeReadFailed, err, "failed to read %s", full)
	}
	if info.Size > limit {
		return nil, m.tooLarge(sess.ID, name, info.Size, limit, nil)
	}

	data, err := m.runtime.ReadFile(ctx, sess.Handle, name, limit)
	if err != nil {
		switch {
		case errors.Is(err, runtime.ErrNotFound):
			return nil, newError(KindNotFound, err, "%s not found", full)
		case errors.Is(err, runtime.ErrTooLarge):
			return nil, m.tooLarge(sess.ID, name, info.Size, limit, err)
		}
		logger.Error("read artifact", "error", err)
		return nil, newError(KindRuntimeReadFailed, err, "failed to read %s", full)
	}

	info.Size = int64(len(data))
	a := artifact.New(m.cfg.DataDir, m.cfg.DownloadBaseURL(), sess.ID, info)
	a.Checksum = artifact.Checksum(data)
	logger.Debug("artifact read", "size_bytes", len(data))
	return &ArtifactContent{Artifact: a, Content: data}, nil
}

func (m *Manager) tooLarge(sessionID, name string, size, limit int64, cause error) *Error {
	e := &Error{
		Kind:       KindArtifactTooLarge,
		SizeBytes:  size,
		LimitBytes: limit,
		Err:        cause,
		Message:    name + " is " + humanize.IBytes(uint64(size)) + ", exceeds the " + humanize.IBytes(uint64(limit)) + " limit",
	}
	if base := m.cfg.DownloadBaseURL(); base != "" {
		e.DownloadURL = artifact.DownloadURL(base, sessionID, name)
	}
	return e
}

// ListArtifacts lists every file currently in the session's data directory.
func (m *Manager) ListArtifacts(ctx context.Context, sessionID string) ([]artifact.Artifact, error) {
	ctx, span := m.tracer.Start(ctx, "session.ListArtifacts")
	defer span.End()

	sess, err := m.require(sessionID)
	if err != nil {
		return nil, err
	}
	defer m.registry.Touch(sess)

	files, err := m.runtime.ListDir(ctx, sess.Handle)
	if err != nil {
		m.logger.Error("list artifacts", "session_id", sess.ID, "error", err)
		return nil, newError(KindRuntimeReadFailed, err, "failed to list files in session %s", sess.ID)
	}
	return artifact.Collect(m.cfg.DataDir, m.cfg.DownloadBaseURL(), sess.ID, files), nil
}
