package session

import (
	"errors"
	"fmt"
)

// Kind classifies every error an exposed operation can return.
type Kind string

const (
	KindSessionNotFound     Kind = "session_not_found"
	KindSessionBusy         Kind = "session_busy"
	KindCapacityExceeded    Kind = "capacity_exceeded"
	KindInvalidSessionID    Kind = "invalid_session_id"
	KindInvalidPath         Kind = "invalid_path"
	KindInvalidFilename     Kind = "invalid_filename"
	KindArtifactTooLarge    Kind = "artifact_too_large"
	KindRuntimeCreateFailed Kind = "runtime_create_failed"
	KindRuntimeExecFailed   Kind = "runtime_exec_failed"
	KindRuntimeWriteFailed  Kind = "runtime_write_failed"
	KindRuntimeReadFailed   Kind = "runtime_read_failed"
	KindTimeout             Kind = "timeout"
	KindNotFound            Kind = "not_found"
	KindFileExists          Kind = "file_exists"
	KindInvalidContent      Kind = "invalid_content"
	KindCodeTooLarge        Kind = "code_too_large"
	KindUploadTooLarge      Kind = "upload_too_large"
)

// Error is returned by every Manager operation. Message is safe to show to the
// caller; the wrapped cause carries runtime detail and is only logged.
type Error struct {
	Kind        Kind
	Message     string
	SizeBytes   int64
	LimitBytes  int64
	DownloadURL string
	Err         error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound, Message: "session not found"}
	ErrSessionBusy         = &Error{Kind: KindSessionBusy, Message: "session is busy"}
	ErrCapacityExceeded    = &Error{Kind: KindCapacityExceeded, Message: "session capacity exceeded"}
	ErrInvalidSessionID    = &Error{Kind: KindInvalidSessionID, Message: "invalid session id"}
	ErrInvalidPath         = &Error{Kind: KindInvalidPath, Message: "invalid path"}
	ErrInvalidFilename     = &Error{Kind: KindInvalidFilename, Message: "invalid filename"}
	ErrArtifactTooLarge    = &Error{Kind: KindArtifactTooLarge, Message: "artifact too large"}
	ErrRuntimeCreateFailed = &Error{Kind: KindRuntimeCreateFailed, Message: "failed to create sandbox"}
	ErrRuntimeExecFailed   = &Error{Kind: KindRuntimeExecFailed, Message: "failed to execute code"}
	ErrRuntimeWriteFailed  = &Error{Kind: KindRuntimeWriteFailed, Message: "failed to write file"}
	ErrRuntimeReadFailed   = &Error{Kind: KindRuntimeReadFailed, Message: "failed to read file"}
	ErrTimeout             = &Error{Kind: KindTimeout, Message: "operation timed out"}
	ErrNotFound            = &Error{Kind: KindNotFound, Message: "file not found"}
	ErrFileExists          = &Error{Kind: KindFileExists, Message: "file already exists"}
	ErrInvalidContent      = &Error{Kind: KindInvalidContent, Message: "invalid content"}
	ErrCodeTooLarge        = &Error{Kind: KindCodeTooLarge, Message: "code too large"}
	ErrUploadTooLarge      = &Error{Kind: KindUploadTooLarge, Message: "upload too large"}
)

func newError(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: cause}
}

// KindOf reports the kind of err, or "" when err is not a session error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
