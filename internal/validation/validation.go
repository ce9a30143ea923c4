// Package validation checks caller-supplied identifiers, filenames and sizes
// before any of them reach a sandbox runtime.
package validation

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var (
	sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	filenamePattern  = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,255}$`)
)

var (
	ErrInvalidSessionID = errors.New("invalid session id")
	ErrInvalidFilename  = errors.New("invalid filename")
	ErrInvalidPath      = errors.New("path outside data directory")
	ErrCodeTooLarge     = errors.New("code too large")
	ErrUploadTooLarge   = errors.New("upload too large")
)

// SessionID accepts 1-64 characters of letters, digits, '_' and '-'.
func SessionID(id string) error {
	if !sessionIDPattern.MatchString(id) {
		return fmt.Errorf("%w: must be 1-64 characters of letters, digits, '_' or '-'", ErrInvalidSessionID)
	}
	return nil
}

// Filename accepts a single path component. Dot-only names and any ".." are rejected
// even though the character class would allow them.
func Filename(name string) error {
	if !filenamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must be 1-255 characters of letters, digits, '.', '_' or '-'", ErrInvalidFilename, name)
	}
	if strings.Contains(name, "..") || name == "." {
		return fmt.Errorf("%w: %q", ErrInvalidFilename, name)
	}
	return nil
}

// ResolvePath maps a caller path to a filename directly inside dataDir.
// It accepts either a bare filename or an absolute path whose parent is dataDir;
// anything else, including nested directories, is rejected. The returned path is
// dataDir joined with the filename.
func ResolvePath(dataDir, p string) (full, name string, err error) {
	if p == "" {
		return "", "", fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	if strings.Contains(p, "..") {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
	}

	if !strings.HasPrefix(p, "/") {
		name = p
	} else {
		clean := path.Clean(p)
		if path.Dir(clean) != path.Clean(dataDir) {
			return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, p)
		}
		name = path.Base(clean)
	}

	if err := Filename(name); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidPath, err)
	}
	return path.Join(dataDir, name), name, nil
}

// CodeSize rejects source text larger than max bytes.
func CodeSize(code string, max int) error {
	if len(code) > max {
		return fmt.Errorf("%w: %d bytes exceeds %d byte limit", ErrCodeTooLarge, len(code), max)
	}
	return nil
}

// EncodedUploadSize rejects base64 payloads whose decoded size would exceed max,
// so oversized uploads are refused before they are decoded.
func EncodedUploadSize(encodedLen int, max int64) error {
	limit := max*4/3 + 4
	if int64(encodedLen) > limit {
		return fmt.Errorf("%w: encoded payload of %d bytes exceeds %d byte limit", ErrUploadTooLarge, encodedLen, max)
	}
	return nil
}
