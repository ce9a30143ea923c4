package session

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/codesandbox/internal/artifact"
	"github.com/p-arndt/codesandbox/internal/runtime"
	"github.com/p-arndt/codesandbox/internal/testutil"
)

func encode(s string) string {
	return base64.StdEncoding.EncodeToString([]byte(s))
}

func handleOf(t *testing.T, mgr *Manager, id string) runtime.Handle {
	t.Helper()
	s, err := mgr.registry.Require(id)
	require.NoError(t, err)
	return s.Handle
}

func TestUploadWritesFile(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	res, err := mgr.Upload(ctx, "s1", "data.csv", encode("a,b\n1,2\n"), false)
	require.NoError(t, err)
	assert.Equal(t, "s1", res.SessionID)
	assert.Equal(t, "/mnt/data/data.csv", res.Path)
	assert.Equal(t, int64(8), res.SizeBytes)

	info, err := rt.StatFile(ctx, handleOf(t, mgr, "s1"), "data.csv")
	require.NoError(t, err)
	assert.Equal(t, int64(8), info.Size)
}

func TestUploadExistingFile(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "notes.txt", encode("v1"), false)
	require.NoError(t, err)

	_, err = mgr.Upload(ctx, "s1", "notes.txt", encode("v2"), false)
	assert.ErrorIs(t, err, ErrFileExists)

	_, err = mgr.Upload(ctx, "s1", "notes.txt", encode("version 3"), true)
	require.NoError(t, err)

	data, err := rt.ReadFile(ctx, handleOf(t, mgr, "s1"), "notes.txt", 1024)
	require.NoError(t, err)
	assert.Equal(t, "version 3", string(data))
}

func TestUploadRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  string
		want     error
	}{
		{"traversal", "../etc/passwd", encode("x"), ErrInvalidFilename},
		{"nested", "dir/file.txt", encode("x"), ErrInvalidFilename},
		{"dot", ".", encode("x"), ErrInvalidFilename},
		{"empty name", "", encode("x"), ErrInvalidFilename},
		{"not base64", "a.txt", "%%%not-base64%%%", ErrInvalidContent},
		{"encoded too large", "a.txt", strings.Repeat("A", 4096), ErrUploadTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mgr, rt := newTestManager()
			_, err := mgr.Upload(context.Background(), "s1", tt.filename, tt.content, false)
			assert.ErrorIs(t, err, tt.want)

			creates, _ := rt.Calls()
			assert.Zero(t, creates, "rejected uploads never create a session")
		})
	}
}

func TestUploadDecodedTooLarge(t *testing.T) {
	mgr, _ := newTestManager()
	limit := mgr.cfg.Limits.MaxUploadBytes

	// Passes the encoded-length precheck but decodes to one byte over.
	payload := base64.StdEncoding.EncodeToString(make([]byte, limit+1))
	_, err := mgr.Upload(context.Background(), "s1", "big.bin", payload, false)
	require.ErrorIs(t, err, ErrUploadTooLarge)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, limit+1, serr.SizeBytes)
	assert.Equal(t, limit, serr.LimitBytes)
	assert.Contains(t, serr.Message, "1.0 KiB")
}

func TestUploadInvalidSessionID(t *testing.T) {
	mgr, _ := newTestManager()
	_, err := mgr.Upload(context.Background(), "bad id!", "a.txt", encode("x"), false)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestReadArtifact(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "report.md", encode("# title\n"), false)
	require.NoError(t, err)

	for _, p := range []string{"report.md", "/mnt/data/report.md"} {
		got, err := mgr.ReadArtifact(ctx, "s1", p)
		require.NoError(t, err, p)
		assert.Equal(t, "# title\n", string(got.Content))
		assert.Equal(t, "/mnt/data/report.md", got.Path)
		assert.Equal(t, "report.md", got.Filename)
		assert.Equal(t, int64(8), got.SizeBytes)
		assert.Equal(t, "text/markdown", got.ContentType)
		assert.Equal(t, artifact.Checksum([]byte("# title\n")), got.Checksum)
		assert.Equal(t, "http://localhost:8080/files/s1/report.md", got.DownloadURL)
	}
}

func TestReadArtifactNotFound(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)

	_, err = mgr.ReadArtifact(ctx, "s1", "missing.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReadArtifactTooLarge(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	rt.PutFile(handleOf(t, mgr, "s1"), "big.csv", make([]byte, 200))

	_, err = mgr.ReadArtifact(ctx, "s1", "big.csv")
	require.ErrorIs(t, err, ErrArtifactTooLarge)

	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, int64(200), serr.SizeBytes)
	assert.Equal(t, int64(128), serr.LimitBytes)
	assert.Equal(t, "http://localhost:8080/files/s1/big.csv", serr.DownloadURL)
	assert.Contains(t, serr.Message, "big.csv is 200 B")

	// The download path has its own, larger ceiling.
	got, err := mgr.DownloadArtifact(ctx, "s1", "big.csv")
	require.NoError(t, err)
	assert.Len(t, got.Content, 200)
}

func TestReadArtifactTooLargeWithoutHTTP(t *testing.T) {
	mgr, rt := newTestManager()
	mgr.cfg.HTTP.Enabled = false
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	rt.PutFile(handleOf(t, mgr, "s1"), "big.csv", make([]byte, 200))

	_, err = mgr.ReadArtifact(ctx, "s1", "big.csv")
	var serr *Error
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, KindArtifactTooLarge, serr.Kind)
	assert.Empty(t, serr.DownloadURL)
}

func TestReadArtifactRejectsPathsOutsideDataDir(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)

	for _, p := range []string{
		"/etc/passwd",
		"../../etc/passwd",
		"/mnt/data/../../etc/passwd",
		"/mnt/data/sub/file.txt",
		"/mnt/database/file.txt",
		"",
	} {
		_, err := mgr.ReadArtifact(ctx, "s1", p)
		assert.ErrorIs(t, err, ErrInvalidPath, p)
	}
}

func TestReadArtifactNeverCreatesSession(t *testing.T) {
	mgr, rt := newTestManager()

	_, err := mgr.ReadArtifact(context.Background(), "ghost", "a.txt")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = mgr.ReadArtifact(context.Background(), "", "a.txt")
	assert.ErrorIs(t, err, ErrInvalidSessionID)

	creates, _ := rt.Calls()
	assert.Zero(t, creates)
}

func TestListArtifacts(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.Upload(ctx, "s1", "b.txt", encode("bb"), false)
	require.NoError(t, err)
	rt.PutFile(handleOf(t, mgr, "s1"), "a.png", []byte("png"))

	list, err := mgr.ListArtifacts(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.png", list[0].Filename)
	assert.Equal(t, "image/png", list[0].ContentType)
	assert.Equal(t, "b.txt", list[1].Filename)
	assert.Equal(t, int64(2), list[1].SizeBytes)

	_, err = mgr.ListArtifacts(ctx, "ghost")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	rt.FailList(testutil.ErrInjected)
	_, err = mgr.ListArtifacts(ctx, "s1")
	assert.ErrorIs(t, err, ErrRuntimeReadFailed)
}

func TestGetOrCreateSession(t *testing.T) {
	mgr, _ := newTestManager()
	ctx := context.Background()

	info, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, info.Created)
	assert.Equal(t, StatusActive, info.Status)
	assert.Equal(t, "/mnt/data", info.DataDir)

	info, err = mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, info.Created)
}

func TestCloseSession(t *testing.T) {
	mgr, rt := newTestManager()
	ctx := context.Background()

	_, err := mgr.GetOrCreateSession(ctx, "s1")
	require.NoError(t, err)

	res, err := mgr.CloseSession(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, res.AlreadyClosed)
	assert.Zero(t, rt.Live())

	res, err = mgr.CloseSession(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, res.AlreadyClosed)

	_, err = mgr.ReadArtifact(ctx, "s1", "a.txt")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = mgr.CloseSession(ctx, "bad/id")
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}
