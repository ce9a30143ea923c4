package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/p-arndt/codesandbox/internal/runtime"
)

// WriteFile places data at <DataDir>/name, replacing any existing file.
func (c *Client) WriteFile(ctx context.Context, h runtime.Handle, name string, data []byte) error {
	archive, err := tarSingleFile(name, data, c.opts.FileOwnerUID)
	if err != nil {
		return fmt.Errorf("%w: %w", runtime.ErrWriteFailed, err)
	}
	err = c.docker.CopyToContainer(ctx, h.ID, c.opts.DataDir, archive, container.CopyToContainerOptions{})
	if err != nil {
		return fmt.Errorf("%w: copy to container: %w", runtime.ErrWriteFailed, err)
	}
	return nil
}

// StatFile reports a regular file inside the data directory. Directories and
// symlinks are reported as not found so a link cannot point reads elsewhere.
func (c *Client) StatFile(ctx context.Context, h runtime.Handle, name string) (runtime.FileInfo, error) {
	stat, err := c.docker.ContainerStatPath(ctx, h.ID, path.Join(c.opts.DataDir, name))
	if err != nil {
		if client.IsErrNotFound(err) {
			return runtime.FileInfo{}, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
		}
		return runtime.FileInfo{}, fmt.Errorf("%w: stat %s: %w", runtime.ErrReadFailed, name, err)
	}
	if !stat.Mode.IsRegular() {
		return runtime.FileInfo{}, fmt.Errorf("%w: %s is not a regular file", runtime.ErrNotFound, name)
	}
	return runtime.FileInfo{Name: name, Size: stat.Size, ModTime: stat.Mtime}, nil
}

// ReadFile returns the content of <DataDir>/name, failing with ErrTooLarge when
// it holds more than limit bytes.
func (c *Client) ReadFile(ctx context.Context, h runtime.Handle, name string, limit int64) ([]byte, error) {
	rc, stat, err := c.docker.CopyFromContainer(ctx, h.ID, path.Join(c.opts.DataDir, name))
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
		}
		return nil, fmt.Errorf("%w: copy from container: %w", runtime.ErrReadFailed, err)
	}
	defer rc.Close()

	if !stat.Mode.IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", runtime.ErrNotFound, name)
	}
	if stat.Size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes", runtime.ErrTooLarge, name, stat.Size)
	}

	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s", runtime.ErrNotFound, name)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read archive: %w", runtime.ErrReadFailed, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		// The file may grow between the stat and the copy.
		data, err := io.ReadAll(io.LimitReader(tr, limit+1))
		if err != nil {
			return nil, fmt.Errorf("%w: read archive: %w", runtime.ErrReadFailed, err)
		}
		if int64(len(data)) > limit {
			return nil, fmt.Errorf("%w: %s", runtime.ErrTooLarge, name)
		}
		return data, nil
	}
}

func tarSingleFile(name string, data []byte, uid int) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  time.Now(),
		Typeflag: tar.TypeReg,
		Uid:      uid,
		Gid:      uid,
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return nil, err
	}
	if _, err := tw.Write(data); err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}
