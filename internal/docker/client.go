package docker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"

	"github.com/p-arndt/codesandbox/internal/config"
	"github.com/p-arndt/codesandbox/internal/runtime"
)

const labelPrefix = "codesandbox."

// Options are the container settings shared by every sandbox this client creates.
type Options struct {
	Image           string
	DataDir         string
	CPULimit        float64
	MemoryBytes     int64
	PidsLimit       int64
	TmpfsSizeMB     int64
	NetworkDisabled bool
	ReadonlyRootfs  bool
	FileOwnerUID    int
	// KillGrace is how long past the execution timeout the client waits for the
	// exec stream before force-killing the sandbox's processes itself.
	KillGrace time.Duration
}

// OptionsFromConfig derives runtime options from the loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	mem, err := cfg.MemoryBytes()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Image:           cfg.Image,
		DataDir:         cfg.DataDir,
		CPULimit:        cfg.Defaults.CPULimit,
		MemoryBytes:     mem,
		PidsLimit:       int64(cfg.Defaults.PidsLimit),
		TmpfsSizeMB:     int64(cfg.Defaults.TmpfsSizeMB),
		NetworkDisabled: cfg.Defaults.NetworkDisabled,
		ReadonlyRootfs:  cfg.Defaults.ReadonlyRootfs,
		FileOwnerUID:    cfg.Defaults.FileOwnerUID,
		KillGrace:       5 * time.Second,
	}, nil
}

// Client implements runtime.Driver on top of the Docker engine API.
type Client struct {
	docker *client.Client
	opts   Options
	logger *slog.Logger
}

var _ runtime.Driver = (*Client)(nil)

func New(opts Options, logger *slog.Logger) (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = 5 * time.Second
	}
	return &Client{docker: cli, opts: opts, logger: logger}, nil
}

func (c *Client) Close() error {
	return c.docker.Close()
}

// Ping verifies the Docker daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.docker.Ping(ctx)
	return err
}

func containerName(sessionID string) string {
	return "codesandbox-" + sessionID
}

// Create starts a hardened, idle sandbox container for sessionID.
func (c *Client) Create(ctx context.Context, sessionID string) (runtime.Handle, error) {
	labels := map[string]string{
		labelPrefix + "session_id": sessionID,
		labelPrefix + "managed":    "true",
	}

	resources := container.Resources{
		NanoCPUs:  int64(c.opts.CPULimit * 1e9),
		Memory:    c.opts.MemoryBytes,
		PidsLimit: int64Ptr(c.opts.PidsLimit),
	}

	hostCfg := &container.HostConfig{
		Resources:      resources,
		AutoRemove:     false,
		ReadonlyRootfs: c.opts.ReadonlyRootfs,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Mounts: []mount.Mount{
			// Anonymous volume; removed together with the container.
			{
				Type:   mount.TypeVolume,
				Target: c.opts.DataDir,
			},
			{
				Type:   mount.TypeTmpfs,
				Target: "/tmp",
				TmpfsOptions: &mount.TmpfsOptions{
					SizeBytes: c.opts.TmpfsSizeMB * units.MiB,
				},
			},
		},
	}
	if c.opts.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	containerCfg := &container.Config{
		Image:           c.opts.Image,
		Labels:          labels,
		Tty:             false,
		Cmd:             []string{"sleep", "infinity"},
		WorkingDir:      c.opts.DataDir,
		NetworkDisabled: c.opts.NetworkDisabled,
	}

	name := containerName(sessionID)
	resp, err := c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if cerrdefs.IsConflict(err) {
		// The caller owns sessionID, so a container holding its name was left
		// behind by a destroy that failed.
		c.logger.Warn("removing stale container", "session_id", sessionID, "name", name)
		rmErr := c.docker.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
		if rmErr != nil && !cerrdefs.IsNotFound(rmErr) {
			return runtime.Handle{}, fmt.Errorf("%w: remove stale container %s: %w", runtime.ErrCreateFailed, name, rmErr)
		}
		resp, err = c.docker.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return runtime.Handle{}, fmt.Errorf("%w: container create: %w", runtime.ErrCreateFailed, err)
	}

	if err := c.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Clean up on start failure.
		if rmErr := c.docker.ContainerRemove(context.WithoutCancel(ctx), resp.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); rmErr != nil {
			c.logger.Warn("remove container after failed start", "container_id", resp.ID, "error", rmErr)
		}
		return runtime.Handle{}, fmt.Errorf("%w: container start: %w", runtime.ErrCreateFailed, err)
	}

	return runtime.Handle{ID: resp.ID, SessionID: sessionID, Name: name}, nil
}

// Destroy force-removes the container and its data volume. A container that is
// already gone is not an error.
func (c *Client) Destroy(ctx context.Context, h runtime.Handle) error {
	err := c.docker.ContainerRemove(ctx, h.ID, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("container remove: %w", err)
	}
	return nil
}

// DiscoverOrphans returns every container carrying the managed label, whether
// or not it is still running.
func (c *Client) DiscoverOrphans(ctx context.Context) ([]runtime.Handle, error) {
	f := filters.NewArgs()
	f.Add("label", labelPrefix+"managed=true")

	containers, err := c.docker.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: f,
	})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}

	var result []runtime.Handle
	for _, ctr := range containers {
		sessionID := ctr.Labels[labelPrefix+"session_id"]
		if sessionID == "" {
			continue
		}
		var name string
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
		}
		result = append(result, runtime.Handle{
			ID:        ctr.ID,
			SessionID: sessionID,
			Name:      name,
		})
	}
	return result, nil
}

func int64Ptr(v int64) *int64 {
	return &v
}
