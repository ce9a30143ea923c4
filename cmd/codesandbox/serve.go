package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/p-arndt/codesandbox/internal/api"
	"github.com/p-arndt/codesandbox/internal/config"
	"github.com/p-arndt/codesandbox/internal/docker"
	"github.com/p-arndt/codesandbox/internal/mcpserver"
	"github.com/p-arndt/codesandbox/internal/observability"
	"github.com/p-arndt/codesandbox/internal/reaper"
	"github.com/p-arndt/codesandbox/internal/session"
)

const shutdownTimeout = 30 * time.Second

// errStdinClosed ends the serve group when the MCP client goes away.
var errStdinClosed = errors.New("mcp client disconnected")

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve MCP tools on stdio",
	Long: `Start the session manager. MCP requests are read from stdin and answered on
stdout; logs go to the configured log file or stderr. When http.enabled is set
an artifact download server is started as well.

Leftover sandbox containers from earlier runs are removed before serving, and
idle sessions are closed on the cleanup schedule.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	schedule, err := cfg.Schedule()
	if err != nil {
		return err
	}

	tracing, err := observability.NewTracerSetup(ctx, &cfg.Tracing)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logger.Warn("tracer shutdown", "error", err)
		}
	}()
	metrics := observability.NewMetrics()

	opts, err := docker.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := docker.New(opts, logger)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dc.Close()

	if err := dc.Ping(ctx); err != nil {
		logger.Error("docker ping failed, is Docker running?", "error", err)
		return fmt.Errorf("docker ping: %w", err)
	}
	logger.Info("docker connection OK", "image", cfg.Image)

	reg := session.NewRegistry(dc, cfg.MaxSessions, logger)
	mgr := session.NewManager(cfg, reg, dc, logger,
		session.WithTracer(tracing.Tracer()),
		session.WithMetrics(metrics),
	)

	rpr := reaper.New(reg, dc, schedule, cfg.SessionTTL(), logger)
	rpr.SetMetrics(metrics)
	rpr.Reconcile(ctx)
	rpr.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	mcpSrv := mcpserver.New(mgr, cfg.DataDir, version, logger)
	g.Go(func() error {
		if err := mcpSrv.Serve(gctx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		if gctx.Err() == nil {
			return errStdinClosed
		}
		return nil
	})

	if cfg.HTTP.Enabled {
		ln, err := net.Listen("tcp", cfg.ListenAddr())
		if err != nil {
			rpr.Stop()
			return fmt.Errorf("listen %s: %w", cfg.ListenAddr(), err)
		}
		httpSrv := api.NewServer(cfg, mgr, dc, logger, api.WithMetrics(metrics, metrics.Handler()))
		g.Go(func() error {
			return httpSrv.ListenAndServe(ln)
		})
		g.Go(func() error {
			<-gctx.Done()
			return httpSrv.Shutdown(context.Background())
		})
	}

	err = g.Wait()
	if errors.Is(err, errStdinClosed) {
		logger.Info("stdin closed, shutting down")
		err = nil
	} else if err == nil {
		logger.Info("shutdown signal received")
	}

	// The sweeper must be joined before sessions are torn down under it.
	rpr.Stop()

	cleanupCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if closed := reg.CloseAll(cleanupCtx); len(closed) > 0 {
		logger.Info("closed sessions on shutdown", "count", len(closed))
	}

	logger.Info("shutdown complete")
	return err
}
