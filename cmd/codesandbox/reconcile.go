package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/p-arndt/codesandbox/internal/config"
	"github.com/p-arndt/codesandbox/internal/docker"
	"github.com/p-arndt/codesandbox/internal/session"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Remove leftover sandbox containers and exit",
	Long: `Remove every sandbox container labelled by an earlier codesandbox process.
Do not run this while a server is serving from the same Docker daemon: its
live sessions would be removed too.`,
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	opts, err := docker.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	dc, err := docker.New(opts, logger)
	if err != nil {
		return fmt.Errorf("docker client: %w", err)
	}
	defer dc.Close()

	ctx := cmd.Context()
	discovered, err := dc.DiscoverOrphans(ctx)
	if err != nil {
		return fmt.Errorf("discover containers: %w", err)
	}

	// An empty registry owns nothing, so every discovered runtime is an orphan.
	reg := session.NewRegistry(dc, cfg.MaxSessions, logger)
	removed, err := reg.ReconcileOrphans(ctx, discovered)

	out := cmd.OutOrStdout()
	for _, id := range removed {
		fmt.Fprintln(out, "removed", id)
	}
	fmt.Fprintf(out, "%d of %d containers removed\n", len(removed), len(discovered))
	return err
}
