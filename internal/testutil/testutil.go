package testutil

import (
	"io"
	"log/slog"

	"github.com/p-arndt/codesandbox/internal/config"
)

// TestConfig returns a Config with sensible test defaults.
func TestConfig() *config.Config {
	return &config.Config{
		Image:             "sandbox:test",
		DataDir:           "/mnt/data",
		ExecCommand:       []string{"python", "-c"},
		MaxSessions:       3,
		SessionTTLMinutes: 30,
		CleanupSchedule:   "@every 1m",
		Defaults: config.Defaults{
			CPULimit:        1.0,
			MemoryLimit:     "256m",
			PidsLimit:       64,
			TmpfsSizeMB:     16,
			NetworkDisabled: true,
			ReadonlyRootfs:  true,
			FileOwnerUID:    1000,
		},
		Limits: config.Limits{
			ExecTimeoutSeconds:    5,
			MaxExecTimeoutSeconds: 30,
			MaxOutputBytes:        64,
			MaxCodeBytes:          1024,
			MaxUploadBytes:        1024,
			MaxArtifactReadBytes:  128,
			MaxDownloadBytes:      512,
		},
		HTTP: config.HTTPConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8080,
		},
		Log: config.LogConfig{Level: "error", Format: "text"},
	}
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
