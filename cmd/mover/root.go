package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/reachsriharsha/daari-parent-sub000/config"
	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend/fake"
	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/backend/httpapi"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/pipeline"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	ConfigPath string

	cfg *config.Config

	// NewRemote overrides the sync endpoint (for testing).
	NewRemote func(cfg *config.Config) (pipeline.Remote, error)
}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mover",
		Short: "Capture a trip on the moving device and sync it to the backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if opts.Verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))

			path := opts.ConfigPath
			if path == "" {
				path = os.Getenv("configPath")
			}
			if path == "" {
				return NewExitError(ExitCommandError, "--config or configPath env var is required")
			}
			cfg, err := config.LoadConfig(path)
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to load config", err)
			}
			if cfg.Mover.EntityID <= 0 {
				return NewExitError(ExitCommandError, "mover.entity_id must be set")
			}
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to the YAML config (default $configPath)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewBackgroundCommand(opts))
	cmd.AddCommand(NewReconcileCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))

	return cmd
}

func (o *RootOptions) remote() (pipeline.Remote, error) {
	if o.NewRemote != nil {
		return o.NewRemote(o.cfg)
	}
	b := o.cfg.Backend
	switch {
	case b.Mode == "fake":
		return fake.New(), nil
	case b.BaseURL != "":
		return httpapi.New(b.BaseURL, b.APIToken, b.Timeout()), nil
	default:
		return nil, NewExitError(ExitCommandError, "backend.base_url must be set")
	}
}

// openPipeline opens the local log and builds the capture pipeline on it.
func (o *RootOptions) openPipeline() (*samplelog.Log, *pipeline.Pipeline, error) {
	remote, err := o.remote()
	if err != nil {
		return nil, nil, err
	}

	mc := o.cfg.Mover
	log, err := samplelog.Open(mc.LogPath())
	if err != nil {
		return nil, nil, WrapExitError(ExitCommandError, "failed to open local log", err)
	}
	p := pipeline.New(log, remote, mc.EntityID).
		WithSettings(mc.Displacement(), mc.Interval(), mc.ReconcileInterval(), mc.SyncTimeout(), mc.BatchSize())
	return log, p, nil
}

func closeLog(log *samplelog.Log) {
	if err := log.Close(); err != nil {
		slog.Error("error closing local log", "error", err)
	}
}
