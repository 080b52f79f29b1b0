package main

import (
	"github.com/spf13/cobra"

	"github.com/reachsriharsha/daari-parent-sub000/internal/services/retention"
	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

func NewReconcileCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "reconcile",
		Short:         "Push every pending sample to the backend once",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, p, err := rootOpts.openPipeline()
			if err != nil {
				return err
			}
			defer closeLog(log)

			rep, err := p.ReconcileUnsynced(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "reconcile", err)
			}
			if err := writeJSON(cmd.OutOrStdout(), rep); err != nil {
				return err
			}
			if rep.LastError != "" {
				return NewExitError(ExitFailure, "reconcile stopped: "+rep.LastError)
			}
			return nil
		},
	}
}

func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "sweep",
		Short:         "Delete synced samples older than the retention period",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := samplelog.Open(rootOpts.cfg.Mover.LogPath())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open local log", err)
			}
			defer closeLog(log)

			n, err := retention.New(log, rootOpts.cfg.Mover.Retention(), 0).SweepOnce(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "sweep", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]int64{"deleted": n})
		},
	}
}
