package main

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/reachsriharsha/daari-parent-sub000/internal/storage/samplelog"
)

type statusReport struct {
	EntityID int64            `json:"entity_id"`
	LogPath  string           `json:"log_path"`
	Counts   samplelog.Counts `json:"counts"`
	Trip     *markerReport    `json:"active_trip,omitempty"`
}

type markerReport struct {
	Name      string    `json:"name"`
	TripID    string    `json:"trip_id,omitempty"`
	StartTime time.Time `json:"start_time"`
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the unfinished trip and sample counts in the local log",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, err := samplelog.Open(rootOpts.cfg.Mover.LogPath())
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to open local log", err)
			}
			defer closeLog(log)

			ctx := commandContext(cmd)
			rep := statusReport{EntityID: rootOpts.cfg.Mover.EntityID, LogPath: rootOpts.cfg.Mover.LogPath()}
			if rep.Counts, err = log.Counts(ctx); err != nil {
				return WrapExitError(ExitCommandError, "count samples", err)
			}
			m, err := log.LoadMarker(ctx)
			if err != nil {
				return WrapExitError(ExitCommandError, "load marker", err)
			}
			if m != nil {
				rep.Trip = &markerReport{Name: m.TripName, TripID: m.TripID, StartTime: m.StartTime}
			}
			return writeJSON(cmd.OutOrStdout(), rep)
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
