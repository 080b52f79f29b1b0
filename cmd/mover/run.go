package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/gps"
	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/pipeline"
	"github.com/reachsriharsha/daari-parent-sub000/internal/services/recovery"
)

// RunOptions holds flags shared by run and background.
type RunOptions struct {
	*RootOptions

	Trip       string
	DestLat    float64
	DestLon    float64
	Replay     string
	Pace       float64
	OnRecovery string
	Finish     bool

	background bool
}

func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Capture a trip in the foreground",
		Long: `Capture positions for one trip, writing each to the local log before
pushing it to the backend.

A trip left behind by a previous process is offered first. With
--on-recovery=ask the answer is read from stdin.

Example:
  mover run --config mover.yaml --trip school-run --dest-lat 12.97 --dest-lon 77.59 --replay route.jsonl
  mover run --config mover.yaml --replay route.jsonl --on-recovery resume`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts)
		},
	}

	addCaptureFlags(cmd, opts)
	cmd.Flags().StringVar(&opts.Trip, "trip", "", "name of the trip to start")
	cmd.Flags().Float64Var(&opts.DestLat, "dest-lat", 0, "destination latitude")
	cmd.Flags().Float64Var(&opts.DestLon, "dest-lon", 0, "destination longitude")
	cmd.Flags().StringVar(&opts.OnRecovery, "on-recovery", "ask", "what to do with an unfinished trip (ask|resume|discard)")

	return cmd
}

// NewBackgroundCommand continues an unfinished trip without asking. It never
// starts a trip of its own.
func NewBackgroundCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts, OnRecovery: string(recovery.DecisionResume), background: true}

	cmd := &cobra.Command{
		Use:           "background",
		Short:         "Continue capturing an unfinished trip",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCapture(cmd, opts)
		},
	}

	addCaptureFlags(cmd, opts)
	return cmd
}

func addCaptureFlags(cmd *cobra.Command, opts *RunOptions) {
	cmd.Flags().StringVar(&opts.Replay, "replay", "", "JSON-lines file of positions to capture (required)")
	cmd.Flags().Float64Var(&opts.Pace, "pace", 0, "replay the gaps between readings scaled by this factor (0 = as fast as possible)")
	cmd.Flags().BoolVar(&opts.Finish, "finish", true, "finish the trip when the position stream ends")
	_ = cmd.MarkFlagRequired("replay")
}

type captureSummary struct {
	Trip      string         `json:"trip"`
	Recovered string         `json:"recovered,omitempty"`
	Finished  bool           `json:"finished"`
	Stats     pipeline.Stats `json:"stats"`
}

func runCapture(cmd *cobra.Command, opts *RunOptions) error {
	parent := cmd.Context()
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log, p, err := opts.openPipeline()
	if err != nil {
		return err
	}
	defer closeLog(log)

	sum := captureSummary{}

	rec := recovery.New(log, p)
	m, err := rec.Check(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read trip marker", err)
	}
	if m != nil {
		d, err := opts.decide(cmd, *m)
		if err != nil {
			return err
		}
		if err := rec.Decide(ctx, d); err != nil {
			return WrapExitError(ExitCommandError, "recovery failed", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Unfinished trip %q: %s\n", m.TripName, d)
	}
	if err := rec.Wait(ctx); err != nil {
		return WrapExitError(ExitFailure, "recovery not resolved", err)
	}
	if out := rec.Outcome(); out.Decision != recovery.DecisionNone {
		sum.Recovered = string(out.Decision)
	}

	var source gps.Source = gps.NewReplay(opts.Replay, opts.Pace)
	active, resumed := p.Active()
	switch {
	case resumed:
		sum.Trip = active.TripName
	case opts.background:
		return NewExitError(ExitCommandError, "no unfinished trip to continue")
	default:
		if opts.Trip == "" {
			return NewExitError(ExitCommandError, "--trip is required to start a new trip")
		}
		primed, err := startFromStream(ctx, p, source, opts.Trip, models.Location{Latitude: opts.DestLat, Longitude: opts.DestLon})
		if err != nil {
			return err
		}
		source = primed
		sum.Trip = opts.Trip
	}

	err = p.Run(ctx, source)
	switch {
	case errors.Is(err, pipeline.ErrCapabilityDenied):
		return WrapExitError(ExitDenied, "position capture not started", err)
	case err != nil && !errors.Is(err, context.Canceled):
		return WrapExitError(ExitFailure, "capture failed", err)
	}

	// An interrupted trip keeps its marker and is offered again on the
	// next start.
	if ctx.Err() == nil && opts.Finish {
		if err := p.FinishTrip(ctx, nil); err != nil {
			return WrapExitError(ExitFailure, "finish trip", err)
		}
		p.Wait()
		if _, err := p.ReconcileUnsynced(ctx); err != nil {
			slog.Error("final reconcile", "error", err.Error())
		}
		sum.Finished = true
	}

	sum.Stats = p.Stats()
	return writeJSON(cmd.OutOrStdout(), sum)
}

// startFromStream opens the stream, starts the trip on its first reading and
// hands back a source for the rest.
func startFromStream(ctx context.Context, p *pipeline.Pipeline, source gps.Source, trip string, dest models.Location) (gps.Source, error) {
	stream, err := source.Stream(ctx)
	if err != nil {
		if errors.Is(err, gps.ErrPermissionDenied) {
			return nil, WrapExitError(ExitDenied, "position capture not started", errors.Wrap(pipeline.ErrCapabilityDenied, err.Error()))
		}
		return nil, WrapExitError(ExitCommandError, "open position stream", err)
	}

	var first models.RawPosition
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case raw, ok := <-stream:
		if !ok {
			return nil, NewExitError(ExitFailure, "position stream ended before the first reading")
		}
		first = raw
	}

	if _, err := p.StartTrip(ctx, trip, dest, first); err != nil {
		return nil, WrapExitError(ExitFailure, "start trip", err)
	}
	return openedSource{ch: stream}, nil
}

type openedSource struct {
	ch <-chan models.RawPosition
}

func (s openedSource) Stream(ctx context.Context) (<-chan models.RawPosition, error) {
	return s.ch, nil
}

func (o *RunOptions) decide(cmd *cobra.Command, m models.ActiveTripMarker) (recovery.Decision, error) {
	switch o.OnRecovery {
	case string(recovery.DecisionResume):
		return recovery.DecisionResume, nil
	case string(recovery.DecisionDiscard):
		return recovery.DecisionDiscard, nil
	case "ask":
		return ask(cmd.InOrStdin(), cmd.OutOrStdout(), m), nil
	default:
		return "", NewExitError(ExitCommandError, fmt.Sprintf("invalid --on-recovery %q: must be ask, resume or discard", o.OnRecovery))
	}
}

// ask prompts once. No answer resumes, so nothing captured is thrown away
// by accident.
func ask(in io.Reader, out io.Writer, m models.ActiveTripMarker) recovery.Decision {
	fmt.Fprintf(out, "Trip %q started at %s was not finished. Resume it? [Y/n]: ",
		m.TripName, m.StartTime.Format("2006-01-02 15:04:05Z07:00"))

	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "n", "no", "d", "discard":
		return recovery.DecisionDiscard
	default:
		return recovery.DecisionResume
	}
}
