package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/integrations/gps"
)

// Report describes one ReconcileUnsynced pass.
type Report struct {
	Attempted int    `json:"attempted"`
	Synced    int    `json:"synced"`
	StoppedAt int64  `json:"stoppedAt,omitempty"`
	LastError string `json:"lastError,omitempty"`
}

// ReconcileUnsynced pushes every pending local sample in timestamp order.
// The pass stops at the first remote failure and leaves that sample and all
// later ones pending. Only a local log failure is returned as an error.
func (p *Pipeline) ReconcileUnsynced(ctx context.Context) (Report, error) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	p.totalSweeps.Add(1)
	p.lastSweepUnixNano.Store(time.Now().UTC().UnixNano())

	var rep Report
	for {
		batch, err := p.log.ListPending(ctx, p.batchSize)
		if err != nil {
			p.localFailure("list pending", err)
			return rep, errors.Wrap(err, "list pending")
		}
		if len(batch) == 0 {
			return rep, nil
		}

		for _, s := range batch {
			if ctx.Err() != nil {
				return rep, nil
			}
			rep.Attempted++

			callCtx, cancel := context.WithTimeout(ctx, p.syncTimeout)
			err := p.send(callCtx, s)
			cancel()
			if err != nil {
				p.pushFailure(s, err)
				rep.StoppedAt = s.ID
				rep.LastError = err.Error()
				return rep, nil
			}
			rep.Synced++
		}

		if len(batch) < p.batchSize {
			return rep, nil
		}
	}
}

// Trigger asks Run for an immediate sweep (best-effort, non-blocking).
func (p *Pipeline) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

// Run captures from source until ctx is done or the stream ends, sweeping
// pending samples on every tick and trigger. Readings arriving while no trip
// is active are dropped. A source that may not read positions yields
// ErrCapabilityDenied and nothing is captured.
func (p *Pipeline) Run(ctx context.Context, source gps.Source) error {
	stream, err := source.Stream(ctx)
	if err != nil {
		if errors.Is(err, gps.ErrPermissionDenied) {
			return errors.Wrap(ErrCapabilityDenied, err.Error())
		}
		return errors.Wrap(err, "open position stream")
	}

	t := time.NewTicker(p.reconcileInterval)
	defer t.Stop()

	p.sweepAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			p.Wait()
			return ctx.Err()
		case raw, ok := <-stream:
			if !ok {
				p.Wait()
				p.sweep(ctx)
				return nil
			}
			p.mu.Lock()
			fire := p.trigger.Fire(raw)
			p.mu.Unlock()
			if !fire {
				continue
			}
			if err := p.OnPositionSample(ctx, raw); err != nil && !errors.Is(err, ErrNoActiveTrip) {
				slog.Error("capture", "error", err.Error())
			}
		case <-t.C:
			p.sweepAsync(ctx)
		case <-p.triggerCh:
			p.sweepAsync(ctx)
		}
	}
}

// sweepAsync starts a sweep unless one is already running, so capture never
// waits on the network.
func (p *Pipeline) sweepAsync(ctx context.Context) {
	if !p.sweeping.CompareAndSwap(false, true) {
		return
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			p.sweeping.Store(false)
			p.wg.Done()
		}()
		p.sweep(ctx)
	}()
}

func (p *Pipeline) sweep(ctx context.Context) {
	rep, err := p.ReconcileUnsynced(ctx)
	if err != nil {
		return
	}
	if rep.Attempted > 0 {
		slog.Info("reconcile", "attempted", rep.Attempted, "synced", rep.Synced, "stopped_at", rep.StoppedAt)
	}
}

type Stats struct {
	StartedAt        time.Time  `json:"startedAt"`
	LastSweepAt      *time.Time `json:"lastSweepAt,omitempty"`
	LastTriggerAt    *time.Time `json:"lastTriggerAt,omitempty"`
	TotalCaptured    int64      `json:"totalCaptured"`
	TotalLocalErrors int64      `json:"totalLocalErrors"`
	TotalSynced      int64      `json:"totalSynced"`
	TotalPushErrors  int64      `json:"totalPushErrors"`
	TotalSweeps      int64      `json:"totalSweeps"`
	InFlight         int64      `json:"inFlight"`
	LastError        string     `json:"lastError,omitempty"`
}

func (p *Pipeline) Stats() Stats {
	st := Stats{
		StartedAt:        time.Unix(0, p.startedAtUnixNano).UTC(),
		TotalCaptured:    p.totalCaptured.Load(),
		TotalLocalErrors: p.totalLocalErrors.Load(),
		TotalSynced:      p.totalSynced.Load(),
		TotalPushErrors:  p.totalPushFailures.Load(),
		TotalSweeps:      p.totalSweeps.Load(),
		InFlight:         p.inFlight.Load(),
	}
	if n := p.lastSweepUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastSweepAt = &t
	}
	if n := p.lastTriggerUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}
