package gps

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/reachsriharsha/daari-parent-sub000/internal/models"
)

// ErrPermissionDenied means the process may not read positions.
var ErrPermissionDenied = errors.New("position access denied")

// Source is a live position stream. The channel is closed when the stream
// ends or ctx is done.
type Source interface {
	Stream(ctx context.Context) (<-chan models.RawPosition, error)
}

// Replay streams positions from a JSON-lines file, one RawPosition per line.
// With Pace > 0 the gaps between timestamps are replayed, scaled by Pace.
type Replay struct {
	Path string
	Pace float64
}

func NewReplay(path string, pace float64) *Replay {
	return &Replay{Path: path, Pace: pace}
}

func (r *Replay) Stream(ctx context.Context) (<-chan models.RawPosition, error) {
	f, err := os.Open(r.Path)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, errors.Wrap(ErrPermissionDenied, err.Error())
		}
		return nil, errors.Wrap(err, "open position source")
	}

	out := make(chan models.RawPosition)
	go func() {
		defer close(out)
		defer f.Close()
		r.pump(ctx, f, out)
	}()
	return out, nil
}

func (r *Replay) pump(ctx context.Context, src io.Reader, out chan<- models.RawPosition) {
	sc := bufio.NewScanner(src)
	var prev time.Time
	line := 0
	for sc.Scan() {
		line++
		b := sc.Bytes()
		if len(b) == 0 {
			continue
		}

		var p models.RawPosition
		if err := json.Unmarshal(b, &p); err != nil {
			slog.Warn("skip bad position line", "path", r.Path, "line", line, "err", err)
			continue
		}
		if p.Timestamp.IsZero() {
			p.Timestamp = time.Now().UTC()
		}

		if r.Pace > 0 && !prev.IsZero() && p.Timestamp.After(prev) {
			wait := time.Duration(float64(p.Timestamp.Sub(prev)) * r.Pace)
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		prev = p.Timestamp

		select {
		case <-ctx.Done():
			return
		case out <- p:
		}
	}
	if err := sc.Err(); err != nil {
		slog.Error("position source read failed", "path", r.Path, "err", err)
	}
}
