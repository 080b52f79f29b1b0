package retention

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Sweeper interface {
	SweepRetention(ctx context.Context, before time.Time) (int64, error)
}

// Service deletes synced samples older than the retention period. Pending
// samples are left to the log's own rules.
type Service struct {
	log       Sweeper
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	lastRunUnixNano atomic.Int64
	totalDeleted    atomic.Int64
	lastErrorMu     sync.Mutex
	lastError       string
}

func New(log Sweeper, retention, interval time.Duration) *Service {
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Service{
		log:       log,
		retention: retention,
		interval:  interval,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) SweepOnce(ctx context.Context) (int64, error) {
	now := s.now()
	s.lastRunUnixNano.Store(now.UnixNano())

	n, err := s.log.SweepRetention(ctx, now.Add(-s.retention))
	if err != nil {
		s.lastErrorMu.Lock()
		s.lastError = err.Error()
		s.lastErrorMu.Unlock()
		slog.Error("retention sweep", "error", err.Error())
		return 0, err
	}
	s.totalDeleted.Add(n)
	if n > 0 {
		slog.Info("retention sweep", "deleted", n)
	}
	return n, nil
}

// Run sweeps once right away and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	t := time.NewTicker(s.interval)
	defer t.Stop()

	s.SweepOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

type Stats struct {
	LastRunAt    *time.Time `json:"lastRunAt,omitempty"`
	TotalDeleted int64      `json:"totalDeleted"`
	LastError    string     `json:"lastError,omitempty"`
}

func (s *Service) Stats() Stats {
	st := Stats{TotalDeleted: s.totalDeleted.Load()}
	if n := s.lastRunUnixNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastRunAt = &t
	}
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}
