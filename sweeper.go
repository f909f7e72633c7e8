package main

import (
	"context"
	"log/slog"
	"time"

	"sharefast_relay/internal/metrics"
	"sharefast_relay/internal/ratelimit"
	"sharefast_relay/internal/relay"

	"github.com/benbjohnson/clock"
)

type evicter interface {
	Evict(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper periodically releases expired sessions and ages out signals,
// relay rows and idle rate-limit buckets.
type Sweeper struct {
	controller *Controller
	rows       evicter
	limiter    *ratelimit.Limiter
	clock      clock.Clock

	interval        time.Duration
	signalMaxAge    time.Duration
	relayRowMaxAge  time.Duration
	limiterIdleTime time.Duration
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	log := slog.Default().With("task", "sweeper")

	removed, err := s.controller.directory.Sweep(ctx)
	if err != nil {
		log.Error("session sweep failed", "error", err)
	}
	if len(removed) > 0 {
		metrics.SweptSessionsTotal.Add(float64(len(removed)))
		s.controller.purge(ctx, log, removed)
	}

	if n, err := s.controller.signals.Evict(ctx, s.signalMaxAge); err != nil {
		log.Error("signal eviction failed", "error", err)
	} else if n > 0 {
		log.Debug("signals evicted", "count", n)
	}

	if s.rows != nil {
		if n, err := s.rows.Evict(ctx, s.relayRowMaxAge); err != nil {
			log.Error("relay row eviction failed", "error", err)
		} else if n > 0 {
			log.Debug("relay rows evicted", "count", n)
		}
	}

	if s.limiter != nil {
		s.limiter.Sweep(s.limiterIdleTime)
	}
}

var _ evicter = (*relay.PollChannel)(nil)
