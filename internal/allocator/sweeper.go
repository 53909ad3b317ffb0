package allocator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jbweber/homelab/director/internal/clock"
)

// Sweeper periodically retires expired leases.
type Sweeper struct {
	alloc    *Allocator
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	timer   clock.Timer
	stopped bool
}

// NewSweeper creates a sweeper running every interval.
func NewSweeper(alloc *Allocator, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Sweeper {
	return &Sweeper{
		alloc:    alloc,
		clock:    clk,
		interval: interval,
		logger:   logger.Named("sweeper"),
	}
}

// Start schedules the first sweep.
func (s *Sweeper) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || s.timer != nil {
		return
	}
	s.timer = s.clock.AfterFunc(s.interval, s.run)
}

// Stop cancels pending sweeps.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.interval)
	if _, err := s.alloc.ExpireLeases(ctx); err != nil {
		s.logger.Error("lease sweep failed", zap.Error(err))
	}
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.timer = s.clock.AfterFunc(s.interval, s.run)
	}
}
