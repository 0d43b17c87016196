// Package engine - Background timers driving the heartbeat tasks.
package engine

import (
	"context"
	"time"

	"github.com/metanet-platform/easyswap/internal/config"
	"github.com/metanet-platform/easyswap/pkg/logging"
)

// Scheduler runs the five heartbeat timers. Timers are cooperative: each
// tick runs its task to completion, and a task never overlaps a prior
// instance of itself because ticks are consumed sequentially per loop.
type Scheduler struct {
	engine *Engine
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler over the engine.
func NewScheduler(engine *Engine) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		engine: engine,
		log:    logging.GetDefault().Component("scheduler"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches all timers plus a one-shot chain sync shortly after boot
// so a fresh process does not wait a full sync period.
func (s *Scheduler) Start() {
	go s.loop("confirmations", config.ConfirmationsInterval, s.tickConfirmations)
	go s.loop("reactivation", config.ReactivationInterval, s.tickReactivation)
	go s.loop("timeouts", config.TimeoutsInterval, s.tickTimeouts)
	go s.loop("chain-sync", config.SyncInterval, s.tickChainSync)
	go s.loop("retention", config.RetentionInterval, s.tickRetention)

	go func() {
		select {
		case <-s.ctx.Done():
		case <-time.After(config.InitialSyncDelay):
			s.log.Info("Running initial chain sync")
			s.tickChainSync()
		}
	}()

	s.log.Info("Scheduler started",
		"confirmations", config.ConfirmationsInterval,
		"reactivation", config.ReactivationInterval,
		"timeouts", config.TimeoutsInterval,
		"chain_sync", config.SyncInterval,
		"retention", config.RetentionInterval)
}

// Stop cancels all timers.
func (s *Scheduler) Stop() {
	s.cancel()
	s.log.Info("Scheduler stopped")
}

func (s *Scheduler) loop(name string, interval time.Duration, tick func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// tickConfirmations is the reserved confirmations heartbeat.
func (s *Scheduler) tickConfirmations() {}

func (s *Scheduler) tickReactivation() {
	ctx, cancel := context.WithTimeout(s.ctx, 45*time.Second)
	defer cancel()

	if err := s.engine.ReactivateIdleChunks(ctx); err != nil {
		s.log.Error("Reactivation tick failed", "error", err)
	}
}

func (s *Scheduler) tickTimeouts() {
	ctx, cancel := context.WithTimeout(s.ctx, 4*time.Minute)
	defer cancel()

	if err := s.engine.ProcessTimeouts(ctx); err != nil {
		s.log.Error("Timeout tick failed", "error", err)
	}
}

func (s *Scheduler) tickChainSync() {
	ctx, cancel := context.WithTimeout(s.ctx, 15*time.Minute)
	defer cancel()

	result, err := s.engine.Syncer().Sync(ctx)
	if err != nil {
		s.log.Error("Chain sync failed", "error", err)
		return
	}
	s.log.Info("Chain sync complete", "added", result.BlocksAdded,
		"removed", result.BlocksRemoved, "tip", result.NewTipHeight)
}

func (s *Scheduler) tickRetention() {
	if err := s.engine.RunRetentionSweep(); err != nil {
		s.log.Error("Retention tick failed", "error", err)
	}
}
