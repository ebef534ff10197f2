package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jia-app/dunningservice/internal/dunning/domain"
	"github.com/jia-app/dunningservice/internal/dunning/repo"
	"github.com/jia-app/dunningservice/internal/dunning/usecase"
	"github.com/jia-app/dunningservice/internal/lease"
	"github.com/jia-app/dunningservice/internal/log"
	"github.com/jia-app/dunningservice/internal/metrics"
)

// Config controls the periodic scan
type Config struct {
	ScanInterval time.Duration
	BatchSize    int
	Workers      int
	ClaimTTL     time.Duration
}

// DefaultConfig returns a default scheduler configuration
func DefaultConfig() Config {
	return Config{
		ScanInterval: time.Minute,
		BatchSize:    100,
		Workers:      4,
		ClaimTTL:     5 * time.Minute,
	}
}

// Scheduler periodically scans for due executions and hands each one to
// the engine. Dispatches across executions run concurrently in a bounded
// worker pool; a single execution is never dispatched twice in flight,
// guarded by the database claim and an optional Redis lease.
type Scheduler struct {
	engine   *usecase.Engine
	store    repo.Store
	locker   *lease.Locker
	config   Config
	ticker   *time.Ticker
	stopChan chan struct{}
	wg       sync.WaitGroup
	clock    func() time.Time
}

// NewScheduler creates a new scheduler. The locker may be nil when the
// service runs as a single replica.
func NewScheduler(engine *usecase.Engine, store repo.Store, locker *lease.Locker, config Config) *Scheduler {
	if config.ScanInterval <= 0 {
		config.ScanInterval = time.Minute
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.Workers <= 0 {
		config.Workers = 4
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = 5 * time.Minute
	}
	return &Scheduler{
		engine:   engine,
		store:    store,
		locker:   locker,
		config:   config,
		stopChan: make(chan struct{}),
		clock:    time.Now,
	}
}

// Start starts the scan loop
func (s *Scheduler) Start(ctx context.Context) {
	s.ticker = time.NewTicker(s.config.ScanInterval)
	log.L(ctx).Info("Starting dunning scheduler",
		zap.Duration("scan_interval", s.config.ScanInterval),
		zap.Int("batch_size", s.config.BatchSize),
		zap.Int("workers", s.config.Workers))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-s.ticker.C:
				s.Scan(ctx)
			case <-s.stopChan:
				log.L(ctx).Info("Stopping dunning scheduler")
				return
			case <-ctx.Done():
				log.L(ctx).Info("Dunning scheduler context cancelled")
				return
			}
		}
	}()
}

// Stop halts the loop and waits for in-flight dispatches to drain
func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopChan)
	s.wg.Wait()
}

// Scan runs one scan cycle: list due executions, claim each, and
// dispatch one action per claimed execution. Infrastructure errors abort
// the cycle; the next tick retries.
func (s *Scheduler) Scan(ctx context.Context) {
	now := s.clock()
	due, err := s.store.Executions().ListDue(ctx, now, s.config.BatchSize)
	if err != nil {
		metrics.RecordError("scan", "scheduler")
		log.L(ctx).Error("Due-execution scan failed", zap.Error(err))
		return
	}
	metrics.RecordScan(len(due), s.clock().Sub(now))
	if len(due) == 0 {
		return
	}

	log.Debug(ctx, "Scan found due executions", zap.Int("count", len(due)))

	sem := make(chan struct{}, s.config.Workers)
	var wg sync.WaitGroup
	for _, exec := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(exec *domain.Execution) {
			defer wg.Done()
			defer func() { <-sem }()
			s.dispatch(ctx, exec.ID)
		}(exec)
	}
	wg.Wait()
}

// dispatch claims one execution and runs the engine on it. Claims are
// released afterwards so the next due step is immediately visible to the
// following scan; a crash instead lets the claim expire via its TTL.
func (s *Scheduler) dispatch(ctx context.Context, executionID uuid.UUID) {
	if s.locker != nil {
		held, err := s.locker.Acquire(ctx, executionID)
		if err != nil {
			log.L(ctx).Warn("Lease acquire failed, falling back to claim only",
				zap.String("execution_id", executionID.String()),
				zap.Error(err))
		} else if !held {
			metrics.RecordClaimConflict()
			return
		} else {
			defer func() {
				if err := s.locker.Release(ctx, executionID); err != nil {
					log.L(ctx).Warn("Lease release failed", zap.Error(err))
				}
			}()
		}
	}

	claimed, err := s.store.Executions().Claim(ctx, executionID, s.clock(), s.config.ClaimTTL)
	if err != nil {
		metrics.RecordError("claim", "scheduler")
		log.L(ctx).Error("Claim failed",
			zap.String("execution_id", executionID.String()),
			zap.Error(err))
		return
	}
	if !claimed {
		metrics.RecordClaimConflict()
		return
	}
	defer func() {
		if err := s.store.Executions().Release(ctx, executionID); err != nil {
			log.L(ctx).Warn("Claim release failed",
				zap.String("execution_id", executionID.String()),
				zap.Error(err))
		}
	}()

	if err := s.engine.ProcessDue(ctx, executionID); err != nil {
		metrics.RecordError("dispatch", "scheduler")
		log.L(ctx).Error("Dispatch failed",
			zap.String("execution_id", executionID.String()),
			zap.Error(err))
	}
}
