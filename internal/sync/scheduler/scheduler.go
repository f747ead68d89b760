// Package scheduler drives the sync engine in the background: periodic
// passes on the engine's current interval and cron-scheduled housekeeping.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quizapp/offlinesync/internal/errors"
	"github.com/quizapp/offlinesync/internal/logging"
	syncpkg "github.com/quizapp/offlinesync/internal/sync"
)

// Scheduler manages background sync operations.
type Scheduler struct {
	engine      syncpkg.SyncEngineInterface
	cron        *cron.Cron
	schedule    string
	passTimeout time.Duration
	stopCh      chan struct{}
	housekeepID cron.EntryID
	wg          sync.WaitGroup
	log         *logging.Logger

	mu             sync.RWMutex
	isRunning      bool
	lastSyncTime   time.Time
	lastHousekeep  time.Time
	passes         int
	skipped        int
	lastHousekeepN int64
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	Housekeeping string        // cron spec, e.g. "@every 1h"
	PassTimeout  time.Duration // upper bound of one background pass
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		Housekeeping: "@every 1h",
		PassTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler. An invalid housekeeping spec is an
// INVALID_INPUT error.
func NewScheduler(engine syncpkg.SyncEngineInterface, config *SchedulerConfig) (*Scheduler, error) {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	if config.Housekeeping == "" {
		config.Housekeeping = DefaultSchedulerConfig().Housekeeping
	}
	if config.PassTimeout <= 0 {
		config.PassTimeout = DefaultSchedulerConfig().PassTimeout
	}
	if _, err := cron.ParseStandard(config.Housekeeping); err != nil {
		return nil, errors.Wrap(errors.ErrInvalid, "invalid housekeeping schedule", err)
	}

	return &Scheduler{
		engine:      engine,
		cron:        cron.New(),
		schedule:    config.Housekeeping,
		passTimeout: config.PassTimeout,
		log:         logging.Named("scheduler"),
	}, nil
}

// Start starts the engine, the periodic loop and the housekeeping job. A
// stopped scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	id, err := s.cron.AddFunc(s.schedule, func() { s.housekeep(ctx) })
	if err != nil {
		s.mu.Unlock()
		return errors.Wrap(errors.ErrInvalid, "invalid housekeeping schedule", err)
	}
	s.housekeepID = id
	stop := make(chan struct{})
	s.stopCh = stop
	s.isRunning = true
	s.mu.Unlock()

	s.engine.Start(ctx)
	s.cron.Start()

	s.wg.Add(1)
	go s.periodicSyncLoop(ctx, stop)

	s.log.Info("Background sync scheduler started", map[string]interface{}{
		"interval_s":   s.engine.Interval().Seconds(),
		"housekeeping": s.schedule,
	})
	return nil
}

// Stop stops the loop, waits for a running housekeeping job, and stops the engine.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stop, id := s.stopCh, s.housekeepID
	s.mu.Unlock()

	close(stop)
	s.wg.Wait()
	<-s.cron.Stop().Done()
	s.cron.Remove(id)
	s.engine.Stop()

	s.log.Info("Background sync scheduler stopped")
}

// periodicSyncLoop runs a pass every engine interval. The interval is read
// again after each tick so adaptive changes take effect.
func (s *Scheduler) periodicSyncLoop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	timer := time.NewTimer(s.engine.Interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
			s.runSync(ctx)
			timer.Reset(s.engine.Interval())
		}
	}
}

// runSync executes one periodic pass.
func (s *Scheduler) runSync(ctx context.Context) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Run(syncCtx, syncpkg.TriggerPeriodic)
	if err != nil {
		s.log.ErrorWithCode("Periodic sync failed", string(errors.ErrSyncFailed), err,
			map[string]interface{}{"interval_s": s.engine.Interval().Seconds()})
		return
	}

	s.mu.Lock()
	if result.Skipped {
		s.skipped++
	} else {
		s.passes++
		s.lastSyncTime = result.EndTime
	}
	s.mu.Unlock()
}

func (s *Scheduler) housekeep(ctx context.Context) {
	report, err := s.engine.Housekeep(ctx)
	if err != nil {
		s.log.ErrorWithCode("Housekeeping failed", string(errors.CodeOf(err)), err)
		return
	}

	s.mu.Lock()
	s.lastHousekeep = time.Now()
	s.lastHousekeepN = report.Collected
	s.mu.Unlock()

	s.log.Info("Housekeeping completed", map[string]interface{}{
		"collected":         report.Collected,
		"expired_conflicts": report.ExpiredConflicts,
		"anomalies":         len(report.Anomalies),
	})
}

// SchedulerStatus is a snapshot of the scheduler.
type SchedulerStatus struct {
	IsRunning          bool       `json:"isRunning"`
	LastSyncTime       *time.Time `json:"lastSyncTime,omitempty"`
	Passes             int        `json:"passes"`
	Skipped            int        `json:"skipped"`
	Interval           string     `json:"interval"`
	LastHousekeeping   *time.Time `json:"lastHousekeeping,omitempty"`
	LastCollected      int64      `json:"lastCollected"`
	NextHousekeeping   *time.Time `json:"nextHousekeeping,omitempty"`
	HousekeepingPeriod string     `json:"housekeepingSchedule"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	status := SchedulerStatus{
		IsRunning:          s.isRunning,
		Passes:             s.passes,
		Skipped:            s.skipped,
		LastCollected:      s.lastHousekeepN,
		HousekeepingPeriod: s.schedule,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if !s.lastHousekeep.IsZero() {
		t := s.lastHousekeep
		status.LastHousekeeping = &t
	}
	s.mu.RUnlock()

	status.Interval = s.engine.Interval().String()
	if entries := s.cron.Entries(); len(entries) > 0 && !entries[0].Next.IsZero() {
		next := entries[0].Next
		status.NextHousekeeping = &next
	}
	return status
}

// SyncNow runs a manual pass and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.SyncResult, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.passTimeout)
	defer cancel()

	result, err := s.engine.Run(syncCtx, syncpkg.TriggerManual)
	if err != nil {
		return result, err
	}
	if !result.Skipped {
		s.mu.Lock()
		s.lastSyncTime = result.EndTime
		s.mu.Unlock()
	}
	return result, nil
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
