// Package scheduler drives the queue processor on a timer and on explicit
// triggers, and runs periodic queue maintenance.
package scheduler

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/toole-brendan/handreceipt-sync/internal/db"
	"github.com/toole-brendan/handreceipt-sync/internal/logging"
	"github.com/toole-brendan/handreceipt-sync/internal/models"
	syncer "github.com/toole-brendan/handreceipt-sync/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	// DrainInterval is how often the processor runs while online.
	DrainInterval time.Duration

	// MaintenanceInterval is how often completed queue items are purged.
	MaintenanceInterval time.Duration

	// CompletedRetention is how long COMPLETED items stay visible for
	// inspection before maintenance removes them.
	CompletedRetention time.Duration
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval:       15 * time.Second,
		MaintenanceInterval: time.Hour,
		CompletedRetention:  24 * time.Hour,
	}
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running     bool                  `json:"running"`
	Online      bool                  `json:"online"`
	LastDrainAt *time.Time            `json:"last_drain_at,omitempty"`
	LastReport  *syncer.ProcessReport `json:"last_report,omitempty"`
	Queue       *models.QueueStats    `json:"queue,omitempty"`
}

// Scheduler owns the drain and maintenance loops. Drains are skipped while
// offline; flipping back online triggers an immediate drain so queued work
// does not wait out the full interval.
type Scheduler struct {
	processor *syncer.Processor
	store     *db.Store
	config    *Config

	mu          stdsync.Mutex
	running     bool
	online      bool
	lastDrainAt *time.Time
	lastReport  *syncer.ProcessReport

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        stdsync.WaitGroup
}

// New creates a Scheduler. The scheduler starts offline until the app reports
// connectivity.
func New(processor *syncer.Processor, store *db.Store, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	return &Scheduler{
		processor: processor,
		store:     store,
		config:    config,
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the drain and maintenance loops. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx)
	go s.maintenanceLoop(ctx)
	logging.Info("Sync scheduler started", map[string]interface{}{
		"drain_interval_secs": s.config.DrainInterval.Seconds(),
	})
}

// Stop shuts down the loops and waits for any in-flight drain to settle.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()
	logging.Info("Sync scheduler stopped", nil)
}

// SetOnlineStatus records connectivity as reported by the app's reachability
// layer. Going online kicks off an immediate drain.
func (s *Scheduler) SetOnlineStatus(online bool) {
	s.mu.Lock()
	wasOnline := s.online
	s.online = online
	s.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	if online && !wasOnline {
		s.TriggerSync()
	}
}

// TriggerSync requests an immediate drain. Coalesces when one is already
// queued.
func (s *Scheduler) TriggerSync() {
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Status reports the current scheduler state along with queue depths.
func (s *Scheduler) Status() *Status {
	s.mu.Lock()
	status := &Status{
		Running:     s.running,
		Online:      s.online,
		LastDrainAt: s.lastDrainAt,
		LastReport:  s.lastReport,
	}
	s.mu.Unlock()

	stats, err := s.store.QueueStats()
	if err != nil {
		logging.Error("Failed to read queue stats", err, nil)
	} else {
		status.Queue = stats
	}
	return status
}

func (s *Scheduler) drainLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		case <-s.triggerCh:
			s.drain(ctx)
		}
	}
}

func (s *Scheduler) drain(ctx context.Context) {
	s.mu.Lock()
	online := s.online
	s.mu.Unlock()
	if !online {
		return
	}

	report, err := s.processor.ProcessOnce(ctx)
	now := time.Now()

	s.mu.Lock()
	s.lastDrainAt = &now
	s.lastReport = report
	s.mu.Unlock()

	if err != nil {
		logging.Error("Drain pass failed", err, nil)
		return
	}
	if report.Dispatched > 0 {
		logging.Info("Drain pass finished", map[string]interface{}{
			"dispatched":  report.Dispatched,
			"completed":   report.Completed,
			"rescheduled": report.Rescheduled,
			"failed":      report.Failed,
		})
	}
}

func (s *Scheduler) maintenanceLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runMaintenance()
		}
	}
}

func (s *Scheduler) runMaintenance() {
	cutoff := time.Now().Add(-s.config.CompletedRetention).Unix()

	mutations, err := s.store.PurgeCompletedMutations(cutoff)
	if err != nil {
		logging.Error("Failed to purge completed mutations", err, nil)
	}
	uploads, err := s.store.PurgeCompletedPhotoUploads(cutoff)
	if err != nil {
		logging.Error("Failed to purge completed photo uploads", err, nil)
	}

	if mutations > 0 || uploads > 0 {
		logging.Info("Queue maintenance finished", map[string]interface{}{
			"purged_mutations": mutations,
			"purged_uploads":   uploads,
		})
	}
}
