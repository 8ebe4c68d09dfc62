package services

import (
	"context"
	"sync"
	"time"

	"github.com/FernandoVinha/TheManager/internal/config"
	"github.com/FernandoVinha/TheManager/internal/models"
	"github.com/FernandoVinha/TheManager/pkg/logger"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const leaseCron = "cron"

// Scheduler runs the periodic jobs: relay sweep, commit sync and cleanup.
// Each job takes a database lease so only one process runs it at a time.
type Scheduler struct {
	db      *gorm.DB
	cfg     config.WorkerConfig
	relay   *Relay
	commits *CommitSync
	logs    *SystemLogService
	holder  string

	cronScheduler *cron.Cron
	mu            sync.Mutex
}

func NewScheduler(db *gorm.DB, cfg config.WorkerConfig, relay *Relay, commits *CommitSync) *Scheduler {
	return &Scheduler{
		db:      db,
		cfg:     cfg,
		relay:   relay,
		commits: commits,
		logs:    NewSystemLogService(db),
		holder:  uuid.NewString(),
	}
}

func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cronScheduler = cron.New()
	if _, err := s.cronScheduler.AddFunc(s.cfg.RelaySpec, s.runRelay); err != nil {
		return err
	}
	if s.commits != nil && s.cfg.CommitSyncSpec != "" {
		if _, err := s.cronScheduler.AddFunc(s.cfg.CommitSyncSpec, s.runCommitSync); err != nil {
			return err
		}
	}
	if _, err := s.cronScheduler.AddFunc("15 3 * * *", s.runCleanup); err != nil {
		return err
	}
	s.cronScheduler.Start()
	logger.Infof("[Scheduler] Started (relay: %s, commit sync: %s)", s.cfg.RelaySpec, s.cfg.CommitSyncSpec)

	// Replay whatever was left pending by the previous run.
	go s.runStartupRelay()
	return nil
}

// Stop waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cronScheduler != nil {
		<-s.cronScheduler.Stop().Done()
		s.cronScheduler = nil
	}
}

func (s *Scheduler) withLease(job string, ttl time.Duration, fn func()) {
	ok, err := models.AcquireLease(s.db, leaseCron, job, s.holder, ttl)
	if err != nil {
		logger.Warn().Err(err).Str("job", job).Msg("acquire job lease")
		return
	}
	if !ok {
		return
	}
	defer func() {
		if err := models.ReleaseLease(s.db, leaseCron, job, s.holder); err != nil {
			logger.Warn().Err(err).Str("job", job).Msg("release job lease")
		}
	}()
	fn()
}

func (s *Scheduler) runStartupRelay() {
	if _, err := s.relay.Sweep(context.Background(), 0); err != nil {
		logger.Errorf("[Scheduler] Startup relay failed: %v", err)
	}
}

func (s *Scheduler) runRelay() {
	s.withLease("relay", time.Minute, func() {
		// Fresh events are still being handled by their own notify.
		if _, err := s.relay.Sweep(context.Background(), 10*time.Second); err != nil {
			logger.Errorf("[Scheduler] Relay sweep failed: %v", err)
		}
	})
}

func (s *Scheduler) runCommitSync() {
	s.withLease("commit_sync", 30*time.Minute, func() {
		n, err := s.commits.SyncAll(context.Background())
		if err != nil {
			logger.Errorf("[Scheduler] Commit sync failed: %v", err)
			return
		}
		if n > 0 {
			logger.Infof("[Scheduler] Imported %d commits", n)
		}
	})
}

func (s *Scheduler) runCleanup() {
	s.withLease("cleanup", 10*time.Minute, func() {
		days := s.cfg.LogRetentionDays
		if days <= 0 {
			logger.Infof("[Scheduler] Log cleanup disabled (log_retention_days <= 0)")
		} else {
			if n, err := s.logs.CleanupOldLogs(days); err != nil {
				logger.Errorf("[Scheduler] Failed to cleanup old logs: %v", err)
			} else if n > 0 {
				logger.Infof("[Scheduler] Cleaned up %d logs older than %d days", n, days)
			}
			if n, err := s.relay.PurgeDelivered(days); err != nil {
				logger.Errorf("[Scheduler] Failed to purge delivered events: %v", err)
			} else if n > 0 {
				logger.Infof("[Scheduler] Purged %d delivered events", n)
			}
		}
		if n, err := models.ReapExpiredLeases(s.db); err != nil {
			logger.Errorf("[Scheduler] Failed to reap leases: %v", err)
		} else if n > 0 {
			logger.Infof("[Scheduler] Reaped %d expired leases", n)
		}
	})
}
