// Package cleanup runs periodic maintenance independently of request
// traffic: pruning expired job records, stale temporary artifacts, and
// decayed rate-limit buckets.
package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/book-expert/logger"

	"github.com/book-expert/avatar-service/internal/jobstore"
	"github.com/book-expert/avatar-service/internal/ratelimit"
)

// Defaults mirror the retention policy of the service: job records are kept
// a week, scratch files an hour.
const (
	DefaultInterval       = time.Hour
	DefaultJobRetention   = 7 * 24 * time.Hour
	DefaultTempFileMaxAge = time.Hour
	DefaultBucketIdleAge  = time.Hour
)

// Config controls sweep cadence and retention thresholds.
type Config struct {
	Interval       time.Duration
	JobRetention   time.Duration
	TempDir        string
	TempFileMaxAge time.Duration
	BucketIdleAge  time.Duration
}

func (cfg Config) withDefaults() Config {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}

	if cfg.TempFileMaxAge <= 0 {
		cfg.TempFileMaxAge = DefaultTempFileMaxAge
	}

	if cfg.BucketIdleAge <= 0 {
		cfg.BucketIdleAge = DefaultBucketIdleAge
	}

	return cfg
}

// Report summarizes one sweep.
type Report struct {
	JobsDeleted      int64
	TempFilesRemoved int
	BucketsDropped   int
}

// Scheduler owns the periodic maintenance loop. Each sub-task operates on
// independent entities with idempotent deletes, so an interrupted sweep
// leaves every store valid.
type Scheduler struct {
	cfg     Config
	store   *jobstore.Store
	limiter *ratelimit.Limiter
	log     *logger.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// New creates a scheduler; Start launches the loop.
func New(cfg Config, store *jobstore.Store, limiter *ratelimit.Limiter, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		store:   store,
		limiter: limiter,
		log:     log,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the loop in the background: one sweep immediately, then one per
// interval until Stop.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
	})
}

// Stop halts the loop, letting a sweep in progress finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
	})
}

func (s *Scheduler) run() {
	defer close(s.done)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(context.Background())

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs all maintenance sub-tasks once. A sub-task failure is logged
// and does not abort the others. Sweep is also invoked out-of-band by the
// admin cleanup trigger.
func (s *Scheduler) Sweep(ctx context.Context) Report {
	var report Report

	deleted, err := s.store.DeleteOlderThan(ctx, s.cfg.JobRetention)
	if err != nil {
		s.log.Error("Cleanup: failed to delete old job records: %v", err)
	} else {
		report.JobsDeleted = deleted

		if deleted > 0 {
			s.log.Info("Cleanup: deleted %d job records older than %s", deleted, s.cfg.JobRetention)
		}
	}

	report.TempFilesRemoved = s.sweepTempFiles()

	if s.limiter != nil {
		report.BucketsDropped = s.limiter.Sweep(s.cfg.BucketIdleAge)
	}

	return report
}

// sweepTempFiles removes scratch files older than the threshold. Files that
// vanish or cannot be removed (still in use) are skipped.
func (s *Scheduler) sweepTempFiles() int {
	if s.cfg.TempDir == "" {
		return 0
	}

	dirEntries, err := os.ReadDir(s.cfg.TempDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Error("Cleanup: failed to read temp dir '%s': %v", s.cfg.TempDir, err)
		}

		return 0
	}

	cutoff := time.Now().Add(-s.cfg.TempFileMaxAge)
	removed := 0

	for _, dirEntry := range dirEntries {
		if dirEntry.IsDir() {
			continue
		}

		info, infoErr := dirEntry.Info()
		if infoErr != nil {
			continue
		}

		if !info.ModTime().Before(cutoff) {
			continue
		}

		path := filepath.Join(s.cfg.TempDir, dirEntry.Name())

		removeErr := os.Remove(path)
		if removeErr != nil {
			s.log.Warn("Cleanup: failed to remove temp file '%s': %v", path, removeErr)

			continue
		}

		removed++
	}

	if removed > 0 {
		s.log.Info("Cleanup: removed %d temporary files", removed)
	}

	return removed
}
