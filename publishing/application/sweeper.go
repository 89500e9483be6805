package application

import (
	"context"
	"errors"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/sirupsen/logrus"
)

const (
	DefaultSweepInterval  = 2 * time.Minute
	DefaultSweepBatchSize = 500
	sweepLockKey          = "lock:sweep"
)

type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
}

// SweepReport summarises one reconciliation pass.
type SweepReport struct {
	Skipped        bool
	StaleClaims    int64
	RecreatedItems int
	PendingPosts   int
}

// Sweeper repairs what crashed workers leave behind: expired claims and
// scheduled or dispatching posts that lost their work item.
type Sweeper struct {
	store   post.Store
	signal  WakeSignal
	lock    LockFunc
	monitor monitoring.Store
	clock   Clock
	cfg     SweeperConfig
}

func NewSweeper(store post.Store, signal WakeSignal, lock LockFunc, monitor monitoring.Store, clock Clock, cfg SweeperConfig) *Sweeper {
	if clock == nil {
		clock = SystemClock()
	}
	if lock == nil {
		lock = AlwaysLock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatchSize
	}
	return &Sweeper{store: store, signal: signal, lock: lock, monitor: monitor, clock: clock, cfg: cfg}
}

// StartLoop runs a sweep immediately and then once per interval until ctx ends.
func (s *Sweeper) StartLoop(ctx context.Context) {
	logrus.Infof("[SWEEP] Reconciliation started, interval %s", s.cfg.Interval)
	go func() {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				logrus.WithError(err).Error("[SWEEP] Reconciliation pass failed")
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// Sweep performs one reconciliation pass. Only one node sweeps per interval.
func (s *Sweeper) Sweep(ctx context.Context) (SweepReport, error) {
	var report SweepReport

	lockTTL := s.cfg.Interval - time.Second
	if lockTTL <= 0 {
		lockTTL = s.cfg.Interval
	}
	if !s.lock(sweepLockKey, lockTTL) {
		report.Skipped = true
		return report, nil
	}

	now := s.clock.Now()

	stale, err := s.store.ListStaleWorkItems(ctx, now)
	if err != nil {
		return report, err
	}
	for _, item := range stale {
		logrus.Warnf("[SWEEP] Work item %s of post %s was abandoned by %s, releasing claim", item.ID, item.PostID, item.ClaimedBy)
	}
	released, err := s.store.ReleaseStaleClaims(ctx, now)
	if err != nil {
		return report, err
	}
	report.StaleClaims = released

	for _, status := range []post.PostStatus{post.StatusDispatching, post.StatusScheduled} {
		if err := s.repairStatus(ctx, status, now, &report); err != nil {
			return report, err
		}
	}

	if s.monitor != nil {
		if err := s.monitor.UpdateStat(ctx, monitoring.StatPending, int64(report.PendingPosts)); err != nil {
			logrus.WithError(err).Debug("[SWEEP] Failed to update pending stat")
		}
	}

	if report.StaleClaims > 0 || report.RecreatedItems > 0 {
		logrus.Infof("[SWEEP] Released %d stale claim(s), recreated %d work item(s)", report.StaleClaims, report.RecreatedItems)
		if s.signal != nil {
			if err := s.signal.Signal(ctx); err != nil {
				logrus.WithError(err).Warn("[SWEEP] Failed to send wake-up signal, workers will pick the repaired items up on their next poll")
			}
		}
	}
	return report, nil
}

// repairStatus walks every post in status one batch at a time so old posts
// are reached even when the backlog exceeds the batch size.
func (s *Sweeper) repairStatus(ctx context.Context, status post.PostStatus, now time.Time, report *SweepReport) error {
	after := ""
	for {
		page, err := s.store.ListPostsByStatus(ctx, status, after, s.cfg.BatchSize)
		if err != nil {
			return err
		}
		report.PendingPosts += len(page)
		for _, p := range page {
			recreated, err := s.repair(ctx, p, now)
			if err != nil {
				logrus.WithError(err).Errorf("[SWEEP] Failed to repair post %s", p.ID)
				continue
			}
			if recreated {
				report.RecreatedItems++
			}
		}
		if len(page) < s.cfg.BatchSize {
			return nil
		}
		after = page[len(page)-1].ID
	}
}

func (s *Sweeper) repair(ctx context.Context, p post.Post, now time.Time) (bool, error) {
	_, err := s.store.GetWorkItem(ctx, p.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, post.ErrWorkItemNotFound) {
		return false, err
	}

	dueAt, ok := p.NextDueAt(now)
	if !ok {
		return false, nil
	}
	if _, err := s.store.EnqueueWorkItem(ctx, p.ID, dueAt); err != nil {
		return false, err
	}
	logrus.Warnf("[SWEEP] Post %s (%s) had no work item, recreated for %s", p.ID, p.Status, dueAt.Format(time.RFC3339))
	return true, nil
}
