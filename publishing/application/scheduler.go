package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
)

const (
	DefaultScheduleGrace = 30 * time.Second
	DefaultWriteRetries  = 5
)

type SchedulerConfig struct {
	Grace        time.Duration
	WriteRetries int
}

// Scheduler owns work item existence: it creates, moves and removes the
// durable work items that drive dispatch.
type Scheduler struct {
	store     post.Store
	signal    WakeSignal
	projector *StatusProjector
	clock     Clock
	cfg       SchedulerConfig
}

func NewScheduler(store post.Store, signal WakeSignal, projector *StatusProjector, clock Clock, cfg SchedulerConfig) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if cfg.Grace <= 0 {
		cfg.Grace = DefaultScheduleGrace
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultWriteRetries
	}
	if projector == nil {
		projector = NewStatusProjector(nil, clock)
	}
	return &Scheduler{store: store, signal: signal, projector: projector, clock: clock, cfg: cfg}
}

// Schedule validates the request, moves the post to scheduled and creates
// its work item. From failed or partially published posts only targets that
// failed may be scheduled again.
func (s *Scheduler) Schedule(ctx context.Context, postID string, at time.Time, targets []post.Target) (string, error) {
	targets = uniqueTargets(targets)
	if len(targets) == 0 {
		return "", pkgError.EmptyTargetsError("at least one target is required")
	}

	dueAt, err := s.dueAt(at)
	if err != nil {
		return "", err
	}

	_, committed, err := s.update(ctx, postID, func(p *post.Post) error {
		switch p.Status {
		case post.StatusDraft:
			return s.prepareFirstRun(p, targets, dueAt)
		case post.StatusFailed, post.StatusPartiallyPublished:
			return s.prepareRetryRun(p, targets, dueAt)
		case post.StatusScheduled:
			return pkgError.InvalidStateError(fmt.Sprintf("post %s is already scheduled, use reschedule", p.ID))
		default:
			return pkgError.InvalidStateError(fmt.Sprintf("post %s cannot be scheduled while %s", p.ID, p.Status))
		}
	})
	if err != nil {
		return "", err
	}

	item, err := s.store.EnqueueWorkItem(ctx, committed.ID, dueAt)
	if err != nil {
		logrus.WithError(err).Errorf("[SCHEDULER] Post %s is scheduled but its work item was not created; the sweep will recreate it", committed.ID)
		return "", fmt.Errorf("enqueue work item for post %s: %w", committed.ID, err)
	}

	logrus.Infof("[SCHEDULER] Post %s scheduled for %s (%d targets)", committed.ID, humanize.RelTime(dueAt, s.clock.Now(), "ago", "from now"), len(targets))
	s.wake(ctx)
	return item.ID, nil
}

// Reschedule moves an unfired work item and the post's scheduledFor to newAt.
func (s *Scheduler) Reschedule(ctx context.Context, postID string, newAt time.Time) error {
	dueAt, err := s.dueAt(newAt)
	if err != nil {
		return err
	}

	current, err := s.store.GetPost(ctx, postID)
	if err != nil {
		return translateStoreError(err, postID)
	}
	if current.Status != post.StatusScheduled {
		return pkgError.NotFoundError(fmt.Sprintf("no pending work item for post %s", postID))
	}

	if _, err := s.store.RescheduleWorkItem(ctx, postID, dueAt); err != nil {
		if errors.Is(err, post.ErrWorkItemNotFound) {
			return pkgError.NotFoundError(fmt.Sprintf("no pending work item for post %s", postID))
		}
		return pkgError.InternalServerError(fmt.Sprintf("reschedule work item for post %s: %v", postID, err))
	}

	_, _, err = s.update(ctx, postID, func(p *post.Post) error {
		if p.Status != post.StatusScheduled {
			return nil
		}
		p.ScheduledFor = &dueAt
		return nil
	})
	if err != nil {
		return err
	}

	logrus.Infof("[SCHEDULER] Post %s rescheduled to %s", postID, humanize.RelTime(dueAt, s.clock.Now(), "ago", "from now"))
	s.wake(ctx)
	return nil
}

// Cancel is idempotent. Drafts and scheduled posts become canceled; posts that
// are dispatching or already finished cannot be canceled.
func (s *Scheduler) Cancel(ctx context.Context, postID string) error {
	old, committed, err := s.update(ctx, postID, func(p *post.Post) error {
		switch p.Status {
		case post.StatusCanceled:
			return errAlreadyCanceled
		case post.StatusDraft, post.StatusScheduled:
			s.projector.Cancel(p)
			return nil
		default:
			return pkgError.InvalidStateError(fmt.Sprintf("post %s cannot be canceled while %s", p.ID, p.Status))
		}
	})
	if errors.Is(err, errAlreadyCanceled) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := s.store.CancelWorkItem(ctx, postID); err != nil {
		logrus.WithError(err).Warnf("[SCHEDULER] Failed to remove work item of canceled post %s; dispatch will drop it", postID)
	}

	s.projector.Announce(ctx, old.Status, committed)
	logrus.Infof("[SCHEDULER] Post %s canceled", postID)
	s.wake(ctx)
	return nil
}

var errAlreadyCanceled = errors.New("post already canceled")

func (s *Scheduler) prepareFirstRun(p *post.Post, targets []post.Target, dueAt time.Time) error {
	now := s.clock.Now()
	p.Targets = targets
	p.Results = make([]post.TargetResult, 0, len(targets))
	for _, t := range targets {
		p.Results = append(p.Results, post.TargetResult{Target: t, State: post.TargetPending, UpdatedAt: now})
	}
	p.SortResults()
	p.ScheduledFor = &dueAt
	s.projector.Apply(p)
	return nil
}

func (s *Scheduler) prepareRetryRun(p *post.Post, targets []post.Target, dueAt time.Time) error {
	now := s.clock.Now()
	for _, t := range targets {
		r, ok := p.Result(t)
		if !ok {
			return pkgError.InvalidScheduleError(fmt.Sprintf("target %s is not part of post %s", t.Key(), p.ID))
		}
		if r.State != post.TargetFailed {
			return pkgError.InvalidScheduleError(fmt.Sprintf("target %s of post %s was already published", t.Key(), p.ID))
		}
	}
	for _, t := range targets {
		r, _ := p.Result(t)
		*r = post.TargetResult{Target: t, State: post.TargetPending, UpdatedAt: now}
	}
	p.ScheduledFor = &dueAt
	s.projector.Apply(p)
	return nil
}

func (s *Scheduler) dueAt(at time.Time) (time.Time, error) {
	now := s.clock.Now()
	if at.IsZero() {
		return time.Time{}, pkgError.InvalidScheduleError("publish time is required")
	}
	if at.Before(now.Add(-s.cfg.Grace)) {
		return time.Time{}, pkgError.InvalidScheduleError(fmt.Sprintf("publish time %s is in the past", at.UTC().Format(time.RFC3339)))
	}
	if at.Before(now) {
		return now, nil
	}
	return at.UTC(), nil
}

// update loads the post and applies mutate with the optimistic version check,
// reloading on conflicts up to the configured number of attempts.
func (s *Scheduler) update(ctx context.Context, postID string, mutate post.Mutator) (post.Post, post.Post, error) {
	for attempt := 0; attempt < s.cfg.WriteRetries; attempt++ {
		current, err := s.store.GetPost(ctx, postID)
		if err != nil {
			return post.Post{}, post.Post{}, translateStoreError(err, postID)
		}
		committed, err := s.store.CompareAndSwapPost(ctx, postID, current.Version, mutate)
		if errors.Is(err, post.ErrVersionConflict) {
			logrus.Debugf("[SCHEDULER] Version conflict on post %s, retrying (%d)", postID, attempt+1)
			continue
		}
		if err != nil {
			return post.Post{}, post.Post{}, translateStoreError(err, postID)
		}
		return current, committed, nil
	}
	return post.Post{}, post.Post{}, pkgError.WriteConflictError(fmt.Sprintf("post %s changed concurrently", postID))
}

func (s *Scheduler) wake(ctx context.Context) {
	if s.signal == nil {
		return
	}
	if err := s.signal.Signal(ctx); err != nil {
		logrus.WithError(err).Warn("[SCHEDULER] Failed to send wake-up signal, workers will pick the change up on their next poll")
	}
}

func translateStoreError(err error, postID string) error {
	if errors.Is(err, post.ErrPostNotFound) {
		return pkgError.NotFoundError(fmt.Sprintf("post %s not found", postID))
	}
	return err
}

func uniqueTargets(targets []post.Target) []post.Target {
	seen := make(map[string]bool, len(targets))
	out := make([]post.Target, 0, len(targets))
	for _, t := range targets {
		if t.Platform == "" || t.AccountID == "" || seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	return out
}
