package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/AzielCF/az-publisher/publishing/domain/monitoring"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWorkers           = 4
	DefaultLease             = 2 * time.Minute
	DefaultAdapterTimeout    = 30 * time.Second
	DefaultPollInterval      = 2 * time.Second
	DefaultTargetConcurrency = 4
	heartbeatInterval        = 30 * time.Second
	minIdleWait              = 10 * time.Millisecond
)

type DispatcherConfig struct {
	Workers           int
	Lease             time.Duration
	AdapterTimeout    time.Duration
	PollInterval      time.Duration
	WriteRetries      int
	TargetConcurrency int
	ServerID          string
	Version           string
}

// DispatchStats contains live counters of the worker pool
type DispatchStats struct {
	ServerID       string        `json:"server_id"`
	NumWorkers     int           `json:"num_workers"`
	ActiveWorkers  int           `json:"active_workers"`
	TotalProcessed int64         `json:"total_processed"`
	TotalPublished int64         `json:"total_published"`
	TotalFailed    int64         `json:"total_failed"`
	TotalRetried   int64         `json:"total_retried"`
	TotalConflicts int64         `json:"total_conflicts"`
	TotalErrors    int64         `json:"total_errors"`
	WorkerStats    []WorkerStats `json:"worker_stats"`
	Uptime         time.Duration `json:"uptime"`
}

type WorkerStats struct {
	WorkerID        int    `json:"worker_id"`
	IsProcessing    bool   `json:"is_processing"`
	CurrentPostID   string `json:"current_post_id,omitempty"`
	RoundsProcessed int64  `json:"rounds_processed"`
}

type dispatchWorker struct {
	id              int
	name            string
	isProcessing    int32
	roundsProcessed int64
	currentPost     atomic.Value
}

// Dispatcher runs N independent claim loops over the work item queue. The
// atomic claim in the store is the only coordination between workers.
type Dispatcher struct {
	store       post.Store
	credentials credential.Store
	adapters    delivery.Registry
	policy      RetryPolicy
	projector   *StatusProjector
	monitor     monitoring.Store
	clock       Clock
	cfg         DispatcherConfig

	wake      *Broadcast
	workers   []*dispatchWorker
	wg        sync.WaitGroup
	stopOnce  sync.Once
	cancel    context.CancelFunc
	startTime time.Time

	totalProcessed int64
	totalPublished int64
	totalFailed    int64
	totalRetried   int64
	totalConflicts int64
	totalErrors    int64
}

func NewDispatcher(
	store post.Store,
	credentials credential.Store,
	adapters delivery.Registry,
	policy RetryPolicy,
	projector *StatusProjector,
	monitor monitoring.Store,
	clock Clock,
	cfg DispatcherConfig,
) *Dispatcher {
	if clock == nil {
		clock = SystemClock()
	}
	if projector == nil {
		projector = NewStatusProjector(nil, clock)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.AdapterTimeout <= 0 || cfg.AdapterTimeout >= cfg.Lease {
		cfg.AdapterTimeout = minDuration(DefaultAdapterTimeout, cfg.Lease/2)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.WriteRetries <= 0 {
		cfg.WriteRetries = DefaultWriteRetries
	}
	if cfg.TargetConcurrency <= 0 {
		cfg.TargetConcurrency = DefaultTargetConcurrency
	}
	if cfg.ServerID == "" {
		cfg.ServerID = "local"
	}

	d := &Dispatcher{
		store:       store,
		credentials: credentials,
		adapters:    adapters,
		policy:      policy,
		projector:   projector,
		monitor:     monitor,
		clock:       clock,
		cfg:         cfg,
		wake:        &Broadcast{},
		startTime:   time.Now(),
	}
	d.workers = make([]*dispatchWorker, cfg.Workers)
	for i := range d.workers {
		d.workers[i] = &dispatchWorker{id: i, name: fmt.Sprintf("%s-%d", cfg.ServerID, i)}
	}
	return d
}

// Start launches the claim loops. The signal, when set, wakes idle workers as
// soon as the queue changes.
func (d *Dispatcher) Start(ctx context.Context, signal WakeSignal) {
	ctx, d.cancel = context.WithCancel(ctx)

	if signal != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.wake.Pump(ctx, signal)
		}()
	}

	if d.monitor != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.heartbeat(ctx)
		}()
	}

	for _, w := range d.workers {
		wake := d.wake.Subscribe()
		d.wg.Add(1)
		go func(w *dispatchWorker) {
			defer d.wg.Done()
			d.loop(ctx, w, wake)
		}(w)
	}

	logrus.Infof("[DISPATCH] Started %d workers (lease %s, adapter timeout %s, poll %s)",
		len(d.workers), d.cfg.Lease, d.cfg.AdapterTimeout, d.cfg.PollInterval)
}

// Stop stops claiming new work and waits for in-flight rounds to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		logrus.Info("[DISPATCH] Stopping workers...")
		if d.cancel != nil {
			d.cancel()
		}
		d.wg.Wait()
		logrus.Info("[DISPATCH] All workers stopped")
	})
}

// RunOnce claims and processes at most one due work item. It reports whether
// an item was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context) (bool, error) {
	return d.runOnce(ctx, d.workers[0])
}

func (d *Dispatcher) loop(ctx context.Context, w *dispatchWorker, wake <-chan struct{}) {
	logrus.Debugf("[DISPATCH] Worker %s started", w.name)
	for {
		if ctx.Err() != nil {
			logrus.Debugf("[DISPATCH] Worker %s shutting down", w.name)
			return
		}

		claimed, err := d.runOnce(ctx, w)
		if err != nil && ctx.Err() == nil {
			atomic.AddInt64(&d.totalErrors, 1)
			logrus.WithError(err).Errorf("[DISPATCH] Worker %s failed to claim work", w.name)
		}
		if claimed {
			continue
		}

		timer := time.NewTimer(d.idleWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) runOnce(ctx context.Context, w *dispatchWorker) (bool, error) {
	item, ok, err := d.store.ClaimWorkItem(ctx, w.name, d.clock.Now(), d.cfg.Lease)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	// A claimed round always runs to completion, even during shutdown.
	roundCtx := context.WithoutCancel(ctx)

	atomic.StoreInt32(&w.isProcessing, 1)
	w.currentPost.Store(item.PostID)
	d.reportActivity(roundCtx, w, item.PostID, true)
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&d.totalErrors, 1)
			logrus.Errorf("[DISPATCH] Worker %s panic on post %s: %v", w.name, item.PostID, r)
		}
		atomic.StoreInt32(&w.isProcessing, 0)
		w.currentPost.Store("")
		atomic.AddInt64(&w.roundsProcessed, 1)
		atomic.AddInt64(&d.totalProcessed, 1)
		d.incrementStat(roundCtx, monitoring.StatProcessed, 1)
		d.reportActivity(roundCtx, w, "", false)
	}()

	d.process(roundCtx, item)
	return true, nil
}

func (d *Dispatcher) process(ctx context.Context, item post.WorkItem) {
	snapshot, err := d.store.GetPost(ctx, item.PostID)
	if errors.Is(err, post.ErrPostNotFound) {
		logrus.Warnf("[DISPATCH] Post %s no longer exists, dropping work item %s", item.PostID, item.ID)
		d.drop(ctx, item)
		return
	}
	if err != nil {
		atomic.AddInt64(&d.totalErrors, 1)
		logrus.WithError(err).Errorf("[DISPATCH] Failed to load post %s, claim will expire", item.PostID)
		return
	}

	if snapshot.Status == post.StatusCanceled || snapshot.DeletedAt != nil {
		logrus.Infof("[DISPATCH] Post %s is %s, dropping work item", snapshot.ID, snapshot.Status)
		d.drop(ctx, item)
		return
	}
	if len(snapshot.PendingResults()) == 0 {
		logrus.Debugf("[DISPATCH] Post %s has nothing pending, completing work item", snapshot.ID)
		d.drop(ctx, item)
		return
	}

	now := d.clock.Now()
	due := snapshot.DueResults(now)
	if len(due) > 0 {
		marked, err := d.beginRound(ctx, snapshot, now)
		if errors.Is(err, errRoundDiscarded) {
			logrus.Infof("[DISPATCH] Post %s was canceled before its round started, dropping work item", snapshot.ID)
			d.drop(ctx, item)
			return
		}
		if err != nil {
			atomic.AddInt64(&d.totalErrors, 1)
			logrus.WithError(err).Errorf("[DISPATCH] Failed to start round for post %s, claim will expire", snapshot.ID)
			return
		}
		snapshot = marked
		due = snapshot.DueResults(now)
	}
	updates := make([]post.TargetResult, len(due))

	if len(due) > 0 {
		logrus.Infof("[DISPATCH] Dispatching post %s to %d target(s) (attempt round %d)", snapshot.ID, len(due), item.AttemptCount+1)

		g := new(errgroup.Group)
		g.SetLimit(d.cfg.TargetConcurrency)
		for i, r := range due {
			g.Go(func() error {
				updates[i] = d.attempt(ctx, snapshot, r)
				return nil
			})
		}
		_ = g.Wait()
	}

	d.commit(ctx, item, snapshot, updates)
}

// attempt performs one delivery for one target and returns its next result.
func (d *Dispatcher) attempt(ctx context.Context, p post.Post, current post.TargetResult) post.TargetResult {
	target := current.Target
	startedAt := d.clock.Now()

	platformPostID, err := d.publish(ctx, p, target)

	now := d.clock.Now()
	next := current
	next.Attempts++
	next.LastAttemptAt = &startedAt
	next.UpdatedAt = now

	if err == nil {
		next.State = post.TargetSucceeded
		next.PlatformPostID = platformPostID
		next.LastError = ""
		next.FailureReason = ""
		next.NextAttemptAt = nil
		atomic.AddInt64(&d.totalPublished, 1)
		d.incrementStat(ctx, monitoring.StatPublished, 1)
		logrus.Infof("[DISPATCH] Post %s published to %s (platform id %s)", p.ID, target.Key(), platformPostID)
		return next
	}

	decision := d.policy.Decide(err, next.Attempts)
	next.LastError = err.Error()
	if decision.Retry {
		at := now.Add(decision.Delay)
		next.State = post.TargetPending
		next.NextAttemptAt = &at
		atomic.AddInt64(&d.totalRetried, 1)
		d.incrementStat(ctx, monitoring.StatRetried, 1)
		logrus.WithError(err).Warnf("[DISPATCH] Post %s to %s failed (attempt %d), retrying %s",
			p.ID, target.Key(), next.Attempts, humanize.RelTime(at, now, "ago", "from now"))
		return next
	}

	next.State = post.TargetFailed
	next.FailureReason = decision.Reason
	next.NextAttemptAt = nil
	atomic.AddInt64(&d.totalFailed, 1)
	d.incrementStat(ctx, monitoring.StatFailed, 1)
	logrus.WithError(err).Errorf("[DISPATCH] Post %s to %s failed permanently after %d attempt(s): %s",
		p.ID, target.Key(), next.Attempts, decision.Reason)
	return next
}

func (d *Dispatcher) publish(ctx context.Context, p post.Post, target post.Target) (id string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = delivery.Transient("adapter panic", 0, fmt.Errorf("%v", r))
		}
	}()

	token, err := d.credentials.GetToken(ctx, p.OrganizationID, target.Platform, target.AccountID)
	if err != nil {
		return "", fmt.Errorf("resolve token for %s: %w", target.Key(), err)
	}

	adapter, ok := d.adapters.Get(target.Platform)
	if !ok {
		return "", delivery.Permanent(delivery.ReasonNoAdapter, fmt.Errorf("platform %q", target.Platform))
	}

	callCtx, cancel := context.WithTimeout(ctx, d.cfg.AdapterTimeout)
	defer cancel()

	return adapter.Publish(callCtx, delivery.PublishRequest{
		PostID:         p.ID,
		AccountID:      target.AccountID,
		Body:           p.Body,
		Media:          p.MediaRefs,
		Token:          token.AccessToken,
		IdempotencyKey: delivery.IdempotencyKey(p.ID, target),
	})
}

var errRoundDiscarded = errors.New("dispatch round discarded")

// beginRound persists that a worker is publishing the due targets before any
// adapter is called: their LastAttemptAt is stamped, which projects the post
// to dispatching. From then on edits and cancels of the post are refused.
func (d *Dispatcher) beginRound(ctx context.Context, snapshot post.Post, now time.Time) (post.Post, error) {
	if snapshot.Status == post.StatusDispatching {
		return snapshot, nil
	}

	base := snapshot
	for attempt := 0; attempt < d.cfg.WriteRetries; attempt++ {
		marked, err := d.store.CompareAndSwapPost(ctx, base.ID, base.Version, func(p *post.Post) error {
			if p.Status == post.StatusCanceled || p.DeletedAt != nil {
				return errRoundDiscarded
			}
			for _, r := range p.DueResults(now) {
				stored, _ := p.Result(r.Target)
				stored.LastAttemptAt = &now
				stored.UpdatedAt = now
			}
			d.projector.Apply(p)
			return nil
		})
		switch {
		case err == nil:
			d.projector.Announce(ctx, base.Status, marked)
			return marked, nil
		case errors.Is(err, post.ErrVersionConflict):
			atomic.AddInt64(&d.totalConflicts, 1)
			d.incrementStat(ctx, monitoring.StatConflicts, 1)
			reloaded, loadErr := d.store.GetPost(ctx, base.ID)
			if errors.Is(loadErr, post.ErrPostNotFound) {
				return post.Post{}, errRoundDiscarded
			}
			if loadErr != nil {
				return post.Post{}, loadErr
			}
			base = reloaded
		case errors.Is(err, post.ErrPostNotFound):
			return post.Post{}, errRoundDiscarded
		default:
			return post.Post{}, err
		}
	}
	return post.Post{}, fmt.Errorf("start round for post %s: %w", snapshot.ID, post.ErrVersionConflict)
}

// commit writes the round back with the version check. On conflict it reloads
// and merges: a stored terminal result wins, then our terminal result, then the
// result with more attempts. A post canceled in the meantime discards the round.
func (d *Dispatcher) commit(ctx context.Context, item post.WorkItem, snapshot post.Post, updates []post.TargetResult) {
	base := snapshot
	for attempt := 0; attempt < d.cfg.WriteRetries; attempt++ {
		committed, err := d.store.CommitRound(ctx, item, base.Version, d.clock.Now(), func(p *post.Post) error {
			if p.Status == post.StatusCanceled || p.DeletedAt != nil {
				return errRoundDiscarded
			}
			mergeResults(p, updates)
			keepPublishedContent(p, snapshot, updates)
			d.projector.Apply(p)
			return nil
		})

		switch {
		case err == nil:
			d.projector.Announce(ctx, base.Status, committed)
			if committed.Status != base.Status {
				logrus.Infof("[DISPATCH] Post %s is now %s", committed.ID, committed.Status)
			}
			return
		case errors.Is(err, errRoundDiscarded):
			logrus.Infof("[DISPATCH] Post %s was canceled during dispatch, discarding round results", snapshot.ID)
			d.drop(ctx, item)
			return
		case errors.Is(err, post.ErrVersionConflict):
			atomic.AddInt64(&d.totalConflicts, 1)
			d.incrementStat(ctx, monitoring.StatConflicts, 1)
			reloaded, loadErr := d.store.GetPost(ctx, snapshot.ID)
			if errors.Is(loadErr, post.ErrPostNotFound) {
				d.drop(ctx, item)
				return
			}
			if loadErr != nil {
				logrus.WithError(loadErr).Errorf("[DISPATCH] Failed to reload post %s after conflict", snapshot.ID)
				return
			}
			logrus.Debugf("[DISPATCH] Version conflict on post %s (v%d -> v%d), merging", snapshot.ID, base.Version, reloaded.Version)
			base = reloaded
		default:
			atomic.AddInt64(&d.totalErrors, 1)
			logrus.WithError(err).Errorf("[DISPATCH] Failed to write back post %s, claim will expire", snapshot.ID)
			return
		}
	}

	atomic.AddInt64(&d.totalErrors, 1)
	logrus.Errorf("[DISPATCH] Giving up writing back post %s after %d conflicts, claim will expire", snapshot.ID, d.cfg.WriteRetries)
}

func mergeResults(p *post.Post, updates []post.TargetResult) {
	for _, ours := range updates {
		stored, ok := p.Result(ours.Target)
		if !ok {
			continue
		}
		switch {
		case stored.IsTerminal():
		case ours.IsTerminal():
			*stored = ours
		case ours.Attempts >= stored.Attempts:
			*stored = ours
		}
	}
}

// keepPublishedContent restores the content that was actually sent when it
// changed while the round was in flight and some target accepted it. The
// stored copy must match what the platforms show.
func keepPublishedContent(p *post.Post, sent post.Post, updates []post.TargetResult) {
	if p.Body == sent.Body && mediaEqual(p.MediaRefs, sent.MediaRefs) {
		return
	}
	for _, r := range updates {
		if r.State == post.TargetSucceeded {
			logrus.Warnf("[DISPATCH] Post %s changed while being published, keeping the published content", p.ID)
			p.Body = sent.Body
			p.MediaRefs = append([]post.MediaRef(nil), sent.MediaRefs...)
			return
		}
	}
}

func mediaEqual(a, b []post.MediaRef) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (d *Dispatcher) drop(ctx context.Context, item post.WorkItem) {
	if _, err := d.store.CancelWorkItem(ctx, item.PostID); err != nil {
		logrus.WithError(err).Warnf("[DISPATCH] Failed to remove work item %s", item.ID)
	}
}

func (d *Dispatcher) idleWait(ctx context.Context) time.Duration {
	wait := d.cfg.PollInterval
	next, ok, err := d.store.NextDueAt(ctx)
	if err == nil && ok {
		if until := next.Sub(d.clock.Now()); until < wait {
			wait = until
		}
	}
	if wait < minIdleWait {
		wait = minIdleWait
	}
	return wait
}

func (d *Dispatcher) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		uptime := int64(time.Since(d.startTime).Seconds())
		if err := d.monitor.ReportHeartbeat(ctx, d.cfg.ServerID, uptime, d.cfg.Version); err != nil && ctx.Err() == nil {
			logrus.WithError(err).Debug("[DISPATCH] Heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Dispatcher) reportActivity(ctx context.Context, w *dispatchWorker, postID string, processing bool) {
	if d.monitor == nil {
		return
	}
	activity := monitoring.WorkerActivity{
		ServerID:     d.cfg.ServerID,
		WorkerID:     w.id,
		IsProcessing: processing,
		PostID:       postID,
	}
	if processing {
		activity.StartedAt = time.Now()
	}
	if err := d.monitor.UpdateWorkerActivity(ctx, activity); err != nil {
		logrus.WithError(err).Debug("[DISPATCH] Failed to report worker activity")
	}
}

func (d *Dispatcher) incrementStat(ctx context.Context, key string, delta int64) {
	if d.monitor == nil {
		return
	}
	if err := d.monitor.IncrementStat(ctx, key, delta); err != nil {
		logrus.WithError(err).Debugf("[DISPATCH] Failed to increment stat %s", key)
	}
}

// GetStats returns live statistics of the local pool
func (d *Dispatcher) GetStats() DispatchStats {
	workerStats := make([]WorkerStats, len(d.workers))
	active := 0
	for i, w := range d.workers {
		processing := atomic.LoadInt32(&w.isProcessing) == 1
		if processing {
			active++
		}
		current, _ := w.currentPost.Load().(string)
		workerStats[i] = WorkerStats{
			WorkerID:        w.id,
			IsProcessing:    processing,
			CurrentPostID:   current,
			RoundsProcessed: atomic.LoadInt64(&w.roundsProcessed),
		}
	}

	return DispatchStats{
		ServerID:       d.cfg.ServerID,
		NumWorkers:     len(d.workers),
		ActiveWorkers:  active,
		TotalProcessed: atomic.LoadInt64(&d.totalProcessed),
		TotalPublished: atomic.LoadInt64(&d.totalPublished),
		TotalFailed:    atomic.LoadInt64(&d.totalFailed),
		TotalRetried:   atomic.LoadInt64(&d.totalRetried),
		TotalConflicts: atomic.LoadInt64(&d.totalConflicts),
		TotalErrors:    atomic.LoadInt64(&d.totalErrors),
		WorkerStats:    workerStats,
		Uptime:         time.Since(d.startTime),
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
