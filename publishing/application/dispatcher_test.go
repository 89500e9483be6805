package application_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domainPost "github.com/AzielCF/az-publisher/domains/post"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/AzielCF/az-publisher/publishing/repository"
	"github.com/AzielCF/az-publisher/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatch_AllTargetsSucceed(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	linkedin := newScriptedAdapter("linkedin")
	h := newHarness(t, []delivery.Adapter{facebook, linkedin})
	h.grant(t, facebookTarget, linkedinTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget, linkedinTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)
	assert.Equal(t, post.StatusScheduled, h.get(t, p.ID).Status)

	require.True(t, h.runOnce(t))

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusPublished, stored.Status)
	for _, target := range []post.Target{facebookTarget, linkedinTarget} {
		r := resultFor(t, stored, target)
		assert.Equal(t, post.TargetSucceeded, r.State)
		assert.Equal(t, 1, r.Attempts)
		assert.NotEmpty(t, r.PlatformPostID)
	}

	events := h.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, post.StatusScheduled, events[0].OldStatus)
	assert.Equal(t, post.StatusDispatching, events[0].NewStatus)
	assert.Equal(t, post.StatusDispatching, events[1].OldStatus)
	assert.Equal(t, post.StatusPublished, events[1].NewStatus)
	assert.Equal(t, testOrg, events[1].OrganizationID)

	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)

	calls := facebook.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "token-page-1", calls[0].Token)
	assert.Equal(t, delivery.IdempotencyKey(p.ID, facebookTarget), calls[0].IdempotencyKey)
	assert.Equal(t, "Spring launch is live", calls[0].Body)
}

func TestDispatch_TransientFailuresExhaustRetries(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	busy := delivery.Transient("rate limited", 0, errors.New("429"))
	linkedin := newScriptedAdapter("linkedin", busy, busy, busy)
	h := newHarness(t, []delivery.Adapter{facebook, linkedin})
	h.grant(t, facebookTarget, linkedinTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget, linkedinTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	var (
		lastAttempts int
		lastNext     time.Time
	)
	for round := 1; round <= 3; round++ {
		require.True(t, h.runOnce(t), "round %d should claim the work item", round)
		stored := h.get(t, p.ID)
		r := resultFor(t, stored, linkedinTarget)

		assert.Greater(t, r.Attempts, lastAttempts)
		lastAttempts = r.Attempts

		if round < 3 {
			assert.Equal(t, post.TargetPending, r.State)
			assert.Equal(t, post.StatusDispatching, stored.Status)
			require.NotNil(t, r.NextAttemptAt)
			assert.True(t, r.NextAttemptAt.After(lastNext), "next attempt must move forward")
			lastNext = *r.NextAttemptAt

			// Nothing is due before the backoff elapses.
			assert.False(t, h.runOnce(t))
			h.clock.Advance(r.NextAttemptAt.Sub(h.clock.Now()))
		}
	}

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusPartiallyPublished, stored.Status)
	assert.Equal(t, post.TargetSucceeded, resultFor(t, stored, facebookTarget).State)

	failed := resultFor(t, stored, linkedinTarget)
	assert.Equal(t, post.TargetFailed, failed.State)
	assert.Equal(t, delivery.ReasonRetriesExhausted, failed.FailureReason)
	assert.Equal(t, 3, failed.Attempts)
	assert.Nil(t, failed.NextAttemptAt)

	// The first copy is never published twice.
	assert.Len(t, facebook.Calls(), 1)
	assert.Len(t, linkedin.Calls(), 3)

	// Terminal targets are never retried again.
	h.clock.Advance(time.Hour)
	assert.False(t, h.runOnce(t))
	assert.Len(t, linkedin.Calls(), 3)
}

func TestDispatch_ExpiredCredentialFailsOnlyThatTarget(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	linkedin := newScriptedAdapter("linkedin")
	h := newHarness(t, []delivery.Adapter{facebook, linkedin})
	h.grant(t, linkedinTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget, linkedinTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusPartiallyPublished, stored.Status)

	expired := resultFor(t, stored, facebookTarget)
	assert.Equal(t, post.TargetFailed, expired.State)
	assert.Equal(t, delivery.ReasonCredentialExpired, expired.FailureReason)
	assert.Equal(t, 1, expired.Attempts)
	assert.Empty(t, facebook.Calls())

	assert.Equal(t, post.TargetSucceeded, resultFor(t, stored, linkedinTarget).State)

	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)
}

func TestDispatch_PermanentErrorAndMissingAdapter(t *testing.T) {
	rejected := delivery.Permanent(delivery.ReasonContentRejected, errors.New("body too long"))
	facebook := newScriptedAdapter("facebook", rejected)
	h := newHarness(t, []delivery.Adapter{facebook})
	orphan := post.Target{Platform: "myspace", AccountID: "tom"}
	h.grant(t, facebookTarget, orphan)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget, orphan)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusFailed, stored.Status)
	assert.Equal(t, delivery.ReasonContentRejected, resultFor(t, stored, facebookTarget).FailureReason)
	assert.Equal(t, delivery.ReasonNoAdapter, resultFor(t, stored, orphan).FailureReason)
	assert.Len(t, facebook.Calls(), 1)

	events := h.notifier.Events()
	require.Len(t, events, 2)
	assert.Equal(t, post.StatusFailed, events[1].NewStatus)
}

func TestDispatch_RetryAfterHintIsHonoured(t *testing.T) {
	throttled := delivery.Transient("rate limited", 10*time.Minute, errors.New("429"))
	facebook := newScriptedAdapter("facebook", throttled)
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)
	start := h.clock.Now()

	require.True(t, h.runOnce(t))

	r := resultFor(t, h.get(t, p.ID), facebookTarget)
	require.NotNil(t, r.NextAttemptAt)
	assert.Equal(t, start.Add(10*time.Minute), *r.NextAttemptAt)

	item, err := h.store.GetWorkItem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, start.Add(10*time.Minute), item.DueAt)
	assert.Equal(t, 1, item.AttemptCount)
	assert.False(t, item.IsClaimed())
}

func TestDispatch_PostIsLockedWhileRoundInFlight(t *testing.T) {
	facebook := newBlockingAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	posts := usecase.NewPostService(h.store, h.scheduler)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = h.dispatcher.RunOnce(ctx)
	}()

	select {
	case <-facebook.started:
	case <-time.After(5 * time.Second):
		t.Fatal("adapter was never called")
	}

	inFlight := h.get(t, p.ID)
	assert.Equal(t, post.StatusDispatching, inFlight.Status)
	assert.NotNil(t, resultFor(t, inFlight, facebookTarget).LastAttemptAt)

	body := "totally different text"
	_, err = posts.EditPost(ctx, testOrg, p.ID, domainPost.EditPostRequest{Body: &body})
	assert.IsType(t, pkgError.InvalidStateError(""), err)
	assert.IsType(t, pkgError.InvalidStateError(""), h.scheduler.Cancel(ctx, p.ID))

	close(facebook.release)
	wg.Wait()

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusPublished, stored.Status)
	assert.Equal(t, "Spring launch is live", stored.Body)
	assert.Equal(t, post.TargetSucceeded, resultFor(t, stored, facebookTarget).State)
}

// beforeCommitStore applies change to the post right before the first
// write-back, the way a concurrent writer on another node would.
type beforeCommitStore struct {
	*repository.MemoryStore
	change func(p *post.Post)
	once   sync.Once
}

func (s *beforeCommitStore) CommitRound(ctx context.Context, claim post.WorkItem, expectedVersion int64, now time.Time, mutate post.Mutator) (post.Post, error) {
	s.once.Do(func() {
		_, _ = s.MemoryStore.CompareAndSwapPost(ctx, claim.PostID, expectedVersion, func(p *post.Post) error {
			s.change(p)
			return nil
		})
	})
	return s.MemoryStore.CommitRound(ctx, claim, expectedVersion, now, mutate)
}

func withChangeBeforeCommit(change func(p *post.Post)) harnessOption {
	return withStore(func(m *repository.MemoryStore) post.Store {
		return &beforeCommitStore{MemoryStore: m, change: change}
	})
}

func TestDispatch_CancelRacingWriteBackDiscardsResults(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook}, withChangeBeforeCommit(func(p *post.Post) {
		p.Status = post.StatusCanceled
	}))
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	assert.Len(t, facebook.Calls(), 1)

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusCanceled, stored.Status)
	r := resultFor(t, stored, facebookTarget)
	assert.Equal(t, post.TargetPending, r.State)
	assert.Zero(t, r.Attempts)

	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)
}

// cancelAfterClaimStore cancels the post as soon as a worker claims its item.
type cancelAfterClaimStore struct {
	*repository.MemoryStore
}

func (s *cancelAfterClaimStore) ClaimWorkItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (post.WorkItem, bool, error) {
	item, ok, err := s.MemoryStore.ClaimWorkItem(ctx, workerID, now, lease)
	if ok {
		current, getErr := s.MemoryStore.GetPost(ctx, item.PostID)
		if getErr == nil {
			_, _ = s.MemoryStore.CompareAndSwapPost(ctx, item.PostID, current.Version, func(p *post.Post) error {
				p.Status = post.StatusCanceled
				return nil
			})
		}
	}
	return item, ok, err
}

func TestDispatch_CancelAfterClaimSkipsRound(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook}, withStore(func(m *repository.MemoryStore) post.Store {
		return &cancelAfterClaimStore{MemoryStore: m}
	}))
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))
	assert.Empty(t, facebook.Calls())
	assert.Equal(t, post.StatusCanceled, h.get(t, p.ID).Status)

	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)
}

func TestDispatch_VersionConflictKeepsPublishedContent(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook}, withChangeBeforeCommit(func(p *post.Post) {
		p.Body += " (edited)"
	}))
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusPublished, stored.Status)
	assert.Equal(t, "Spring launch is live", stored.Body)
	calls := facebook.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, stored.Body, calls[0].Body)

	stats := h.dispatcher.GetStats()
	assert.Equal(t, int64(1), stats.TotalConflicts)
	assert.Equal(t, int64(1), stats.TotalPublished)

	global, err := h.monitor.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), global.TotalConflicts)
	assert.Equal(t, int64(1), global.TotalProcessed)
}

func TestDispatch_VersionConflictWithoutSuccessKeepsNewContent(t *testing.T) {
	busy := delivery.Transient("platform unavailable", 0, errors.New("503"))
	facebook := newScriptedAdapter("facebook", busy)
	h := newHarness(t, []delivery.Adapter{facebook}, withChangeBeforeCommit(func(p *post.Post) {
		p.Body += " (edited)"
	}))
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	require.True(t, h.runOnce(t))

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusDispatching, stored.Status)
	assert.Equal(t, "Spring launch is live (edited)", stored.Body)
	assert.Equal(t, 1, resultFor(t, stored, facebookTarget).Attempts)
}

func TestDispatch_StrayItemOfDraftIsCompleted(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.store.EnqueueWorkItem(ctx, p.ID, h.clock.Now())
	require.NoError(t, err)

	// A draft has no pending results, so the stray item is completed without a call.
	require.True(t, h.runOnce(t))
	assert.Empty(t, facebook.Calls())
	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)
}

func TestDispatch_StartAndStopWorkers(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)

	h.dispatcher.Start(ctx, h.signal)
	assert.Eventually(t, func() bool {
		stored, err := h.store.GetPost(ctx, p.ID)
		return err == nil && stored.Status == post.StatusPublished
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		servers, err := h.monitor.GetActiveServers(ctx)
		return err == nil && len(servers) == 1 && servers[0].ID == "test"
	}, 5*time.Second, 10*time.Millisecond)
	h.dispatcher.Stop()

	stats := h.dispatcher.GetStats()
	assert.Equal(t, 1, stats.NumWorkers)
	assert.Equal(t, 0, stats.ActiveWorkers)
	assert.Equal(t, "test", stats.ServerID)

	global, err := h.monitor.GetGlobalStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), global.TotalPublished)
	assert.Zero(t, global.TotalFailed)
}
