package application_test

import (
	"context"
	"testing"
	"time"

	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_ValidatesRequest(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	p := h.createPost(t, facebookTarget)

	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(-time.Minute), p.Targets)
	assert.IsType(t, pkgError.InvalidScheduleError(""), err)

	_, err = h.scheduler.Schedule(ctx, p.ID, time.Time{}, p.Targets)
	assert.IsType(t, pkgError.InvalidScheduleError(""), err)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), nil)
	assert.IsType(t, pkgError.EmptyTargetsError(""), err)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), []post.Target{{Platform: "facebook"}})
	assert.IsType(t, pkgError.EmptyTargetsError(""), err)

	_, err = h.scheduler.Schedule(ctx, "missing", h.clock.Now(), p.Targets)
	assert.IsType(t, pkgError.NotFoundError(""), err)

	assert.Equal(t, post.StatusDraft, h.get(t, p.ID).Status)
	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)
}

func TestSchedule_TimeWithinGraceIsClampedToNow(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	p := h.createPost(t, facebookTarget)

	itemID, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(-10*time.Second), p.Targets)
	require.NoError(t, err)
	assert.NotEmpty(t, itemID)

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusScheduled, stored.Status)
	require.NotNil(t, stored.ScheduledFor)
	assert.Equal(t, h.clock.Now(), *stored.ScheduledFor)

	item, err := h.store.GetWorkItem(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, itemID, item.ID)
	assert.Equal(t, h.clock.Now(), item.DueAt)
	assert.Zero(t, item.AttemptCount)

	// Scheduling is not a status change subscribers hear about.
	assert.Empty(t, h.notifier.Events())
}

func TestSchedule_DuplicateTargetsAreCollapsed(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	p := h.createPost(t, facebookTarget)

	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), []post.Target{facebookTarget, facebookTarget})
	require.NoError(t, err)

	stored := h.get(t, p.ID)
	assert.Len(t, stored.Targets, 1)
	assert.Len(t, stored.Results, 1)
}

func TestSchedule_RejectsAlreadyScheduled(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	p := h.createPost(t, facebookTarget)

	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(time.Hour), p.Targets)
	require.NoError(t, err)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(2*time.Hour), p.Targets)
	assert.IsType(t, pkgError.InvalidStateError(""), err)
}

func TestSchedule_RetryOnlyFailedTargets(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	linkedin := newScriptedAdapter("linkedin")
	h := newHarness(t, []delivery.Adapter{facebook, linkedin})
	h.grant(t, linkedinTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget, linkedinTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)
	require.True(t, h.runOnce(t))
	require.Equal(t, post.StatusPartiallyPublished, h.get(t, p.ID).Status)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), []post.Target{linkedinTarget})
	assert.IsType(t, pkgError.InvalidScheduleError(""), err)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), []post.Target{{Platform: "x", AccountID: "brand"}})
	assert.IsType(t, pkgError.InvalidScheduleError(""), err)

	h.grant(t, facebookTarget)
	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), []post.Target{facebookTarget})
	require.NoError(t, err)

	stored := h.get(t, p.ID)
	assert.Equal(t, post.StatusScheduled, stored.Status)
	reset := resultFor(t, stored, facebookTarget)
	assert.Equal(t, post.TargetPending, reset.State)
	assert.Zero(t, reset.Attempts)
	assert.Empty(t, reset.FailureReason)
	assert.Equal(t, post.TargetSucceeded, resultFor(t, stored, linkedinTarget).State)

	require.True(t, h.runOnce(t))
	assert.Equal(t, post.StatusPublished, h.get(t, p.ID).Status)
	assert.Len(t, facebook.Calls(), 1)
	assert.Len(t, linkedin.Calls(), 1)
}

func TestCancel_BeforeFireRemovesWorkItem(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(time.Hour), p.Targets)
	require.NoError(t, err)

	require.NoError(t, h.scheduler.Cancel(ctx, p.ID))
	canceled := h.get(t, p.ID)
	assert.Equal(t, post.StatusCanceled, canceled.Status)

	_, err = h.store.GetWorkItem(ctx, p.ID)
	assert.ErrorIs(t, err, post.ErrWorkItemNotFound)

	h.clock.Advance(2 * time.Hour)
	assert.False(t, h.runOnce(t))
	assert.Empty(t, facebook.Calls())

	require.NoError(t, h.scheduler.Cancel(ctx, p.ID))
	assert.Equal(t, canceled.Version, h.get(t, p.ID).Version)

	events := h.notifier.Events()
	require.Len(t, events, 1)
	assert.Equal(t, post.StatusScheduled, events[0].OldStatus)
	assert.Equal(t, post.StatusCanceled, events[0].NewStatus)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	assert.IsType(t, pkgError.InvalidStateError(""), err)
}

func TestCancel_RejectsFinishedPost(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now(), p.Targets)
	require.NoError(t, err)
	require.True(t, h.runOnce(t))

	err = h.scheduler.Cancel(ctx, p.ID)
	assert.IsType(t, pkgError.InvalidStateError(""), err)
	assert.Equal(t, post.StatusPublished, h.get(t, p.ID).Status)

	assert.IsType(t, pkgError.NotFoundError(""), h.scheduler.Cancel(ctx, "missing"))
}

func TestReschedule_MovesFireTime(t *testing.T) {
	facebook := newScriptedAdapter("facebook")
	h := newHarness(t, []delivery.Adapter{facebook})
	h.grant(t, facebookTarget)
	ctx := context.Background()

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(time.Hour), p.Targets)
	require.NoError(t, err)

	newAt := h.clock.Now().Add(2 * time.Hour)
	require.NoError(t, h.scheduler.Reschedule(ctx, p.ID, newAt))

	stored := h.get(t, p.ID)
	require.NotNil(t, stored.ScheduledFor)
	assert.Equal(t, newAt, *stored.ScheduledFor)

	h.clock.Advance(90 * time.Minute)
	assert.False(t, h.runOnce(t))
	assert.Empty(t, facebook.Calls())

	h.clock.Advance(30 * time.Minute)
	require.True(t, h.runOnce(t))
	assert.Equal(t, post.StatusPublished, h.get(t, p.ID).Status)
	assert.Len(t, facebook.Calls(), 1)
}

func TestReschedule_RequiresPendingWorkItem(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	p := h.createPost(t, facebookTarget)

	err := h.scheduler.Reschedule(ctx, p.ID, h.clock.Now().Add(time.Hour))
	assert.IsType(t, pkgError.NotFoundError(""), err)

	_, err = h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(time.Hour), p.Targets)
	require.NoError(t, err)

	err = h.scheduler.Reschedule(ctx, p.ID, h.clock.Now().Add(-time.Hour))
	assert.IsType(t, pkgError.InvalidScheduleError(""), err)

	// A claimed item is already firing and can no longer be moved.
	_, claimed, err := h.store.ClaimWorkItem(ctx, "other", h.clock.Now().Add(time.Hour), time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	err = h.scheduler.Reschedule(ctx, p.ID, h.clock.Now().Add(3*time.Hour))
	assert.IsType(t, pkgError.NotFoundError(""), err)
}

func TestSchedule_LogsRelativeToSchedulerClock(t *testing.T) {
	h := newHarness(t, []delivery.Adapter{newScriptedAdapter("facebook")})
	ctx := context.Background()
	hook := captureLogs(t)

	p := h.createPost(t, facebookTarget)
	_, err := h.scheduler.Schedule(ctx, p.ID, h.clock.Now().Add(time.Hour), p.Targets)
	require.NoError(t, err)
	_, ok := loggedMessage(hook, "scheduled for 1 hour from now")
	assert.True(t, ok, "schedule log should be relative to the scheduler clock")

	require.NoError(t, h.scheduler.Reschedule(ctx, p.ID, h.clock.Now().Add(2*time.Hour)))
	_, ok = loggedMessage(hook, "rescheduled to 2 hours from now")
	assert.True(t, ok, "reschedule log should be relative to the scheduler clock")
}
