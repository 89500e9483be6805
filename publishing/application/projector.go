package application

import (
	"context"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/sirupsen/logrus"
)

// Project derives the aggregate post status from its target results.
func Project(results []post.TargetResult) post.PostStatus {
	if len(results) == 0 {
		return post.StatusDraft
	}

	var succeeded, failed, pending, started int
	for _, r := range results {
		switch r.State {
		case post.TargetSucceeded:
			succeeded++
		case post.TargetFailed:
			failed++
		default:
			pending++
			if r.LastAttemptAt != nil {
				started++
			}
		}
	}

	switch {
	case pending == 0 && failed == 0:
		return post.StatusPublished
	case pending == 0 && succeeded == 0:
		return post.StatusFailed
	case pending == 0:
		return post.StatusPartiallyPublished
	case started > 0:
		return post.StatusDispatching
	default:
		return post.StatusScheduled
	}
}

// StatusProjector is the only writer of the aggregate status. Apply runs inside
// a write-back mutator; Announce runs after the write committed.
type StatusProjector struct {
	notifier notify.Notifier
	clock    Clock
}

func NewStatusProjector(notifier notify.Notifier, clock Clock) *StatusProjector {
	if clock == nil {
		clock = SystemClock()
	}
	return &StatusProjector{notifier: notifier, clock: clock}
}

// Apply recomputes the status of p from its results. A canceled post keeps its
// status.
func (sp *StatusProjector) Apply(p *post.Post) post.PostStatus {
	if p.Status == post.StatusCanceled {
		return p.Status
	}
	p.Status = Project(p.Results)
	return p.Status
}

// Cancel applies the terminal cancel override.
func (sp *StatusProjector) Cancel(p *post.Post) {
	p.Status = post.StatusCanceled
}

// Announce emits PostStatusChanged when the committed status differs from the
// one the writer started from. Notifier failures are logged, never returned.
func (sp *StatusProjector) Announce(ctx context.Context, old post.PostStatus, committed post.Post) {
	if sp.notifier == nil || old == committed.Status {
		return
	}

	event := notify.PostStatusChanged{
		PostID:         committed.ID,
		OrganizationID: committed.OrganizationID,
		OldStatus:      old,
		NewStatus:      committed.Status,
		Targets:        append([]post.TargetResult(nil), committed.Results...),
		OccurredAt:     sp.now(),
	}
	if err := sp.notifier.PublishStatusChanged(ctx, event); err != nil {
		logrus.WithError(err).Warnf("[PROJECTOR] Failed to publish status change for post %s (%s -> %s)", committed.ID, old, committed.Status)
	}
}

func (sp *StatusProjector) now() time.Time {
	return sp.clock.Now()
}
