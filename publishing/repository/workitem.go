package repository

import (
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/post"
)

// requeueAt returns when a committed post needs its next round. Canceled
// posts never requeue.
func requeueAt(p post.Post, now time.Time) (time.Time, bool) {
	if p.Status == post.StatusCanceled {
		return time.Time{}, false
	}
	return p.NextDueAt(now)
}

func releaseClaim(item post.WorkItem, now time.Time) post.WorkItem {
	item.ClaimToken = ""
	item.ClaimedBy = ""
	item.ClaimedAt = nil
	item.VisibilityDeadline = nil
	item.UpdatedAt = now
	return item
}
