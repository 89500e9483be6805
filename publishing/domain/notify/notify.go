package notify

import (
	"context"
	"time"

	"github.com/AzielCF/az-publisher/publishing/domain/post"
)

const EventPostStatusChanged = "post.status_changed"

type PostStatusChanged struct {
	PostID         string              `json:"post_id"`
	OrganizationID string              `json:"organization_id"`
	OldStatus      post.PostStatus     `json:"old_status"`
	NewStatus      post.PostStatus     `json:"new_status"`
	Targets        []post.TargetResult `json:"targets"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

// Notifier fans events out to subscribers. Delivery is best effort.
type Notifier interface {
	PublishStatusChanged(ctx context.Context, event PostStatusChanged) error
}

// Multi sends every event to all notifiers and returns the first error.
type Multi []Notifier

func (m Multi) PublishStatusChanged(ctx context.Context, event PostStatusChanged) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.PublishStatusChanged(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
