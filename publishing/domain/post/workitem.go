package post

import "time"

// WorkItem is the durable "dispatch this post at or after DueAt" unit.
// There is at most one work item per post.
type WorkItem struct {
	ID                 string     `json:"id"`
	PostID             string     `json:"post_id"`
	DueAt              time.Time  `json:"due_at"`
	AttemptCount       int        `json:"attempt_count"`
	ClaimToken         string     `json:"claim_token,omitempty"`
	ClaimedBy          string     `json:"claimed_by,omitempty"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	VisibilityDeadline *time.Time `json:"visibility_deadline,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

func (w WorkItem) IsClaimed() bool {
	return w.ClaimToken != ""
}

// ClaimExpired reports whether a claim exists but its lease ran out.
func (w WorkItem) ClaimExpired(now time.Time) bool {
	return w.IsClaimed() && w.VisibilityDeadline != nil && w.VisibilityDeadline.Before(now)
}

// Claimable reports whether a worker may take the item at now.
func (w WorkItem) Claimable(now time.Time) bool {
	if w.DueAt.After(now) {
		return false
	}
	return !w.IsClaimed() || w.ClaimExpired(now)
}
