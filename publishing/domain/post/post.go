package post

import (
	"sort"
	"time"
)

type PostStatus string

const (
	StatusDraft              PostStatus = "draft"
	StatusScheduled          PostStatus = "scheduled"
	StatusDispatching        PostStatus = "dispatching"
	StatusPartiallyPublished PostStatus = "partially_published"
	StatusPublished          PostStatus = "published"
	StatusFailed             PostStatus = "failed"
	StatusCanceled           PostStatus = "canceled"
)

// IsTerminal reports whether no further dispatch can happen for the status.
func (s PostStatus) IsTerminal() bool {
	switch s {
	case StatusPublished, StatusFailed, StatusPartiallyPublished, StatusCanceled:
		return true
	}
	return false
}

type TargetState string

const (
	TargetPending   TargetState = "pending"
	TargetSucceeded TargetState = "succeeded"
	TargetFailed    TargetState = "failed"
)

type MediaKind string

const (
	MediaImage    MediaKind = "image"
	MediaVideo    MediaKind = "video"
	MediaAudio    MediaKind = "audio"
	MediaDocument MediaKind = "document"
)

// MediaRef points at media that was already uploaded elsewhere.
type MediaRef struct {
	URL  string    `json:"url"`
	Kind MediaKind `json:"kind"`
}

// Target is a (platform, account) pair a post is delivered to.
type Target struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

func (t Target) Key() string {
	return t.Platform + ":" + t.AccountID
}

type TargetResult struct {
	Target         Target      `json:"target"`
	State          TargetState `json:"state"`
	PlatformPostID string      `json:"platform_post_id,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	FailureReason  string      `json:"failure_reason,omitempty"`
	Attempts       int         `json:"attempts"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
	LastAttemptAt  *time.Time  `json:"last_attempt_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

func (r TargetResult) IsTerminal() bool {
	return r.State == TargetSucceeded || r.State == TargetFailed
}

// Post is the unit of content moving through the publishing pipeline.
type Post struct {
	ID             string         `json:"id"`
	OrganizationID string         `json:"organization_id"`
	Body           string         `json:"body"`
	MediaRefs      []MediaRef     `json:"media_refs,omitempty"`
	Targets        []Target       `json:"targets"`
	ScheduledFor   *time.Time     `json:"scheduled_for,omitempty"`
	Status         PostStatus     `json:"status"`
	Results        []TargetResult `json:"target_results"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
}

// Result returns the stored result for a target.
func (p *Post) Result(t Target) (*TargetResult, bool) {
	for i := range p.Results {
		if p.Results[i].Target.Key() == t.Key() {
			return &p.Results[i], true
		}
	}
	return nil, false
}

// HasTarget reports whether the target is part of the post's selection.
func (p *Post) HasTarget(t Target) bool {
	for _, existing := range p.Targets {
		if existing.Key() == t.Key() {
			return true
		}
	}
	return false
}

// AnySucceeded reports whether at least one copy of the post is already live.
func (p *Post) AnySucceeded() bool {
	for _, r := range p.Results {
		if r.State == TargetSucceeded {
			return true
		}
	}
	return false
}

// PendingResults returns the results still waiting for a delivery attempt.
func (p *Post) PendingResults() []TargetResult {
	var pending []TargetResult
	for _, r := range p.Results {
		if r.State == TargetPending {
			pending = append(pending, r)
		}
	}
	return pending
}

// DueResults returns the pending results whose next attempt is not in the future.
func (p *Post) DueResults(now time.Time) []TargetResult {
	var due []TargetResult
	for _, r := range p.Results {
		if r.State != TargetPending {
			continue
		}
		if r.NextAttemptAt == nil || !r.NextAttemptAt.After(now) {
			due = append(due, r)
		}
	}
	return due
}

// NextDueAt returns the earliest time a pending target should be attempted.
// The second value is false when nothing is pending.
func (p *Post) NextDueAt(now time.Time) (time.Time, bool) {
	var next time.Time
	found := false
	for _, r := range p.Results {
		if r.State != TargetPending {
			continue
		}
		at := now
		if r.NextAttemptAt != nil {
			at = *r.NextAttemptAt
		} else if p.ScheduledFor != nil && p.ScheduledFor.After(now) {
			at = *p.ScheduledFor
		}
		if !found || at.Before(next) {
			next = at
			found = true
		}
	}
	return next, found
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p Post) Clone() Post {
	c := p
	c.MediaRefs = append([]MediaRef(nil), p.MediaRefs...)
	c.Targets = append([]Target(nil), p.Targets...)
	c.Results = make([]TargetResult, len(p.Results))
	for i, r := range p.Results {
		c.Results[i] = r
		c.Results[i].NextAttemptAt = copyTime(r.NextAttemptAt)
		c.Results[i].LastAttemptAt = copyTime(r.LastAttemptAt)
	}
	c.ScheduledFor = copyTime(p.ScheduledFor)
	c.DeletedAt = copyTime(p.DeletedAt)
	return c
}

// SortResults keeps results in a stable order so stored documents diff cleanly.
func (p *Post) SortResults() {
	sort.SliceStable(p.Results, func(i, j int) bool {
		return p.Results[i].Target.Key() < p.Results[j].Target.Key()
	})
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
