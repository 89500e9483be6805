package post

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPostNotFound     = errors.New("post not found")
	ErrWorkItemNotFound = errors.New("work item not found")
	ErrVersionConflict  = errors.New("post version conflict")
)

// Mutator edits a post in place inside an optimistic update. Returning an
// error aborts the write.
type Mutator func(p *Post) error

// Store is the content record store plus the work item queue. Implementations
// must make ClaimWorkItem atomic and CompareAndSwapPost reject stale versions.
type Store interface {
	CreatePost(ctx context.Context, p Post) (Post, error)
	GetPost(ctx context.Context, id string) (Post, error)
	ListPosts(ctx context.Context, filter ListFilter) ([]Post, error)
	// ListPostsByStatus pages through live posts in id order, starting after
	// afterID ("" for the first page).
	ListPostsByStatus(ctx context.Context, status PostStatus, afterID string, limit int) ([]Post, error)
	CompareAndSwapPost(ctx context.Context, id string, expectedVersion int64, mutate Mutator) (Post, error)
	DeletePost(ctx context.Context, id string, expectedVersion int64) error

	EnqueueWorkItem(ctx context.Context, postID string, dueAt time.Time) (WorkItem, error)
	GetWorkItem(ctx context.Context, postID string) (WorkItem, error)
	RescheduleWorkItem(ctx context.Context, postID string, dueAt time.Time) (WorkItem, error)
	CancelWorkItem(ctx context.Context, postID string) (bool, error)
	ClaimWorkItem(ctx context.Context, workerID string, now time.Time, lease time.Duration) (WorkItem, bool, error)
	ListStaleWorkItems(ctx context.Context, now time.Time) ([]WorkItem, error)
	ReleaseStaleClaims(ctx context.Context, now time.Time) (int64, error)
	NextDueAt(ctx context.Context) (time.Time, bool, error)

	// CommitRound writes the post with the version check and settles the
	// claimed work item in the same atomic step: the item is requeued at the
	// post's next due time when targets remain pending, removed otherwise.
	// The item is left untouched when claim.ClaimToken no longer owns it.
	CommitRound(ctx context.Context, claim WorkItem, expectedVersion int64, now time.Time, mutate Mutator) (Post, error)
}

type ListFilter struct {
	OrganizationID string
	Status         PostStatus
	Limit          int
}
