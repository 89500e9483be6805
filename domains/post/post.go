package post

import (
	"context"
	"strings"
	"time"

	publishingPost "github.com/AzielCF/az-publisher/publishing/domain/post"
)

type IPostUsecase interface {
	CreatePost(ctx context.Context, organizationID string, request CreatePostRequest) (publishingPost.Post, error)
	GetPost(ctx context.Context, organizationID, postID string) (publishingPost.Post, error)
	EditPost(ctx context.Context, organizationID, postID string, request EditPostRequest) (publishingPost.Post, error)
	DeletePost(ctx context.Context, organizationID, postID string) error
	ListPosts(ctx context.Context, organizationID string, request ListPostsRequest) ([]publishingPost.Post, error)

	RequestSchedule(ctx context.Context, organizationID, postID string, request ScheduleRequest) (ScheduleResponse, error)
	RequestReschedule(ctx context.Context, organizationID, postID string, request RescheduleRequest) error
	RequestCancel(ctx context.Context, organizationID, postID string) error
	GetDispatchStatus(ctx context.Context, organizationID, postID string) (DispatchStatus, error)
}

type MediaRequest struct {
	URL  string `json:"url"`
	Kind string `json:"kind"`
}

type TargetRequest struct {
	Platform  string `json:"platform"`
	AccountID string `json:"account_id"`
}

type CreatePostRequest struct {
	Body    string          `json:"body"`
	Media   []MediaRequest  `json:"media"`
	Targets []TargetRequest `json:"targets"`
}

// EditPostRequest only changes the fields that are present.
type EditPostRequest struct {
	Body    *string          `json:"body,omitempty"`
	Media   *[]MediaRequest  `json:"media,omitempty"`
	Targets *[]TargetRequest `json:"targets,omitempty"`
}

type ListPostsRequest struct {
	Status string `json:"status" query:"status"`
	Limit  int    `json:"limit" query:"limit"`
}

// ScheduleRequest without targets uses the post's own targets for a draft, or
// its failed targets when retrying a failed or partially published post.
type ScheduleRequest struct {
	At      time.Time       `json:"at"`
	Targets []TargetRequest `json:"targets"`
}

type ScheduleResponse struct {
	PostID     string    `json:"post_id"`
	WorkItemID string    `json:"work_item_id"`
	DueAt      time.Time `json:"due_at"`
}

type RescheduleRequest struct {
	At time.Time `json:"at"`
}

type WorkItemStatus struct {
	DueAt        time.Time `json:"due_at"`
	AttemptCount int       `json:"attempt_count"`
	Claimed      bool      `json:"claimed"`
}

type DispatchStatus struct {
	PostID       string                        `json:"post_id"`
	Status       publishingPost.PostStatus     `json:"status"`
	ScheduledFor *time.Time                    `json:"scheduled_for,omitempty"`
	Version      int64                         `json:"version"`
	Targets      []publishingPost.TargetResult `json:"targets"`
	WorkItem     *WorkItemStatus               `json:"work_item,omitempty"`
}

// ToTarget normalizes the platform name so "Facebook " and "facebook" are one target.
func (r TargetRequest) ToTarget() publishingPost.Target {
	return publishingPost.Target{
		Platform:  strings.ToLower(strings.TrimSpace(r.Platform)),
		AccountID: strings.TrimSpace(r.AccountID),
	}
}

func (r MediaRequest) ToMediaRef() publishingPost.MediaRef {
	return publishingPost.MediaRef{URL: r.URL, Kind: publishingPost.MediaKind(r.Kind)}
}
