package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domainPost "github.com/AzielCF/az-publisher/domains/post"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/publishing/application"
	publishingPost "github.com/AzielCF/az-publisher/publishing/domain/post"
	"github.com/AzielCF/az-publisher/validations"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 50
	editWriteRetries = 5
)

type servicePost struct {
	store     publishingPost.Store
	scheduler *application.Scheduler
}

func NewPostService(store publishingPost.Store, scheduler *application.Scheduler) domainPost.IPostUsecase {
	return &servicePost{
		store:     store,
		scheduler: scheduler,
	}
}

func (service servicePost) CreatePost(ctx context.Context, organizationID string, request domainPost.CreatePostRequest) (publishingPost.Post, error) {
	if err := requireOrganization(organizationID); err != nil {
		return publishingPost.Post{}, err
	}
	if err := validations.ValidateCreatePost(ctx, request); err != nil {
		return publishingPost.Post{}, err
	}

	p := publishingPost.Post{
		OrganizationID: organizationID,
		Body:           request.Body,
		MediaRefs:      toMediaRefs(request.Media),
		Targets:        toTargets(request.Targets),
		Status:         publishingPost.StatusDraft,
	}
	created, err := service.store.CreatePost(ctx, p)
	if err != nil {
		return publishingPost.Post{}, err
	}
	logrus.Infof("[POST] Draft %s created for organization %s", created.ID, organizationID)
	return created, nil
}

func (service servicePost) GetPost(ctx context.Context, organizationID, postID string) (publishingPost.Post, error) {
	return service.ownedPost(ctx, organizationID, postID)
}

// EditPost changes a post in place. The body is frozen once any target
// succeeded and while a round is running; media and targets only change on drafts.
func (service servicePost) EditPost(ctx context.Context, organizationID, postID string, request domainPost.EditPostRequest) (publishingPost.Post, error) {
	if err := validations.ValidateEditPost(ctx, request); err != nil {
		return publishingPost.Post{}, err
	}

	var committed publishingPost.Post
	err := service.withOwnedPost(ctx, organizationID, postID, func(current publishingPost.Post) error {
		var err error
		committed, err = service.store.CompareAndSwapPost(ctx, postID, current.Version, func(p *publishingPost.Post) error {
			if request.Body != nil {
				if err := bodyEditable(p); err != nil {
					return err
				}
				p.Body = *request.Body
			}
			if request.Media != nil {
				if p.Status != publishingPost.StatusDraft {
					return pkgError.InvalidStateError(fmt.Sprintf("media of post %s can only change while draft", p.ID))
				}
				p.MediaRefs = toMediaRefs(*request.Media)
			}
			if request.Targets != nil {
				if p.Status != publishingPost.StatusDraft {
					return pkgError.InvalidStateError(fmt.Sprintf("targets of post %s can only change while draft", p.ID))
				}
				p.Targets = toTargets(*request.Targets)
			}
			if strings.TrimSpace(p.Body) == "" && len(p.MediaRefs) == 0 {
				return pkgError.ValidationError("body: cannot be blank when no media is attached.")
			}
			return nil
		})
		return err
	})
	if err != nil {
		return publishingPost.Post{}, err
	}
	return committed, nil
}

// DeletePost tombstones drafts and finished posts.
func (service servicePost) DeletePost(ctx context.Context, organizationID, postID string) error {
	return service.withOwnedPost(ctx, organizationID, postID, func(current publishingPost.Post) error {
		if current.Status != publishingPost.StatusDraft && !current.Status.IsTerminal() {
			return pkgError.InvalidStateError(fmt.Sprintf("post %s cannot be deleted while %s", current.ID, current.Status))
		}
		if err := service.store.DeletePost(ctx, postID, current.Version); err != nil {
			return err
		}
		logrus.Infof("[POST] Post %s deleted", postID)
		return nil
	})
}

func (service servicePost) ListPosts(ctx context.Context, organizationID string, request domainPost.ListPostsRequest) ([]publishingPost.Post, error) {
	if err := requireOrganization(organizationID); err != nil {
		return nil, err
	}
	if err := validations.ValidateListPosts(ctx, request); err != nil {
		return nil, err
	}
	limit := request.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	return service.store.ListPosts(ctx, publishingPost.ListFilter{
		OrganizationID: organizationID,
		Status:         publishingPost.PostStatus(request.Status),
		Limit:          limit,
	})
}

func (service servicePost) RequestSchedule(ctx context.Context, organizationID, postID string, request domainPost.ScheduleRequest) (domainPost.ScheduleResponse, error) {
	if err := validations.ValidateSchedule(ctx, request); err != nil {
		return domainPost.ScheduleResponse{}, err
	}
	current, err := service.ownedPost(ctx, organizationID, postID)
	if err != nil {
		return domainPost.ScheduleResponse{}, err
	}

	targets := toTargets(request.Targets)
	if len(targets) == 0 {
		targets = defaultScheduleTargets(current)
	}

	workItemID, err := service.scheduler.Schedule(ctx, postID, request.At, targets)
	if err != nil {
		return domainPost.ScheduleResponse{}, err
	}

	resp := domainPost.ScheduleResponse{PostID: postID, WorkItemID: workItemID}
	if item, err := service.store.GetWorkItem(ctx, postID); err == nil {
		resp.DueAt = item.DueAt
	}
	return resp, nil
}

func (service servicePost) RequestReschedule(ctx context.Context, organizationID, postID string, request domainPost.RescheduleRequest) error {
	if err := validations.ValidateReschedule(ctx, request); err != nil {
		return err
	}
	if _, err := service.ownedPost(ctx, organizationID, postID); err != nil {
		return err
	}
	return service.scheduler.Reschedule(ctx, postID, request.At)
}

func (service servicePost) RequestCancel(ctx context.Context, organizationID, postID string) error {
	if _, err := service.ownedPost(ctx, organizationID, postID); err != nil {
		return err
	}
	return service.scheduler.Cancel(ctx, postID)
}

func (service servicePost) GetDispatchStatus(ctx context.Context, organizationID, postID string) (domainPost.DispatchStatus, error) {
	p, err := service.ownedPost(ctx, organizationID, postID)
	if err != nil {
		return domainPost.DispatchStatus{}, err
	}

	status := domainPost.DispatchStatus{
		PostID:       p.ID,
		Status:       p.Status,
		ScheduledFor: p.ScheduledFor,
		Version:      p.Version,
		Targets:      p.Results,
	}
	item, err := service.store.GetWorkItem(ctx, postID)
	switch {
	case err == nil:
		status.WorkItem = &domainPost.WorkItemStatus{
			DueAt:        item.DueAt,
			AttemptCount: item.AttemptCount,
			Claimed:      item.IsClaimed(),
		}
	case !errors.Is(err, publishingPost.ErrWorkItemNotFound):
		return domainPost.DispatchStatus{}, err
	}
	return status, nil
}

func (service servicePost) ownedPost(ctx context.Context, organizationID, postID string) (publishingPost.Post, error) {
	if err := requireOrganization(organizationID); err != nil {
		return publishingPost.Post{}, err
	}
	if strings.TrimSpace(postID) == "" {
		return publishingPost.Post{}, pkgError.ValidationError("post_id: cannot be blank.")
	}

	p, err := service.store.GetPost(ctx, postID)
	if errors.Is(err, publishingPost.ErrPostNotFound) || (err == nil && p.OrganizationID != organizationID) {
		return publishingPost.Post{}, pkgError.NotFoundError(fmt.Sprintf("post %s not found", postID))
	}
	if err != nil {
		return publishingPost.Post{}, err
	}
	return p, nil
}

// withOwnedPost reloads the post and retries fn while the write loses the
// version race.
func (service servicePost) withOwnedPost(ctx context.Context, organizationID, postID string, fn func(current publishingPost.Post) error) error {
	for attempt := 0; attempt < editWriteRetries; attempt++ {
		current, err := service.ownedPost(ctx, organizationID, postID)
		if err != nil {
			return err
		}
		err = fn(current)
		if errors.Is(err, publishingPost.ErrVersionConflict) {
			continue
		}
		if errors.Is(err, publishingPost.ErrPostNotFound) {
			return pkgError.NotFoundError(fmt.Sprintf("post %s not found", postID))
		}
		return err
	}
	return pkgError.WriteConflictError(fmt.Sprintf("post %s changed concurrently", postID))
}

func bodyEditable(p *publishingPost.Post) error {
	switch {
	case p.Status == publishingPost.StatusDispatching:
		return pkgError.InvalidStateError(fmt.Sprintf("post %s is dispatching", p.ID))
	case p.AnySucceeded():
		return pkgError.InvalidStateError(fmt.Sprintf("body of post %s is frozen after publishing", p.ID))
	case p.Status == publishingPost.StatusCanceled:
		return pkgError.InvalidStateError(fmt.Sprintf("post %s is canceled", p.ID))
	}
	return nil
}

func defaultScheduleTargets(p publishingPost.Post) []publishingPost.Target {
	switch p.Status {
	case publishingPost.StatusFailed, publishingPost.StatusPartiallyPublished:
		var failed []publishingPost.Target
		for _, r := range p.Results {
			if r.State == publishingPost.TargetFailed {
				failed = append(failed, r.Target)
			}
		}
		return failed
	default:
		return p.Targets
	}
}

func requireOrganization(organizationID string) error {
	if strings.TrimSpace(organizationID) == "" {
		return pkgError.ValidationError("organization_id: cannot be blank.")
	}
	return nil
}

func toTargets(in []domainPost.TargetRequest) []publishingPost.Target {
	out := make([]publishingPost.Target, 0, len(in))
	for _, t := range in {
		out = append(out, t.ToTarget())
	}
	return out
}

func toMediaRefs(in []domainPost.MediaRequest) []publishingPost.MediaRef {
	out := make([]publishingPost.MediaRef, 0, len(in))
	for _, m := range in {
		out = append(out, m.ToMediaRef())
	}
	return out
}
