package validations

import (
	"context"
	"fmt"
	"strings"

	domainPost "github.com/AzielCF/az-publisher/domains/post"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	publishingPost "github.com/AzielCF/az-publisher/publishing/domain/post"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

const (
	MaxBodyLength = 10000
	MaxMediaRefs  = 20
	MaxTargets    = 50
)

var mediaKinds = []interface{}{
	string(publishingPost.MediaImage),
	string(publishingPost.MediaVideo),
	string(publishingPost.MediaAudio),
	string(publishingPost.MediaDocument),
}

var postStatuses = []interface{}{
	string(publishingPost.StatusDraft),
	string(publishingPost.StatusScheduled),
	string(publishingPost.StatusDispatching),
	string(publishingPost.StatusPartiallyPublished),
	string(publishingPost.StatusPublished),
	string(publishingPost.StatusFailed),
	string(publishingPost.StatusCanceled),
}

func ValidateCreatePost(ctx context.Context, request domainPost.CreatePostRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Body, validation.Length(0, MaxBodyLength)),
		validation.Field(&request.Media, validation.Length(0, MaxMediaRefs)),
		validation.Field(&request.Targets, validation.Length(0, MaxTargets)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	if strings.TrimSpace(request.Body) == "" && len(request.Media) == 0 {
		return pkgError.ValidationError("body: cannot be blank when no media is attached.")
	}
	if err := validateMedia(ctx, request.Media); err != nil {
		return err
	}
	return validateTargets(ctx, request.Targets)
}

func ValidateEditPost(ctx context.Context, request domainPost.EditPostRequest) error {
	if request.Body == nil && request.Media == nil && request.Targets == nil {
		return pkgError.ValidationError("request: nothing to update.")
	}
	if request.Body != nil {
		if err := validation.Validate(*request.Body, validation.Length(0, MaxBodyLength)); err != nil {
			return pkgError.ValidationError("body: " + err.Error())
		}
	}
	if request.Media != nil {
		if len(*request.Media) > MaxMediaRefs {
			return pkgError.ValidationError(fmt.Sprintf("media: at most %d items.", MaxMediaRefs))
		}
		if err := validateMedia(ctx, *request.Media); err != nil {
			return err
		}
	}
	if request.Targets != nil {
		if len(*request.Targets) > MaxTargets {
			return pkgError.ValidationError(fmt.Sprintf("targets: at most %d items.", MaxTargets))
		}
		if err := validateTargets(ctx, *request.Targets); err != nil {
			return err
		}
	}
	return nil
}

func ValidateListPosts(ctx context.Context, request domainPost.ListPostsRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Status, validation.In(postStatuses...)),
		validation.Field(&request.Limit, validation.Min(0), validation.Max(500)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

// ValidateSchedule checks the request shape. Empty targets and past times are
// judged by the scheduler, which owns those rules.
func ValidateSchedule(ctx context.Context, request domainPost.ScheduleRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.At, validation.Required),
		validation.Field(&request.Targets, validation.Length(0, MaxTargets)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return validateTargets(ctx, request.Targets)
}

func ValidateReschedule(ctx context.Context, request domainPost.RescheduleRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.At, validation.Required),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func validateMedia(ctx context.Context, media []domainPost.MediaRequest) error {
	for i := range media {
		m := media[i]
		err := validation.ValidateStructWithContext(ctx, &m,
			validation.Field(&m.URL, validation.Required, is.URL),
			validation.Field(&m.Kind, validation.Required, validation.In(mediaKinds...)),
		)
		if err != nil {
			return pkgError.ValidationError(fmt.Sprintf("media[%d]: %s", i, err.Error()))
		}
	}
	return nil
}

func validateTargets(ctx context.Context, targets []domainPost.TargetRequest) error {
	for i := range targets {
		t := targets[i]
		err := validation.ValidateStructWithContext(ctx, &t,
			validation.Field(&t.Platform, validation.Required, validation.Length(1, 64)),
			validation.Field(&t.AccountID, validation.Required, validation.Length(1, 255)),
		)
		if err != nil {
			return pkgError.ValidationError(fmt.Sprintf("targets[%d]: %s", i, err.Error()))
		}
	}
	return nil
}
