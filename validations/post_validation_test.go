package validations

import (
	"context"
	"strings"
	"testing"
	"time"

	domainCredential "github.com/AzielCF/az-publisher/domains/credential"
	domainPost "github.com/AzielCF/az-publisher/domains/post"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/stretchr/testify/assert"
)

func TestValidateCreatePost(t *testing.T) {
	ctx := context.Background()
	target := domainPost.TargetRequest{Platform: "facebook", AccountID: "page-1"}

	tests := []struct {
		name    string
		request domainPost.CreatePostRequest
		wantErr bool
	}{
		{"body only", domainPost.CreatePostRequest{Body: "hello", Targets: []domainPost.TargetRequest{target}}, false},
		{"media only", domainPost.CreatePostRequest{Media: []domainPost.MediaRequest{{URL: "https://cdn.example.com/a.mp4", Kind: "video"}}}, false},
		{"blank", domainPost.CreatePostRequest{Body: "   "}, true},
		{"body too long", domainPost.CreatePostRequest{Body: strings.Repeat("a", MaxBodyLength+1)}, true},
		{"bad media url", domainPost.CreatePostRequest{Body: "x", Media: []domainPost.MediaRequest{{URL: "nope", Kind: "image"}}}, true},
		{"bad media kind", domainPost.CreatePostRequest{Body: "x", Media: []domainPost.MediaRequest{{URL: "https://cdn.example.com/a", Kind: "gif"}}}, true},
		{"target without account", domainPost.CreatePostRequest{Body: "x", Targets: []domainPost.TargetRequest{{Platform: "facebook"}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateCreatePost(ctx, tt.request)
			if tt.wantErr {
				assert.IsType(t, pkgError.ValidationError(""), err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestValidateEditPost(t *testing.T) {
	ctx := context.Background()
	body := "new copy"
	tooMany := make([]domainPost.TargetRequest, MaxTargets+1)

	assert.Error(t, ValidateEditPost(ctx, domainPost.EditPostRequest{}))
	assert.NoError(t, ValidateEditPost(ctx, domainPost.EditPostRequest{Body: &body}))
	assert.Error(t, ValidateEditPost(ctx, domainPost.EditPostRequest{Targets: &tooMany}))
}

func TestValidateScheduleAndList(t *testing.T) {
	ctx := context.Background()

	assert.Error(t, ValidateSchedule(ctx, domainPost.ScheduleRequest{}))
	assert.NoError(t, ValidateSchedule(ctx, domainPost.ScheduleRequest{At: time.Now()}))
	assert.Error(t, ValidateReschedule(ctx, domainPost.RescheduleRequest{}))

	assert.NoError(t, ValidateListPosts(ctx, domainPost.ListPostsRequest{Status: "scheduled", Limit: 10}))
	assert.Error(t, ValidateListPosts(ctx, domainPost.ListPostsRequest{Status: "archived"}))
	assert.Error(t, ValidateListPosts(ctx, domainPost.ListPostsRequest{Limit: 1000}))
}

func TestValidateCredential(t *testing.T) {
	ctx := context.Background()

	assert.NoError(t, ValidatePutCredential(ctx, domainCredential.PutCredentialRequest{Platform: "linkedin", AccountID: "c-1", AccessToken: "t"}))
	assert.Error(t, ValidatePutCredential(ctx, domainCredential.PutCredentialRequest{Platform: "linkedin", AccountID: "c-1"}))
	assert.Error(t, ValidateRevokeCredential(ctx, domainCredential.RevokeCredentialRequest{Platform: "linkedin"}))
}
