package delivery

import (
	"context"

	"github.com/AzielCF/az-publisher/publishing/domain/post"
)

// PublishRequest carries everything a platform needs for one delivery.
type PublishRequest struct {
	PostID         string
	AccountID      string
	Body           string
	Media          []post.MediaRef
	Token          string
	IdempotencyKey string
}

// Adapter delivers a post to one platform and returns the platform's id for it.
// Failures should be returned as *Error so the retry policy can classify them.
type Adapter interface {
	Platform() string
	Publish(ctx context.Context, req PublishRequest) (string, error)
}

// Registry resolves the adapter responsible for a platform.
type Registry interface {
	Get(platform string) (Adapter, bool)
	Platforms() []string
}

// IdempotencyKey is stable for a (post, target) pair across retries and crashes.
func IdempotencyKey(postID string, target post.Target) string {
	return postID + ":" + target.Platform + ":" + target.AccountID
}
