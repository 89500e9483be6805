package delivery

import (
	"context"

	domainDelivery "github.com/AzielCF/az-publisher/publishing/domain/delivery"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// DryRunAdapter accepts every post without contacting a platform. It is meant
// for local development and staging.
type DryRunAdapter struct {
	platform string
}

func NewDryRunAdapter(platform string) *DryRunAdapter {
	return &DryRunAdapter{platform: platform}
}

func (a *DryRunAdapter) Platform() string {
	return a.platform
}

func (a *DryRunAdapter) Publish(ctx context.Context, req domainDelivery.PublishRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", domainDelivery.Transient("timeout", 0, err)
	}
	id := "dryrun-" + uuid.NewString()
	logrus.WithFields(logrus.Fields{
		"platform":        a.platform,
		"post_id":         req.PostID,
		"account_id":      req.AccountID,
		"media":           len(req.Media),
		"idempotency_key": req.IdempotencyKey,
	}).Info("[DELIVERY] Dry run publish")
	return id, nil
}
