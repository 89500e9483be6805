package notifier

import (
	"context"

	"github.com/AzielCF/az-publisher/publishing/domain/notify"
	"github.com/sirupsen/logrus"
)

// LogNotifier writes every status change to the application log.
type LogNotifier struct{}

func (LogNotifier) PublishStatusChanged(_ context.Context, event notify.PostStatusChanged) error {
	fields := logrus.Fields{
		"post_id":         event.PostID,
		"organization_id": event.OrganizationID,
		"from":            event.OldStatus,
		"to":              event.NewStatus,
	}
	for _, r := range event.Targets {
		if r.FailureReason != "" {
			fields[r.Target.Key()] = r.FailureReason
		}
	}
	logrus.WithFields(fields).Info("[NOTIFY] post status changed")
	return nil
}
