package credential

import (
	"context"
	"time"
)

type ICredentialUsecase interface {
	Put(ctx context.Context, organizationID string, request PutCredentialRequest) error
	Revoke(ctx context.Context, organizationID string, request RevokeCredentialRequest) error
}

type PutCredentialRequest struct {
	Platform    string     `json:"platform"`
	AccountID   string     `json:"account_id"`
	AccessToken string     `json:"access_token"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

type RevokeCredentialRequest struct {
	Platform  string `json:"platform" query:"platform"`
	AccountID string `json:"account_id" query:"account_id"`
}
