package credential

import (
	"context"
	"errors"
	"time"
)

var ErrExpiredCredential = errors.New("credential expired")

// Token is an access token for one connected account.
type Token struct {
	OrganizationID string
	Platform       string
	AccountID      string
	AccessToken    string
	ExpiresAt      *time.Time
}

// Store resolves account tokens. Refreshing tokens happens upstream; a missing,
// revoked or expired token is reported as ErrExpiredCredential.
type Store interface {
	GetToken(ctx context.Context, organizationID, platform, accountID string) (Token, error)
}

// Manager is the write side used by the credentials API.
type Manager interface {
	Store
	PutToken(ctx context.Context, token Token) error
	RevokeToken(ctx context.Context, organizationID, platform, accountID string) error
}
