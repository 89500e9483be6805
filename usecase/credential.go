package usecase

import (
	"context"
	"strings"

	domainCredential "github.com/AzielCF/az-publisher/domains/credential"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	publishingCredential "github.com/AzielCF/az-publisher/publishing/domain/credential"
	"github.com/AzielCF/az-publisher/validations"
	"github.com/sirupsen/logrus"
)

type serviceCredential struct {
	manager publishingCredential.Manager
}

func NewCredentialService(manager publishingCredential.Manager) domainCredential.ICredentialUsecase {
	return &serviceCredential{manager: manager}
}

func (service serviceCredential) Put(ctx context.Context, organizationID string, request domainCredential.PutCredentialRequest) error {
	if err := requireOrganization(organizationID); err != nil {
		return err
	}
	if err := validations.ValidatePutCredential(ctx, request); err != nil {
		return err
	}
	if service.manager == nil {
		return pkgError.InternalServerError("credential storage is not initialized")
	}

	err := service.manager.PutToken(ctx, publishingCredential.Token{
		OrganizationID: organizationID,
		Platform:       strings.ToLower(strings.TrimSpace(request.Platform)),
		AccountID:      strings.TrimSpace(request.AccountID),
		AccessToken:    request.AccessToken,
		ExpiresAt:      request.ExpiresAt,
	})
	if err != nil {
		return err
	}
	logrus.Infof("[CREDENTIAL] Token stored for %s:%s (organization %s)", request.Platform, request.AccountID, organizationID)
	return nil
}

func (service serviceCredential) Revoke(ctx context.Context, organizationID string, request domainCredential.RevokeCredentialRequest) error {
	if err := requireOrganization(organizationID); err != nil {
		return err
	}
	if err := validations.ValidateRevokeCredential(ctx, request); err != nil {
		return err
	}
	if service.manager == nil {
		return pkgError.InternalServerError("credential storage is not initialized")
	}

	if err := service.manager.RevokeToken(ctx, organizationID, request.Platform, strings.TrimSpace(request.AccountID)); err != nil {
		return err
	}
	logrus.Infof("[CREDENTIAL] Token revoked for %s:%s (organization %s)", request.Platform, request.AccountID, organizationID)
	return nil
}
