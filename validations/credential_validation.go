package validations

import (
	"context"

	domainCredential "github.com/AzielCF/az-publisher/domains/credential"
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

func ValidatePutCredential(ctx context.Context, request domainCredential.PutCredentialRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Platform, validation.Required, validation.Length(1, 64)),
		validation.Field(&request.AccountID, validation.Required, validation.Length(1, 255)),
		validation.Field(&request.AccessToken, validation.Required),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}

func ValidateRevokeCredential(ctx context.Context, request domainCredential.RevokeCredentialRequest) error {
	err := validation.ValidateStructWithContext(ctx, &request,
		validation.Field(&request.Platform, validation.Required),
		validation.Field(&request.AccountID, validation.Required),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}
	return nil
}
