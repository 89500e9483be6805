package rest

import (
	domainCredential "github.com/AzielCF/az-publisher/domains/credential"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Credential struct {
	Service domainCredential.ICredentialUsecase
}

func InitRestCredential(app fiber.Router, service domainCredential.ICredentialUsecase) Credential {
	rest := Credential{Service: service}
	app.Put("/credentials", rest.PutCredential)
	app.Delete("/credentials", rest.RevokeCredential)
	return rest
}

func (h *Credential) PutCredential(c *fiber.Ctx) error {
	var req domainCredential.PutCredentialRequest
	parseBody(c, &req)

	err := h.Service.Put(c.UserContext(), c.Get(HeaderOrganizationID), req)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Credential stored",
	})
}

// RevokeCredential accepts the account either as query parameters or as a JSON body.
func (h *Credential) RevokeCredential(c *fiber.Ctx) error {
	var req domainCredential.RevokeCredentialRequest
	parseQuery(c, &req)
	if req.Platform == "" && len(c.Body()) > 0 {
		parseBody(c, &req)
	}

	err := h.Service.Revoke(c.UserContext(), c.Get(HeaderOrganizationID), req)
	utils.PanicIfNeeded(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Credential revoked",
	})
}
