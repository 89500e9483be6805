package rest

import (
	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// parseBody rejects malformed payloads with a validation error instead of a 500.
func parseBody(c *fiber.Ctx, out any) {
	if err := c.BodyParser(out); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid request body: " + err.Error()))
	}
}

func parseQuery(c *fiber.Ctx, out any) {
	if err := c.QueryParser(out); err != nil {
		utils.PanicIfNeeded(pkgError.ValidationError("invalid query: " + err.Error()))
	}
}
