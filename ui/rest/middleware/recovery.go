package middleware

import (
	"errors"
	"fmt"

	pkgError "github.com/AzielCF/az-publisher/pkg/error"
	"github.com/AzielCF/az-publisher/pkg/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			recovered := recover()
			if recovered == nil {
				return
			}

			res := utils.ResponseData{
				Status:  fiber.StatusInternalServerError,
				Code:    "INTERNAL_SERVER_ERROR",
				Message: fmt.Sprintf("%v", recovered),
			}

			var genericErr pkgError.GenericError
			var fiberErr *fiber.Error
			err, isError := recovered.(error)
			switch {
			case isError && errors.As(err, &genericErr):
				res.Status = genericErr.StatusCode()
				res.Code = genericErr.ErrCode()
				res.Message = genericErr.Error()
			case isError && errors.As(err, &fiberErr):
				res.Status = fiberErr.Code
				res.Code = "BAD_REQUEST"
				res.Message = fiberErr.Message
			}

			if res.Status >= fiber.StatusInternalServerError {
				logrus.Errorf("[REST] panic recovered on %s %s: %v", ctx.Method(), ctx.Path(), recovered)
			} else {
				logrus.Debugf("[REST] %s %s rejected: %s", ctx.Method(), ctx.Path(), res.Message)
			}

			_ = ctx.Status(res.Status).JSON(res)
		}()

		return ctx.Next()
	}
}
