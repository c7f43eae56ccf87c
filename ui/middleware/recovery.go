// Package middleware holds Fiber middleware shared by the process-boundary
// HTTP endpoints (health, readiness, metrics), including a panic-to-JSON
// recovery guard.
package middleware

import (
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/jigsawhub/puzzle-hub/pkg/apierr"
)

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Recovery turns a panic in a downstream handler into a JSON error
// response instead of killing the process, mapping apierr.GenericError
// panics to their declared code and everything else to Internal.
func Recovery() fiber.Handler {
	return func(ctx *fiber.Ctx) error {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			logrus.Errorf("[HTTP] panic recovered: %v", r)

			res := errorResponse{Code: "Internal", Message: fmt.Sprintf("%v", r)}
			status := fiber.StatusInternalServerError

			if err, ok := r.(error); ok {
				if ge, ok := apierr.As(err); ok {
					res.Code = ge.Code()
					res.Message = ge.Error()
					status = fiber.StatusBadRequest
				}
			}

			_ = ctx.Status(status).JSON(res)
		}()

		return ctx.Next()
	}
}
