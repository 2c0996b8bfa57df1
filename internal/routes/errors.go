package routes

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/finassist/authsvc/internal/auth"
	"github.com/finassist/authsvc/internal/identity"
	"github.com/finassist/authsvc/internal/logging"
)

const unauthorizedMessage = "invalid or expired token"

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ErrorHandler renders every failure as {"error": kind, "message": text}.
// Token failures share one body regardless of cause.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, body := classify(err)
		if status >= http.StatusInternalServerError {
			logging.LogError(logger, "request failed", err)
		}
		return c.Status(status).JSON(body)
	}
}

func classify(err error) (int, errorResponse) {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code, fiberErrorBody(fe)
	}

	kind := auth.KindOf(err)
	switch kind {
	case auth.KindDuplicateField:
		field := identity.DuplicateField(err)
		if field == "" {
			field = "value"
		}
		return http.StatusConflict, errorResponse{string(kind), field + " already in use"}
	case auth.KindWeakPassword:
		return http.StatusUnprocessableEntity, errorResponse{string(kind),
			"password must contain " + strings.Join(auth.Violations(err), ", ")}
	case auth.KindInvalidCredentials:
		return http.StatusUnauthorized, errorResponse{string(kind), "invalid credentials"}
	case auth.KindInvalid:
		return http.StatusUnauthorized, errorResponse{string(kind), unauthorizedMessage}
	case auth.KindValidation:
		return http.StatusUnprocessableEntity, errorResponse{string(kind), validationMessage(err)}
	case auth.KindNotFound:
		return http.StatusNotFound, errorResponse{string(kind), "user not found"}
	case auth.KindUpstreamUnavailable:
		return http.StatusServiceUnavailable, errorResponse{string(kind), "service temporarily unavailable"}
	default:
		return http.StatusInternalServerError, errorResponse{string(auth.KindInternal), "internal error"}
	}
}

func fiberErrorBody(fe *fiber.Error) errorResponse {
	switch fe.Code {
	case http.StatusUnauthorized:
		return errorResponse{string(auth.KindInvalid), unauthorizedMessage}
	case http.StatusForbidden:
		return errorResponse{"Forbidden", fe.Message}
	case http.StatusNotFound:
		return errorResponse{string(auth.KindNotFound), fe.Message}
	case http.StatusTooManyRequests:
		return errorResponse{"RateLimited", fe.Message}
	case http.StatusBadRequest:
		return errorResponse{"BadRequest", fe.Message}
	default:
		if fe.Code >= http.StatusInternalServerError {
			return errorResponse{string(auth.KindInternal), "internal error"}
		}
		return errorResponse{http.StatusText(fe.Code), fe.Message}
	}
}

// validationMessage names the rejected field without echoing its value.
func validationMessage(err error) string {
	msg := err.Error()
	if _, field, ok := strings.Cut(msg, identity.ErrInvalidField.Error()+": "); ok {
		return "invalid " + field
	}
	return "invalid request"
}
