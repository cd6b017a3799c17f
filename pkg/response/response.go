package response

import (
	"github.com/gofiber/fiber/v2"

	"github.com/reelcraft/api/internal/apperrors"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	JobID   string      `json:"jobId,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

// FromError writes the response matching err's classification.
func FromError(c *fiber.Ctx, err error) error {
	status := apperrors.HTTPStatus(err)
	if status == fiber.StatusInternalServerError {
		// internal detail stays in the logs
		return ServiceError(c, "internal error")
	}

	detail := ErrorDetail{Code: statusCodes[status], Message: err.Error()}
	if appErr, ok := apperrors.As(err); ok {
		if appErr.Code != "" {
			detail.Code = appErr.Code
		}
		detail.JobID = appErr.JobID
		if appErr.Field != "" {
			detail.Details = map[string]string{appErr.Field: appErr.Message}
		}
	}
	return c.Status(status).JSON(ErrorResponse{Error: detail})
}

var statusCodes = map[int]string{
	fiber.StatusBadRequest: CodeValidationError,
	fiber.StatusNotFound:   CodeNotFound,
	fiber.StatusConflict:   CodeConflict,
	fiber.StatusBadGateway: CodeServiceError,
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
