// Package http provides the fiber HTTP handlers.
package http

import (
	"errors"
	"time"

	"inbox_server/pkg/apperr"
	"inbox_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetWorkspaceID extracts the authenticated workspace id from context.
func GetWorkspaceID(c *fiber.Ctx) (string, error) {
	workspaceID, ok := c.Locals("workspace_id").(string)
	if !ok || workspaceID == "" {
		return "", ErrUnauthorized
	}
	return workspaceID, nil
}

// GetUserID extracts the authenticated user id from context.
func GetUserID(c *fiber.Ctx) (string, error) {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// GetIdentity extracts both workspace and user ids.
func GetIdentity(c *fiber.Ctx) (workspaceID, userID string, err error) {
	if workspaceID, err = GetWorkspaceID(c); err != nil {
		return "", "", err
	}
	if userID, err = GetUserID(c); err != nil {
		return "", "", err
	}
	return workspaceID, userID, nil
}

// =============================================================================
// Standardized responses
// =============================================================================

// APIResponse is the standard response envelope.
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// APIError is the standard error body.
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse sends a standardized JSON success response.
func SuccessResponse(c *fiber.Ctx, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrorResponse sends a standardized JSON error response.
func ErrorResponse(c *fiber.Ctx, status int, message string) error {
	return ErrorResponseWithCode(c, status, mapStatusToCode(status), message)
}

// ErrorResponseWithCode sends an error response with an explicit code.
func ErrorResponseWithCode(c *fiber.Ctx, status int, code, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AppErrorResponse maps an apperr.AppError onto the response envelope.
func AppErrorResponse(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(appErr.Status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// InternalErrorResponse logs the real error and returns a generic 500
// so internals never leak to clients.
func InternalErrorResponse(c *fiber.Ctx, err error, operation string) error {
	logger.Error("%s failed: %v", operation, err)
	return ErrorResponseWithCode(c, 500, apperr.CodeInternalError, operation+" failed")
}

func mapStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeBadRequest
	case 401:
		return apperr.CodeUnauthorized
	case 403:
		return apperr.CodeForbidden
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 429:
		return "RATE_LIMITED"
	case 500:
		return apperr.CodeInternalError
	default:
		return "UNKNOWN_ERROR"
	}
}

// =============================================================================
// Pagination
// =============================================================================

// PaginationParams holds common pagination query parameters.
type PaginationParams struct {
	Limit  int
	Offset int
}

// GetPagination reads limit/offset with bounds applied.
func GetPagination(c *fiber.Ctx, defaultLimit, maxLimit int) PaginationParams {
	limit := c.QueryInt("limit", defaultLimit)
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}

	offset := c.QueryInt("offset", 0)
	if offset < 0 {
		offset = 0
	}

	return PaginationParams{Limit: limit, Offset: offset}
}
