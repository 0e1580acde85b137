package server

import (
	"errors"
	"net/http"

	"github.com/civicpulse/backend/internal/apperr"
	"github.com/gin-gonic/gin"
)

const (
	errorKindUnauthorized = "UNAUTHORIZED"
	errorKindForbidden    = "FORBIDDEN"
	errorKindRateLimited  = "RATE_LIMITED"
)

type errorPayload struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// statusForKind maps the error taxonomy onto HTTP statuses.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalidInput, apperr.KindInvalidMessageID:
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindInvalidReference:
		return http.StatusUnprocessableEntity
	case apperr.KindPartialFailure:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(err error) errorPayload {
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return errorPayload{Error: string(appErr.Kind()), Code: appErr.Code(), Message: appErr.Message()}
	}
	return errorPayload{Error: string(apperr.KindInternal), Code: "internal", Message: "internal error"}
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusForKind(apperr.KindOf(err)), errorBody(err))
}

func abortWith(c *gin.Context, status int, kind, code, message string) {
	c.AbortWithStatusJSON(status, errorPayload{Error: kind, Code: code, Message: message})
}

func invalidRequest(operation, reason, message string) error {
	return apperr.New(apperr.KindInvalidInput, operation, reason, message, nil)
}
