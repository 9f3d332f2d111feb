package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/vocerohq/vocero/engine/fault"
)

// envelope is the uniform response body. Success responses carry Data,
// failures carry Error; never both.
type envelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respond(c echo.Context, status int, data any) error {
	return c.JSON(status, envelope{Success: true, Data: data})
}

// respondError translates a fault into the envelope form. Non-fault errors
// are reported as INTERNAL_SERVER_ERROR without leaking the cause.
func respondError(c echo.Context, err error) error {
	f := fault.Get(err)
	if f == nil {
		f = fault.New(fault.KindInternal, "internal server error")
	}

	status := statusOf(f.Kind)
	message := f.Message
	if status >= http.StatusInternalServerError {
		slog.Error("api: request failed",
			"method", c.Request().Method,
			"path", c.Path(),
			"kind", f.Kind,
			"error", err,
		)
		// 5xx messages stay generic; the cause goes to the log only.
		message = http.StatusText(status)
	}

	return c.JSON(status, envelope{
		Success: false,
		Error: &errorBody{
			Code:    string(f.Kind),
			Message: message,
			Details: f.Details,
		},
	})
}

// statusOf maps fault kinds onto HTTP status codes.
func statusOf(kind fault.Kind) int {
	switch kind {
	case fault.KindBadRequest:
		return http.StatusBadRequest
	case fault.KindUnauthorized:
		return http.StatusUnauthorized
	case fault.KindForbidden:
		return http.StatusForbidden
	case fault.KindNotFound:
		return http.StatusNotFound
	case fault.KindConflict, fault.KindClosedConversation:
		return http.StatusConflict
	case fault.KindValidation:
		return http.StatusUnprocessableEntity
	case fault.KindCooldownActive, fault.KindRateLimited:
		return http.StatusTooManyRequests
	case fault.KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case fault.KindUpstreamError:
		return http.StatusBadGateway
	case fault.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
