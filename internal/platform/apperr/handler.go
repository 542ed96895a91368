package apperr

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON error envelope returned by every endpoint.
type Body struct {
	Success    bool   `json:"success"`
	Code       Code   `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// HTTPErrorHandler renders *Error and *echo.HTTPError values. Uncoded
// errors are infrastructure faults: logged in full, answered generically.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var body Body
		status := http.StatusInternalServerError

		var appErr *Error
		var httpErr *echo.HTTPError
		switch {
		case errors.As(err, &appErr):
			status = HTTPStatus(appErr.Code)
			body = Body{Code: appErr.Code, Message: appErr.Message}
			if appErr.RetryAfter > 0 {
				secs := int(math.Ceil(appErr.RetryAfter.Seconds()))
				body.RetryAfter = secs
				c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
			}
			if appErr.Code == Internal {
				logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("internal error")
				body.Message = "internal server error"
			}
		case errors.As(err, &httpErr):
			status = httpErr.Code
			body = Body{Code: codeForStatus(status), Message: http.StatusText(status)}
			if msg, ok := httpErr.Message.(string); ok {
				body.Message = msg
			}
		default:
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
			body = Body{Code: Internal, Message: "internal server error"}
		}

		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(status)
			return
		}
		_ = c.JSON(status, body)
	}
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusRequestEntityTooLarge:
		return InvalidInput
	case http.StatusNotFound:
		return NotFound
	case http.StatusTooManyRequests:
		return RateLimited
	case http.StatusConflict:
		return DuplicateRequest
	case http.StatusServiceUnavailable:
		return ServiceBusy
	case http.StatusGatewayTimeout:
		return Timeout
	case http.StatusUnauthorized, http.StatusForbidden:
		return InvalidInput
	}
	return Internal
}
