package apperr

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// Body is the JSON shape of every failure response.
type Body struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

// messages that must not leak detail to the client.
var genericMessages = map[Code]string{
	InvalidCode: "verification failed",
	Internal:    "internal server error",
}

// Respond writes err as a {code, message} JSON body.
func Respond(c echo.Context, err error) error {
	code := CodeOf(err)
	msg := ""
	var e *Error
	if errors.As(err, &e) {
		msg = e.Message
	}
	if m, ok := genericMessages[code]; ok {
		msg = m
	}
	return c.JSON(HTTPStatus(code), Body{Code: code, Message: msg})
}

// HTTPErrorHandler renders *Error values as coded bodies and falls back to
// echo's HTTPError semantics for everything else.
func HTTPErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			msg, _ := he.Message.(string)
			if msg == "" {
				msg = http.StatusText(he.Code)
			}
			_ = c.JSON(he.Code, Body{Code: codeForStatus(he.Code), Message: msg})
			return
		}

		if CodeOf(err) == Internal {
			rid, _ := c.Get("request_id").(string)
			logger.Error().Err(err).Str("request_id", rid).Msg("unhandled error")
		}
		_ = Respond(c, err)
	}
}

func codeForStatus(status int) Code {
	switch status {
	case http.StatusBadRequest:
		return ValidationFailed
	case http.StatusUnauthorized:
		return Unauthenticated
	case http.StatusForbidden:
		return RoleForbidden
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return Conflict
	case http.StatusTooManyRequests:
		return RateLimited
	default:
		return Internal
	}
}
