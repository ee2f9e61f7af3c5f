package middleware

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/auth"
)

// PHIAccessLog emits one structured line per /api/v1 request naming who
// touched which patient's data. Per-decision AccessEvents are recorded by the
// access engine; this line ties them to the HTTP request.
func PHIAccessLog(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, "/api/v1/") {
				return next(c)
			}

			err := next(c)

			actor, _ := auth.ActorFromContext(req.Context())
			rid, _ := c.Get("request_id").(string)
			logger.Info().
				Str("type", "hipaa_audit").
				Str("request_id", rid).
				Str("user_id", actor.UserID).
				Str("role", string(actor.Role)).
				Str("resource", resourceFromPath(req.URL.Path)).
				Str("patient_id", c.Param("patientId")).
				Str("action", methodAction(req.Method)).
				Str("route", c.Path()).
				Int("status", c.Response().Status).
				Str("remote_ip", c.RealIP()).
				Msg("phi_access")

			return err
		}
	}
}

func methodAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// resourceFromPath returns the first segment after /api/v1/.
func resourceFromPath(path string) string {
	seg, _, _ := strings.Cut(strings.TrimPrefix(path, "/api/v1/"), "/")
	if seg == "" {
		return "unknown"
	}
	return seg
}
