package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func runSecurityHeaders(t *testing.T, hsts bool, handler echo.HandlerFunc) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/records/patient/P001", nil), rec)
	if err := SecurityHeaders(hsts)(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return rec
}

func TestSecurityHeaders_PHIResponsesNotCached(t *testing.T) {
	rec := runSecurityHeaders(t, true, func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"diagnosis": "x"})
	})

	for _, kv := range phiHeaders {
		if got := rec.Header().Get(kv[0]); got != kv[1] {
			t.Errorf("header %s: got %q, want %q", kv[0], got, kv[1])
		}
	}
	if rec.Header().Get("Strict-Transport-Security") == "" {
		t.Error("expected HSTS header")
	}
}

func TestSecurityHeaders_NoHSTSInDevelopment(t *testing.T) {
	rec := runSecurityHeaders(t, false, func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	if got := rec.Header().Get("Strict-Transport-Security"); got != "" {
		t.Errorf("expected no HSTS header, got %q", got)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("handler status not preserved: %d", rec.Code)
	}
}

func TestSecurityHeaders_PropagatesHandlerError(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder())
	want := echo.NewHTTPError(http.StatusTeapot)

	err := SecurityHeaders(false)(func(c echo.Context) error { return want })(c)
	if err != want {
		t.Fatalf("expected handler error, got %v", err)
	}
	if c.Response().Header().Get("Cache-Control") != "no-store" {
		t.Error("headers must be set even when the handler fails")
	}
}
