package deletion

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Handler struct {
	svc         *Service
	verifyLimit echo.MiddlewareFunc
}

// NewHandler wires the deletion routes. verifyLimit throttles MFA code
// attempts and may be nil.
func NewHandler(svc *Service, verifyLimit echo.MiddlewareFunc) *Handler {
	return &Handler{svc: svc, verifyLimit: verifyLimit}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	patient := auth.RequireRole(auth.RolePatient)
	admin := auth.RequireRole(auth.RoleAdmin)

	verify := []echo.MiddlewareFunc{patient}
	if h.verifyLimit != nil {
		verify = append(verify, h.verifyLimit)
	}

	g := api.Group("/deletion")
	g.POST("/initiate", h.Initiate, patient)
	g.POST("/verify-mfa", h.VerifyMfa, verify...)
	g.POST("/cancel", h.Cancel, patient)
	g.GET("/status", h.Status, patient)
	g.GET("/admin/pending", h.AdminPending, admin)
	g.POST("/admin/sweep", h.Sweep, admin)
}

type initiateBody struct {
	DeviceFingerprint *string `json:"deviceFingerprint"`
}

type verifyBody struct {
	MFACode           string  `json:"mfaCode"`
	DeviceFingerprint *string `json:"deviceFingerprint"`
}

func (h *Handler) Initiate(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var body initiateBody
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&body); err != nil {
			return apperr.New(apperr.ValidationFailed, "invalid request body")
		}
	}
	r, err := h.svc.Initiate(c.Request().Context(), actor, body.DeviceFingerprint)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, echo.Map{
		"mfaRequired":           true,
		"requestId":             r.ID,
		"status":                r.Status,
		"scheduledDeletionDate": r.ScheduledDeletionDate,
	})
}

func (h *Handler) VerifyMfa(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var body verifyBody
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	if body.MFACode == "" {
		return apperr.New(apperr.ValidationFailed, "mfaCode is required")
	}
	r, err := h.svc.VerifyMfa(c.Request().Context(), actor, body.MFACode, body.DeviceFingerprint)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Cancel(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	r, err := h.svc.Cancel(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (h *Handler) Status(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Status(c.Request().Context(), actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) AdminPending(c echo.Context) error {
	items, err := h.svc.AdminPending(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, items)
}

// Sweep runs one sweep pass on demand.
func (h *Handler) Sweep(c echo.Context) error {
	res, err := h.svc.RunSweep(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}
