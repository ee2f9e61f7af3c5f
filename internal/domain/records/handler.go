package records

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/domain/access"
	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/records")
	g.POST("", h.Create, auth.RequireRole(auth.RoleDoctor, auth.RoleNurse, auth.RoleLabTechnician))
	g.GET("/patient/:patientId", h.ListForPatient, auth.RequireRole(auth.AllRoles()...))
	g.GET("/stats", h.Stats, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) Create(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var body NewRecord
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	rec, err := h.svc.Create(c.Request().Context(), actor, body)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, rec)
}

// ListForPatient defaults kind to ALL, or METADATA for administrators.
func (h *Handler) ListForPatient(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	raw := c.QueryParam("kind")
	if raw == "" {
		raw = string(access.KindAll)
		if actor.Role == auth.RoleAdmin {
			raw = string(access.KindMetadata)
		}
	}
	kind, ok := access.ParseKind(raw)
	if !ok {
		return apperr.Newf(apperr.ValidationFailed, "unknown kind %q", raw)
	}
	out, err := h.svc.ListForActor(c.Request().Context(), actor, c.Param("patientId"), kind)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) Stats(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	st, err := h.svc.AggregateStats(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, st)
}
