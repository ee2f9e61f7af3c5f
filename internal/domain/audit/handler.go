package audit

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/admin/access-events", h.ListAccessEvents, auth.RequireRole(auth.RoleAdmin))
}

func (h *Handler) ListAccessEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		ActorID:   c.QueryParam("actorId"),
		PatientID: c.QueryParam("patientId"),
		Outcome:   Outcome(strings.ToUpper(c.QueryParam("outcome"))),
		Resource:  strings.ToUpper(c.QueryParam("resource")),
	}
	items, total, err := h.svc.Search(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}
