package notification

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/auth"
	"github.com/medvault/medvault/pkg/pagination"
)

// Handler serves a user's own notification feeds.
type Handler struct {
	store Store
}

func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	authed := auth.RequireRole(auth.AllRoles()...)
	api.GET("/deletion/notifications", h.feed(ChannelInApp), authed)
	api.GET("/deletion/auth-notifications", h.feed(ChannelAuthenticator), authed)
	api.POST("/deletion/notifications/:id/read", h.MarkRead, authed)
}

func (h *Handler) feed(ch Channel) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := auth.MustActor(c)
		if err != nil {
			return err
		}
		pg := pagination.FromContext(c)
		items, total, err := h.store.ListByUser(c.Request().Context(), actor.UserID, ch, pg.Limit, pg.Offset)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
	}
}

func (h *Handler) MarkRead(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	if err := h.store.MarkRead(c.Request().Context(), c.Param("id"), actor.UserID, time.Now().UTC()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}
