package consent

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
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
	doctor := auth.RequireRole(auth.RoleDoctor)
	patient := auth.RequireRole(auth.RolePatient)
	either := auth.RequireRole(auth.RoleDoctor, auth.RolePatient)

	g := api.Group("/consent")
	g.POST("/request", h.Request, doctor)
	g.POST("/grant/:id", h.respond(DecisionGrant), patient)
	g.POST("/deny/:id", h.respond(DecisionDeny), patient)
	g.POST("/revoke/:id", h.Revoke, patient)
	g.GET("/pending", h.ListPending, patient)
	g.GET("/active", h.ListActive, patient)
	g.GET("/check/:patientId", h.Check, doctor)
	g.GET("/doctor", h.ListForDoctor, doctor)

	g.POST("/peer-grants", h.GrantPeer, doctor)
	g.POST("/peer-grants/:id/revoke", h.RevokePeer, either)
	g.GET("/peer-grants", h.ListPeerGrants, either)
}

type requestBody struct {
	PatientID string `json:"patientId"`
}

type respondBody struct {
	ExpiresInDays *int `json:"expiresInDays"`
}

type peerGrantBody struct {
	GranteeID     string `json:"granteeId"`
	PatientID     string `json:"patientId"`
	AccessScope   Scope  `json:"accessScope"`
	ExpiresInDays *int   `json:"expiresInDays"`
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, apperr.New(apperr.ValidationFailed, "invalid id")
	}
	return id, nil
}

func (h *Handler) Request(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var body requestBody
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	cons, err := h.svc.Request(c.Request().Context(), actor, body.PatientID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{
		"consentId": cons.ID,
		"consent":   cons,
	})
}

func (h *Handler) respond(decision Decision) echo.HandlerFunc {
	return func(c echo.Context) error {
		actor, err := auth.MustActor(c)
		if err != nil {
			return err
		}
		id, err := parseID(c)
		if err != nil {
			return err
		}
		var body respondBody
		if c.Request().ContentLength != 0 {
			if err := c.Bind(&body); err != nil {
				return apperr.New(apperr.ValidationFailed, "invalid request body")
			}
		}
		cons, err := h.svc.Respond(c.Request().Context(), actor, id, decision, body.ExpiresInDays)
		if err != nil {
			return err
		}
		return c.JSON(http.StatusOK, cons)
	}
}

func (h *Handler) Revoke(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.Revoke(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) ListPending(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPending(c.Request().Context(), actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) ListActive(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListActive(c.Request().Context(), actor, actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, nonNil(items))
}

func (h *Handler) Check(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	ok, cons, err := h.svc.Check(c.Request().Context(), actor, c.Param("patientId"), actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"hasConsent": ok,
		"consent":    cons,
	})
}

func (h *Handler) ListForDoctor(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListForDoctor(c.Request().Context(), actor.UserID, pg.Limit, pg.Offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg))
}

func (h *Handler) GrantPeer(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var body peerGrantBody
	if err := c.Bind(&body); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	g, err := h.svc.GrantPeer(c.Request().Context(), actor, body.GranteeID, body.PatientID, body.AccessScope, body.ExpiresInDays)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) RevokePeer(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	g, err := h.svc.RevokePeer(c.Request().Context(), actor, id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ListPeerGrants(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListPeerGrants(c.Request().Context(), actor)
	if err != nil {
		return err
	}
	if items == nil {
		items = []*PeerGrant{}
	}
	return c.JSON(http.StatusOK, items)
}

func nonNil(items []*Consent) []*Consent {
	if items == nil {
		return []*Consent{}
	}
	return items
}
