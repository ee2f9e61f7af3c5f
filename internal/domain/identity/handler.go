package identity

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medvault/medvault/internal/platform/apperr"
	"github.com/medvault/medvault/internal/platform/auth"
)

type Handler struct {
	svc *Service
	mfa *MFAService
}

func NewHandler(svc *Service, mfa *MFAService) *Handler {
	return &Handler{svc: svc, mfa: mfa}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	authed := auth.RequireRole(auth.AllRoles()...)

	api.GET("/users/me", h.GetMe, authed)
	api.PATCH("/users/me", h.UpdateMe, authed)

	mfa := api.Group("/mfa", authed)
	mfa.POST("/setup", h.SetupMFA)
	mfa.POST("/enable", h.EnableMFA)
	mfa.POST("/disable", h.DisableMFA)

	api.POST("/admin/users", h.Provision, auth.RequireRole(auth.RoleAdmin))
}

type codeRequest struct {
	Code string `json:"code"`
}

type provisionRequest struct {
	UserID    string  `json:"userId"`
	Role      string  `json:"role"`
	Email     string  `json:"email"`
	FirstName string  `json:"firstName"`
	LastName  string  `json:"lastName"`
	Phone     *string `json:"phone"`
	Specialty *string `json:"specialty"`
	CareUnit  *string `json:"careUnit"`
}

func (h *Handler) GetMe(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	u, err := h.svc.GetUser(c.Request().Context(), actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) UpdateMe(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var patch ProfilePatch
	if err := c.Bind(&patch); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	u, err := h.svc.UpdateProfile(c.Request().Context(), actor, actor.UserID, patch)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, u)
}

func (h *Handler) SetupMFA(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	res, err := h.mfa.Setup(c.Request().Context(), actor.UserID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) EnableMFA(c echo.Context) error {
	return h.withCode(c, h.mfa.Enable, true)
}

func (h *Handler) DisableMFA(c echo.Context) error {
	return h.withCode(c, h.mfa.Disable, false)
}

func (h *Handler) withCode(c echo.Context, fn func(ctx context.Context, userID, code string) error, enabled bool) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var req codeRequest
	if err := c.Bind(&req); err != nil || req.Code == "" {
		return apperr.New(apperr.ValidationFailed, "code is required")
	}
	if err := fn(c.Request().Context(), actor.UserID, req.Code); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]bool{"mfaEnabled": enabled})
}

func (h *Handler) Provision(c echo.Context) error {
	actor, err := auth.MustActor(c)
	if err != nil {
		return err
	}
	var req provisionRequest
	if err := c.Bind(&req); err != nil {
		return apperr.New(apperr.ValidationFailed, "invalid request body")
	}
	role, ok := auth.ParseRole(req.Role)
	if !ok {
		return apperr.Newf(apperr.ValidationFailed, "unknown role %q", req.Role)
	}
	u := &User{
		UserID:    req.UserID,
		Role:      role,
		Email:     req.Email,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Phone:     req.Phone,
		Specialty: req.Specialty,
		CareUnit:  req.CareUnit,
	}
	if err := h.svc.Provision(c.Request().Context(), actor, u); err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, u)
}
