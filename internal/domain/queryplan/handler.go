package queryplan

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer))
	read.GET("/query-plans/:facilityId", h.ListPlans)
	read.GET("/query-plans/:facilityId/:type", h.GetPlan)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/query-plans", h.CreatePlan)
	write.PUT("/query-plans/:facilityId/:type", h.UpdatePlan)
}

func (h *Handler) CreatePlan(c echo.Context) error {
	var p QueryPlan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreatePlan(c.Request().Context(), &p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	p, err := h.svc.GetPlan(c.Request().Context(), c.Param("facilityId"), PlanType(c.Param("type")))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "query plan not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	items, err := h.svc.ListPlans(c.Request().Context(), c.Param("facilityId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if items == nil {
		items = []*QueryPlan{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) UpdatePlan(c echo.Context) error {
	var p QueryPlan
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p.FacilityID = c.Param("facilityId")
	p.Type = PlanType(c.Param("type"))
	if err := h.svc.UpdatePlan(c.Request().Context(), &p); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "query plan not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, p)
}
