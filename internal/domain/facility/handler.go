package facility

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/platform/auth"
	"github.com/ehr/acquisition/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer))
	read.GET("/facilities", h.ListConfigs)
	read.GET("/facilities/:facilityId", h.GetConfig)

	write := api.Group("", auth.RequireRole(auth.RoleAdmin))
	write.POST("/facilities", h.CreateConfig)
	write.PUT("/facilities/:facilityId", h.UpdateConfig)
	write.DELETE("/facilities/:facilityId", h.DeleteConfig)
}

// view strips credentials and expresses pull times in the facility's zone.
func view(c *AcquisitionConfig) AcquisitionConfig {
	out := c.InLocal(time.Now())
	out.Auth.Key = ""
	out.Auth.Password = ""
	return out
}

func (h *Handler) CreateConfig(c echo.Context) error {
	var cfg AcquisitionConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateConfig(c.Request().Context(), &cfg); err != nil {
		if errors.Is(err, ErrExists) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, view(&cfg))
}

func (h *Handler) GetConfig(c echo.Context) error {
	cfg, err := h.svc.GetConfig(c.Request().Context(), c.Param("facilityId"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "facility acquisition config not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, view(cfg))
}

func (h *Handler) ListConfigs(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListConfigs(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	views := make([]AcquisitionConfig, 0, len(items))
	for _, it := range items {
		views = append(views, view(it))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(views, total, pg))
}

func (h *Handler) UpdateConfig(c echo.Context) error {
	var cfg AcquisitionConfig
	if err := c.Bind(&cfg); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cfg.FacilityID = c.Param("facilityId")
	if err := h.svc.UpdateConfig(c.Request().Context(), &cfg); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "facility acquisition config not found")
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, view(&cfg))
}

func (h *Handler) DeleteConfig(c echo.Context) error {
	if err := h.svc.DeleteConfig(c.Request().Context(), c.Param("facilityId")); err != nil {
		if errors.Is(err, ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "facility acquisition config not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}
