package engine

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/acquisition/internal/platform/auth"
)

type Handler struct {
	job *Job
}

func NewHandler(job *Job) *Handler {
	return &Handler{job: job}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	write := api.Group("", auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))
	write.POST("/acquisition/job/run", h.RunJob)
}

// RunJob runs one promotion and tail pass synchronously.
func (h *Handler) RunJob(c echo.Context) error {
	res, err := h.job.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
