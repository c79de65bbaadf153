package handler

import (
	"net/http"
	"time"

	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type AnalyticsHandler struct {
	statisticsService service.StatisticsService
}

func NewAnalyticsHandler(statisticsService service.StatisticsService) *AnalyticsHandler {
	return &AnalyticsHandler{statisticsService: statisticsService}
}

func (h *AnalyticsHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/analytics", h.GetStatistics)
}

// @Summary      Get workflow analytics
// @Description  Request counts by status and tier, overdue count and the states with most open work. The range bounds created and completed counts
// @Tags         analytics
// @Produce      json
// @Param        start_date query string false "Start Date (RFC3339)"
// @Param        end_date   query string false "End Date (RFC3339)"
// @Success      200 {object} response.Response{data=model.StatisticsResponse}
// @Failure      400 {object} response.Response "Invalid date format"
// @Failure      401 {object} response.Response "Unauthorized"
// @Security     BearerAuth
// @Router       /api/analytics [get]
func (h *AnalyticsHandler) GetStatistics(c *gin.Context) {
	// Default to the current month
	now := time.Now()
	startDate := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	endDate := now

	if s := c.Query("start_date"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Coded(http.StatusBadRequest, "invalid_date", "invalid start_date format, expected RFC3339", nil))
			return
		}
		startDate = parsed
	}
	if s := c.Query("end_date"); s != "" {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			c.JSON(http.StatusBadRequest, response.Coded(http.StatusBadRequest, "invalid_date", "invalid end_date format, expected RFC3339", nil))
			return
		}
		endDate = parsed
	}

	stats, err := h.statisticsService.GetStatistics(c.Request.Context(), startDate, endDate)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, stats))
}
