package handler

import (
	"net/http"

	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/pagination"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type ActivityHandler struct {
	auditService service.AuditService
}

func NewActivityHandler(auditService service.AuditService) *ActivityHandler {
	return &ActivityHandler{auditService: auditService}
}

func (h *ActivityHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/activity", h.GetActivity)
}

// GetActivity returns the audit trail of every request, newest first
// @Summary      Get activity feed
// @Description  Flattens request histories; request_id narrows the feed to one request
// @Tags         activity
// @Security     BearerAuth
// @Produce      json
// @Param        request_id  query     string  false  "Request ID"
// @Param        page        query     int     false  "Page number (default 1)"
// @Param        limit       query     int     false  "Number of items per page (default 20)"
// @Success      200         {object}  response.Response{data=response.Page}
// @Router       /api/activity [get]
func (h *ActivityHandler) GetActivity(c *gin.Context) {
	p := pagination.Parse(c)

	logs, total, err := h.auditService.GetAuditLogs(c.Request.Context(), c.Query("request_id"), p.Page, p.Limit)
	if err != nil {
		fail(c, err)
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Page{
		Items: logs,
		Total: total,
		Page:  p.Page,
		Limit: p.Limit,
	}))
}
