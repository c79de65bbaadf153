package handler

import (
	"net/http"

	"hierarchyflow/internal/middleware"
	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/pagination"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type TemplateHandler struct {
	templateService service.TemplateService
}

func NewTemplateHandler(templateService service.TemplateService) *TemplateHandler {
	return &TemplateHandler{templateService: templateService}
}

func (h *TemplateHandler) RegisterRoutes(router *gin.RouterGroup) {
	templates := router.Group("/templates")
	{
		templates.GET("", h.ListTemplates)
		templates.POST("", h.CreateTemplate)
		templates.GET("/:id", h.GetTemplate)
		templates.PUT("/:id", h.UpdateTemplate)
		templates.DELETE("/:id", h.DeleteTemplate)
	}
}

// ListTemplates handles GET /api/templates
// @Summary      List form templates
// @Description  Published templates unless status says otherwise. With state and division both set, the division's own templates and every shared template are returned
// @Tags         templates
// @Produce      json
// @Security     BearerAuth
// @Param        state          query     string  false  "State"
// @Param        division       query     string  false  "Division"
// @Param        shared         query     bool    false  "Shared templates only"
// @Param        search         query     string  false  "Name or tag, case-insensitive"
// @Param        status         query     string  false  "draft, published or archived"
// @Param        recently_used  query     bool    false  "Templates the caller opened, most recent first"
// @Param        page           query     int     false  "Page number (default 1)"
// @Param        limit          query     int     false  "Items per page (default 20)"
// @Success      200            {object}  response.Response{data=response.Page}
// @Failure      400            {object}  response.Response
// @Router       /api/templates [get]
func (h *TemplateHandler) ListTemplates(c *gin.Context) {
	p := pagination.Parse(c)
	templates, total, err := h.templateService.ListTemplates(c.Request.Context(), middleware.UserID(c), service.TemplateQuery{
		State:        c.Query("state"),
		Division:     c.Query("division"),
		Shared:       c.Query("shared") == "true",
		Search:       c.Query("search"),
		Status:       c.Query("status"),
		RecentlyUsed: c.Query("recently_used") == "true",
		Page:         p.Page,
		Limit:        p.Limit,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Page{Items: templates, Total: total, Page: p.Page, Limit: p.Limit}))
}

// CreateTemplate handles POST /api/templates
// @Summary      Create a form template
// @Description  Division analysts and heads of the division, the state's advisor or national oversight
// @Tags         templates
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateTemplateDTO  true  "Template"
// @Success      201      {object}  response.Response{data=model.Template}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /api/templates [post]
func (h *TemplateHandler) CreateTemplate(c *gin.Context) {
	var req service.CreateTemplateDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	tpl, err := h.templateService.CreateTemplate(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, tpl))
}

// GetTemplate handles GET /api/templates/:id
// @Summary      Open a form template
// @Description  Records that the caller used the template
// @Tags         templates
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Template ID"
// @Success      200  {object}  response.Response{data=model.Template}
// @Failure      404  {object}  response.Response
// @Router       /api/templates/{id} [get]
func (h *TemplateHandler) GetTemplate(c *gin.Context) {
	tpl, err := h.templateService.GetTemplate(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, tpl))
}

// UpdateTemplate handles PUT /api/templates/:id
// @Summary      Update a form template
// @Description  The creator, national oversight or the advisor of the template's state. A new body bumps the revision
// @Tags         templates
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                     true  "Template ID"
// @Param        payload  body      service.UpdateTemplateDTO  true  "Changes"
// @Success      200      {object}  response.Response{data=model.Template}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/templates/{id} [put]
func (h *TemplateHandler) UpdateTemplate(c *gin.Context) {
	var req service.UpdateTemplateDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	tpl, err := h.templateService.UpdateTemplate(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, tpl))
}

// DeleteTemplate handles DELETE /api/templates/:id
// @Summary      Delete a form template
// @Description  The creator or national oversight. Templates that forms were written from are archived instead; default templates are kept
// @Tags         templates
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Template ID"
// @Success      200  {object}  response.Response{data=service.DeleteTemplateResult}
// @Failure      400  {object}  response.Response
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/templates/{id} [delete]
func (h *TemplateHandler) DeleteTemplate(c *gin.Context) {
	res, err := h.templateService.DeleteTemplate(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}
