package handler

import (
	"errors"
	"io"
	"net/http"

	"hierarchyflow/internal/middleware"
	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/pagination"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type WorkflowHandler struct {
	workflowService service.WorkflowService
}

func NewWorkflowHandler(workflowService service.WorkflowService) *WorkflowHandler {
	return &WorkflowHandler{workflowService: workflowService}
}

// RegisterRoutes expects router to be behind middleware.RequireAuth.
func (h *WorkflowHandler) RegisterRoutes(router *gin.RouterGroup) {
	workflows := router.Group("/workflows")
	{
		workflows.POST("", h.CreateRequest)
		workflows.GET("", h.ListRequests)
		workflows.GET("/:id", h.GetRequest)
		workflows.DELETE("/:id", h.DeleteRequest)
		workflows.POST("/:id/approve", h.Approve)
		workflows.POST("/:id/decline", h.Decline)
		workflows.POST("/:id/reject", h.Reject)
		workflows.POST("/:id/close", h.Close)
		workflows.POST("/:id/fanout", h.FanOut)
		workflows.GET("/:id/actions", h.AvailableActions)
		workflows.GET("/:id/submissions", h.ListSubmissions)
	}
	router.GET("/divisions", h.Divisions)
}

// CreateRequest handles POST /api/workflows
// @Summary      Create an information request
// @Description  National Oversight opens a request; it is assigned to the first Executive found
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.CreateRequestDTO  true  "Request"
// @Success      201      {object}  response.Response{data=service.RequestView}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /api/workflows [post]
func (h *WorkflowHandler) CreateRequest(c *gin.Context) {
	var req service.CreateRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}

	view, err := h.workflowService.CreateRequest(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, view))
}

// ListRequests handles GET /api/workflows
// @Summary      List requests
// @Description  Lists requests ordered by deadline. mine=true restricts to requests assigned to the caller
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        status  query     string  false  "Status filter"
// @Param        state   query     string  false  "Target state filter"
// @Param        mine    query     bool    false  "Only requests assigned to me"
// @Param        page    query     int     false  "Page number (default 1)"
// @Param        limit   query     int     false  "Items per page (default 20)"
// @Success      200     {object}  response.Response{data=response.Page}
// @Router       /api/workflows [get]
func (h *WorkflowHandler) ListRequests(c *gin.Context) {
	p := pagination.Parse(c)
	filter := service.RequestFilter{
		Status: c.Query("status"),
		State:  c.Query("state"),
		Page:   p.Page,
		Limit:  p.Limit,
	}
	if c.Query("mine") == "true" {
		filter.AssigneeID = middleware.UserID(c)
	}

	items, total, err := h.workflowService.ListRequests(c.Request.Context(), filter)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Page{Items: items, Total: total, Page: p.Page, Limit: p.Limit}))
}

// GetRequest handles GET /api/workflows/:id
// @Summary      Get a request
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.RequestView}
// @Failure      404  {object}  response.Response
// @Router       /api/workflows/{id} [get]
func (h *WorkflowHandler) GetRequest(c *gin.Context) {
	view, err := h.workflowService.GetRequest(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, view))
}

// DeleteRequest handles DELETE /api/workflows/:id
// @Summary      Delete a request
// @Description  Deletes the request and every submission it owns
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=service.DeleteResult}
// @Failure      403  {object}  response.Response
// @Failure      404  {object}  response.Response
// @Router       /api/workflows/{id} [delete]
func (h *WorkflowHandler) DeleteRequest(c *gin.Context) {
	res, err := h.workflowService.DeleteRequest(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Approve handles POST /api/workflows/:id/approve
// @Summary      Approve at the current tier
// @Description  Moves the request one step along its path. Division heads name their division when they head several
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true   "Request ID"
// @Param        payload  body      service.ApproveDTO  false  "Approval"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/workflows/{id}/approve [post]
func (h *WorkflowHandler) Approve(c *gin.Context) {
	var req service.ApproveDTO
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.workflowService.Approve(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Decline handles POST /api/workflows/:id/decline
// @Summary      Decline and send back for improvement
// @Description  Only valid once there is submitted content to improve
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string              true   "Request ID"
// @Param        payload  body      service.DeclineDTO  false  "Decline"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      409      {object}  response.Response
// @Router       /api/workflows/{id}/decline [post]
func (h *WorkflowHandler) Decline(c *gin.Context) {
	var req service.DeclineDTO
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.workflowService.DeclineAndImprove(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Reject handles POST /api/workflows/:id/reject
// @Summary      Reject a request
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string            true   "Request ID"
// @Param        payload  body      service.NotesDTO  false  "Notes"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      403      {object}  response.Response
// @Router       /api/workflows/{id}/reject [post]
func (h *WorkflowHandler) Reject(c *gin.Context) {
	var req service.NotesDTO
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.workflowService.Reject(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// Close handles POST /api/workflows/:id/close
// @Summary      Close an approved request
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string            true   "Request ID"
// @Param        payload  body      service.NotesDTO  false  "Notes"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      409      {object}  response.Response
// @Router       /api/workflows/{id}/close [post]
func (h *WorkflowHandler) Close(c *gin.Context) {
	var req service.NotesDTO
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.workflowService.Close(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// FanOut handles POST /api/workflows/:id/fanout
// @Summary      Fan out to divisions
// @Description  Creates one assignment per division with a Division Head. Omitting divisions targets every headed division of the state
// @Tags         workflows
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string             true  "Request ID"
// @Param        payload  body      service.FanOutDTO  true  "Fan-out"
// @Success      200      {object}  response.Response{data=service.FanOutResult}
// @Failure      409      {object}  response.Response
// @Router       /api/workflows/{id}/fanout [post]
func (h *WorkflowHandler) FanOut(c *gin.Context) {
	var req service.FanOutDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	res, err := h.workflowService.FanOut(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// AvailableActions handles GET /api/workflows/:id/actions
// @Summary      Actions open to the caller
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Request ID"
// @Success      200  {object}  response.Response{data=[]service.Action}
// @Router       /api/workflows/{id}/actions [get]
func (h *WorkflowHandler) AvailableActions(c *gin.Context) {
	actions, err := h.workflowService.AvailableActions(c.Request.Context(), middleware.UserID(c), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, actions))
}

// ListSubmissions handles GET /api/workflows/:id/submissions
// @Summary      List a request's submissions
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        id      path      string  true   "Request ID"
// @Param        state   query     string  false  "State filter"
// @Param        status  query     string  false  "Status filter"
// @Success      200     {object}  response.Response{data=[]model.ChildSubmission}
// @Router       /api/workflows/{id}/submissions [get]
func (h *WorkflowHandler) ListSubmissions(c *gin.Context) {
	subs, err := h.workflowService.ListSubmissions(c.Request.Context(), c.Param("id"), c.Query("state"), c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, subs))
}

// Divisions handles GET /api/divisions
// @Summary      Divisions of a state
// @Description  Divisions that currently have a Division Head
// @Tags         workflows
// @Produce      json
// @Security     BearerAuth
// @Param        state  query     string  true  "State"
// @Success      200    {object}  response.Response{data=[]string}
// @Router       /api/divisions [get]
func (h *WorkflowHandler) Divisions(c *gin.Context) {
	divisions, err := h.workflowService.Divisions(c.Request.Context(), c.Query("state"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, divisions))
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		badPayload(c, err)
		return false
	}
	return true
}
