package handler

import (
	"net/http"

	"hierarchyflow/internal/middleware"
	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type FormHandler struct {
	workflowService service.WorkflowService
}

func NewFormHandler(workflowService service.WorkflowService) *FormHandler {
	return &FormHandler{workflowService: workflowService}
}

type PreviewMergeRequest struct {
	SubmissionIDs []string          `json:"submission_ids" binding:"required,min=1"`
	Strategy      map[string]string `json:"strategy"`
}

func (h *FormHandler) RegisterRoutes(router *gin.RouterGroup) {
	forms := router.Group("/forms")
	{
		forms.POST("", h.SubmitForm)
		forms.POST("/:id/review", h.ReviewForm)
	}
	router.POST("/merge/preview", h.PreviewMerge)
}

// SubmitForm handles POST /api/forms
// @Summary      Submit or save a division form
// @Description  Division analysts answer once their head has forwarded the request. is_draft keeps the form editable
// @Tags         forms
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.SubmitFormDTO  true  "Form"
// @Success      201      {object}  response.Response{data=service.SubmissionResult}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /api/forms [post]
func (h *FormHandler) SubmitForm(c *gin.Context) {
	var req service.SubmitFormDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	res, err := h.workflowService.SubmitChildForm(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, response.Success(http.StatusCreated, res))
}

// ReviewForm handles POST /api/forms/:id/review
// @Summary      Review a submitted division form
// @Tags         forms
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                 true  "Submission ID"
// @Param        payload  body      service.ReviewFormDTO  true  "Review"
// @Success      200      {object}  response.Response{data=service.TransitionResult}
// @Failure      409      {object}  response.Response
// @Router       /api/forms/{id}/review [post]
func (h *FormHandler) ReviewForm(c *gin.Context) {
	var req service.ReviewFormDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	res, err := h.workflowService.ReviewChildForm(c.Request.Context(), middleware.UserID(c), c.Param("id"), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, res))
}

// PreviewMerge handles POST /api/merge/preview
// @Summary      Preview a merge
// @Description  Merges the given submissions without storing anything
// @Tags         forms
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      PreviewMergeRequest  true  "Submissions and strategy"
// @Success      200      {object}  response.Response{data=object}
// @Failure      400      {object}  response.Response
// @Router       /api/merge/preview [post]
func (h *FormHandler) PreviewMerge(c *gin.Context) {
	var req PreviewMergeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	merged, err := h.workflowService.PreviewMerge(c.Request.Context(), req.SubmissionIDs, req.Strategy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, merged))
}
