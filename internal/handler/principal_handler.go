package handler

import (
	"errors"
	"net/http"

	"hierarchyflow/internal/middleware"
	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/pagination"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

type PrincipalHandler struct {
	principalService service.PrincipalService
}

// NewPrincipalHandler sets up the routing dependencies for principal endpoints
func NewPrincipalHandler(principalService service.PrincipalService) *PrincipalHandler {
	return &PrincipalHandler{principalService: principalService}
}

// RegisterPublicRoutes binds the endpoints reachable without a token
func (h *PrincipalHandler) RegisterPublicRoutes(router *gin.RouterGroup) {
	router.POST("/auth/login", h.Login)
	router.POST("/auth/logout", h.Logout)
}

// RegisterRoutes binds the authenticated principal endpoints
func (h *PrincipalHandler) RegisterRoutes(router *gin.RouterGroup) {
	principals := router.Group("/principals")
	{
		principals.GET("", h.ListPrincipals)
		principals.GET("/me", h.GetMe)
		principals.GET("/:id", h.GetPrincipal)
		principals.PUT("", h.UpsertPrincipal)
	}
}

// Login handles POST /api/auth/login to authenticate and return a JWT token
// @Summary      Login
// @Description  Authenticates a principal by email and password, returning a JWT whose subject is the principal id
// @Tags         auth
// @Accept       json
// @Produce      json
// @Param        payload  body      service.LoginRequest  true  "Login Credentials"
// @Success      200      {object}  response.Response{data=service.TokenResponse}
// @Failure      400      {object}  response.Response
// @Failure      401      {object}  response.Response
// @Router       /api/auth/login [post]
func (h *PrincipalHandler) Login(c *gin.Context) {
	var req service.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload"))
		return
	}

	tokenRes, err := h.principalService.Login(c.Request.Context(), req)
	if errors.Is(err, service.ErrAuthorization) {
		c.JSON(http.StatusUnauthorized, response.Error(http.StatusUnauthorized, err.Error()))
		return
	}
	if err != nil {
		fail(c, err)
		return
	}

	// Set token as HttpOnly cookie
	middleware.SetTokenCookies(c, tokenRes.Token, int(service.TokenTTL.Seconds()))
	c.JSON(http.StatusOK, response.Success(http.StatusOK, tokenRes))
}

// Logout handles POST /api/auth/logout
// @Summary      Logout
// @Description  Clears the access_token cookie
// @Tags         auth
// @Produce      json
// @Success      200  {object}  response.Response
// @Router       /api/auth/logout [post]
func (h *PrincipalHandler) Logout(c *gin.Context) {
	middleware.ClearTokenCookies(c)
	c.JSON(http.StatusOK, response.Success(http.StatusOK, gin.H{"message": "logged out"}))
}

// GetMe handles GET /api/principals/me
// @Summary      Get current principal
// @Description  The authenticated principal with its role grants
// @Tags         principals
// @Produce      json
// @Security     BearerAuth
// @Success      200      {object}  response.Response{data=service.PrincipalResponse}
// @Failure      401      {object}  response.Response
// @Failure      404      {object}  response.Response
// @Router       /api/principals/me [get]
func (h *PrincipalHandler) GetMe(c *gin.Context) {
	p, err := h.principalService.GetPrincipal(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, p))
}

// GetPrincipal handles GET /api/principals/:id
// @Summary      Get principal by ID
// @Tags         principals
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Principal ID"
// @Success      200  {object}  response.Response{data=service.PrincipalResponse}
// @Failure      404  {object}  response.Response
// @Router       /api/principals/{id} [get]
func (h *PrincipalHandler) GetPrincipal(c *gin.Context) {
	p, err := h.principalService.GetPrincipal(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, p))
}

// ListPrincipals handles GET /api/principals
// @Summary      List principals
// @Tags         principals
// @Produce      json
// @Security     BearerAuth
// @Param        page   query     int  false  "Page number (default 1)"
// @Param        limit  query     int  false  "Items per page (default 20)"
// @Success      200    {object}  response.Response{data=response.Page}
// @Router       /api/principals [get]
func (h *PrincipalHandler) ListPrincipals(c *gin.Context) {
	p := pagination.Parse(c)
	principals, total, err := h.principalService.ListPrincipals(c.Request.Context(), p.Page, p.Limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, response.Page{Items: principals, Total: total, Page: p.Page, Limit: p.Limit}))
}

// UpsertPrincipal handles PUT /api/principals
// @Summary      Register or update a principal
// @Description  National Oversight only. An empty password keeps the stored one
// @Tags         principals
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      service.UpsertPrincipalRequest  true  "Principal"
// @Success      200      {object}  response.Response{data=service.PrincipalResponse}
// @Failure      400      {object}  response.Response
// @Failure      403      {object}  response.Response
// @Router       /api/principals [put]
func (h *PrincipalHandler) UpsertPrincipal(c *gin.Context) {
	var req service.UpsertPrincipalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badPayload(c, err)
		return
	}
	p, err := h.principalService.UpsertPrincipal(c.Request.Context(), middleware.UserID(c), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, response.Success(http.StatusOK, p))
}
