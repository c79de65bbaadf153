package handler

import (
	"errors"
	"net/http"

	"hierarchyflow/internal/service"
	"hierarchyflow/pkg/response"

	"github.com/gin-gonic/gin"
)

// statusFor maps workflow error kinds onto HTTP status codes.
func statusFor(kind service.ErrorKind) int {
	switch kind {
	case service.KindValidation:
		return http.StatusBadRequest
	case service.KindAuthorization:
		return http.StatusForbidden
	case service.KindNotFound:
		return http.StatusNotFound
	case service.KindStateConflict:
		return http.StatusConflict
	case service.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an error envelope. Workflow errors keep their code, details
// and the tier that would have been allowed to act.
func fail(c *gin.Context, err error) {
	var we *service.WorkflowError
	if !errors.As(err, &we) {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}
	status := statusFor(we.Kind)
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	var details interface{}
	if we.RequiredRole != "" || len(we.Details) > 0 {
		d := gin.H{}
		for k, v := range we.Details {
			d[k] = v
		}
		if we.RequiredRole != "" {
			d["required_role"] = we.RequiredRole
		}
		details = d
	}
	c.JSON(status, response.Coded(status, we.Code, we.Message, details))
}

func badPayload(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, response.Coded(http.StatusBadRequest, "invalid_payload", "Invalid request payload: "+err.Error(), nil))
}
