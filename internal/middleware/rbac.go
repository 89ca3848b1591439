package middleware

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-api/internal/authz"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/service"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/response"
)

// RequirePermission admits the request only when the principal holds every bit of required.
// Missing principals get 401, insufficient masks 403.
func RequirePermission(required models.Permission, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := authz.Authorize(PrincipalFromContext(c), required)
		if err == nil {
			c.Next()
			return
		}
		reason := "forbidden"
		if errors.Is(err, appErrors.ErrUnauthorized) {
			reason = "unauthenticated"
		}
		metrics.RecordAuthzDenied(reason)
		response.Error(c, err)
		c.Abort()
	}
}

// RequireAuthenticated admits any resolved principal.
func RequireAuthenticated() gin.HandlerFunc {
	return RequirePermission(models.PermissionNone, nil)
}
