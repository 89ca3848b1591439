package handler

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-api/internal/middleware"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

const queryDateLayout = "2006-01-02"

// actorID returns the authenticated caller's user ID, or "" for anonymous requests.
func actorID(c *gin.Context) string {
	if principal := middleware.PrincipalFromContext(c); principal != nil {
		return principal.UserID
	}
	return ""
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	return page, size
}

// dateRange reads the from and to query parameters as calendar dates.
func dateRange(c *gin.Context) (time.Time, time.Time, error) {
	from, err := parseQueryDate(c, "from")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	to, err := parseQueryDate(c, "to")
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func parseQueryDate(c *gin.Context, key string) (time.Time, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, key+" is required (YYYY-MM-DD)")
	}
	value, err := time.Parse(queryDateLayout, raw)
	if err != nil {
		return time.Time{}, appErrors.Clone(appErrors.ErrValidation, key+" must be YYYY-MM-DD")
	}
	return value, nil
}
