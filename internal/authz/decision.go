package authz

import (
	"github.com/noah-isme/campus-api/internal/models"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

// Principal is a resolved caller with its effective permission mask.
type Principal struct {
	UserID      string
	Permissions models.Permission
}

// Allow reports whether effective satisfies required. SuperAdmin always passes; otherwise
// every bit of required must be held.
func Allow(effective, required models.Permission) bool {
	if effective&models.PermissionSuperAdmin != 0 {
		return true
	}
	return effective&required == required
}

// Authorize returns ErrUnauthorized for a missing principal and ErrForbidden when the
// principal's mask does not satisfy required.
func Authorize(principal *Principal, required models.Permission) error {
	if principal == nil || principal.UserID == "" {
		return appErrors.ErrUnauthorized
	}
	if !Allow(principal.Permissions, required) {
		return appErrors.ErrForbidden
	}
	return nil
}
