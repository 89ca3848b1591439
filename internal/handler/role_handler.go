package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-api/internal/authz"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/service"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/response"
)

type roleService interface {
	Metadata() []authz.PermissionMetadata
	List(ctx context.Context) ([]models.Role, error)
	EnsureSystemRoles(ctx context.Context, actor string) ([]models.Role, error)
	Create(ctx context.Context, actor string, req service.CreateRoleRequest) (*models.Role, error)
	Update(ctx context.Context, actor, id string, req service.UpdateRoleRequest) (*service.RoleUpdateResult, error)
	Delete(ctx context.Context, actor, id string) (*models.PropagationResult, error)
	AssignToUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error)
	RevokeFromUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error)
	UserRoles(ctx context.Context, userID string) ([]models.Role, error)
}

// RoleHandler exposes role management and permission metadata.
type RoleHandler struct {
	roles roleService
}

// NewRoleHandler constructs RoleHandler.
func NewRoleHandler(roles roleService) *RoleHandler {
	return &RoleHandler{roles: roles}
}

// Metadata godoc
// @Summary Permission catalog
// @Tags Roles
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /permissions/metadata [get]
func (h *RoleHandler) Metadata(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.roles.Metadata(), nil)
}

// List godoc
// @Summary List roles
// @Tags Roles
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /roles [get]
func (h *RoleHandler) List(c *gin.Context) {
	roles, err := h.roles.List(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roles, nil)
}

// Create godoc
// @Summary Create custom role
// @Tags Roles
// @Accept json
// @Produce json
// @Param payload body service.CreateRoleRequest true "Role payload"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /roles [post]
func (h *RoleHandler) Create(c *gin.Context) {
	var req service.CreateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid role payload"))
		return
	}
	role, err := h.roles.Create(c.Request.Context(), actorID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, role)
}

// Update godoc
// @Summary Update custom role and propagate to holders
// @Tags Roles
// @Accept json
// @Produce json
// @Param id path string true "Role ID"
// @Param payload body service.UpdateRoleRequest true "Role payload"
// @Success 200 {object} response.Envelope
// @Router /roles/{id} [put]
func (h *RoleHandler) Update(c *gin.Context) {
	var req service.UpdateRoleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid role payload"))
		return
	}
	result, err := h.roles.Update(c.Request.Context(), actorID(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Delete godoc
// @Summary Delete custom role
// @Tags Roles
// @Param id path string true "Role ID"
// @Success 200 {object} response.Envelope
// @Router /roles/{id} [delete]
func (h *RoleHandler) Delete(c *gin.Context) {
	result, err := h.roles.Delete(c.Request.Context(), actorID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, result, nil)
}

// Bootstrap godoc
// @Summary Seed built-in system roles
// @Tags Roles
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /roles/bootstrap [post]
func (h *RoleHandler) Bootstrap(c *gin.Context) {
	created, err := h.roles.EnsureSystemRoles(c.Request.Context(), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"created": created}, nil)
}

// UserRoles godoc
// @Summary List a user's roles
// @Tags Roles
// @Param id path string true "User ID"
// @Success 200 {object} response.Envelope
// @Router /users/{id}/roles [get]
func (h *RoleHandler) UserRoles(c *gin.Context) {
	roles, err := h.roles.UserRoles(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roles, nil)
}

// Assign godoc
// @Summary Assign role to user
// @Tags Roles
// @Param id path string true "User ID"
// @Param roleId path string true "Role ID"
// @Success 200 {object} response.Envelope
// @Router /users/{id}/roles/{roleId} [post]
func (h *RoleHandler) Assign(c *gin.Context) {
	effective, err := h.roles.AssignToUser(c.Request.Context(), actorID(c), c.Param("id"), c.Param("roleId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, effectivePayload(c.Param("id"), effective), nil)
}

// Revoke godoc
// @Summary Revoke role from user
// @Tags Roles
// @Param id path string true "User ID"
// @Param roleId path string true "Role ID"
// @Success 200 {object} response.Envelope
// @Router /users/{id}/roles/{roleId} [delete]
func (h *RoleHandler) Revoke(c *gin.Context) {
	effective, err := h.roles.RevokeFromUser(c.Request.Context(), actorID(c), c.Param("id"), c.Param("roleId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, effectivePayload(c.Param("id"), effective), nil)
}

func effectivePayload(userID string, effective models.Permission) gin.H {
	return gin.H{"user_id": userID, "permissions": effective, "permission_keys": effective.Keys()}
}
