package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/authz"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/logger"
)

type roleRepository interface {
	List(ctx context.Context) ([]models.Role, error)
	FindByID(ctx context.Context, id string) (*models.Role, error)
	FindByKey(ctx context.Context, key string) (*models.Role, error)
	Create(ctx context.Context, role *models.Role) error
	ListForUser(ctx context.Context, userID string) ([]models.Role, error)
	UpdateWithPropagation(ctx context.Context, role *models.Role, compute repository.EffectiveFunc) (*models.PropagationResult, error)
	SoftDeleteWithPropagation(ctx context.Context, id, actor string, now time.Time, compute repository.EffectiveFunc) (*models.PropagationResult, bool, error)
	Assign(ctx context.Context, userID, roleID, actor string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error)
	Revoke(ctx context.Context, userID, roleID, actor string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error)
	Recompute(ctx context.Context, userID string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error)
}

type auditWriter interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// CreateRoleRequest describes a custom role.
type CreateRoleRequest struct {
	Key         string   `json:"key" validate:"required,min=2,max=64"`
	Name        string   `json:"name" validate:"required,max=128"`
	Permissions []string `json:"permissions" validate:"dive,required"`
	Rank        int      `json:"rank" validate:"gte=0"`
}

// UpdateRoleRequest replaces the editable fields of a custom role.
type UpdateRoleRequest struct {
	Name        string   `json:"name" validate:"required,max=128"`
	Permissions []string `json:"permissions" validate:"dive,required"`
	Rank        int      `json:"rank" validate:"gte=0"`
}

// RoleUpdateResult reports the stored role and the users whose cache was rewritten.
type RoleUpdateResult struct {
	Role        *models.Role              `json:"role"`
	Propagation *models.PropagationResult `json:"propagation"`
}

// systemRoles are created once at bootstrap and never edited afterwards.
var systemRoles = []models.Role{
	{
		Key:  models.RoleKeyStudent,
		Name: "Student",
		Permissions: models.PermissionCatalogRead | models.PermissionEnrollmentRead |
			models.PermissionAttendanceCheckIn,
		Rank: 10,
	},
	{
		Key:  models.RoleKeyStaff,
		Name: "Staff",
		Permissions: models.PermissionCatalogRead | models.PermissionCatalogWrite | models.PermissionStudentRead |
			models.PermissionStudentWrite | models.PermissionEnrollmentRead | models.PermissionEnrollmentWrite |
			models.PermissionEnrollmentApprove | models.PermissionAttendanceRead | models.PermissionAttendanceReadAll |
			models.PermissionAttendanceExport | models.PermissionUserRead | models.PermissionRoleRead,
		Rank: 50,
	},
	{
		Key:         models.RoleKeyAdmin,
		Name:        "Administrator",
		Permissions: models.PermissionSuperAdmin,
		Rank:        100,
	},
}

// RoleService manages roles and keeps each user's cached effective mask equal to
// authz.ComputeEffective over their current roles.
type RoleService struct {
	repo      roleRepository
	audit     auditWriter
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewRoleService constructs a RoleService.
func NewRoleService(repo roleRepository, audit auditWriter, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *RoleService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RoleService{repo: repo, audit: audit, metrics: metrics, validator: validate, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Metadata lists the permission catalog for presentation.
func (s *RoleService) Metadata() []authz.PermissionMetadata {
	return authz.Metadata()
}

// List returns every non-deleted role.
func (s *RoleService) List(ctx context.Context) ([]models.Role, error) {
	roles, err := s.repo.List(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list roles")
	}
	return roles, nil
}

// Get returns a role by id.
func (s *RoleService) Get(ctx context.Context, id string) (*models.Role, error) {
	role, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "role not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}
	return role, nil
}

// EnsureSystemRoles creates the built-in roles that do not exist yet and returns the ones
// created by this call.
func (s *RoleService) EnsureSystemRoles(ctx context.Context, actor string) ([]models.Role, error) {
	created := make([]models.Role, 0, len(systemRoles))
	for _, template := range systemRoles {
		_, err := s.repo.FindByKey(ctx, template.Key)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load system role")
		}
		role := template
		role.IsSystem = true
		role.Stamp(actor, s.now())
		if err := s.repo.Create(ctx, &role); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create system role")
		}
		s.logger.Info("system role created", zap.String("key", role.Key))
		created = append(created, role)
	}
	return created, nil
}

// Create adds a custom role.
func (s *RoleService) Create(ctx context.Context, actor string, req CreateRoleRequest) (*models.Role, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role payload")
	}
	mask, err := models.ParsePermissionKeys(req.Permissions)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	role := &models.Role{
		Key:         strings.ToLower(strings.TrimSpace(req.Key)),
		Name:        strings.TrimSpace(req.Name),
		Permissions: mask,
		Rank:        req.Rank,
	}
	role.Stamp(actor, s.now())
	if err := s.repo.Create(ctx, role); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateCode, "role key already in use")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create role")
	}
	s.recordAudit(ctx, actor, models.AuditActionRoleCreate, role.ID, role)
	return role, nil
}

// Update rewrites a custom role and propagates its permission bits to every holder.
func (s *RoleService) Update(ctx context.Context, actor, id string, req UpdateRoleRequest) (*RoleUpdateResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid role payload")
	}
	mask, err := models.ParsePermissionKeys(req.Permissions)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, err.Error())
	}
	role, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if role.IsSystem {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "system roles cannot be edited")
	}

	role.Name = strings.TrimSpace(req.Name)
	role.Permissions = mask
	role.Rank = req.Rank
	role.UpdatedAt = s.now()
	role.UpdatedBy = nullableString(actor)

	result, err := s.repo.UpdateWithPropagation(ctx, role, authz.ComputeEffective)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "role not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update role")
	}
	s.logPropagation(ctx, role.ID, result)
	s.recordAudit(ctx, actor, models.AuditActionRoleUpdate, role.ID, role)
	return &RoleUpdateResult{Role: role, Propagation: result}, nil
}

// Delete soft-deletes a custom role and recomputes its holders. Deleting an absent role is a
// no-op.
func (s *RoleService) Delete(ctx context.Context, actor, id string) (*models.PropagationResult, error) {
	role, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.PropagationResult{Updated: []string{}}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}
	if role.IsSystem {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "system roles cannot be deleted")
	}
	result, deleted, err := s.repo.SoftDeleteWithPropagation(ctx, id, actor, s.now(), authz.ComputeEffective)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete role")
	}
	if !deleted {
		return &models.PropagationResult{Updated: []string{}}, nil
	}
	s.logPropagation(ctx, id, result)
	s.recordAudit(ctx, actor, models.AuditActionRoleDelete, id, nil)
	return result, nil
}

// AssignToUser grants a role and returns the user's new effective mask.
func (s *RoleService) AssignToUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error) {
	effective, err := s.repo.Assign(ctx, userID, roleID, actor, s.now(), authz.ComputeEffective)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "user or role not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to assign role")
	}
	s.recordAudit(ctx, actor, models.AuditActionRoleAssign, roleID, map[string]string{"user_id": userID})
	return effective, nil
}

// AssignRoleByKey grants the role identified by key, typically a system role at bootstrap.
func (s *RoleService) AssignRoleByKey(ctx context.Context, actor, userID, key string) (models.Permission, error) {
	role, err := s.repo.FindByKey(ctx, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "role not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load role")
	}
	return s.AssignToUser(ctx, actor, userID, role.ID)
}

// RevokeFromUser removes a role and returns the user's new effective mask. Revoking a role the
// user does not hold only recomputes.
func (s *RoleService) RevokeFromUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error) {
	effective, err := s.repo.Revoke(ctx, userID, roleID, actor, s.now(), authz.ComputeEffective)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to revoke role")
	}
	s.recordAudit(ctx, actor, models.AuditActionRoleRevoke, roleID, map[string]string{"user_id": userID})
	return effective, nil
}

// Recompute refreshes one user's cached mask.
func (s *RoleService) Recompute(ctx context.Context, userID string) (models.Permission, error) {
	effective, err := s.repo.Recompute(ctx, userID, s.now(), authz.ComputeEffective)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, appErrors.Clone(appErrors.ErrNotFound, "user not found")
		}
		return 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to recompute permissions")
	}
	return effective, nil
}

// UserRoles lists the roles a user currently holds.
func (s *RoleService) UserRoles(ctx context.Context, userID string) ([]models.Role, error) {
	roles, err := s.repo.ListForUser(ctx, userID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list user roles")
	}
	return roles, nil
}

func (s *RoleService) logPropagation(ctx context.Context, roleID string, result *models.PropagationResult) {
	if result == nil {
		return
	}
	s.metrics.RecordPropagation(len(result.Updated))
	for _, userID := range result.Skipped {
		logger.WithContext(ctx, s.logger).Warn("permission propagation skipped user", zap.String("role_id", roleID), zap.String("user_id", userID))
	}
}

func (s *RoleService) recordAudit(ctx context.Context, actor, action, resourceID string, payload interface{}) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     nullableString(actor),
		Action:     action,
		Resource:   "roles",
		ResourceID: &resourceID,
	}
	if payload != nil {
		if body, err := marshalAudit(payload); err == nil {
			entry.NewValues = body
		}
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to record role audit log", zap.String("action", action), zap.Error(err))
	}
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func marshalAudit(payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return body, nil
}
