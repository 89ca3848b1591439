package service

import (
	"context"
	"database/sql"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/authz"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

// memoryRoleRepo mirrors RoleRepository semantics over maps.
type memoryRoleRepo struct {
	roles       map[string]*models.Role
	assignments map[string]map[string]bool
	users       map[string]models.Permission
	vanished    map[string]bool
}

func newMemoryRoleRepo(users ...string) *memoryRoleRepo {
	repo := &memoryRoleRepo{
		roles:       map[string]*models.Role{},
		assignments: map[string]map[string]bool{},
		users:       map[string]models.Permission{},
		vanished:    map[string]bool{},
	}
	for _, u := range users {
		repo.users[u] = 0
	}
	return repo
}

func (m *memoryRoleRepo) List(ctx context.Context) ([]models.Role, error) {
	var out []models.Role
	for _, r := range m.roles {
		if !r.IsDeleted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryRoleRepo) FindByID(ctx context.Context, id string) (*models.Role, error) {
	r, ok := m.roles[id]
	if !ok || r.IsDeleted {
		return nil, sql.ErrNoRows
	}
	cp := *r
	return &cp, nil
}

func (m *memoryRoleRepo) FindByKey(ctx context.Context, key string) (*models.Role, error) {
	for _, r := range m.roles {
		if r.Key == key && !r.IsDeleted {
			cp := *r
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *memoryRoleRepo) Create(ctx context.Context, role *models.Role) error {
	if _, err := m.FindByKey(ctx, role.Key); err == nil {
		return repository.ErrDuplicate
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	cp := *role
	m.roles[role.ID] = &cp
	return nil
}

func (m *memoryRoleRepo) ListForUser(ctx context.Context, userID string) ([]models.Role, error) {
	var out []models.Role
	for roleID := range m.assignments[userID] {
		if r, ok := m.roles[roleID]; ok && !r.IsDeleted {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memoryRoleRepo) holders(roleID string) []string {
	var ids []string
	for userID, roles := range m.assignments {
		if roles[roleID] {
			ids = append(ids, userID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *memoryRoleRepo) recompute(userID string, compute repository.EffectiveFunc) models.Permission {
	roles, _ := m.ListForUser(context.Background(), userID)
	m.users[userID] = compute(roles)
	return m.users[userID]
}

func (m *memoryRoleRepo) propagate(roleID string, compute repository.EffectiveFunc) *models.PropagationResult {
	result := &models.PropagationResult{Updated: []string{}}
	for _, userID := range m.holders(roleID) {
		if m.vanished[userID] {
			result.Skipped = append(result.Skipped, userID)
			continue
		}
		m.recompute(userID, compute)
		result.Updated = append(result.Updated, userID)
	}
	return result
}

func (m *memoryRoleRepo) UpdateWithPropagation(ctx context.Context, role *models.Role, compute repository.EffectiveFunc) (*models.PropagationResult, error) {
	stored, ok := m.roles[role.ID]
	if !ok || stored.IsDeleted {
		return nil, sql.ErrNoRows
	}
	cp := *role
	m.roles[role.ID] = &cp
	return m.propagate(role.ID, compute), nil
}

func (m *memoryRoleRepo) SoftDeleteWithPropagation(ctx context.Context, id, actor string, now time.Time, compute repository.EffectiveFunc) (*models.PropagationResult, bool, error) {
	stored, ok := m.roles[id]
	if !ok || stored.IsDeleted {
		return nil, false, nil
	}
	stored.IsDeleted = true
	return m.propagate(id, compute), true, nil
}

func (m *memoryRoleRepo) Assign(ctx context.Context, userID, roleID, actor string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error) {
	if _, ok := m.users[userID]; !ok || m.vanished[userID] {
		return 0, sql.ErrNoRows
	}
	if _, err := m.FindByID(ctx, roleID); err != nil {
		return 0, err
	}
	if m.assignments[userID] == nil {
		m.assignments[userID] = map[string]bool{}
	}
	m.assignments[userID][roleID] = true
	return m.recompute(userID, compute), nil
}

func (m *memoryRoleRepo) Revoke(ctx context.Context, userID, roleID, actor string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error) {
	if _, ok := m.users[userID]; !ok {
		return 0, sql.ErrNoRows
	}
	delete(m.assignments[userID], roleID)
	return m.recompute(userID, compute), nil
}

func (m *memoryRoleRepo) Recompute(ctx context.Context, userID string, now time.Time, compute repository.EffectiveFunc) (models.Permission, error) {
	if _, ok := m.users[userID]; !ok {
		return 0, sql.ErrNoRows
	}
	return m.recompute(userID, compute), nil
}

type recordingAudit struct {
	entries []*models.AuditLog
}

func (r *recordingAudit) CreateAuditLog(ctx context.Context, log *models.AuditLog) error {
	r.entries = append(r.entries, log)
	return nil
}

func newRoleFixture(users ...string) (*RoleService, *memoryRoleRepo, *recordingAudit) {
	repo := newMemoryRoleRepo(users...)
	audit := &recordingAudit{}
	return NewRoleService(repo, audit, NewMetricsService(), nil, zap.NewNop()), repo, audit
}

func TestRoleServiceTutorPropagationScenario(t *testing.T) {
	svc, repo, audit := newRoleFixture("user-u")
	ctx := context.Background()

	tutor, err := svc.Create(ctx, "admin", CreateRoleRequest{Key: "Tutor", Name: "Tutor", Permissions: []string{"CatalogRead"}})
	require.NoError(t, err)
	assert.Equal(t, "tutor", tutor.Key)

	effective, err := svc.AssignToUser(ctx, "admin", "user-u", tutor.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionCatalogRead, effective)
	assert.False(t, authz.Allow(effective, models.PermissionCatalogWrite))

	result, err := svc.Update(ctx, "admin", tutor.ID, UpdateRoleRequest{Name: "Tutor", Permissions: []string{"CatalogRead", "CatalogWrite"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-u"}, result.Propagation.Updated)
	assert.True(t, authz.Allow(repo.users["user-u"], models.PermissionCatalogWrite))
	assert.Len(t, audit.entries, 3)
}

func TestRoleServiceUpdateSkipsVanishedHolders(t *testing.T) {
	svc, repo, _ := newRoleFixture("user-1", "user-2")
	ctx := context.Background()

	role, err := svc.Create(ctx, "", CreateRoleRequest{Key: "clerk", Name: "Clerk", Permissions: []string{"StudentRead"}})
	require.NoError(t, err)
	_, err = svc.AssignToUser(ctx, "", "user-1", role.ID)
	require.NoError(t, err)
	_, err = svc.AssignToUser(ctx, "", "user-2", role.ID)
	require.NoError(t, err)
	repo.vanished["user-2"] = true

	result, err := svc.Update(ctx, "", role.ID, UpdateRoleRequest{Name: "Clerk", Permissions: []string{"StudentRead", "StudentWrite"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, result.Propagation.Updated)
	assert.Equal(t, []string{"user-2"}, result.Propagation.Skipped)
	assert.Equal(t, models.PermissionStudentRead|models.PermissionStudentWrite, repo.users["user-1"])
	assert.Equal(t, models.PermissionStudentRead, repo.users["user-2"])
}

func TestRoleServiceSystemRolesAreImmutable(t *testing.T) {
	svc, _, _ := newRoleFixture()
	ctx := context.Background()

	created, err := svc.EnsureSystemRoles(ctx, "")
	require.NoError(t, err)
	require.Len(t, created, 3)

	again, err := svc.EnsureSystemRoles(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, again)

	var admin models.Role
	for _, r := range created {
		assert.True(t, r.IsSystem)
		if r.Key == models.RoleKeyAdmin {
			admin = r
		}
	}
	assert.Equal(t, models.PermissionSuperAdmin, admin.Permissions)

	_, err = svc.Update(ctx, "", admin.ID, UpdateRoleRequest{Name: "Admin", Permissions: []string{"CatalogRead"}})
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
	assert.Equal(t, "InvalidState", appErrors.Kind(err))

	_, err = svc.Delete(ctx, "", admin.ID)
	assert.ErrorIs(t, err, appErrors.ErrInvalidState)
}

func TestRoleServiceDeleteIsIdempotentAndRecomputes(t *testing.T) {
	svc, repo, _ := newRoleFixture("user-1")
	ctx := context.Background()

	reader, err := svc.Create(ctx, "", CreateRoleRequest{Key: "reader", Name: "Reader", Permissions: []string{"CatalogRead"}})
	require.NoError(t, err)
	writer, err := svc.Create(ctx, "", CreateRoleRequest{Key: "writer", Name: "Writer", Permissions: []string{"CatalogWrite"}})
	require.NoError(t, err)
	_, err = svc.AssignToUser(ctx, "", "user-1", reader.ID)
	require.NoError(t, err)
	_, err = svc.AssignToUser(ctx, "", "user-1", writer.ID)
	require.NoError(t, err)

	result, err := svc.Delete(ctx, "", writer.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"user-1"}, result.Updated)
	assert.Equal(t, models.PermissionCatalogRead, repo.users["user-1"])

	result, err = svc.Delete(ctx, "", writer.ID)
	require.NoError(t, err)
	assert.Empty(t, result.Updated)

	_, err = svc.Delete(ctx, "", "never-existed")
	assert.NoError(t, err)
}

func TestRoleServiceSuperAdminCollapseIsCached(t *testing.T) {
	svc, repo, _ := newRoleFixture("user-1")
	ctx := context.Background()

	_, err := svc.EnsureSystemRoles(ctx, "")
	require.NoError(t, err)
	admin, err := repo.FindByKey(ctx, models.RoleKeyAdmin)
	require.NoError(t, err)
	staff, err := repo.FindByKey(ctx, models.RoleKeyStaff)
	require.NoError(t, err)

	_, err = svc.AssignToUser(ctx, "", "user-1", staff.ID)
	require.NoError(t, err)
	effective, err := svc.AssignToUser(ctx, "", "user-1", admin.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionSuperAdmin, effective)

	effective, err = svc.RevokeFromUser(ctx, "", "user-1", admin.ID)
	require.NoError(t, err)
	assert.Equal(t, staff.Permissions, effective)
}

func TestRoleServiceValidationAndConflicts(t *testing.T) {
	svc, _, _ := newRoleFixture("user-1")
	ctx := context.Background()

	_, err := svc.Create(ctx, "", CreateRoleRequest{Key: "x", Name: "X"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Create(ctx, "", CreateRoleRequest{Key: "ghost", Name: "Ghost", Permissions: []string{"Teleport"}})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	_, err = svc.Create(ctx, "", CreateRoleRequest{Key: "tutor", Name: "Tutor"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, "", CreateRoleRequest{Key: "TUTOR", Name: "Tutor 2"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateCode)
	assert.Equal(t, "Conflict", appErrors.Kind(err))

	_, err = svc.AssignToUser(ctx, "", "nobody", "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.Update(ctx, "", "missing", UpdateRoleRequest{Name: "Nope"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestRoleServiceAssignRoleByKey(t *testing.T) {
	svc, repo, _ := newRoleFixture("user-admin")
	ctx := context.Background()
	_, err := svc.EnsureSystemRoles(ctx, "")
	require.NoError(t, err)

	effective, err := svc.AssignRoleByKey(ctx, "", "user-admin", models.RoleKeyAdmin)
	require.NoError(t, err)
	assert.Equal(t, models.PermissionSuperAdmin, effective)
	assert.Equal(t, models.PermissionSuperAdmin, repo.users["user-admin"])

	_, err = svc.AssignRoleByKey(ctx, "", "user-admin", "ghost")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}
