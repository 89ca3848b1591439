package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

type mockStudentRepo struct {
	students   map[string]models.Student
	lastFilter models.StudentFilter
	listTotal  int
	err        error
}

func (m *mockStudentRepo) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	m.lastFilter = filter
	if m.err != nil {
		return nil, 0, m.err
	}
	var result []models.Student
	for _, s := range m.students {
		result = append(result, s)
	}
	return result, m.listTotal, nil
}

func (m *mockStudentRepo) FindByID(ctx context.Context, id string) (*models.Student, error) {
	s, ok := m.students[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &s, nil
}

func (m *mockStudentRepo) Create(ctx context.Context, student *models.Student) error {
	for _, existing := range m.students {
		if existing.StudentNumber == student.StudentNumber {
			return repository.ErrDuplicate
		}
	}
	student.ID = uuid.NewString()
	m.students[student.ID] = *student
	return nil
}

func TestStudentServiceCreate(t *testing.T) {
	repo := &mockStudentRepo{students: map[string]models.Student{}}
	svc := NewStudentService(repo, nil, nil, zap.NewNop())

	userID := uuid.NewString()
	student, err := svc.Create(context.Background(), "admin-1", CreateStudentRequest{
		UserID:        userID,
		StudentNumber: " S100 ",
		FirstName:     "Ada",
		LastName:      "Lovelace",
		Email:         "Ada@Example.edu",
	})
	require.NoError(t, err)
	assert.Equal(t, "S100", student.StudentNumber)
	assert.Equal(t, "ada@example.edu", student.Email)
	require.NotNil(t, student.UserID)
	assert.Equal(t, userID, *student.UserID)
	require.NotNil(t, student.CreatedBy)
	assert.Equal(t, "admin-1", *student.CreatedBy)

	_, err = svc.Create(context.Background(), "admin-1", CreateStudentRequest{StudentNumber: "S100", FirstName: "Other", Email: "o@example.edu"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateCode)

	_, err = svc.Create(context.Background(), "admin-1", CreateStudentRequest{StudentNumber: "S101", FirstName: "Bad", Email: "not-an-email"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestStudentServiceGetAndList(t *testing.T) {
	repo := &mockStudentRepo{
		students:  map[string]models.Student{"s1": {ID: "s1", StudentNumber: "S001", FirstName: "Ada"}},
		listTotal: 1,
	}
	svc := NewStudentService(repo, nil, nil, nil)

	got, err := svc.Get(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "S001", got.StudentNumber)

	_, err = svc.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	list, pagination, err := svc.List(context.Background(), models.StudentFilter{Search: "  ada ", PageSize: 500})
	require.NoError(t, err)
	assert.Len(t, list, 1)
	assert.Equal(t, "ada", repo.lastFilter.Search)
	assert.Equal(t, 1, pagination.Page)
	assert.Equal(t, 20, pagination.PageSize)
	assert.Equal(t, 1, pagination.TotalCount)
}

func TestStudentServiceCreateDropsCachedRosters(t *testing.T) {
	cacheRepo := &memoryCache{entries: map[string][]byte{
		"roster:2024-01-01:2024-01-31::1:20":          []byte(`{}`),
		"attendance:s1:overall:2024-01-01:2024-01-31": []byte(`{}`),
	}}
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), true)
	svc := NewStudentService(&mockStudentRepo{students: map[string]models.Student{}}, cache, nil, zap.NewNop())

	_, err := svc.Create(context.Background(), "", CreateStudentRequest{StudentNumber: "S200", FirstName: "Grace", Email: "grace@example.edu"})
	require.NoError(t, err)
	assert.NotContains(t, cacheRepo.entries, "roster:2024-01-01:2024-01-31::1:20")
	assert.Contains(t, cacheRepo.entries, "attendance:s1:overall:2024-01-01:2024-01-31")
}
