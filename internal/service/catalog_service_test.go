package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

type memoryCatalogRepo struct {
	courses map[string]*models.Course
	modules []models.Module
}

func (m *memoryCatalogRepo) FindByID(ctx context.Context, id string) (*models.Course, error) {
	c, ok := m.courses[id]
	if !ok || c.IsDeleted {
		return nil, sql.ErrNoRows
	}
	cp := *c
	return &cp, nil
}

func (m *memoryCatalogRepo) Create(ctx context.Context, course *models.Course) error {
	for _, c := range m.courses {
		if c.Code == course.Code {
			return repository.ErrDuplicate
		}
	}
	course.ID = uuid.NewString()
	cp := *course
	m.courses[course.ID] = &cp
	return nil
}

func (m *memoryCatalogRepo) ListModules(ctx context.Context, courseID string) ([]models.Module, error) {
	var out []models.Module
	for _, mod := range m.modules {
		if mod.CourseID == courseID {
			out = append(out, mod)
		}
	}
	return out, nil
}

func (m *memoryCatalogRepo) CreateModule(ctx context.Context, module *models.Module) error {
	for _, mod := range m.modules {
		if mod.CourseID == module.CourseID && mod.Code == module.Code {
			return repository.ErrDuplicate
		}
	}
	module.ID = uuid.NewString()
	m.modules = append(m.modules, *module)
	return nil
}

func weekday(d time.Weekday) *int {
	v := int(d)
	return &v
}

func validModuleRequest() CreateModuleRequest {
	return CreateModuleRequest{
		Code:         "cs101",
		Name:         "Programming",
		AcademicYear: 2024,
		Semester:     1,
		DayOfWeek:    weekday(time.Monday),
		StartTime:    "09:00",
		EndTime:      "11:00",
		RunsFrom:     day(2024, 1, 1),
		RunsTo:       day(2024, 6, 30),
	}
}

func TestCatalogCreateCourseAndModules(t *testing.T) {
	repo := &memoryCatalogRepo{courses: map[string]*models.Course{}}
	svc := NewCatalogService(repo, nil, nil)
	ctx := context.Background()

	course, err := svc.CreateCourse(ctx, "admin", CreateCourseRequest{Code: " cs ", Name: "Computer Science"})
	require.NoError(t, err)
	assert.Equal(t, "CS", course.Code)

	_, err = svc.CreateCourse(ctx, "admin", CreateCourseRequest{Code: "CS", Name: "Duplicate"})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateCode)

	module, err := svc.CreateModule(ctx, "admin", course.ID, validModuleRequest())
	require.NoError(t, err)
	assert.Equal(t, "CS101", module.Code)
	assert.Equal(t, time.Monday, module.DayOfWeek)

	_, err = svc.CreateModule(ctx, "admin", course.ID, validModuleRequest())
	assert.ErrorIs(t, err, appErrors.ErrDuplicateCode)

	modules, err := svc.ListModules(ctx, course.ID)
	require.NoError(t, err)
	assert.Len(t, modules, 1)

	_, err = svc.ListModules(ctx, "missing")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.CreateModule(ctx, "admin", "missing", validModuleRequest())
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestCatalogCreateModuleValidation(t *testing.T) {
	repo := &memoryCatalogRepo{courses: map[string]*models.Course{"c1": {ID: "c1", Code: "CS"}}}
	svc := NewCatalogService(repo, nil, nil)

	cases := map[string]func(r *CreateModuleRequest){
		"end before start":    func(r *CreateModuleRequest) { r.EndTime = "08:00" },
		"equal times":         func(r *CreateModuleRequest) { r.EndTime = r.StartTime },
		"bad clock":           func(r *CreateModuleRequest) { r.StartTime = "9am!!" },
		"reversed run window": func(r *CreateModuleRequest) { r.RunsFrom, r.RunsTo = r.RunsTo, r.RunsFrom },
		"missing weekday":     func(r *CreateModuleRequest) { r.DayOfWeek = nil },
		"weekday out of range": func(r *CreateModuleRequest) {
			r.DayOfWeek = weekday(7)
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := validModuleRequest()
			mutate(&req)
			_, err := svc.CreateModule(context.Background(), "admin", "c1", req)
			assert.ErrorIs(t, err, appErrors.ErrValidation)
		})
	}

	sunday := validModuleRequest()
	sunday.DayOfWeek = weekday(time.Sunday)
	module, err := svc.CreateModule(context.Background(), "admin", "c1", sunday)
	require.NoError(t, err)
	assert.Equal(t, time.Sunday, module.DayOfWeek)
}
