package service

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/logger"
)

const clockLayout = "15:04"

type catalogRepository interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	Create(ctx context.Context, course *models.Course) error
	ListModules(ctx context.Context, courseID string) ([]models.Module, error)
	CreateModule(ctx context.Context, module *models.Module) error
}

// CreateCourseRequest defines a course.
type CreateCourseRequest struct {
	Code        string `json:"code" validate:"required,max=32"`
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description"`
}

// CreateModuleRequest defines a weekly module of a course. Times are local "HH:MM".
type CreateModuleRequest struct {
	Code         string    `json:"code" validate:"required,max=32"`
	Name         string    `json:"name" validate:"required,max=200"`
	AcademicYear int       `json:"academic_year" validate:"required,gte=1900,lte=9999"`
	Semester     int       `json:"semester" validate:"required,gte=1,lte=3"`
	DayOfWeek    *int      `json:"day_of_week" validate:"required,gte=0,lte=6"`
	StartTime    string    `json:"start_time" validate:"required,len=5"`
	EndTime      string    `json:"end_time" validate:"required,len=5"`
	RunsFrom     time.Time `json:"runs_from" validate:"required"`
	RunsTo       time.Time `json:"runs_to" validate:"required"`
}

// CatalogService manages courses and modules.
type CatalogService struct {
	repo      catalogRepository
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewCatalogService constructs the catalog service.
func NewCatalogService(repo catalogRepository, validate *validator.Validate, logger *zap.Logger) *CatalogService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogService{repo: repo, validator: validate, logger: logger, now: time.Now}
}

// CreateCourse registers a course under a unique code.
func (s *CatalogService) CreateCourse(ctx context.Context, actor string, req CreateCourseRequest) (*models.Course, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course payload")
	}
	course := &models.Course{
		Code:        strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:        strings.TrimSpace(req.Name),
		Description: strings.TrimSpace(req.Description),
	}
	course.Stamp(actor, s.now().UTC())
	if err := s.repo.Create(ctx, course); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateCode, "course code already in use")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course")
	}
	return course, nil
}

// GetCourse returns a course.
func (s *CatalogService) GetCourse(ctx context.Context, id string) (*models.Course, error) {
	course, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	return course, nil
}

// CreateModule adds a module to an existing course.
func (s *CatalogService) CreateModule(ctx context.Context, actor, courseID string, req CreateModuleRequest) (*models.Module, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid module payload")
	}
	start, err := time.Parse(clockLayout, req.StartTime)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_time must be HH:MM")
	}
	end, err := time.Parse(clockLayout, req.EndTime)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrValidation, "end_time must be HH:MM")
	}
	if !start.Before(end) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "start_time must be before end_time")
	}
	runsFrom, runsTo := calendarDate(req.RunsFrom), calendarDate(req.RunsTo)
	if runsFrom.After(runsTo) {
		return nil, appErrors.Clone(appErrors.ErrValidation, "runs_from must not be after runs_to")
	}
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}

	module := &models.Module{
		CourseID:     courseID,
		Code:         strings.ToUpper(strings.TrimSpace(req.Code)),
		Name:         strings.TrimSpace(req.Name),
		AcademicYear: req.AcademicYear,
		Semester:     req.Semester,
		DayOfWeek:    time.Weekday(*req.DayOfWeek),
		StartTime:    req.StartTime,
		EndTime:      req.EndTime,
		RunsFrom:     runsFrom,
		RunsTo:       runsTo,
	}
	module.Stamp(actor, s.now().UTC())
	if err := s.repo.CreateModule(ctx, module); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateCode, "module code already in use")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create module")
	}
	logger.WithContext(ctx, s.logger).Info("module created", zap.String("course_id", courseID), zap.String("module_code", module.Code))
	return module, nil
}

// ListModules returns the non-deleted modules of a course.
func (s *CatalogService) ListModules(ctx context.Context, courseID string) ([]models.Module, error) {
	if _, err := s.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	modules, err := s.repo.ListModules(ctx, courseID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list modules")
	}
	return modules, nil
}
