package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/logger"
)

type enrollmentRepository interface {
	FindActiveCourse(ctx context.Context, studentID string) (*models.CourseEnrollmentDetail, error)
	ListCourses(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error)
	CreateActiveCourse(ctx context.Context, enrollment *models.CourseEnrollment) error
	CloseActiveCourse(ctx context.Context, studentID string, status models.CourseEnrollmentStatus, actor string, now time.Time) (*models.CourseEnrollment, error)
	ModuleEnrollmentExists(ctx context.Context, studentID, moduleID string, academicYear, semester int) (bool, error)
	CreateModuleEnrollment(ctx context.Context, enrollment *models.ModuleEnrollment) error
	FindModuleEnrollment(ctx context.Context, id string) (*models.ModuleEnrollment, error)
	UpdateModuleStatus(ctx context.Context, id string, status models.ModuleEnrollmentStatus, completedAt *time.Time, actor string, now time.Time) (*models.ModuleEnrollment, error)
	SoftDeleteModuleEnrollment(ctx context.Context, id, actor string, now time.Time) (string, error)
	ListModules(ctx context.Context, studentID string) ([]models.ModuleEnrollmentDetail, error)
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
}

type catalogReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
	FindModuleByID(ctx context.Context, id string) (*models.Module, error)
}

// EnrollCourseRequest starts a student's active course.
type EnrollCourseRequest struct {
	StudentID    string `json:"student_id" validate:"required"`
	CourseID     string `json:"course_id" validate:"required"`
	AcademicYear int    `json:"academic_year" validate:"required,gte=1900,lte=9999"`
	YearOfStudy  int    `json:"year_of_study" validate:"required,gte=1,lte=10"`
	Semester     int    `json:"semester" validate:"required,gte=1,lte=3"`
}

// SetCourseStatusRequest ends the active course.
type SetCourseStatusRequest struct {
	Status models.CourseEnrollmentStatus `json:"status" validate:"required"`
}

// EnrollModuleRequest enrolls a student into a module of the active course. Zero term fields
// default to the module's term; a zero year of study defaults to the active course's.
type EnrollModuleRequest struct {
	StudentID    string `json:"student_id" validate:"required"`
	ModuleID     string `json:"module_id" validate:"required"`
	AcademicYear int    `json:"academic_year" validate:"omitempty,gte=1900,lte=9999"`
	YearOfStudy  int    `json:"year_of_study" validate:"omitempty,gte=1,lte=10"`
	Semester     int    `json:"semester" validate:"omitempty,gte=1,lte=3"`
}

// SetModuleStatusRequest moves a module enrollment to a new status.
type SetModuleStatusRequest struct {
	Status models.ModuleEnrollmentStatus `json:"status" validate:"required"`
}

// EnrollmentService enforces the course and module enrollment lifecycle: at most one Active
// course per student, and modules only from that course.
type EnrollmentService struct {
	repo      enrollmentRepository
	students  studentReader
	catalog   catalogReader
	audit     auditWriter
	metrics   *MetricsService
	cache     *CacheService
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs EnrollmentService. Every successful mutation drops the
// student's cached attendance summaries and all cached roster pages.
func NewEnrollmentService(repo enrollmentRepository, students studentReader, catalog catalogReader, audit auditWriter, metrics *MetricsService, cache *CacheService, validate *validator.Validate, logger *zap.Logger) *EnrollmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:      repo,
		students:  students,
		catalog:   catalog,
		audit:     audit,
		metrics:   metrics,
		cache:     cache,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// EnrollCourse creates the student's Active course enrollment.
func (s *EnrollmentService) EnrollCourse(ctx context.Context, actor string, req EnrollCourseRequest) (*models.CourseEnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course enrollment payload")
	}
	if _, err := s.loadStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}
	course, err := s.catalog.FindByID(ctx, req.CourseID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	now := s.now()
	enrollment := &models.CourseEnrollment{
		StudentID:    req.StudentID,
		CourseID:     course.ID,
		AcademicYear: req.AcademicYear,
		YearOfStudy:  req.YearOfStudy,
		Semester:     req.Semester,
		Status:       models.CourseEnrollmentActive,
		StartDateUTC: now,
	}
	enrollment.Stamp(actor, now)
	if err := s.repo.CreateActiveCourse(ctx, enrollment); err != nil {
		switch {
		case errors.Is(err, repository.ErrActiveCourseExists):
			return nil, appErrors.Clone(appErrors.ErrActiveCourseExists, "student already has an active course")
		case errors.Is(err, sql.ErrNoRows):
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create course enrollment")
	}

	s.metrics.RecordEnrollmentTransition("course", string(models.CourseEnrollmentActive))
	s.cache.InvalidateStudent(ctx, req.StudentID)
	s.recordAudit(ctx, actor, models.AuditActionEnrollmentCreate, enrollment.ID, enrollment)
	return &models.CourseEnrollmentDetail{CourseEnrollment: *enrollment, CourseCode: course.Code, CourseName: course.Name}, nil
}

// SetCourseStatus completes or withdraws the student's Active course. Without an Active
// enrollment there is nothing to transition and NotFound is returned.
func (s *EnrollmentService) SetCourseStatus(ctx context.Context, actor, studentID string, req SetCourseStatusRequest) (*models.CourseEnrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid course status payload")
	}
	if !req.Status.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "status must be Completed or Withdrawn")
	}
	if _, err := s.loadStudent(ctx, studentID); err != nil {
		return nil, err
	}
	closed, err := s.repo.CloseActiveCourse(ctx, studentID, req.Status, actor, s.now())
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no active course enrollment")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update course status")
	}
	s.metrics.RecordEnrollmentTransition("course", string(req.Status))
	s.cache.InvalidateStudent(ctx, studentID)
	s.recordAudit(ctx, actor, models.AuditActionEnrollmentUpdate, closed.ID, closed)
	return closed, nil
}

// EnrollModule enrolls the student into a module owned by their Active course.
func (s *EnrollmentService) EnrollModule(ctx context.Context, actor string, req EnrollModuleRequest) (*models.ModuleEnrollmentDetail, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid module enrollment payload")
	}
	if _, err := s.loadStudent(ctx, req.StudentID); err != nil {
		return nil, err
	}
	module, err := s.catalog.FindModuleByID(ctx, req.ModuleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "module not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module")
	}
	active, err := s.repo.FindActiveCourse(ctx, req.StudentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNoActiveCourse, "student has no active course")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active course")
	}
	if module.CourseID != active.CourseID {
		return nil, appErrors.Clone(appErrors.ErrModuleNotInCourse, "module does not belong to the active course")
	}

	academicYear, semester, yearOfStudy := req.AcademicYear, req.Semester, req.YearOfStudy
	if academicYear == 0 {
		academicYear = module.AcademicYear
	}
	if semester == 0 {
		semester = module.Semester
	}
	if yearOfStudy == 0 {
		yearOfStudy = active.YearOfStudy
	}

	exists, err := s.repo.ModuleEnrollmentExists(ctx, req.StudentID, module.ID, academicYear, semester)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check module enrollment")
	}
	if exists {
		return nil, appErrors.Clone(appErrors.ErrDuplicateModuleEnrollment, "module enrollment already exists for term")
	}

	now := s.now()
	enrollment := &models.ModuleEnrollment{
		StudentID:     req.StudentID,
		ModuleID:      module.ID,
		AcademicYear:  academicYear,
		YearOfStudy:   yearOfStudy,
		Semester:      semester,
		Status:        models.ModuleEnrollmentEnrolled,
		EnrolledAtUTC: now,
	}
	enrollment.Stamp(actor, now)
	if err := s.repo.CreateModuleEnrollment(ctx, enrollment); err != nil {
		if errors.Is(err, repository.ErrDuplicateModuleEnrollment) {
			return nil, appErrors.Clone(appErrors.ErrDuplicateModuleEnrollment, "module enrollment already exists for term")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create module enrollment")
	}

	s.metrics.RecordEnrollmentTransition("module", string(models.ModuleEnrollmentEnrolled))
	s.cache.InvalidateStudent(ctx, req.StudentID)
	s.recordAudit(ctx, actor, models.AuditActionEnrollmentCreate, enrollment.ID, enrollment)
	return &models.ModuleEnrollmentDetail{
		ModuleEnrollment: *enrollment,
		ModuleCode:       module.Code,
		ModuleName:       module.Name,
		CourseID:         module.CourseID,
	}, nil
}

// SetModuleStatus moves a module enrollment to status. Closing statuses stamp CompletedAtUTC.
func (s *EnrollmentService) SetModuleStatus(ctx context.Context, actor, enrollmentID string, req SetModuleStatusRequest) (*models.ModuleEnrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid module status payload")
	}
	if !req.Status.Valid() {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported module enrollment status")
	}
	now := s.now()
	var completedAt *time.Time
	if req.Status.Closed() {
		completedAt = &now
	}
	updated, err := s.repo.UpdateModuleStatus(ctx, enrollmentID, req.Status, completedAt, actor, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "module enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update module status")
	}
	s.metrics.RecordEnrollmentTransition("module", string(req.Status))
	s.cache.InvalidateStudent(ctx, updated.StudentID)
	s.recordAudit(ctx, actor, models.AuditActionEnrollmentUpdate, updated.ID, updated)
	return updated, nil
}

// DeleteModuleEnrollment soft-deletes a module enrollment; absent enrollments are a no-op.
func (s *EnrollmentService) DeleteModuleEnrollment(ctx context.Context, actor, enrollmentID string) error {
	studentID, err := s.repo.SoftDeleteModuleEnrollment(ctx, enrollmentID, actor, s.now())
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete module enrollment")
	}
	if studentID == "" {
		return nil
	}
	s.cache.InvalidateStudent(ctx, studentID)
	s.recordAudit(ctx, actor, models.AuditActionEnrollmentDelete, enrollmentID, nil)
	return nil
}

// Dashboard reports the Active course (or nil) with current and past module enrollments,
// newest term first.
func (s *EnrollmentService) Dashboard(ctx context.Context, studentID string) (*models.StudentDashboard, error) {
	if _, err := s.loadStudent(ctx, studentID); err != nil {
		return nil, err
	}
	dashboard := &models.StudentDashboard{
		StudentID:      studentID,
		CurrentModules: []models.ModuleEnrollmentDetail{},
		PastModules:    []models.ModuleEnrollmentDetail{},
	}

	active, err := s.repo.FindActiveCourse(ctx, studentID)
	switch {
	case err == nil:
		dashboard.ActiveCourse = active
	case !errors.Is(err, sql.ErrNoRows):
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load active course")
	}

	modules, err := s.repo.ListModules(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module enrollments")
	}
	for _, m := range modules {
		switch {
		case m.Status == models.ModuleEnrollmentEnrolled:
			dashboard.CurrentModules = append(dashboard.CurrentModules, m)
		case m.Status.Closed():
			dashboard.PastModules = append(dashboard.PastModules, m)
		}
	}
	return dashboard, nil
}

// DashboardForUser resolves the caller's student profile and returns its dashboard.
func (s *EnrollmentService) DashboardForUser(ctx context.Context, userID string) (*models.StudentDashboard, error) {
	student, err := s.students.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no student profile for user")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return s.Dashboard(ctx, student.ID)
}

// ListCourseEnrollments returns the student's course history, newest term first.
func (s *EnrollmentService) ListCourseEnrollments(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error) {
	if _, err := s.loadStudent(ctx, studentID); err != nil {
		return nil, err
	}
	rows, err := s.repo.ListCourses(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list course enrollments")
	}
	if rows == nil {
		rows = []models.CourseEnrollmentDetail{}
	}
	return rows, nil
}

func (s *EnrollmentService) loadStudent(ctx context.Context, id string) (*models.Student, error) {
	student, err := s.students.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return student, nil
}

func (s *EnrollmentService) recordAudit(ctx context.Context, actor, action, resourceID string, payload interface{}) {
	if s.audit == nil {
		return
	}
	entry := &models.AuditLog{
		UserID:     nullableString(actor),
		Action:     action,
		Resource:   "enrollments",
		ResourceID: &resourceID,
	}
	if payload != nil {
		if body, err := marshalAudit(payload); err == nil {
			entry.NewValues = body
		}
	}
	if err := s.audit.CreateAuditLog(ctx, entry); err != nil {
		logger.WithContext(ctx, s.logger).Warn("failed to record enrollment audit log", zap.String("action", action), zap.Error(err))
	}
}
