package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/campus-api/internal/models"
)

const (
	courseColumns = `id, code, name, description, created_at, created_by, updated_at, updated_by, is_deleted, deleted_at, deleted_by`
	moduleColumns = `m.id, m.course_id, m.code, m.name, m.academic_year, m.semester, m.day_of_week, m.start_time, m.end_time, m.runs_from, m.runs_to, m.created_at, m.created_by, m.updated_at, m.updated_by, m.is_deleted, m.deleted_at, m.deleted_by`
)

// StudentModule pairs a module with a student currently enrolled in it.
type StudentModule struct {
	StudentID string `db:"student_id"`
	models.Module
}

// CourseRepository persists courses and their modules. Modules of deleted courses are
// treated as deleted.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a non-deleted course.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	query := `SELECT ` + courseColumns + ` FROM courses WHERE id = $1 AND is_deleted = FALSE`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}
	return &course, nil
}

// Create inserts a course. A code collision returns ErrDuplicate.
func (r *CourseRepository) Create(ctx context.Context, course *models.Course) error {
	if course.ID == "" {
		course.ID = uuid.NewString()
	}
	const query = `INSERT INTO courses (id, code, name, description, created_at, created_by, updated_at, updated_by)
VALUES (:id, :code, :name, :description, :created_at, :created_by, :updated_at, :updated_by)`
	if _, err := r.db.NamedExecContext(ctx, query, course); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create course: %w", err)
	}
	return nil
}

// FindModuleByID returns a non-deleted module whose course is not deleted.
func (r *CourseRepository) FindModuleByID(ctx context.Context, id string) (*models.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules m
JOIN courses c ON c.id = m.course_id AND c.is_deleted = FALSE
WHERE m.id = $1 AND m.is_deleted = FALSE`
	var module models.Module
	if err := r.db.GetContext(ctx, &module, query, id); err != nil {
		return nil, err
	}
	return &module, nil
}

// ListModules returns the non-deleted modules of a course.
func (r *CourseRepository) ListModules(ctx context.Context, courseID string) ([]models.Module, error) {
	query := `SELECT ` + moduleColumns + ` FROM modules m WHERE m.course_id = $1 AND m.is_deleted = FALSE
ORDER BY m.academic_year DESC, m.semester DESC, m.code ASC`
	var modules []models.Module
	if err := r.db.SelectContext(ctx, &modules, query, courseID); err != nil {
		return nil, fmt.Errorf("list modules: %w", err)
	}
	return modules, nil
}

// CreateModule inserts a module. A code collision returns ErrDuplicate.
func (r *CourseRepository) CreateModule(ctx context.Context, module *models.Module) error {
	if module.ID == "" {
		module.ID = uuid.NewString()
	}
	const query = `INSERT INTO modules (id, course_id, code, name, academic_year, semester, day_of_week, start_time, end_time, runs_from, runs_to, created_at, created_by, updated_at, updated_by)
VALUES (:id, :course_id, :code, :name, :academic_year, :semester, :day_of_week, :start_time, :end_time, :runs_from, :runs_to, :created_at, :created_by, :updated_at, :updated_by)`
	if _, err := r.db.NamedExecContext(ctx, query, module); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create module: %w", err)
	}
	return nil
}

// ListCurrentModules returns, for each student, the modules they are currently enrolled in
// (status Enrolled), excluding deleted enrollments, modules and courses.
func (r *CourseRepository) ListCurrentModules(ctx context.Context, studentIDs []string) ([]StudentModule, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	query := `SELECT sme.student_id, ` + moduleColumns + `
FROM student_module_enrollments sme
JOIN modules m ON m.id = sme.module_id AND m.is_deleted = FALSE
JOIN courses c ON c.id = m.course_id AND c.is_deleted = FALSE
WHERE sme.student_id = ANY($1) AND sme.status = $2 AND sme.is_deleted = FALSE
ORDER BY sme.student_id, m.code`
	var rows []StudentModule
	if err := r.db.SelectContext(ctx, &rows, query, pq.Array(studentIDs), models.ModuleEnrollmentEnrolled); err != nil {
		return nil, fmt.Errorf("list current modules: %w", err)
	}
	return rows, nil
}
