package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-api/internal/models"
)

const (
	courseEnrollmentColumns = `e.id, e.student_id, e.course_id, e.academic_year, e.year_of_study, e.semester, e.status, e.start_date_utc, e.end_date_utc, e.created_at, e.created_by, e.updated_at, e.updated_by, e.is_deleted, e.deleted_at, e.deleted_by`
	moduleEnrollmentColumns = `e.id, e.student_id, e.module_id, e.academic_year, e.year_of_study, e.semester, e.status, e.enrolled_at_utc, e.completed_at_utc, e.created_at, e.created_by, e.updated_at, e.updated_by, e.is_deleted, e.deleted_at, e.deleted_by`
)

// EnrollmentRepository persists course and module enrollments. Writes that touch a
// student's active course hold that student's row lock for the duration of the transaction.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// FindActiveCourse returns the student's non-deleted Active course enrollment. Returns
// sql.ErrNoRows when there is none. The course's own soft-delete flag is not consulted: the
// enrollment row alone decides Active, as in CreateActiveCourse and CloseActiveCourse.
func (r *EnrollmentRepository) FindActiveCourse(ctx context.Context, studentID string) (*models.CourseEnrollmentDetail, error) {
	query := `SELECT ` + courseEnrollmentColumns + `, c.code AS course_code, c.name AS course_name
FROM student_course_enrollments e
JOIN courses c ON c.id = e.course_id
WHERE e.student_id = $1 AND e.status = $2 AND e.is_deleted = FALSE
LIMIT 1`
	var detail models.CourseEnrollmentDetail
	if err := r.db.GetContext(ctx, &detail, query, studentID, models.CourseEnrollmentActive); err != nil {
		return nil, err
	}
	return &detail, nil
}

// ListCourses returns the student's course enrollment history, newest term first.
func (r *EnrollmentRepository) ListCourses(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error) {
	query := `SELECT ` + courseEnrollmentColumns + `, c.code AS course_code, c.name AS course_name
FROM student_course_enrollments e
JOIN courses c ON c.id = e.course_id AND c.is_deleted = FALSE
WHERE e.student_id = $1 AND e.is_deleted = FALSE
ORDER BY e.academic_year DESC, e.semester DESC, e.start_date_utc DESC`
	var rows []models.CourseEnrollmentDetail
	if err := r.db.SelectContext(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("list course enrollments: %w", err)
	}
	return rows, nil
}

// CreateActiveCourse inserts an Active course enrollment after checking, under the student's
// row lock, that no other Active enrollment exists. Returns sql.ErrNoRows when the student is
// absent and ErrActiveCourseExists when one is already active.
func (r *EnrollmentRepository) CreateActiveCourse(ctx context.Context, enrollment *models.CourseEnrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	return withTx(ctx, r.db, "course enrollment", func(tx *sqlx.Tx) error {
		if err := lockStudent(ctx, tx, enrollment.StudentID); err != nil {
			return err
		}
		var exists int
		err := tx.GetContext(ctx, &exists, `SELECT 1 FROM student_course_enrollments WHERE student_id = $1 AND status = $2 AND is_deleted = FALSE LIMIT 1`,
			enrollment.StudentID, models.CourseEnrollmentActive)
		switch {
		case err == nil:
			return ErrActiveCourseExists
		case err != sql.ErrNoRows:
			return fmt.Errorf("check active course: %w", err)
		}

		const insert = `INSERT INTO student_course_enrollments (id, student_id, course_id, academic_year, year_of_study, semester, status, start_date_utc, end_date_utc, created_at, created_by, updated_at, updated_by)
VALUES (:id, :student_id, :course_id, :academic_year, :year_of_study, :semester, :status, :start_date_utc, :end_date_utc, :created_at, :created_by, :updated_at, :updated_by)`
		if _, err := tx.NamedExecContext(ctx, insert, enrollment); err != nil {
			if isUniqueViolation(err) {
				return ErrActiveCourseExists
			}
			return fmt.Errorf("create course enrollment: %w", err)
		}
		return nil
	})
}

// CloseActiveCourse moves the student's Active course enrollment to status and stamps its end
// date. Returns sql.ErrNoRows when there is no Active enrollment.
func (r *EnrollmentRepository) CloseActiveCourse(ctx context.Context, studentID string, status models.CourseEnrollmentStatus, actor string, now time.Time) (*models.CourseEnrollment, error) {
	var closed models.CourseEnrollment
	err := withTx(ctx, r.db, "course status", func(tx *sqlx.Tx) error {
		if err := lockStudent(ctx, tx, studentID); err != nil {
			return err
		}
		query := `UPDATE student_course_enrollments e SET status = $3, end_date_utc = $4, updated_at = $4, updated_by = $5
WHERE e.student_id = $1 AND e.status = $2 AND e.is_deleted = FALSE
RETURNING ` + courseEnrollmentColumns
		return tx.GetContext(ctx, &closed, query, studentID, models.CourseEnrollmentActive, status, now, nullableActor(actor))
	})
	if err != nil {
		return nil, err
	}
	return &closed, nil
}

// ModuleEnrollmentExists reports whether a non-deleted enrollment exists for the term tuple.
func (r *EnrollmentRepository) ModuleEnrollmentExists(ctx context.Context, studentID, moduleID string, academicYear, semester int) (bool, error) {
	const query = `SELECT 1 FROM student_module_enrollments
WHERE student_id = $1 AND module_id = $2 AND academic_year = $3 AND semester = $4 AND is_deleted = FALSE LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, studentID, moduleID, academicYear, semester); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check module enrollment: %w", err)
	}
	return true, nil
}

// CreateModuleEnrollment inserts a module enrollment. A term duplicate returns
// ErrDuplicateModuleEnrollment.
func (r *EnrollmentRepository) CreateModuleEnrollment(ctx context.Context, enrollment *models.ModuleEnrollment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	const query = `INSERT INTO student_module_enrollments (id, student_id, module_id, academic_year, year_of_study, semester, status, enrolled_at_utc, completed_at_utc, created_at, created_by, updated_at, updated_by)
VALUES (:id, :student_id, :module_id, :academic_year, :year_of_study, :semester, :status, :enrolled_at_utc, :completed_at_utc, :created_at, :created_by, :updated_at, :updated_by)`
	if _, err := r.db.NamedExecContext(ctx, query, enrollment); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateModuleEnrollment
		}
		return fmt.Errorf("create module enrollment: %w", err)
	}
	return nil
}

// FindModuleEnrollment returns a non-deleted module enrollment.
func (r *EnrollmentRepository) FindModuleEnrollment(ctx context.Context, id string) (*models.ModuleEnrollment, error) {
	query := `SELECT ` + moduleEnrollmentColumns + ` FROM student_module_enrollments e WHERE e.id = $1 AND e.is_deleted = FALSE`
	var enrollment models.ModuleEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// UpdateModuleStatus sets the status and completion stamp of a non-deleted module enrollment.
// Returns sql.ErrNoRows when it is absent.
func (r *EnrollmentRepository) UpdateModuleStatus(ctx context.Context, id string, status models.ModuleEnrollmentStatus, completedAt *time.Time, actor string, now time.Time) (*models.ModuleEnrollment, error) {
	query := `UPDATE student_module_enrollments e SET status = $2, completed_at_utc = $3, updated_at = $4, updated_by = $5
WHERE e.id = $1 AND e.is_deleted = FALSE
RETURNING ` + moduleEnrollmentColumns
	var enrollment models.ModuleEnrollment
	if err := r.db.GetContext(ctx, &enrollment, query, id, status, completedAt, now, nullableActor(actor)); err != nil {
		return nil, err
	}
	return &enrollment, nil
}

// SoftDeleteModuleEnrollment marks the enrollment deleted and returns its student ID. An empty
// ID means no live row matched.
func (r *EnrollmentRepository) SoftDeleteModuleEnrollment(ctx context.Context, id, actor string, now time.Time) (string, error) {
	const query = `UPDATE student_module_enrollments SET is_deleted = TRUE, deleted_at = $2, deleted_by = $3, updated_at = $2, updated_by = $3
WHERE id = $1 AND is_deleted = FALSE
RETURNING student_id`
	var studentID string
	if err := r.db.GetContext(ctx, &studentID, query, id, now, nullableActor(actor)); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("delete module enrollment: %w", err)
	}
	return studentID, nil
}

// ListModules returns the student's module enrollments on non-deleted modules and courses,
// newest term first.
func (r *EnrollmentRepository) ListModules(ctx context.Context, studentID string) ([]models.ModuleEnrollmentDetail, error) {
	query := `SELECT ` + moduleEnrollmentColumns + `, m.code AS module_code, m.name AS module_name, m.course_id
FROM student_module_enrollments e
JOIN modules m ON m.id = e.module_id AND m.is_deleted = FALSE
JOIN courses c ON c.id = m.course_id AND c.is_deleted = FALSE
WHERE e.student_id = $1 AND e.is_deleted = FALSE
ORDER BY e.academic_year DESC, e.semester DESC, m.code ASC`
	var rows []models.ModuleEnrollmentDetail
	if err := r.db.SelectContext(ctx, &rows, query, studentID); err != nil {
		return nil, fmt.Errorf("list module enrollments: %w", err)
	}
	return rows, nil
}

func lockStudent(ctx context.Context, tx *sqlx.Tx, studentID string) error {
	var id string
	if err := tx.GetContext(ctx, &id, `SELECT id FROM students WHERE id = $1 AND is_deleted = FALSE FOR UPDATE`, studentID); err != nil {
		if err == sql.ErrNoRows {
			return err
		}
		return fmt.Errorf("lock student: %w", err)
	}
	return nil
}

func nullableActor(actor string) *string {
	if actor == "" {
		return nil
	}
	return &actor
}
