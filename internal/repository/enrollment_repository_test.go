package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-api/internal/models"
)

const lockStudentQuery = "SELECT id FROM students WHERE id = $1 AND is_deleted = FALSE FOR UPDATE"

func newCourseEnrollment(studentID, courseID string) *models.CourseEnrollment {
	now := time.Date(2024, 9, 1, 8, 0, 0, 0, time.UTC)
	e := &models.CourseEnrollment{
		StudentID:    studentID,
		CourseID:     courseID,
		AcademicYear: 2024,
		YearOfStudy:  1,
		Semester:     1,
		Status:       models.CourseEnrollmentActive,
		StartDateUTC: now,
	}
	e.Stamp("", now)
	return e
}

func TestEnrollmentRepositoryCreateActiveCourse(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStudentQuery)).WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM student_course_enrollments WHERE student_id = $1 AND status = $2")).
		WithArgs("stu-1", models.CourseEnrollmentActive).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO student_course_enrollments").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	enrollment := newCourseEnrollment("stu-1", "course-1")
	require.NoError(t, repo.CreateActiveCourse(context.Background(), enrollment))
	assert.NotEmpty(t, enrollment.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateActiveCourseConflict(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStudentQuery)).WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery("SELECT 1 FROM student_course_enrollments").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.CreateActiveCourse(context.Background(), newCourseEnrollment("stu-1", "course-2"))
	assert.ErrorIs(t, err, ErrActiveCourseExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateActiveCourseUniqueRace(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStudentQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery("SELECT 1 FROM student_course_enrollments").WillReturnError(sql.ErrNoRows)
	mock.ExpectExec("INSERT INTO student_course_enrollments").WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	err := repo.CreateActiveCourse(context.Background(), newCourseEnrollment("stu-1", "course-2"))
	assert.ErrorIs(t, err, ErrActiveCourseExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCloseActiveCourseWithoutActive(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStudentQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE student_course_enrollments e SET status = $3, end_date_utc = $4")).
		WithArgs("stu-1", models.CourseEnrollmentActive, models.CourseEnrollmentWithdrawn, now, "actor").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.CloseActiveCourse(context.Background(), "stu-1", models.CourseEnrollmentWithdrawn, "actor", now)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCloseActiveCourse(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(lockStudentQuery)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("stu-1"))
	mock.ExpectQuery("UPDATE student_course_enrollments e SET status").
		WillReturnRows(sqlmock.NewRows([]string{"id", "student_id", "course_id", "status", "end_date_utc"}).
			AddRow("enr-1", "stu-1", "course-1", string(models.CourseEnrollmentCompleted), now))
	mock.ExpectCommit()

	closed, err := repo.CloseActiveCourse(context.Background(), "stu-1", models.CourseEnrollmentCompleted, "", now)
	require.NoError(t, err)
	assert.Equal(t, models.CourseEnrollmentCompleted, closed.Status)
	require.NotNil(t, closed.EndDateUTC)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateModuleEnrollmentDuplicate(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectExec("INSERT INTO student_module_enrollments").WillReturnError(&pq.Error{Code: "23505"})

	err := repo.CreateModuleEnrollment(context.Background(), &models.ModuleEnrollment{StudentID: "stu-1", ModuleID: "mod-1"})
	assert.ErrorIs(t, err, ErrDuplicateModuleEnrollment)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryModuleEnrollmentExists(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery("SELECT 1 FROM student_module_enrollments").
		WithArgs("stu-1", "mod-1", 2024, 1).
		WillReturnError(sql.ErrNoRows)

	exists, err := repo.ModuleEnrollmentExists(context.Background(), "stu-1", "mod-1", 2024, 1)
	require.NoError(t, err)
	assert.False(t, exists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySoftDeleteModuleEnrollment(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("UPDATE student_module_enrollments SET is_deleted = TRUE")).
		WithArgs("enr-1", sqlmock.AnyArg(), "admin").
		WillReturnRows(sqlmock.NewRows([]string{"student_id"}).AddRow("stu-1"))
	mock.ExpectQuery(regexp.QuoteMeta("RETURNING student_id")).
		WithArgs("enr-1", sqlmock.AnyArg(), nil).
		WillReturnError(sql.ErrNoRows)

	studentID, err := repo.SoftDeleteModuleEnrollment(context.Background(), "enr-1", "admin", time.Now())
	require.NoError(t, err)
	assert.Equal(t, "stu-1", studentID)

	studentID, err = repo.SoftDeleteModuleEnrollment(context.Background(), "enr-1", "", time.Now())
	require.NoError(t, err)
	assert.Empty(t, studentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryFindActiveCourseIgnoresCourseDeletion(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "course_id", "status", "course_code", "course_name"}).
		AddRow("enr-1", "stu-1", "course-1", string(models.CourseEnrollmentActive), "CS", "Computer Science")
	mock.ExpectQuery(regexp.QuoteMeta("JOIN courses c ON c.id = e.course_id WHERE e.student_id = $1 AND e.status = $2 AND e.is_deleted = FALSE")).
		WithArgs("stu-1", models.CourseEnrollmentActive).
		WillReturnRows(rows)

	active, err := repo.FindActiveCourse(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "course-1", active.CourseID)
	assert.Equal(t, "CS", active.CourseCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryListModules(t *testing.T) {
	db, mock, cleanup := newMock(t)
	defer cleanup()
	repo := NewEnrollmentRepository(db)

	rows := sqlmock.NewRows([]string{"id", "student_id", "module_id", "academic_year", "semester", "status", "module_code", "module_name", "course_id"}).
		AddRow("e2", "stu-1", "mod-2", 2024, 2, "Enrolled", "CS102", "Algorithms", "course-1").
		AddRow("e1", "stu-1", "mod-1", 2024, 1, "Completed", "CS101", "Intro", "course-1")
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY e.academic_year DESC, e.semester DESC")).
		WithArgs("stu-1").
		WillReturnRows(rows)

	modules, err := repo.ListModules(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, modules, 2)
	assert.Equal(t, "CS102", modules[0].ModuleCode)
	assert.Equal(t, models.ModuleEnrollmentCompleted, modules[1].Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
