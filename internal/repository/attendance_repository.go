package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/campus-api/internal/models"
)

const attendanceColumns = `id, student_id, module_id, date, checked_in_at_utc, created_at, created_by, updated_at, updated_by`

// AttendanceRepository persists per-date module check-ins.
type AttendanceRepository struct {
	db *sqlx.DB
}

// NewAttendanceRepository constructs the repository.
func NewAttendanceRepository(db *sqlx.DB) *AttendanceRepository {
	return &AttendanceRepository{db: db}
}

// Insert stores the check-in unless a row already exists for (student, module, date). The
// boolean reports whether this call created the row.
func (r *AttendanceRepository) Insert(ctx context.Context, record *models.StudentAttendance) (bool, error) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	const query = `INSERT INTO student_attendance (id, student_id, module_id, date, checked_in_at_utc, created_at, created_by, updated_at, updated_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (student_id, module_id, date) DO NOTHING
RETURNING id`
	var id string
	err := r.db.GetContext(ctx, &id, query, record.ID, record.StudentID, record.ModuleID, record.Date, record.CheckedInAtUTC,
		record.CreatedAt, record.CreatedBy, record.UpdatedAt, record.UpdatedBy)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("insert attendance: %w", err)
	}
	return true, nil
}

// Find returns the stored check-in for (student, module, date).
func (r *AttendanceRepository) Find(ctx context.Context, studentID, moduleID string, date time.Time) (*models.StudentAttendance, error) {
	query := `SELECT ` + attendanceColumns + ` FROM student_attendance WHERE student_id = $1 AND module_id = $2 AND date = $3`
	var record models.StudentAttendance
	if err := r.db.GetContext(ctx, &record, query, studentID, moduleID, date); err != nil {
		return nil, err
	}
	return &record, nil
}

// CountAttended returns the number of distinct attended dates per (student, module) within
// [from, to] for the given students.
func (r *AttendanceRepository) CountAttended(ctx context.Context, studentIDs []string, from, to time.Time) ([]models.AttendanceCount, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	const query = `SELECT student_id, module_id, COUNT(DISTINCT date) AS attended
FROM student_attendance
WHERE student_id = ANY($1) AND date BETWEEN $2 AND $3
GROUP BY student_id, module_id`
	var counts []models.AttendanceCount
	if err := r.db.SelectContext(ctx, &counts, query, pq.Array(studentIDs), from, to); err != nil {
		return nil, fmt.Errorf("count attendance: %w", err)
	}
	return counts, nil
}

// ListCheckIns returns a student's check-ins within [from, to] on non-deleted modules, by date
// then module code.
func (r *AttendanceRepository) ListCheckIns(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceCheckIn, error) {
	const query = `SELECT a.date, a.module_id, m.code AS module_code, m.name AS module_name, a.checked_in_at_utc
FROM student_attendance a
JOIN modules m ON m.id = a.module_id AND m.is_deleted = FALSE
WHERE a.student_id = $1 AND a.date BETWEEN $2 AND $3
ORDER BY a.date ASC, m.code ASC`
	var rows []models.AttendanceCheckIn
	if err := r.db.SelectContext(ctx, &rows, query, studentID, from, to); err != nil {
		return nil, fmt.Errorf("list check-ins: %w", err)
	}
	return rows, nil
}
