package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/campus-api/internal/models"
)

const studentColumns = `id, user_id, student_number, first_name, last_name, email, created_at, created_by, updated_at, updated_by, is_deleted, deleted_at, deleted_by`

// StudentRepository handles persistence of student profiles.
type StudentRepository struct {
	db *sqlx.DB
}

// NewStudentRepository constructs the repository.
func NewStudentRepository(db *sqlx.DB) *StudentRepository {
	return &StudentRepository{db: db}
}

// FindByID returns a non-deleted student.
func (r *StudentRepository) FindByID(ctx context.Context, id string) (*models.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE id = $1 AND is_deleted = FALSE`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, id); err != nil {
		return nil, err
	}
	return &student, nil
}

// FindByUserID returns the non-deleted student profile linked to a login.
func (r *StudentRepository) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	query := `SELECT ` + studentColumns + ` FROM students WHERE user_id = $1 AND is_deleted = FALSE`
	var student models.Student
	if err := r.db.GetContext(ctx, &student, query, userID); err != nil {
		return nil, err
	}
	return &student, nil
}

// Create inserts a student. A student number collision returns ErrDuplicate.
func (r *StudentRepository) Create(ctx context.Context, student *models.Student) error {
	if student.ID == "" {
		student.ID = uuid.NewString()
	}
	const query = `INSERT INTO students (id, user_id, student_number, first_name, last_name, email, created_at, created_by, updated_at, updated_by)
VALUES (:id, :user_id, :student_number, :first_name, :last_name, :email, :created_at, :created_by, :updated_at, :updated_by)`
	if _, err := r.db.NamedExecContext(ctx, query, student); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("create student: %w", err)
	}
	return nil
}

// List returns a page of non-deleted students ordered by last then first name. Search
// matches student number, names and email case-insensitively.
func (r *StudentRepository) List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error) {
	base := `FROM students WHERE is_deleted = FALSE`
	var args []interface{}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, containsPattern(strings.ToLower(search)))
		base += ` AND (LOWER(student_number) LIKE $1 ESCAPE '\' OR LOWER(first_name) LIKE $1 ESCAPE '\' OR LOWER(last_name) LIKE $1 ESCAPE '\' OR LOWER(email) LIKE $1 ESCAPE '\')`
	}
	_, size, offset := normalizePage(filter.Page, filter.PageSize)

	query := fmt.Sprintf(`SELECT %s %s ORDER BY last_name ASC, first_name ASC, id ASC LIMIT %d OFFSET %d`, studentColumns, base, size, offset)
	var students []models.Student
	if err := r.db.SelectContext(ctx, &students, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list students: %w", err)
	}

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) `+base, args...); err != nil {
		return nil, 0, fmt.Errorf("count students: %w", err)
	}
	return students, total, nil
}
