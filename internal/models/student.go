package models

// Student represents a learner registered in the institution. UserID links the login
// account used for check-ins and the self-service dashboard.
type Student struct {
	ID            string  `db:"id" json:"id"`
	UserID        *string `db:"user_id" json:"user_id,omitempty"`
	StudentNumber string  `db:"student_number" json:"student_number"`
	FirstName     string  `db:"first_name" json:"first_name"`
	LastName      string  `db:"last_name" json:"last_name"`
	Email         string  `db:"email" json:"email"`
	AuditFields
	SoftDelete
}

// FullName joins first and last name.
func (s Student) FullName() string {
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// StudentFilter encapsulates roster search parameters.
type StudentFilter struct {
	Search   string
	Page     int
	PageSize int
}
