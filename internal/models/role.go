package models

// System role keys created at bootstrap.
const (
	RoleKeyStudent = "student"
	RoleKeyStaff   = "staff"
	RoleKeyAdmin   = "admin"
)

// Role is a named, ranked bundle of permission bits. Rank orders roles for display only.
type Role struct {
	ID          string     `db:"id" json:"id"`
	Key         string     `db:"key" json:"key"`
	Name        string     `db:"name" json:"name"`
	Permissions Permission `db:"permissions" json:"permissions"`
	Rank        int        `db:"rank" json:"rank"`
	IsSystem    bool       `db:"is_system" json:"is_system"`
	AuditFields
	SoftDelete
}

// PropagationResult reports which cached user permissions were rewritten after a role change.
type PropagationResult struct {
	Updated []string `json:"updated"`
	Skipped []string `json:"skipped,omitempty"`
}
