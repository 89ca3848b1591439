package models

import "time"

// AuditAction constants represent actions to be logged.
const (
	AuditActionLogin             = "LOGIN"
	AuditActionRoleCreate        = "ROLE_CREATE"
	AuditActionRoleUpdate        = "ROLE_UPDATE"
	AuditActionRoleDelete        = "ROLE_DELETE"
	AuditActionRoleAssign        = "ROLE_ASSIGN"
	AuditActionRoleRevoke        = "ROLE_REVOKE"
	AuditActionEnrollmentCreate  = "ENROLLMENT_CREATE"
	AuditActionEnrollmentUpdate  = "ENROLLMENT_UPDATE"
	AuditActionEnrollmentDelete  = "ENROLLMENT_DELETE"
	AuditActionAttendanceCheckIn = "ATTENDANCE_CHECK_IN"
	AuditActionRosterExport      = "ATTENDANCE_ROSTER_EXPORT"
)

// AuditFields carries creation and modification stamps shared by every entity.
type AuditFields struct {
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	CreatedBy *string   `db:"created_by" json:"created_by,omitempty"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
	UpdatedBy *string   `db:"updated_by" json:"updated_by,omitempty"`
}

// Stamp initialises the audit fields for a new record created by actor at now.
func (a *AuditFields) Stamp(actor string, now time.Time) {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if actor != "" {
		a.CreatedBy = &actor
		a.UpdatedBy = &actor
	}
}

// SoftDelete marks logically removed rows. Standard reads exclude IsDeleted rows.
type SoftDelete struct {
	IsDeleted bool       `db:"is_deleted" json:"-"`
	DeletedAt *time.Time `db:"deleted_at" json:"-"`
	DeletedBy *string    `db:"deleted_by" json:"-"`
}

// AuditLog represents an audit trail record.
type AuditLog struct {
	ID         string    `db:"id" json:"id"`
	UserID     *string   `db:"user_id" json:"user_id,omitempty"`
	Action     string    `db:"action" json:"action"`
	Resource   string    `db:"resource" json:"resource"`
	ResourceID *string   `db:"resource_id" json:"resource_id,omitempty"`
	OldValues  []byte    `db:"old_values" json:"old_values,omitempty"`
	NewValues  []byte    `db:"new_values" json:"new_values,omitempty"`
	IPAddress  string    `db:"ip_address" json:"ip_address"`
	UserAgent  string    `db:"user_agent" json:"user_agent"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
