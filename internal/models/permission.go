package models

import (
	"fmt"
	"strings"
)

// Permission is a 64-bit capability mask. Bit positions are persisted in role and user rows
// and must never be reassigned.
type Permission int64

// Permission bits.
const (
	PermissionNone Permission = 0

	PermissionCatalogRead       Permission = 1 << 0
	PermissionCatalogWrite      Permission = 1 << 1
	PermissionStudentRead       Permission = 1 << 2
	PermissionStudentWrite      Permission = 1 << 3
	PermissionEnrollmentRead    Permission = 1 << 4
	PermissionEnrollmentWrite   Permission = 1 << 5
	PermissionEnrollmentApprove Permission = 1 << 6
	PermissionAttendanceCheckIn Permission = 1 << 7
	PermissionAttendanceRead    Permission = 1 << 8
	PermissionAttendanceReadAll Permission = 1 << 9
	PermissionAttendanceExport  Permission = 1 << 10
	PermissionUserRead          Permission = 1 << 11
	PermissionUserManageRoles   Permission = 1 << 12
	PermissionRoleRead          Permission = 1 << 13
	PermissionRoleWrite         Permission = 1 << 14
	PermissionSystemBootstrap   Permission = 1 << 15

	// PermissionSuperAdmin satisfies every check.
	PermissionSuperAdmin Permission = 1 << 60
)

// PermissionDefinition names one catalog bit.
type PermissionDefinition struct {
	Key         string
	Value       Permission
	Description string
}

// PermissionCatalog lists every named permission. Order is irrelevant; consumers sort by bit.
var PermissionCatalog = []PermissionDefinition{
	{Key: "None", Value: PermissionNone, Description: "No permissions"},
	{Key: "CatalogRead", Value: PermissionCatalogRead, Description: "View courses and modules"},
	{Key: "CatalogWrite", Value: PermissionCatalogWrite, Description: "Create and edit courses and modules"},
	{Key: "StudentRead", Value: PermissionStudentRead, Description: "View student profiles"},
	{Key: "StudentWrite", Value: PermissionStudentWrite, Description: "Create and edit student profiles"},
	{Key: "EnrollmentRead", Value: PermissionEnrollmentRead, Description: "View course and module enrollments"},
	{Key: "EnrollmentWrite", Value: PermissionEnrollmentWrite, Description: "Enroll students in courses and modules"},
	{Key: "EnrollmentApprove", Value: PermissionEnrollmentApprove, Description: "Complete, withdraw or fail enrollments"},
	{Key: "AttendanceCheckIn", Value: PermissionAttendanceCheckIn, Description: "Record own attendance check-ins"},
	{Key: "AttendanceRead", Value: PermissionAttendanceRead, Description: "View a student's attendance summaries"},
	{Key: "AttendanceReadAll", Value: PermissionAttendanceReadAll, Description: "View the attendance roster for all students"},
	{Key: "AttendanceExport", Value: PermissionAttendanceExport, Description: "Export the attendance roster"},
	{Key: "UserRead", Value: PermissionUserRead, Description: "View user accounts"},
	{Key: "UserManageRoles", Value: PermissionUserManageRoles, Description: "Assign and revoke user roles"},
	{Key: "RoleRead", Value: PermissionRoleRead, Description: "View roles and permission metadata"},
	{Key: "RoleWrite", Value: PermissionRoleWrite, Description: "Create, edit and delete custom roles"},
	{Key: "SystemBootstrap", Value: PermissionSystemBootstrap, Description: "Seed built-in system roles"},
	{Key: "SuperAdmin", Value: PermissionSuperAdmin, Description: "Unrestricted access to every operation"},
}

// Has reports whether every bit of required is present in p.
func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Keys returns the catalog keys of the bits set in p.
func (p Permission) Keys() []string {
	keys := make([]string, 0)
	for _, def := range PermissionCatalog {
		if def.Value != PermissionNone && p&def.Value == def.Value {
			keys = append(keys, def.Key)
		}
	}
	return keys
}

// LookupPermission resolves a catalog key case-insensitively.
func LookupPermission(key string) (Permission, bool) {
	for _, def := range PermissionCatalog {
		if strings.EqualFold(def.Key, key) {
			return def.Value, true
		}
	}
	return PermissionNone, false
}

// ParsePermissionKeys ORs the bits named by keys. Unknown keys are reported together.
func ParsePermissionKeys(keys []string) (Permission, error) {
	var mask Permission
	var unknown []string
	for _, key := range keys {
		value, ok := LookupPermission(strings.TrimSpace(key))
		if !ok {
			unknown = append(unknown, key)
			continue
		}
		mask |= value
	}
	if len(unknown) > 0 {
		return PermissionNone, fmt.Errorf("unknown permissions: %s", strings.Join(unknown, ", "))
	}
	return mask, nil
}
