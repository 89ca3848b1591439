package models

import "time"

// StudentAttendance records the first check-in of a student to a module on a calendar date.
type StudentAttendance struct {
	ID             string    `db:"id" json:"id"`
	StudentID      string    `db:"student_id" json:"student_id"`
	ModuleID       string    `db:"module_id" json:"module_id"`
	Date           time.Time `db:"date" json:"date"`
	CheckedInAtUTC time.Time `db:"checked_in_at_utc" json:"checked_in_at_utc"`
	AuditFields
}

// AttendanceCheckIn is a stored attendance row joined with module info.
type AttendanceCheckIn struct {
	Date           time.Time `db:"date" json:"date"`
	ModuleID       string    `db:"module_id" json:"module_id"`
	ModuleCode     string    `db:"module_code" json:"module_code"`
	ModuleName     string    `db:"module_name" json:"module_name"`
	CheckedInAtUTC time.Time `db:"checked_in_at_utc" json:"checked_in_at_utc"`
}

// AttendanceSummary holds expected and attended session counts. Percent is nil when no
// sessions were expected.
type AttendanceSummary struct {
	Expected int      `json:"expected"`
	Attended int      `json:"attended"`
	Percent  *float64 `json:"percent"`
}

// ModuleAttendanceSummary is the per-module attendance for one student.
type ModuleAttendanceSummary struct {
	ModuleID   string `json:"module_id"`
	ModuleCode string `json:"module_code"`
	ModuleName string `json:"module_name"`
	AttendanceSummary
}

// OverallAttendanceSummary aggregates attendance across a student's current modules.
type OverallAttendanceSummary struct {
	StudentID string                    `json:"student_id"`
	From      time.Time                 `json:"from"`
	To        time.Time                 `json:"to"`
	Modules   []ModuleAttendanceSummary `json:"modules"`
	AttendanceSummary
}

// AttendanceDay lists the modules checked into on a date.
type AttendanceDay struct {
	Date    time.Time           `json:"date"`
	Modules []AttendanceCheckIn `json:"modules"`
}

// AttendanceRosterFilter filters the admin roster.
type AttendanceRosterFilter struct {
	From     time.Time
	To       time.Time
	Search   string
	Page     int
	PageSize int
}

// AttendanceRosterRow is one student's attendance across their current modules.
type AttendanceRosterRow struct {
	StudentID     string `json:"student_id"`
	StudentNumber string `json:"student_number"`
	FirstName     string `json:"first_name"`
	LastName      string `json:"last_name"`
	Email         string `json:"email"`
	AttendanceSummary
}

// AttendanceRoster is a page of roster rows.
type AttendanceRoster struct {
	Rows       []AttendanceRosterRow `json:"rows"`
	Pagination Pagination            `json:"pagination"`
}

// AttendanceCount is the number of attended dates for a student and module in a range.
type AttendanceCount struct {
	StudentID string `db:"student_id"`
	ModuleID  string `db:"module_id"`
	Attended  int    `db:"attended"`
}

// Check-in outcomes.
const (
	CheckInRecorded  = "recorded"
	CheckInDuplicate = "duplicate"
	CheckInNoProfile = "no_profile"
)

// CheckInResult reports the stored row for a check-in. Attendance holds the first check-in of
// the day when the call was a duplicate and is nil when the caller has no student profile.
type CheckInResult struct {
	Outcome    string             `json:"outcome"`
	Attendance *StudentAttendance `json:"attendance,omitempty"`
}
