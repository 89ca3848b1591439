package models

import "time"

// CourseEnrollmentStatus represents the lifecycle of a course enrollment.
type CourseEnrollmentStatus string

// Course enrollment statuses. A student holds at most one non-deleted Active enrollment.
const (
	CourseEnrollmentActive    CourseEnrollmentStatus = "Active"
	CourseEnrollmentCompleted CourseEnrollmentStatus = "Completed"
	CourseEnrollmentWithdrawn CourseEnrollmentStatus = "Withdrawn"
)

// Terminal reports whether the status ends the course track.
func (s CourseEnrollmentStatus) Terminal() bool {
	return s == CourseEnrollmentCompleted || s == CourseEnrollmentWithdrawn
}

// ModuleEnrollmentStatus represents the lifecycle of a module enrollment.
type ModuleEnrollmentStatus string

// Module enrollment statuses.
const (
	ModuleEnrollmentEnrolled  ModuleEnrollmentStatus = "Enrolled"
	ModuleEnrollmentCompleted ModuleEnrollmentStatus = "Completed"
	ModuleEnrollmentWithdrawn ModuleEnrollmentStatus = "Withdrawn"
	ModuleEnrollmentFailed    ModuleEnrollmentStatus = "Failed"
)

// Valid returns true when the status is a supported value.
func (s ModuleEnrollmentStatus) Valid() bool {
	switch s {
	case ModuleEnrollmentEnrolled, ModuleEnrollmentCompleted, ModuleEnrollmentWithdrawn, ModuleEnrollmentFailed:
		return true
	default:
		return false
	}
}

// Closed reports whether the module enrollment is finished (past).
func (s ModuleEnrollmentStatus) Closed() bool {
	return s == ModuleEnrollmentCompleted || s == ModuleEnrollmentWithdrawn || s == ModuleEnrollmentFailed
}

// CourseEnrollment links a student to a course for a term.
type CourseEnrollment struct {
	ID           string                 `db:"id" json:"id"`
	StudentID    string                 `db:"student_id" json:"student_id"`
	CourseID     string                 `db:"course_id" json:"course_id"`
	AcademicYear int                    `db:"academic_year" json:"academic_year"`
	YearOfStudy  int                    `db:"year_of_study" json:"year_of_study"`
	Semester     int                    `db:"semester" json:"semester"`
	Status       CourseEnrollmentStatus `db:"status" json:"status"`
	StartDateUTC time.Time              `db:"start_date_utc" json:"start_date_utc"`
	EndDateUTC   *time.Time             `db:"end_date_utc" json:"end_date_utc,omitempty"`
	AuditFields
	SoftDelete
}

// CourseEnrollmentDetail enriches CourseEnrollment with course info.
type CourseEnrollmentDetail struct {
	CourseEnrollment
	CourseCode string `db:"course_code" json:"course_code"`
	CourseName string `db:"course_name" json:"course_name"`
}

// ModuleEnrollment links a student to a module for a term.
type ModuleEnrollment struct {
	ID             string                 `db:"id" json:"id"`
	StudentID      string                 `db:"student_id" json:"student_id"`
	ModuleID       string                 `db:"module_id" json:"module_id"`
	AcademicYear   int                    `db:"academic_year" json:"academic_year"`
	YearOfStudy    int                    `db:"year_of_study" json:"year_of_study"`
	Semester       int                    `db:"semester" json:"semester"`
	Status         ModuleEnrollmentStatus `db:"status" json:"status"`
	EnrolledAtUTC  time.Time              `db:"enrolled_at_utc" json:"enrolled_at_utc"`
	CompletedAtUTC *time.Time             `db:"completed_at_utc" json:"completed_at_utc,omitempty"`
	AuditFields
	SoftDelete
}

// ModuleEnrollmentDetail enriches ModuleEnrollment with module and course info.
type ModuleEnrollmentDetail struct {
	ModuleEnrollment
	ModuleCode string `db:"module_code" json:"module_code"`
	ModuleName string `db:"module_name" json:"module_name"`
	CourseID   string `db:"course_id" json:"course_id"`
}

// StudentDashboard is the read-side view of a student's enrollments.
type StudentDashboard struct {
	StudentID      string                   `json:"student_id"`
	ActiveCourse   *CourseEnrollmentDetail  `json:"active_course"`
	CurrentModules []ModuleEnrollmentDetail `json:"current_modules"`
	PastModules    []ModuleEnrollmentDetail `json:"past_modules"`
}
