package models

import "time"

// Course groups modules under a unique code.
type Course struct {
	ID          string `db:"id" json:"id"`
	Code        string `db:"code" json:"code"`
	Name        string `db:"name" json:"name"`
	Description string `db:"description" json:"description"`
	AuditFields
	SoftDelete
}

// Module is a weekly recurring unit of a course. StartTime and EndTime are local "HH:MM"
// clock values; RunsFrom and RunsTo are calendar dates.
type Module struct {
	ID           string       `db:"id" json:"id"`
	CourseID     string       `db:"course_id" json:"course_id"`
	Code         string       `db:"code" json:"code"`
	Name         string       `db:"name" json:"name"`
	AcademicYear int          `db:"academic_year" json:"academic_year"`
	Semester     int          `db:"semester" json:"semester"`
	DayOfWeek    time.Weekday `db:"day_of_week" json:"day_of_week"`
	StartTime    string       `db:"start_time" json:"start_time"`
	EndTime      string       `db:"end_time" json:"end_time"`
	RunsFrom     time.Time    `db:"runs_from" json:"runs_from"`
	RunsTo       time.Time    `db:"runs_to" json:"runs_to"`
	AuditFields
	SoftDelete
}
