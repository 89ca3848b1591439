package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/service"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/response"
)

type attendanceService interface {
	CheckIn(ctx context.Context, userID, moduleID string, instant time.Time) (*models.CheckInResult, error)
	ModuleSummary(ctx context.Context, studentID, moduleID string, from, to time.Time) (*models.ModuleAttendanceSummary, error)
	OverallSummary(ctx context.Context, studentID string, from, to time.Time) (*models.OverallAttendanceSummary, error)
	DailyBreakdown(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceDay, error)
	Roster(ctx context.Context, filter models.AttendanceRosterFilter) (*models.AttendanceRoster, error)
	ExportRoster(ctx context.Context, filter models.AttendanceRosterFilter, format string) (*service.ExportedFile, error)
}

// CheckInRequest names the module being attended.
type CheckInRequest struct {
	ModuleID string `json:"module_id" binding:"required"`
}

// AttendanceHandler exposes check-in and attendance reporting endpoints.
type AttendanceHandler struct {
	service attendanceService
	now     func() time.Time
}

// NewAttendanceHandler constructs AttendanceHandler.
func NewAttendanceHandler(svc attendanceService) *AttendanceHandler {
	return &AttendanceHandler{service: svc, now: time.Now}
}

// CheckIn godoc
// @Summary Record the caller's attendance for a module
// @Description Uses the server clock; the first check-in of the day is kept
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body CheckInRequest true "Module"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /attendance/check-in [post]
func (h *AttendanceHandler) CheckIn(c *gin.Context) {
	var req CheckInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid check-in payload"))
		return
	}
	result, err := h.service.CheckIn(c.Request.Context(), actorID(c), req.ModuleID, h.now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	status := http.StatusOK
	if result.Outcome == models.CheckInRecorded {
		status = http.StatusCreated
	}
	response.JSON(c, status, result, nil)
}

// Summary godoc
// @Summary Overall attendance across current modules
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Param from query string true "From date (YYYY-MM-DD)"
// @Param to query string true "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/attendance/summary [get]
func (h *AttendanceHandler) Summary(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.service.OverallSummary(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// ModuleSummary godoc
// @Summary Attendance for one module
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Param moduleId path string true "Module ID"
// @Param from query string true "From date (YYYY-MM-DD)"
// @Param to query string true "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/attendance/modules/{moduleId} [get]
func (h *AttendanceHandler) ModuleSummary(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	summary, err := h.service.ModuleSummary(c.Request.Context(), c.Param("id"), c.Param("moduleId"), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Daily godoc
// @Summary Day-by-day attended modules
// @Tags Attendance
// @Produce json
// @Param id path string true "Student ID"
// @Param from query string true "From date (YYYY-MM-DD)"
// @Param to query string true "To date (YYYY-MM-DD)"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/attendance/daily [get]
func (h *AttendanceHandler) Daily(c *gin.Context) {
	from, to, err := dateRange(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	days, err := h.service.DailyBreakdown(c.Request.Context(), c.Param("id"), from, to)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, days, nil)
}

// Roster godoc
// @Summary Attendance roster across students
// @Tags Attendance
// @Produce json
// @Param from query string true "From date (YYYY-MM-DD)"
// @Param to query string true "To date (YYYY-MM-DD)"
// @Param search query string false "Student number, name or email"
// @Param page query int false "Page"
// @Param limit query int false "Page size"
// @Success 200 {object} response.Envelope
// @Router /attendance/roster [get]
func (h *AttendanceHandler) Roster(c *gin.Context) {
	filter, err := rosterFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	roster, err := h.service.Roster(c.Request.Context(), filter)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, roster.Rows, &roster.Pagination)
}

// ExportRoster godoc
// @Summary Download the attendance roster
// @Tags Attendance
// @Produce text/csv
// @Produce application/pdf
// @Param from query string true "From date (YYYY-MM-DD)"
// @Param to query string true "To date (YYYY-MM-DD)"
// @Param search query string false "Student number, name or email"
// @Param format query string false "csv or pdf" default(csv)
// @Success 200 {file} file
// @Router /attendance/roster/export [get]
func (h *AttendanceHandler) ExportRoster(c *gin.Context) {
	filter, err := rosterFilter(c)
	if err != nil {
		response.Error(c, err)
		return
	}
	file, err := h.service.ExportRoster(c.Request.Context(), filter, c.DefaultQuery("format", "csv"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, file.Filename, file.ContentType, file.Content)
}

func rosterFilter(c *gin.Context) (models.AttendanceRosterFilter, error) {
	from, to, err := dateRange(c)
	if err != nil {
		return models.AttendanceRosterFilter{}, err
	}
	page, size := pageParams(c)
	return models.AttendanceRosterFilter{
		From:     from,
		To:       to,
		Search:   strings.TrimSpace(c.Query("search")),
		Page:     page,
		PageSize: size,
	}, nil
}
