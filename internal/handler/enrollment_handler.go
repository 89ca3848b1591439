package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/service"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/response"
)

type enrollmentService interface {
	EnrollCourse(ctx context.Context, actor string, req service.EnrollCourseRequest) (*models.CourseEnrollmentDetail, error)
	SetCourseStatus(ctx context.Context, actor, studentID string, req service.SetCourseStatusRequest) (*models.CourseEnrollment, error)
	EnrollModule(ctx context.Context, actor string, req service.EnrollModuleRequest) (*models.ModuleEnrollmentDetail, error)
	SetModuleStatus(ctx context.Context, actor, enrollmentID string, req service.SetModuleStatusRequest) (*models.ModuleEnrollment, error)
	DeleteModuleEnrollment(ctx context.Context, actor, enrollmentID string) error
	Dashboard(ctx context.Context, studentID string) (*models.StudentDashboard, error)
	DashboardForUser(ctx context.Context, userID string) (*models.StudentDashboard, error)
	ListCourseEnrollments(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error)
}

// EnrollmentHandler exposes course and module enrollment endpoints.
type EnrollmentHandler struct {
	service enrollmentService
}

// NewEnrollmentHandler constructs EnrollmentHandler.
func NewEnrollmentHandler(svc enrollmentService) *EnrollmentHandler {
	return &EnrollmentHandler{service: svc}
}

// EnrollCourse godoc
// @Summary Start a student's active course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollCourseRequest true "Course enrollment"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/courses [post]
func (h *EnrollmentHandler) EnrollCourse(c *gin.Context) {
	var req service.EnrollCourseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid enrollment payload"))
		return
	}
	enrollment, err := h.service.EnrollCourse(c.Request.Context(), actorID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// SetCourseStatus godoc
// @Summary Complete or withdraw the active course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Student ID"
// @Param payload body service.SetCourseStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /students/{id}/course-status [put]
func (h *EnrollmentHandler) SetCourseStatus(c *gin.Context) {
	var req service.SetCourseStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}
	enrollment, err := h.service.SetCourseStatus(c.Request.Context(), actorID(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// EnrollModule godoc
// @Summary Enroll a student into a module of the active course
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param payload body service.EnrollModuleRequest true "Module enrollment"
// @Success 201 {object} response.Envelope
// @Failure 409 {object} response.Envelope
// @Router /enrollments/modules [post]
func (h *EnrollmentHandler) EnrollModule(c *gin.Context) {
	var req service.EnrollModuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid enrollment payload"))
		return
	}
	enrollment, err := h.service.EnrollModule(c.Request.Context(), actorID(c), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, enrollment)
}

// SetModuleStatus godoc
// @Summary Change a module enrollment status
// @Tags Enrollments
// @Accept json
// @Produce json
// @Param id path string true "Module enrollment ID"
// @Param payload body service.SetModuleStatusRequest true "Target status"
// @Success 200 {object} response.Envelope
// @Router /enrollments/modules/{id}/status [put]
func (h *EnrollmentHandler) SetModuleStatus(c *gin.Context) {
	var req service.SetModuleStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid status payload"))
		return
	}
	enrollment, err := h.service.SetModuleStatus(c.Request.Context(), actorID(c), c.Param("id"), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, enrollment, nil)
}

// DeleteModule godoc
// @Summary Remove a module enrollment
// @Tags Enrollments
// @Param id path string true "Module enrollment ID"
// @Success 204
// @Router /enrollments/modules/{id} [delete]
func (h *EnrollmentHandler) DeleteModule(c *gin.Context) {
	if err := h.service.DeleteModuleEnrollment(c.Request.Context(), actorID(c), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// Dashboard godoc
// @Summary Student enrollment dashboard
// @Tags Enrollments
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/dashboard [get]
func (h *EnrollmentHandler) Dashboard(c *gin.Context) {
	dashboard, err := h.service.Dashboard(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dashboard, nil)
}

// MyDashboard godoc
// @Summary Enrollment dashboard of the calling student
// @Tags Enrollments
// @Produce json
// @Success 200 {object} response.Envelope
// @Failure 404 {object} response.Envelope
// @Router /me/dashboard [get]
func (h *EnrollmentHandler) MyDashboard(c *gin.Context) {
	dashboard, err := h.service.DashboardForUser(c.Request.Context(), actorID(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dashboard, nil)
}

// CourseHistory godoc
// @Summary Course enrollment history
// @Tags Enrollments
// @Produce json
// @Param id path string true "Student ID"
// @Success 200 {object} response.Envelope
// @Router /students/{id}/course-enrollments [get]
func (h *EnrollmentHandler) CourseHistory(c *gin.Context) {
	history, err := h.service.ListCourseEnrollments(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, history, nil)
}
