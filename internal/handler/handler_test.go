package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/campus-api/internal/authz"
	"github.com/noah-isme/campus-api/internal/middleware"
	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/service"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

type envelope struct {
	Data       json.RawMessage    `json:"data"`
	Error      *appErrors.Error   `json:"error"`
	Pagination *models.Pagination `json:"pagination"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func withPrincipal(userID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(middleware.ContextPrincipalKey, &authz.Principal{UserID: userID, Permissions: models.PermissionSuperAdmin})
		c.Next()
	}
}

func perform(router *gin.Engine, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

type fakeAttendanceSrv struct {
	checkInUser   string
	checkInModule string
	outcome       string
	lastFrom      time.Time
	lastTo        time.Time
	lastFilter    models.AttendanceRosterFilter
	lastFormat    string
}

func (f *fakeAttendanceSrv) CheckIn(ctx context.Context, userID, moduleID string, instant time.Time) (*models.CheckInResult, error) {
	f.checkInUser, f.checkInModule = userID, moduleID
	if moduleID == "missing" {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "module not found")
	}
	return &models.CheckInResult{Outcome: f.outcome}, nil
}

func (f *fakeAttendanceSrv) ModuleSummary(ctx context.Context, studentID, moduleID string, from, to time.Time) (*models.ModuleAttendanceSummary, error) {
	return &models.ModuleAttendanceSummary{ModuleID: moduleID}, nil
}

func (f *fakeAttendanceSrv) OverallSummary(ctx context.Context, studentID string, from, to time.Time) (*models.OverallAttendanceSummary, error) {
	f.lastFrom, f.lastTo = from, to
	return &models.OverallAttendanceSummary{StudentID: studentID, AttendanceSummary: models.AttendanceSummary{Expected: 0}}, nil
}

func (f *fakeAttendanceSrv) DailyBreakdown(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceDay, error) {
	return []models.AttendanceDay{}, nil
}

func (f *fakeAttendanceSrv) Roster(ctx context.Context, filter models.AttendanceRosterFilter) (*models.AttendanceRoster, error) {
	f.lastFilter = filter
	return &models.AttendanceRoster{
		Rows:       []models.AttendanceRosterRow{{StudentID: "s1", StudentNumber: "S001"}},
		Pagination: models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: 1},
	}, nil
}

func (f *fakeAttendanceSrv) ExportRoster(ctx context.Context, filter models.AttendanceRosterFilter, format string) (*service.ExportedFile, error) {
	f.lastFormat = format
	return &service.ExportedFile{Filename: "roster.csv", ContentType: "text/csv", Content: []byte("a,b\n")}, nil
}

func newAttendanceRouter(svc *fakeAttendanceSrv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewAttendanceHandler(svc)
	router := gin.New()
	router.Use(withPrincipal("user-a"))
	router.POST("/attendance/check-in", h.CheckIn)
	router.GET("/students/:id/attendance/summary", h.Summary)
	router.GET("/attendance/roster", h.Roster)
	router.GET("/attendance/roster/export", h.ExportRoster)
	return router
}

func TestAttendanceHandlerCheckIn(t *testing.T) {
	svc := &fakeAttendanceSrv{outcome: models.CheckInRecorded}
	router := newAttendanceRouter(svc)

	rec := perform(router, http.MethodPost, "/attendance/check-in", `{"module_id":"m1"}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "user-a", svc.checkInUser)
	assert.Equal(t, "m1", svc.checkInModule)

	svc.outcome = models.CheckInDuplicate
	rec = perform(router, http.MethodPost, "/attendance/check-in", `{"module_id":"m1"}`)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = perform(router, http.MethodPost, "/attendance/check-in", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = perform(router, http.MethodPost, "/attendance/check-in", `{"module_id":"missing"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, appErrors.ErrNotFound.Code, decode(t, rec).Error.Code)
}

func TestAttendanceHandlerSummaryParsesDates(t *testing.T) {
	svc := &fakeAttendanceSrv{}
	router := newAttendanceRouter(svc)

	rec := perform(router, http.MethodGet, "/students/s1/attendance/summary?from=2024-01-01&to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), svc.lastFrom)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), svc.lastTo)
	assert.Contains(t, string(decode(t, rec).Data), `"percent":null`)

	rec = perform(router, http.MethodGet, "/students/s1/attendance/summary?from=01/01/2024&to=2024-01-31", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = perform(router, http.MethodGet, "/students/s1/attendance/summary?to=2024-01-31", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAttendanceHandlerRosterAndExport(t *testing.T) {
	svc := &fakeAttendanceSrv{}
	router := newAttendanceRouter(svc)

	rec := perform(router, http.MethodGet, "/attendance/roster?from=2024-01-01&to=2024-01-31&search=%20ada%20&page=2&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ada", svc.lastFilter.Search)
	assert.Equal(t, 2, svc.lastFilter.Page)
	assert.Equal(t, 5, svc.lastFilter.PageSize)
	env := decode(t, rec)
	require.NotNil(t, env.Pagination)
	assert.Equal(t, 1, env.Pagination.TotalCount)

	rec = perform(router, http.MethodGet, "/attendance/roster/export?from=2024-01-01&to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "csv", svc.lastFormat)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="roster.csv"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "a,b\n", rec.Body.String())
}

type fakeEnrollmentSrv struct {
	actor string
	err   error
}

func (f *fakeEnrollmentSrv) EnrollCourse(ctx context.Context, actor string, req service.EnrollCourseRequest) (*models.CourseEnrollmentDetail, error) {
	f.actor = actor
	if f.err != nil {
		return nil, f.err
	}
	return &models.CourseEnrollmentDetail{CourseEnrollment: models.CourseEnrollment{StudentID: req.StudentID, CourseID: req.CourseID, Status: models.CourseEnrollmentActive}}, nil
}

func (f *fakeEnrollmentSrv) SetCourseStatus(ctx context.Context, actor, studentID string, req service.SetCourseStatusRequest) (*models.CourseEnrollment, error) {
	return &models.CourseEnrollment{StudentID: studentID, Status: req.Status}, nil
}

func (f *fakeEnrollmentSrv) EnrollModule(ctx context.Context, actor string, req service.EnrollModuleRequest) (*models.ModuleEnrollmentDetail, error) {
	return nil, f.err
}

func (f *fakeEnrollmentSrv) SetModuleStatus(ctx context.Context, actor, enrollmentID string, req service.SetModuleStatusRequest) (*models.ModuleEnrollment, error) {
	return &models.ModuleEnrollment{ID: enrollmentID, Status: req.Status}, nil
}

func (f *fakeEnrollmentSrv) DeleteModuleEnrollment(ctx context.Context, actor, enrollmentID string) error {
	f.actor = actor
	return nil
}

func (f *fakeEnrollmentSrv) Dashboard(ctx context.Context, studentID string) (*models.StudentDashboard, error) {
	return &models.StudentDashboard{StudentID: studentID}, nil
}

func (f *fakeEnrollmentSrv) DashboardForUser(ctx context.Context, userID string) (*models.StudentDashboard, error) {
	f.actor = userID
	return nil, appErrors.Clone(appErrors.ErrNotFound, "no student profile")
}

func (f *fakeEnrollmentSrv) ListCourseEnrollments(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error) {
	return nil, nil
}

func newEnrollmentRouter(svc *fakeEnrollmentSrv) *gin.Engine {
	gin.SetMode(gin.TestMode)
	h := NewEnrollmentHandler(svc)
	router := gin.New()
	router.Use(withPrincipal("admin-1"))
	router.POST("/enrollments/courses", h.EnrollCourse)
	router.POST("/enrollments/modules", h.EnrollModule)
	router.DELETE("/enrollments/modules/:id", h.DeleteModule)
	router.GET("/me/dashboard", h.MyDashboard)
	return router
}

func TestEnrollmentHandlerMapsConflicts(t *testing.T) {
	svc := &fakeEnrollmentSrv{}
	router := newEnrollmentRouter(svc)

	rec := perform(router, http.MethodPost, "/enrollments/courses", `{"student_id":"s1","course_id":"c1","academic_year":2024,"year_of_study":1,"semester":1}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "admin-1", svc.actor)

	svc.err = appErrors.ErrActiveCourseExists
	rec = perform(router, http.MethodPost, "/enrollments/courses", `{"student_id":"s1","course_id":"c2","academic_year":2024,"year_of_study":1,"semester":1}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "ACTIVE_COURSE_EXISTS", decode(t, rec).Error.Code)

	svc.err = appErrors.ErrModuleNotInCourse
	rec = perform(router, http.MethodPost, "/enrollments/modules", `{"student_id":"s1","module_id":"m9"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, appErrors.ErrModuleNotInCourse.Code, decode(t, rec).Error.Code)

	rec = perform(router, http.MethodPost, "/enrollments/courses", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrollmentHandlerDeleteAndSelfDashboard(t *testing.T) {
	svc := &fakeEnrollmentSrv{}
	router := newEnrollmentRouter(svc)

	rec := perform(router, http.MethodDelete, "/enrollments/modules/e1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = perform(router, http.MethodGet, "/me/dashboard", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "admin-1", svc.actor)
}

type fakeRoleSrv struct {
	assigned []string
}

func (f *fakeRoleSrv) Metadata() []authz.PermissionMetadata { return authz.Metadata() }

func (f *fakeRoleSrv) List(ctx context.Context) ([]models.Role, error) { return nil, nil }

func (f *fakeRoleSrv) EnsureSystemRoles(ctx context.Context, actor string) ([]models.Role, error) {
	return []models.Role{{Key: models.RoleKeyStudent}}, nil
}

func (f *fakeRoleSrv) Create(ctx context.Context, actor string, req service.CreateRoleRequest) (*models.Role, error) {
	return nil, appErrors.Clone(appErrors.ErrDuplicateCode, "role key already exists")
}

func (f *fakeRoleSrv) Update(ctx context.Context, actor, id string, req service.UpdateRoleRequest) (*service.RoleUpdateResult, error) {
	return nil, appErrors.Clone(appErrors.ErrInvalidState, "system roles cannot be modified")
}

func (f *fakeRoleSrv) Delete(ctx context.Context, actor, id string) (*models.PropagationResult, error) {
	return &models.PropagationResult{}, nil
}

func (f *fakeRoleSrv) AssignToUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error) {
	f.assigned = append(f.assigned, userID+":"+roleID)
	return models.PermissionCatalogRead | models.PermissionAttendanceRead, nil
}

func (f *fakeRoleSrv) RevokeFromUser(ctx context.Context, actor, userID, roleID string) (models.Permission, error) {
	return models.PermissionNone, nil
}

func (f *fakeRoleSrv) UserRoles(ctx context.Context, userID string) ([]models.Role, error) {
	return nil, nil
}

func TestRoleHandlerRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := &fakeRoleSrv{}
	h := NewRoleHandler(svc)
	router := gin.New()
	router.Use(withPrincipal("admin-1"))
	router.GET("/permissions/metadata", h.Metadata)
	router.POST("/roles", h.Create)
	router.PUT("/roles/:id", h.Update)
	router.POST("/users/:id/roles/:roleId", h.Assign)

	rec := perform(router, http.MethodGet, "/permissions/metadata", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var meta []authz.PermissionMetadata
	require.NoError(t, json.Unmarshal(decode(t, rec).Data, &meta))
	assert.Equal(t, "CatalogRead", meta[0].Key)

	rec = perform(router, http.MethodPost, "/roles", `{"key":"tutor","name":"Tutor","permissions":["CatalogRead"]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = perform(router, http.MethodPut, "/roles/r1", `{"name":"Student","permissions":[]}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, appErrors.ErrInvalidState.Code, decode(t, rec).Error.Code)

	rec = perform(router, http.MethodPost, "/users/u1/roles/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"u1:r1"}, svc.assigned)
	assert.Contains(t, string(decode(t, rec).Data), `"permission_keys":["CatalogRead","AttendanceRead"]`)
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func TestMetricsHandlerReady(t *testing.T) {
	gin.SetMode(gin.TestMode)
	healthy := NewMetricsHandler(service.NewMetricsService(), map[string]Pinger{"database": fakePinger{}})
	broken := NewMetricsHandler(nil, map[string]Pinger{
		"database": fakePinger{},
		"redis":    PingFunc(func(ctx context.Context) error { return context.DeadlineExceeded }),
	})
	router := gin.New()
	router.GET("/ready", healthy.Ready)
	router.GET("/broken", broken.Ready)
	router.GET("/health", broken.Health)
	router.GET("/metrics", broken.Prometheus)

	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/ready", "").Code)
	rec := perform(router, http.MethodGet, "/broken", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "deadline exceeded")
	assert.Equal(t, http.StatusOK, perform(router, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusServiceUnavailable, perform(router, http.MethodGet, "/metrics", "").Code)
}
