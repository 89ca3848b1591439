package service

import (
	"context"
	"database/sql"
	"math/rand"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
)

type memoryEnrollmentRepo struct {
	courses []*models.CourseEnrollment
	modules []*models.ModuleEnrollment
	catalog *fakeCatalog
}

func (m *memoryEnrollmentRepo) activeFor(studentID string) *models.CourseEnrollment {
	for _, e := range m.courses {
		if e.StudentID == studentID && e.Status == models.CourseEnrollmentActive && !e.IsDeleted {
			return e
		}
	}
	return nil
}

func (m *memoryEnrollmentRepo) FindActiveCourse(ctx context.Context, studentID string) (*models.CourseEnrollmentDetail, error) {
	e := m.activeFor(studentID)
	if e == nil {
		return nil, sql.ErrNoRows
	}
	course := m.catalog.courses[e.CourseID]
	return &models.CourseEnrollmentDetail{CourseEnrollment: *e, CourseCode: course.Code, CourseName: course.Name}, nil
}

func (m *memoryEnrollmentRepo) ListCourses(ctx context.Context, studentID string) ([]models.CourseEnrollmentDetail, error) {
	var out []models.CourseEnrollmentDetail
	for _, e := range m.courses {
		if e.StudentID == studentID && !e.IsDeleted {
			out = append(out, models.CourseEnrollmentDetail{CourseEnrollment: *e})
		}
	}
	return out, nil
}

func (m *memoryEnrollmentRepo) CreateActiveCourse(ctx context.Context, enrollment *models.CourseEnrollment) error {
	if m.activeFor(enrollment.StudentID) != nil {
		return repository.ErrActiveCourseExists
	}
	enrollment.ID = uuid.NewString()
	cp := *enrollment
	m.courses = append(m.courses, &cp)
	return nil
}

func (m *memoryEnrollmentRepo) CloseActiveCourse(ctx context.Context, studentID string, status models.CourseEnrollmentStatus, actor string, now time.Time) (*models.CourseEnrollment, error) {
	e := m.activeFor(studentID)
	if e == nil {
		return nil, sql.ErrNoRows
	}
	e.Status = status
	e.EndDateUTC = &now
	cp := *e
	return &cp, nil
}

func (m *memoryEnrollmentRepo) ModuleEnrollmentExists(ctx context.Context, studentID, moduleID string, academicYear, semester int) (bool, error) {
	for _, e := range m.modules {
		if e.StudentID == studentID && e.ModuleID == moduleID && e.AcademicYear == academicYear && e.Semester == semester && !e.IsDeleted {
			return true, nil
		}
	}
	return false, nil
}

func (m *memoryEnrollmentRepo) CreateModuleEnrollment(ctx context.Context, enrollment *models.ModuleEnrollment) error {
	enrollment.ID = uuid.NewString()
	cp := *enrollment
	m.modules = append(m.modules, &cp)
	return nil
}

func (m *memoryEnrollmentRepo) findModule(id string) *models.ModuleEnrollment {
	for _, e := range m.modules {
		if e.ID == id && !e.IsDeleted {
			return e
		}
	}
	return nil
}

func (m *memoryEnrollmentRepo) FindModuleEnrollment(ctx context.Context, id string) (*models.ModuleEnrollment, error) {
	e := m.findModule(id)
	if e == nil {
		return nil, sql.ErrNoRows
	}
	cp := *e
	return &cp, nil
}

func (m *memoryEnrollmentRepo) UpdateModuleStatus(ctx context.Context, id string, status models.ModuleEnrollmentStatus, completedAt *time.Time, actor string, now time.Time) (*models.ModuleEnrollment, error) {
	e := m.findModule(id)
	if e == nil {
		return nil, sql.ErrNoRows
	}
	e.Status = status
	e.CompletedAtUTC = completedAt
	cp := *e
	return &cp, nil
}

func (m *memoryEnrollmentRepo) SoftDeleteModuleEnrollment(ctx context.Context, id, actor string, now time.Time) (string, error) {
	e := m.findModule(id)
	if e == nil {
		return "", nil
	}
	e.IsDeleted = true
	return e.StudentID, nil
}

func (m *memoryEnrollmentRepo) ListModules(ctx context.Context, studentID string) ([]models.ModuleEnrollmentDetail, error) {
	var out []models.ModuleEnrollmentDetail
	for _, e := range m.modules {
		module, ok := m.catalog.modules[e.ModuleID]
		if e.StudentID != studentID || e.IsDeleted || !ok || module.IsDeleted {
			continue
		}
		out = append(out, models.ModuleEnrollmentDetail{ModuleEnrollment: *e, ModuleCode: module.Code, ModuleName: module.Name, CourseID: module.CourseID})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].AcademicYear != out[j].AcademicYear {
			return out[i].AcademicYear > out[j].AcademicYear
		}
		return out[i].Semester > out[j].Semester
	})
	return out, nil
}

type fakeStudents struct {
	students map[string]*models.Student
}

func (f *fakeStudents) FindByID(ctx context.Context, id string) (*models.Student, error) {
	s, ok := f.students[id]
	if !ok || s.IsDeleted {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (f *fakeStudents) FindByUserID(ctx context.Context, userID string) (*models.Student, error) {
	for _, s := range f.students {
		if s.UserID != nil && *s.UserID == userID && !s.IsDeleted {
			return s, nil
		}
	}
	return nil, sql.ErrNoRows
}

type fakeCatalog struct {
	courses map[string]*models.Course
	modules map[string]*models.Module
}

func (f *fakeCatalog) FindByID(ctx context.Context, id string) (*models.Course, error) {
	c, ok := f.courses[id]
	if !ok || c.IsDeleted {
		return nil, sql.ErrNoRows
	}
	return c, nil
}

func (f *fakeCatalog) FindModuleByID(ctx context.Context, id string) (*models.Module, error) {
	m, ok := f.modules[id]
	if !ok || m.IsDeleted {
		return nil, sql.ErrNoRows
	}
	return m, nil
}

// enrolledModules serves a student's Enrolled module enrollments as their current modules.
type enrolledModules struct {
	repo *memoryEnrollmentRepo
}

func (d *enrolledModules) FindModuleByID(ctx context.Context, id string) (*models.Module, error) {
	return d.repo.catalog.FindModuleByID(ctx, id)
}

func (d *enrolledModules) ListCurrentModules(ctx context.Context, studentIDs []string) ([]repository.StudentModule, error) {
	var out []repository.StudentModule
	for _, id := range studentIDs {
		for _, e := range d.repo.modules {
			if e.StudentID == id && e.Status == models.ModuleEnrollmentEnrolled && !e.IsDeleted {
				out = append(out, repository.StudentModule{StudentID: id, Module: *d.repo.catalog.modules[e.ModuleID]})
			}
		}
	}
	return out, nil
}

func newEnrollmentFixture() (*EnrollmentService, *memoryEnrollmentRepo) {
	userID := "user-s"
	catalog := &fakeCatalog{
		courses: map[string]*models.Course{
			"c1": {ID: "c1", Code: "CS", Name: "Computer Science"},
			"c2": {ID: "c2", Code: "MA", Name: "Mathematics"},
		},
		modules: map[string]*models.Module{
			"m1": {ID: "m1", CourseID: "c1", Code: "CS101", Name: "Intro", AcademicYear: 2024, Semester: 1},
			"m2": {ID: "m2", CourseID: "c1", Code: "CS201", Name: "Systems", AcademicYear: 2024, Semester: 2},
			"m3": {ID: "m3", CourseID: "c2", Code: "MA101", Name: "Calculus", AcademicYear: 2024, Semester: 1},
		},
	}
	students := &fakeStudents{students: map[string]*models.Student{
		"s1": {ID: "s1", UserID: &userID, StudentNumber: "S001"},
		"s2": {ID: "s2", StudentNumber: "S002"},
	}}
	repo := &memoryEnrollmentRepo{catalog: catalog}
	svc := NewEnrollmentService(repo, students, catalog, &recordingAudit{}, NewMetricsService(), nil, nil, zap.NewNop())
	svc.now = func() time.Time { return time.Date(2024, 9, 2, 8, 0, 0, 0, time.UTC) }
	return svc, repo
}

func enrollReq(studentID, courseID string) EnrollCourseRequest {
	return EnrollCourseRequest{StudentID: studentID, CourseID: courseID, AcademicYear: 2024, YearOfStudy: 1, Semester: 1}
}

func TestEnrollmentServiceActiveCourseConflictThenWithdraw(t *testing.T) {
	svc, _ := newEnrollmentFixture()
	ctx := context.Background()

	first, err := svc.EnrollCourse(ctx, "admin", enrollReq("s1", "c1"))
	require.NoError(t, err)
	assert.Equal(t, models.CourseEnrollmentActive, first.Status)
	assert.Equal(t, svc.now(), first.StartDateUTC)
	assert.Equal(t, "CS", first.CourseCode)

	_, err = svc.EnrollCourse(ctx, "admin", enrollReq("s1", "c2"))
	assert.ErrorIs(t, err, appErrors.ErrActiveCourseExists)
	assert.Equal(t, "Conflict", appErrors.Kind(err))

	closed, err := svc.SetCourseStatus(ctx, "admin", "s1", SetCourseStatusRequest{Status: models.CourseEnrollmentWithdrawn})
	require.NoError(t, err)
	require.NotNil(t, closed.EndDateUTC)
	assert.Equal(t, svc.now(), *closed.EndDateUTC)

	second, err := svc.EnrollCourse(ctx, "admin", enrollReq("s1", "c2"))
	require.NoError(t, err)
	assert.Equal(t, "c2", second.CourseID)
}

func TestEnrollmentServiceSetCourseStatusWithoutActive(t *testing.T) {
	svc, _ := newEnrollmentFixture()

	_, err := svc.SetCourseStatus(context.Background(), "", "s1", SetCourseStatusRequest{Status: models.CourseEnrollmentCompleted})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	_, err = svc.SetCourseStatus(context.Background(), "", "s1", SetCourseStatusRequest{Status: models.CourseEnrollmentActive})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestEnrollmentServiceEnrollCourseMissingEntities(t *testing.T) {
	svc, _ := newEnrollmentFixture()

	_, err := svc.EnrollCourse(context.Background(), "", enrollReq("ghost", "c1"))
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.EnrollCourse(context.Background(), "", enrollReq("s1", "ghost"))
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
	_, err = svc.EnrollCourse(context.Background(), "", EnrollCourseRequest{StudentID: "s1"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)
}

func TestEnrollmentServiceModuleRules(t *testing.T) {
	svc, _ := newEnrollmentFixture()
	ctx := context.Background()

	_, err := svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1"})
	assert.ErrorIs(t, err, appErrors.ErrNoActiveCourse)

	_, err = svc.EnrollCourse(ctx, "", enrollReq("s1", "c1"))
	require.NoError(t, err)

	_, err = svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m3"})
	assert.ErrorIs(t, err, appErrors.ErrModuleNotInCourse)

	_, err = svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "missing"})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)

	enrolled, err := svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, models.ModuleEnrollmentEnrolled, enrolled.Status)
	assert.Equal(t, 2024, enrolled.AcademicYear)
	assert.Equal(t, 1, enrolled.Semester)
	assert.Equal(t, 1, enrolled.YearOfStudy)
	assert.Equal(t, svc.now(), enrolled.EnrolledAtUTC)

	_, err = svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1", AcademicYear: 2024, Semester: 1})
	assert.ErrorIs(t, err, appErrors.ErrDuplicateModuleEnrollment)

	_, err = svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1", AcademicYear: 2025, Semester: 1})
	assert.NoError(t, err)
}

func TestEnrollmentServiceModuleStatusAndDelete(t *testing.T) {
	svc, _ := newEnrollmentFixture()
	ctx := context.Background()

	_, err := svc.EnrollCourse(ctx, "", enrollReq("s1", "c1"))
	require.NoError(t, err)
	enrolled, err := svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1"})
	require.NoError(t, err)

	for _, status := range []models.ModuleEnrollmentStatus{models.ModuleEnrollmentCompleted, models.ModuleEnrollmentWithdrawn, models.ModuleEnrollmentFailed} {
		updated, err := svc.SetModuleStatus(ctx, "", enrolled.ID, SetModuleStatusRequest{Status: status})
		require.NoError(t, err)
		require.NotNil(t, updated.CompletedAtUTC)
		assert.Equal(t, svc.now(), *updated.CompletedAtUTC)
	}

	updated, err := svc.SetModuleStatus(ctx, "", enrolled.ID, SetModuleStatusRequest{Status: models.ModuleEnrollmentEnrolled})
	require.NoError(t, err)
	assert.Nil(t, updated.CompletedAtUTC)

	_, err = svc.SetModuleStatus(ctx, "", enrolled.ID, SetModuleStatusRequest{Status: "Paused"})
	assert.ErrorIs(t, err, appErrors.ErrValidation)

	require.NoError(t, svc.DeleteModuleEnrollment(ctx, "", enrolled.ID))
	require.NoError(t, svc.DeleteModuleEnrollment(ctx, "", enrolled.ID))
	require.NoError(t, svc.DeleteModuleEnrollment(ctx, "", "never-existed"))

	_, err = svc.SetModuleStatus(ctx, "", enrolled.ID, SetModuleStatusRequest{Status: models.ModuleEnrollmentCompleted})
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestEnrollmentServiceDashboard(t *testing.T) {
	svc, repo := newEnrollmentFixture()
	ctx := context.Background()

	empty, err := svc.Dashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, empty.ActiveCourse)
	assert.Empty(t, empty.CurrentModules)

	_, err = svc.EnrollCourse(ctx, "", enrollReq("s1", "c1"))
	require.NoError(t, err)
	first, err := svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1"})
	require.NoError(t, err)
	_, err = svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m2"})
	require.NoError(t, err)
	_, err = svc.SetModuleStatus(ctx, "", first.ID, SetModuleStatusRequest{Status: models.ModuleEnrollmentCompleted})
	require.NoError(t, err)
	deleted, err := svc.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "m1", AcademicYear: 2023, Semester: 2})
	require.NoError(t, err)
	require.NoError(t, svc.DeleteModuleEnrollment(ctx, "", deleted.ID))

	dashboard, err := svc.DashboardForUser(ctx, "user-s")
	require.NoError(t, err)
	require.NotNil(t, dashboard.ActiveCourse)
	assert.Equal(t, "c1", dashboard.ActiveCourse.CourseID)
	require.Len(t, dashboard.CurrentModules, 1)
	assert.Equal(t, "CS201", dashboard.CurrentModules[0].ModuleCode)
	require.Len(t, dashboard.PastModules, 1)
	assert.Equal(t, "CS101", dashboard.PastModules[0].ModuleCode)

	repo.catalog.modules["m2"].IsDeleted = true
	dashboard, err = svc.Dashboard(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, dashboard.CurrentModules)

	_, err = svc.DashboardForUser(ctx, "user-without-profile")
	assert.ErrorIs(t, err, appErrors.ErrNotFound)
}

func TestEnrollmentServiceRandomSequencesKeepOneActiveCourse(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	students := []string{"s1", "s2"}
	courses := []string{"c1", "c2"}
	statuses := []models.CourseEnrollmentStatus{models.CourseEnrollmentCompleted, models.CourseEnrollmentWithdrawn}

	for run := 0; run < 50; run++ {
		svc, repo := newEnrollmentFixture()
		ctx := context.Background()
		for step := 0; step < 30; step++ {
			student := students[rng.Intn(len(students))]
			if rng.Intn(3) == 0 {
				_, _ = svc.SetCourseStatus(ctx, "", student, SetCourseStatusRequest{Status: statuses[rng.Intn(len(statuses))]})
			} else {
				_, _ = svc.EnrollCourse(ctx, "", enrollReq(student, courses[rng.Intn(len(courses))]))
			}
			for _, s := range students {
				active := 0
				for _, e := range repo.courses {
					if e.StudentID == s && e.Status == models.CourseEnrollmentActive && !e.IsDeleted {
						active++
					}
					if e.Status != models.CourseEnrollmentActive {
						require.NotNil(t, e.EndDateUTC)
					}
				}
				require.LessOrEqual(t, active, 1, "run %d step %d student %s", run, step, s)
			}
		}
	}
}

func TestEnrollmentServiceActiveCourseSurvivesCourseDeletion(t *testing.T) {
	svc, repo := newEnrollmentFixture()
	ctx := context.Background()

	_, err := svc.EnrollCourse(ctx, "", enrollReq("s1", "c1"))
	require.NoError(t, err)
	repo.catalog.courses["c1"].IsDeleted = true

	dashboard, err := svc.Dashboard(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, dashboard.ActiveCourse)
	assert.Equal(t, "c1", dashboard.ActiveCourse.CourseID)

	_, err = svc.EnrollCourse(ctx, "", enrollReq("s1", "c2"))
	assert.ErrorIs(t, err, appErrors.ErrActiveCourseExists)

	_, err = svc.SetCourseStatus(ctx, "", "s1", SetCourseStatusRequest{Status: models.CourseEnrollmentWithdrawn})
	require.NoError(t, err)
	_, err = svc.EnrollCourse(ctx, "", enrollReq("s1", "c2"))
	assert.NoError(t, err)
}

func TestEnrollmentChangesRefreshCachedAttendance(t *testing.T) {
	userID := "user-s"
	catalog := &fakeCatalog{
		courses: map[string]*models.Course{"c1": {ID: "c1", Code: "CS", Name: "Computer Science"}},
		modules: map[string]*models.Module{
			"mon": {ID: "mon", CourseID: "c1", Code: "CS101", Name: "Programming", DayOfWeek: time.Monday, AcademicYear: 2024, Semester: 1, RunsFrom: day(2024, 1, 1), RunsTo: day(2024, 6, 30)},
			"wed": {ID: "wed", CourseID: "c1", Code: "CS102", Name: "Algorithms", DayOfWeek: time.Wednesday, AcademicYear: 2024, Semester: 1, RunsFrom: day(2024, 1, 1), RunsTo: day(2024, 6, 30)},
		},
	}
	students := &rosterStudents{students: []models.Student{
		{ID: "s1", UserID: &userID, StudentNumber: "S001", FirstName: "Ada", LastName: "Lovelace"},
	}}
	repo := &memoryEnrollmentRepo{catalog: catalog}
	cacheRepo := &memoryCache{entries: map[string][]byte{}}
	metrics := NewMetricsService()
	cache := NewCacheService(cacheRepo, metrics, time.Minute, zap.NewNop(), true)
	enrollments := NewEnrollmentService(repo, students, catalog, nil, metrics, cache, nil, zap.NewNop())
	attendance := NewAttendanceService(newMemoryAttendanceRepo(catalog.modules), students, &enrolledModules{repo: repo}, cache, metrics, time.UTC, zap.NewNop())
	ctx := context.Background()
	from, to := day(2024, 1, 1), day(2024, 1, 31)
	rosterFilter := models.AttendanceRosterFilter{From: from, To: to}

	moduleIDs := func() []string {
		t.Helper()
		overall, err := attendance.OverallSummary(ctx, "s1", from, to)
		require.NoError(t, err)
		ids := make([]string, 0, len(overall.Modules))
		for _, m := range overall.Modules {
			ids = append(ids, m.ModuleID)
		}
		sort.Strings(ids)
		return ids
	}
	rosterExpected := func() int {
		t.Helper()
		roster, err := attendance.Roster(ctx, rosterFilter)
		require.NoError(t, err)
		require.Len(t, roster.Rows, 1)
		return roster.Rows[0].Expected
	}

	_, err := enrollments.EnrollCourse(ctx, "", enrollReq("s1", "c1"))
	require.NoError(t, err)
	first, err := enrollments.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "mon"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mon"}, moduleIDs())
	assert.Equal(t, 5, rosterExpected())

	second, err := enrollments.EnrollModule(ctx, "", EnrollModuleRequest{StudentID: "s1", ModuleID: "wed"})
	require.NoError(t, err)
	assert.Equal(t, []string{"mon", "wed"}, moduleIDs())
	assert.Equal(t, 10, rosterExpected())

	require.NoError(t, enrollments.DeleteModuleEnrollment(ctx, "", second.ID))
	assert.Equal(t, []string{"mon"}, moduleIDs())
	assert.Equal(t, 5, rosterExpected())

	_, err = enrollments.SetModuleStatus(ctx, "", first.ID, SetModuleStatusRequest{Status: models.ModuleEnrollmentCompleted})
	require.NoError(t, err)
	assert.Empty(t, moduleIDs())
	assert.Equal(t, 0, rosterExpected())
}
