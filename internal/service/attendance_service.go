package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/logger"
	"github.com/noah-isme/campus-api/pkg/export"
)

const (
	defaultRosterPageSize = 20
	maxRosterPageSize     = 100
	dateLayout            = "2006-01-02"
	rosterCachePattern    = "roster:*"
)

type attendanceRepository interface {
	Insert(ctx context.Context, record *models.StudentAttendance) (bool, error)
	Find(ctx context.Context, studentID, moduleID string, date time.Time) (*models.StudentAttendance, error)
	CountAttended(ctx context.Context, studentIDs []string, from, to time.Time) ([]models.AttendanceCount, error)
	ListCheckIns(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceCheckIn, error)
}

type attendanceStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	FindByUserID(ctx context.Context, userID string) (*models.Student, error)
	List(ctx context.Context, filter models.StudentFilter) ([]models.Student, int, error)
}

type attendanceModuleReader interface {
	FindModuleByID(ctx context.Context, id string) (*models.Module, error)
	ListCurrentModules(ctx context.Context, studentIDs []string) ([]repository.StudentModule, error)
}

// DatasetRenderer turns a tabular dataset into a downloadable document.
type DatasetRenderer interface {
	Render(data export.Dataset) ([]byte, error)
	ContentType() string
	Extension() string
}

// ExportedFile is a rendered roster export.
type ExportedFile struct {
	Filename    string
	ContentType string
	Content     []byte
}

// AttendanceService records check-ins and aggregates expected and attended sessions from each
// module's weekly schedule.
type AttendanceService struct {
	repo      attendanceRepository
	students  attendanceStudentReader
	modules   attendanceModuleReader
	cache     *CacheService
	metrics   *MetricsService
	renderers map[string]DatasetRenderer
	location  *time.Location
	logger    *zap.Logger
	group     singleflight.Group
	now       func() time.Time
}

// NewAttendanceService wires the aggregator. A nil location means UTC.
func NewAttendanceService(repo attendanceRepository, students attendanceStudentReader, modules attendanceModuleReader, cache *CacheService, metrics *MetricsService, location *time.Location, logger *zap.Logger) *AttendanceService {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AttendanceService{
		repo:     repo,
		students: students,
		modules:  modules,
		cache:    cache,
		metrics:  metrics,
		renderers: map[string]DatasetRenderer{
			"csv": export.NewCSVExporter(),
			"pdf": export.NewPDFExporter(),
		},
		location: location,
		logger:   logger,
		now:      time.Now,
	}
}

// CheckIn records the caller's attendance of moduleID on the institution-local date of
// instant. Callers without a student profile are ignored. Repeated check-ins on the same date
// keep the first row.
func (s *AttendanceService) CheckIn(ctx context.Context, userID, moduleID string, instant time.Time) (*models.CheckInResult, error) {
	student, err := s.students.FindByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.RecordCheckIn(models.CheckInNoProfile)
			return &models.CheckInResult{Outcome: models.CheckInNoProfile}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve student profile")
	}
	if _, err := s.loadModule(ctx, moduleID); err != nil {
		return nil, err
	}
	if instant.IsZero() {
		instant = s.now()
	}

	record := &models.StudentAttendance{
		StudentID:      student.ID,
		ModuleID:       moduleID,
		Date:           LocalDate(instant, s.location),
		CheckedInAtUTC: instant.UTC(),
	}
	record.Stamp(userID, s.now().UTC())

	inserted, err := s.repo.Insert(ctx, record)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record check-in")
	}
	if !inserted {
		existing, err := s.repo.Find(ctx, student.ID, moduleID, record.Date)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load existing check-in")
		}
		s.metrics.RecordCheckIn(models.CheckInDuplicate)
		return &models.CheckInResult{Outcome: models.CheckInDuplicate, Attendance: existing}, nil
	}

	s.metrics.RecordCheckIn(models.CheckInRecorded)
	s.cache.InvalidateStudent(ctx, student.ID)
	logger.WithContext(ctx, s.logger).Info("attendance check-in recorded",
		zap.String("student_id", student.ID),
		zap.String("module_id", moduleID),
		zap.String("date", record.Date.Format(dateLayout)))
	return &models.CheckInResult{Outcome: models.CheckInRecorded, Attendance: record}, nil
}

// ModuleSummary returns a student's attendance of one module over [from, to].
func (s *AttendanceService) ModuleSummary(ctx context.Context, studentID, moduleID string, from, to time.Time) (*models.ModuleAttendanceSummary, error) {
	from, to, err := normalizeRange(from, to)
	if err != nil {
		return nil, err
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}
	module, err := s.loadModule(ctx, moduleID)
	if err != nil {
		return nil, err
	}
	counts, err := s.repo.CountAttended(ctx, []string{studentID}, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance")
	}
	attended := 0
	for _, c := range counts {
		if c.ModuleID == moduleID {
			attended = c.Attended
		}
	}
	return &models.ModuleAttendanceSummary{
		ModuleID:          module.ID,
		ModuleCode:        module.Code,
		ModuleName:        module.Name,
		AttendanceSummary: summarize(ExpectedSessions(*module, from, to), attended),
	}, nil
}

// OverallSummary sums expected and attended sessions over the student's currently enrolled
// modules and derives one percentage from the totals.
func (s *AttendanceService) OverallSummary(ctx context.Context, studentID string, from, to time.Time) (*models.OverallAttendanceSummary, error) {
	from, to, err := normalizeRange(from, to)
	if err != nil {
		return nil, err
	}
	key := fmt.Sprintf("attendance:%s:overall:%s:%s", studentID, from.Format(dateLayout), to.Format(dateLayout))
	var cached models.OverallAttendanceSummary
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}

	current, err := s.modules.ListCurrentModules(ctx, []string{studentID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current modules")
	}
	counts, err := s.repo.CountAttended(ctx, []string{studentID}, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance")
	}
	attended := indexCounts(counts)

	result := &models.OverallAttendanceSummary{
		StudentID: studentID,
		From:      from,
		To:        to,
		Modules:   make([]models.ModuleAttendanceSummary, 0, len(current)),
	}
	var expectedTotal, attendedTotal int
	for _, sm := range current {
		expected := ExpectedSessions(sm.Module, from, to)
		got := attended[countKey(studentID, sm.ID)]
		expectedTotal += expected
		attendedTotal += got
		result.Modules = append(result.Modules, models.ModuleAttendanceSummary{
			ModuleID:          sm.ID,
			ModuleCode:        sm.Code,
			ModuleName:        sm.Name,
			AttendanceSummary: summarize(expected, got),
		})
	}
	result.AttendanceSummary = summarize(expectedTotal, attendedTotal)
	s.cache.Set(ctx, key, result, 0)
	return result, nil
}

// DailyBreakdown lists, for every date with at least one check-in, the modules attended.
func (s *AttendanceService) DailyBreakdown(ctx context.Context, studentID string, from, to time.Time) ([]models.AttendanceDay, error) {
	from, to, err := normalizeRange(from, to)
	if err != nil {
		return nil, err
	}
	if err := s.ensureStudent(ctx, studentID); err != nil {
		return nil, err
	}
	checkIns, err := s.repo.ListCheckIns(ctx, studentID, from, to)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list check-ins")
	}
	sort.SliceStable(checkIns, func(i, j int) bool {
		return checkIns[i].Date.Before(checkIns[j].Date)
	})
	days := make([]models.AttendanceDay, 0)
	for _, ci := range checkIns {
		n := len(days)
		if n == 0 || !days[n-1].Date.Equal(ci.Date) {
			days = append(days, models.AttendanceDay{Date: ci.Date})
			n++
		}
		days[n-1].Modules = append(days[n-1].Modules, ci)
	}
	return days, nil
}

// Roster pages through students ordered by last then first name, with each student's
// attendance over their current modules. Concurrent identical requests share one build.
func (s *AttendanceService) Roster(ctx context.Context, filter models.AttendanceRosterFilter) (*models.AttendanceRoster, error) {
	from, to, err := normalizeRange(filter.From, filter.To)
	if err != nil {
		return nil, err
	}
	filter.From, filter.To = from, to
	filter.Search = strings.TrimSpace(filter.Search)
	filter.Page, filter.PageSize = normalizeRosterPage(filter.Page, filter.PageSize)

	key := rosterCacheKey(filter)
	var cached models.AttendanceRoster
	if s.cache.Get(ctx, key, &cached) {
		return &cached, nil
	}

	// Waiters share one build; it is detached from any single caller's cancellation.
	buildCtx := context.WithoutCancel(ctx)
	result := s.group.DoChan(key, func() (interface{}, error) {
		roster, err := s.buildRoster(buildCtx, filter)
		if err != nil {
			return nil, err
		}
		s.cache.Set(buildCtx, key, roster, 0)
		return roster, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-result:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.AttendanceRoster), nil
	}
}

// ExportRoster renders every roster row matching the filter in the requested format.
func (s *AttendanceService) ExportRoster(ctx context.Context, filter models.AttendanceRosterFilter, format string) (*ExportedFile, error) {
	renderer, ok := s.renderers[strings.ToLower(format)]
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}

	filter.Page = 1
	filter.PageSize = maxRosterPageSize
	rows := make([]models.AttendanceRosterRow, 0)
	for {
		page, err := s.Roster(ctx, filter)
		if err != nil {
			return nil, err
		}
		rows = append(rows, page.Rows...)
		if len(page.Rows) == 0 || len(rows) >= page.Pagination.TotalCount {
			break
		}
		filter.Page++
	}

	from, to, _ := normalizeRange(filter.From, filter.To)
	data := export.Dataset{
		Title: fmt.Sprintf("Attendance roster %s to %s", from.Format(dateLayout), to.Format(dateLayout)),
		Columns: []export.Column{
			{Key: "student_number", Header: "Student No."},
			{Key: "name", Header: "Name", Width: 2},
			{Key: "email", Header: "Email", Width: 2},
			{Key: "expected", Header: "Expected"},
			{Key: "attended", Header: "Attended"},
			{Key: "percent", Header: "Percent"},
		},
		Rows:        make([]map[string]string, 0, len(rows)),
		GeneratedAt: s.now().In(s.location),
	}
	for _, row := range rows {
		data.Rows = append(data.Rows, map[string]string{
			"student_number": row.StudentNumber,
			"name":           row.LastName + ", " + row.FirstName,
			"email":          row.Email,
			"expected":       strconv.Itoa(row.Expected),
			"attended":       strconv.Itoa(row.Attended),
			"percent":        formatPercent(row.Percent),
		})
	}

	content, err := renderer.Render(data)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to render roster export")
	}
	return &ExportedFile{
		Filename:    fmt.Sprintf("attendance-roster-%s-%s.%s", from.Format(dateLayout), to.Format(dateLayout), renderer.Extension()),
		ContentType: renderer.ContentType(),
		Content:     content,
	}, nil
}

func (s *AttendanceService) buildRoster(ctx context.Context, filter models.AttendanceRosterFilter) (*models.AttendanceRoster, error) {
	students, total, err := s.students.List(ctx, models.StudentFilter{Search: filter.Search, Page: filter.Page, PageSize: filter.PageSize})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list students")
	}
	roster := &models.AttendanceRoster{
		Rows:       make([]models.AttendanceRosterRow, 0, len(students)),
		Pagination: models.Pagination{Page: filter.Page, PageSize: filter.PageSize, TotalCount: total},
	}
	if len(students) == 0 {
		return roster, nil
	}

	ids := make([]string, len(students))
	for i, st := range students {
		ids[i] = st.ID
	}
	current, err := s.modules.ListCurrentModules(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current modules")
	}
	counts, err := s.repo.CountAttended(ctx, ids, filter.From, filter.To)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to count attendance")
	}
	attended := indexCounts(counts)

	expectedByStudent := make(map[string]int, len(students))
	attendedByStudent := make(map[string]int, len(students))
	for _, sm := range current {
		expectedByStudent[sm.StudentID] += ExpectedSessions(sm.Module, filter.From, filter.To)
		attendedByStudent[sm.StudentID] += attended[countKey(sm.StudentID, sm.ID)]
	}
	for _, st := range students {
		roster.Rows = append(roster.Rows, models.AttendanceRosterRow{
			StudentID:         st.ID,
			StudentNumber:     st.StudentNumber,
			FirstName:         st.FirstName,
			LastName:          st.LastName,
			Email:             st.Email,
			AttendanceSummary: summarize(expectedByStudent[st.ID], attendedByStudent[st.ID]),
		})
	}
	return roster, nil
}

func (s *AttendanceService) ensureStudent(ctx context.Context, studentID string) error {
	if _, err := s.students.FindByID(ctx, studentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	return nil
}

func (s *AttendanceService) loadModule(ctx context.Context, moduleID string) (*models.Module, error) {
	module, err := s.modules.FindModuleByID(ctx, moduleID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "module not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load module")
	}
	return module, nil
}

// LocalDate returns the calendar date of instant in loc as a UTC midnight value.
func LocalDate(instant time.Time, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := instant.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ExpectedSessions counts the dates in [max(from, runsFrom), min(to, runsTo)] falling on the
// module's weekday.
func ExpectedSessions(module models.Module, from, to time.Time) int {
	start := maxDate(calendarDate(from), calendarDate(module.RunsFrom))
	end := minDate(calendarDate(to), calendarDate(module.RunsTo))
	if start.After(end) {
		return 0
	}
	offset := (int(module.DayOfWeek) - int(start.Weekday()) + 7) % 7
	first := start.AddDate(0, 0, offset)
	if first.After(end) {
		return 0
	}
	days := int(end.Sub(first).Hours() / 24)
	return 1 + days/7
}

// Percent is attended/expected, nil when nothing was expected. Check-ins on off-schedule
// dates can push attended past expected; the ratio is capped at 1.
func Percent(attended, expected int) *float64 {
	if expected <= 0 {
		return nil
	}
	ratio := float64(attended) / float64(expected)
	if ratio > 1 {
		ratio = 1
	}
	return &ratio
}

func summarize(expected, attended int) models.AttendanceSummary {
	return models.AttendanceSummary{Expected: expected, Attended: attended, Percent: Percent(attended, expected)}
}

func normalizeRange(from, to time.Time) (time.Time, time.Time, error) {
	if from.IsZero() || to.IsZero() {
		return time.Time{}, time.Time{}, appErrors.Clone(appErrors.ErrValidation, "from and to are required")
	}
	from, to = calendarDate(from), calendarDate(to)
	if from.After(to) {
		return time.Time{}, time.Time{}, appErrors.Clone(appErrors.ErrValidation, "from must not be after to")
	}
	return from, to, nil
}

func normalizeRosterPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > maxRosterPageSize {
		size = defaultRosterPageSize
	}
	return page, size
}

func rosterCacheKey(filter models.AttendanceRosterFilter) string {
	return fmt.Sprintf("roster:%s:%s:%s:%d:%d",
		filter.From.Format(dateLayout),
		filter.To.Format(dateLayout),
		strings.ToLower(filter.Search),
		filter.Page,
		filter.PageSize)
}

func studentCachePattern(studentID string) string {
	return "attendance:" + studentID + ":*"
}

func indexCounts(counts []models.AttendanceCount) map[string]int {
	index := make(map[string]int, len(counts))
	for _, c := range counts {
		index[countKey(c.StudentID, c.ModuleID)] = c.Attended
	}
	return index
}

func countKey(studentID, moduleID string) string {
	return studentID + "|" + moduleID
}

func calendarDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func maxDate(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minDate(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}

func formatPercent(p *float64) string {
	if p == nil {
		return "-"
	}
	return strconv.FormatFloat(*p*100, 'f', 1, 64) + "%"
}
