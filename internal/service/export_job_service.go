package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campus-api/internal/models"
	"github.com/noah-isme/campus-api/internal/repository"
	appErrors "github.com/noah-isme/campus-api/pkg/errors"
	"github.com/noah-isme/campus-api/pkg/logger"
	"github.com/noah-isme/campus-api/pkg/jobs"
	"github.com/noah-isme/campus-api/pkg/storage"
)

// ExportJobKind labels roster export jobs on the queue.
const ExportJobKind = "roster_export"

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	FindByID(ctx context.Context, id string) (*models.ExportJob, error)
	Claim(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListQueued(ctx context.Context, limit int) ([]models.ExportJob, error)
	ResetProcessing(ctx context.Context) (int64, error)
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error)
	ClearResult(ctx context.Context, id string) error
}

type rosterExporter interface {
	ExportRoster(ctx context.Context, filter models.AttendanceRosterFilter, format string) (*ExportedFile, error)
}

type exportFileStore interface {
	Save(name string, data []byte) (string, error)
	Open(name string) (*os.File, error)
	Delete(name string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type downloadSigner interface {
	Generate(ownerID, relPath string) (string, time.Time, error)
	Parse(token string, allowExpired bool) (string, string, time.Time, error)
}

// ExportJobConfig tunes download links and retention.
type ExportJobConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// ExportDownload is an opened export file ready to stream.
type ExportDownload struct {
	File        *os.File
	Filename    string
	ContentType string
}

// ExportJobService accepts roster export requests, reports their progress and serves the
// finished files through signed links.
type ExportJobService struct {
	repo    exportJobStore
	queue   jobDispatcher
	files   exportFileStore
	signer  downloadSigner
	metrics *MetricsService
	logger  *zap.Logger
	cfg     ExportJobConfig
	now     func() time.Time
}

// NewExportJobService constructs the service.
func NewExportJobService(repo exportJobStore, queue jobDispatcher, files exportFileStore, signer downloadSigner, metrics *MetricsService, cfg ExportJobConfig, logger *zap.Logger) *ExportJobService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	cfg.APIPrefix = strings.TrimRight(cfg.APIPrefix, "/")
	return &ExportJobService{
		repo:    repo,
		queue:   queue,
		files:   files,
		signer:  signer,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// RequestExport records a queued roster export for actor and hands it to the workers.
func (s *ExportJobService) RequestExport(ctx context.Context, actor string, filter models.AttendanceRosterFilter, format string) (*models.ExportJobView, error) {
	if actor == "" {
		return nil, appErrors.ErrUnauthorized
	}
	exportFormat := models.ExportFormat(strings.ToLower(strings.TrimSpace(format)))
	if exportFormat != models.ExportFormatCSV && exportFormat != models.ExportFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "format must be csv or pdf")
	}
	from, to, err := normalizeRange(filter.From, filter.To)
	if err != nil {
		return nil, err
	}

	job := &models.ExportJob{
		Params: models.ExportJobParams{
			From:   from.Format(dateLayout),
			To:     to.Format(dateLayout),
			Search: strings.TrimSpace(filter.Search),
			Format: exportFormat,
		},
		Status:      models.ExportJobQueued,
		RequestedBy: actor,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Kind: ExportJobKind}); err != nil {
		failed := models.ExportJobFailed
		msg := "export queue unavailable"
		finished := s.now().UTC()
		if updateErr := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{Status: &failed, ErrorMessage: &msg, FinishedAt: &finished}); updateErr != nil {
			logger.WithContext(ctx, s.logger).Warn("failed to mark export job failed", zap.String("job_id", job.ID), zap.Error(updateErr))
		}
		s.metrics.RecordExportJob(string(failed))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	logger.WithContext(ctx, s.logger).Info("roster export queued", zap.String("job_id", job.ID), zap.String("actor", actor), zap.String("format", string(exportFormat)))
	return s.view(job)
}

// Status reports a job to the user who requested it.
func (s *ExportJobService) Status(ctx context.Context, actor, id string) (*models.ExportJobView, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job.RequestedBy != actor {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "export job belongs to another user")
	}
	return s.view(job)
}

// ResolveDownload validates a signed link and opens the file it points at. The caller closes
// the returned file.
func (s *ExportJobService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	jobID, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		if errors.Is(err, storage.ErrExpiredToken) {
			return nil, appErrors.Clone(appErrors.ErrForbidden, "download link expired")
		}
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid download link")
	}
	job, err := s.repo.FindByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job.Status != models.ExportJobFinished || job.ResultPath == nil || *job.ResultPath != relPath {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export is no longer available")
	}
	file, err := s.files.Open(relPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "export is no longer available")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open export")
	}
	return &ExportDownload{
		File:        file,
		Filename:    path.Base(relPath),
		ContentType: exportContentType(job.Params.Format),
	}, nil
}

// Recover requeues jobs left QUEUED or PROCESSING by a previous process.
func (s *ExportJobService) Recover(ctx context.Context) {
	if n, err := s.repo.ResetProcessing(ctx); err != nil {
		s.logger.Warn("failed to reset interrupted export jobs", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("reset interrupted export jobs", zap.Int64("count", n))
	}
	pending, err := s.repo.ListQueued(ctx, 100)
	if err != nil {
		s.logger.Warn("failed to list queued export jobs", zap.Error(err))
		return
	}
	for _, job := range pending {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Kind: ExportJobKind}); err != nil {
			s.logger.Warn("failed to requeue export job", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

// StartCleanup purges expired exports every CleanupInterval until ctx ends. A zero interval
// disables it.
func (s *ExportJobService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.Cleanup(ctx); err != nil {
					s.logger.Warn("export cleanup failed", zap.Error(err))
				}
			}
		}
	}()
}

// Cleanup deletes the files of jobs finished more than ResultTTL ago, then sweeps any other
// stale file left in storage. Returns the number of jobs purged.
func (s *ExportJobService) Cleanup(ctx context.Context) (int, error) {
	const batch = 100
	cutoff := s.now().Add(-s.cfg.ResultTTL)
	purged := 0
	for {
		expired, err := s.repo.ListFinishedBefore(ctx, cutoff, batch)
		if err != nil {
			return purged, err
		}
		for _, job := range expired {
			if err := s.files.Delete(*job.ResultPath); err != nil {
				s.logger.Warn("failed to delete export file", zap.String("job_id", job.ID), zap.Error(err))
			}
			if err := s.repo.ClearResult(ctx, job.ID); err != nil {
				return purged, err
			}
			purged++
		}
		if len(expired) < batch {
			break
		}
	}
	if _, err := s.files.CleanupOlderThan(s.cfg.ResultTTL); err != nil {
		return purged, err
	}
	return purged, nil
}

func (s *ExportJobService) view(job *models.ExportJob) (*models.ExportJobView, error) {
	view := &models.ExportJobView{
		ID:         job.ID,
		Status:     job.Status,
		Params:     job.Params,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		view.Error = job.ErrorMessage
	}
	if job.Status == models.ExportJobFinished && job.ResultPath != nil {
		token, expiresAt, err := s.signer.Generate(job.ID, *job.ResultPath)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to sign download link")
		}
		url := fmt.Sprintf("%s/exports/%s", s.cfg.APIPrefix, token)
		view.DownloadURL = &url
		view.ExpiresAt = &expiresAt
	}
	return view, nil
}

// RosterExportWorker renders queued roster exports into storage.
type RosterExportWorker struct {
	repo    exportJobStore
	roster  rosterExporter
	files   exportFileStore
	metrics *MetricsService
	logger  *zap.Logger
	now     func() time.Time
}

// NewRosterExportWorker constructs the worker.
func NewRosterExportWorker(repo exportJobStore, roster rosterExporter, files exportFileStore, metrics *MetricsService, logger *zap.Logger) *RosterExportWorker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RosterExportWorker{repo: repo, roster: roster, files: files, metrics: metrics, logger: logger, now: time.Now}
}

// Handle processes one queued job. Jobs already claimed elsewhere are skipped. Transient
// failures put the job back to QUEUED and return the error so the queue retries it.
func (w *RosterExportWorker) Handle(ctx context.Context, job jobs.Job) error {
	record, err := w.repo.Claim(ctx, job.ID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			w.logger.Debug("export job not claimable", zap.String("job_id", job.ID))
			return nil
		}
		return err
	}

	filter, err := rosterFilterFromParams(record.Params)
	if err != nil {
		w.fail(ctx, record.ID, err)
		return nil
	}
	file, err := w.roster.ExportRoster(ctx, filter, string(record.Params.Format))
	if err != nil {
		if errors.Is(err, appErrors.ErrValidation) {
			w.fail(ctx, record.ID, err)
			return nil
		}
		w.requeue(ctx, record.ID, err)
		return err
	}
	relPath, err := w.files.Save(record.ID+"/"+file.Filename, file.Content)
	if err != nil {
		w.requeue(ctx, record.ID, err)
		return err
	}

	finished := models.ExportJobFinished
	now := w.now().UTC()
	noError := ""
	if err := w.repo.Update(ctx, record.ID, repository.UpdateExportJobParams{
		Status:       &finished,
		ResultPath:   &relPath,
		ErrorMessage: &noError,
		FinishedAt:   &now,
	}); err != nil {
		w.requeue(ctx, record.ID, err)
		return err
	}
	w.metrics.RecordExportJob(string(finished))
	w.logger.Info("roster export finished", zap.String("job_id", record.ID), zap.String("path", relPath), zap.Int("bytes", len(file.Content)))
	return nil
}

// Exhausted marks a job FAILED once the queue gives up on it.
func (w *RosterExportWorker) Exhausted(ctx context.Context, job jobs.Job, err error) {
	w.fail(ctx, job.ID, err)
}

func (w *RosterExportWorker) fail(ctx context.Context, id string, cause error) {
	failed := models.ExportJobFailed
	msg := cause.Error()
	now := w.now().UTC()
	if err := w.repo.Update(ctx, id, repository.UpdateExportJobParams{Status: &failed, ErrorMessage: &msg, FinishedAt: &now}); err != nil {
		w.logger.Warn("failed to mark export job failed", zap.String("job_id", id), zap.Error(err))
	}
	w.metrics.RecordExportJob(string(failed))
}

func (w *RosterExportWorker) requeue(ctx context.Context, id string, cause error) {
	queued := models.ExportJobQueued
	msg := cause.Error()
	if err := w.repo.Update(ctx, id, repository.UpdateExportJobParams{Status: &queued, ErrorMessage: &msg}); err != nil {
		w.logger.Warn("failed to requeue export job", zap.String("job_id", id), zap.Error(err))
	}
}

func rosterFilterFromParams(params models.ExportJobParams) (models.AttendanceRosterFilter, error) {
	from, err := time.Parse(dateLayout, params.From)
	if err != nil {
		return models.AttendanceRosterFilter{}, fmt.Errorf("invalid from date %q", params.From)
	}
	to, err := time.Parse(dateLayout, params.To)
	if err != nil {
		return models.AttendanceRosterFilter{}, fmt.Errorf("invalid to date %q", params.To)
	}
	return models.AttendanceRosterFilter{From: from, To: to, Search: params.Search}, nil
}

func exportContentType(format models.ExportFormat) string {
	if format == models.ExportFormatPDF {
		return "application/pdf"
	}
	return "text/csv"
}
