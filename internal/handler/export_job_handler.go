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

type exportJobService interface {
	RequestExport(ctx context.Context, actor string, filter models.AttendanceRosterFilter, format string) (*models.ExportJobView, error)
	Status(ctx context.Context, actor, id string) (*models.ExportJobView, error)
	ResolveDownload(ctx context.Context, token string) (*service.ExportDownload, error)
}

// RosterExportRequest asks for a background roster export.
type RosterExportRequest struct {
	From   string `json:"from" binding:"required"`
	To     string `json:"to" binding:"required"`
	Search string `json:"search"`
	Format string `json:"format" binding:"required"`
}

// ExportJobHandler exposes asynchronous roster exports and their signed downloads.
type ExportJobHandler struct {
	service exportJobService
}

// NewExportJobHandler constructs ExportJobHandler.
func NewExportJobHandler(svc exportJobService) *ExportJobHandler {
	return &ExportJobHandler{service: svc}
}

// Create godoc
// @Summary Queue a roster export
// @Tags Attendance
// @Accept json
// @Produce json
// @Param payload body RosterExportRequest true "Roster filter and format"
// @Success 202 {object} response.Envelope
// @Router /attendance/roster/export-jobs [post]
func (h *ExportJobHandler) Create(c *gin.Context) {
	var req RosterExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid export payload"))
		return
	}
	from, err := time.Parse(queryDateLayout, strings.TrimSpace(req.From))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "from must be YYYY-MM-DD"))
		return
	}
	to, err := time.Parse(queryDateLayout, strings.TrimSpace(req.To))
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "to must be YYYY-MM-DD"))
		return
	}
	filter := models.AttendanceRosterFilter{From: from, To: to, Search: req.Search}
	job, err := h.service.RequestExport(c.Request.Context(), actorID(c), filter, req.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, job)
}

// Status godoc
// @Summary Roster export progress
// @Tags Attendance
// @Produce json
// @Param id path string true "Export job ID"
// @Success 200 {object} response.Envelope
// @Router /attendance/roster/export-jobs/{id} [get]
func (h *ExportJobHandler) Status(c *gin.Context) {
	job, err := h.service.Status(c.Request.Context(), actorID(c), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, job, nil)
}

// Download godoc
// @Summary Download a finished export through its signed link
// @Tags Attendance
// @Produce text/csv
// @Produce application/pdf
// @Param token path string true "Signed download token"
// @Success 200 {file} file
// @Router /exports/{token} [get]
func (h *ExportJobHandler) Download(c *gin.Context) {
	download, err := h.service.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer download.File.Close() //nolint:errcheck

	info, err := download.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read export"))
		return
	}
	response.Stream(c, download.Filename, download.ContentType, info.Size(), download.File)
}
