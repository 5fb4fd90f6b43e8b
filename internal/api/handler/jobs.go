package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/csvforge/internal/api/middleware"
	"github.com/kiranshivaraju/csvforge/internal/api/response"
	"github.com/kiranshivaraju/csvforge/internal/cache"
	"github.com/kiranshivaraju/csvforge/internal/files"
	"github.com/kiranshivaraju/csvforge/internal/jobs"
	"github.com/kiranshivaraju/csvforge/internal/pool"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200

	saturatedRetryAfter = 30 * time.Second

	// multipartMemory is how much of a multipart body is kept in memory
	// before spilling to temporary files.
	multipartMemory = 8 << 20
)

// JobService defines what the job handlers depend on.
type JobService interface {
	Submit(ctx context.Context, sub jobs.Submission) (*models.Job, error)
	Get(ctx context.Context, caller jobs.Caller, id uuid.UUID) (*models.Job, error)
	Status(ctx context.Context, caller jobs.Caller, id uuid.UUID) (*cache.JobSnapshot, error)
	Result(ctx context.Context, caller jobs.Caller, id uuid.UUID) (*models.Job, error)
	List(ctx context.Context, caller jobs.Caller, filter store.JobFilter) ([]*models.Job, error)
	Delete(ctx context.Context, caller jobs.Caller, id uuid.UUID) error
	LatestArtifact(ctx context.Context, clientID string) (*models.Job, error)
	QueueStatus() models.PoolStatus
}

type instructionsRequest struct {
	Description string            `json:"description" validate:"max=10000"`
	General     string            `json:"general" validate:"max=10000"`
	Columns     map[string]string `json:"columns" validate:"max=500,dive,keys,required,max=256,endkeys,max=2000"`
}

func (i instructionsRequest) model() models.Instructions {
	return models.Instructions{Description: i.Description, General: i.General, Columns: i.Columns}
}

type createJobRequest struct {
	JobID             string              `json:"job_id" validate:"omitempty,uuid"`
	Replace           bool                `json:"replace"`
	InputRef          string              `json:"input_ref" validate:"omitempty,uri,max=2048"`
	ExpectedOutputRef string              `json:"expected_output_ref" validate:"omitempty,uri,max=2048"`
	Instructions      instructionsRequest `json:"instructions"`
}

// JobHandlers serves the /jobs, /inference, /queue and /artifacts endpoints.
type JobHandlers struct {
	svc       JobService
	validator *validator.Validate
	maxUpload int64
}

// NewJobHandlers creates the job handlers. maxUpload bounds each uploaded file.
func NewJobHandlers(svc JobService, maxUpload int64) *JobHandlers {
	return &JobHandlers{svc: svc, validator: validator.New(), maxUpload: maxUpload}
}

// CreateTraining handles POST /api/v1/jobs.
func (h *JobHandlers) CreateTraining(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, models.ModeTraining)
}

// CreateInference handles POST /api/v1/inference.
func (h *JobHandlers) CreateInference(w http.ResponseWriter, r *http.Request) {
	h.create(w, r, models.ModeInference)
}

func (h *JobHandlers) create(w http.ResponseWriter, r *http.Request, mode models.JobMode) {
	clientID, ok := mw.GetClientID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
		return
	}

	var req createJobRequest
	if isMultipart(r) {
		// Two files plus form fields.
		r.Body = http.MaxBytesReader(w, r.Body, 2*h.maxUpload+multipartMemory)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
					"Request body is too large", nil)
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		var err error
		req, err = formRequest(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return
	}

	if err := h.validator.Struct(req); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"Request validation failed", validationDetails(err))
		return
	}

	sub := jobs.Submission{
		Replace:           req.Replace,
		ClientID:          clientID,
		Admin:             mw.IsAdmin(r),
		Mode:              mode,
		InputRef:          req.InputRef,
		ExpectedOutputRef: req.ExpectedOutputRef,
		Instructions:      req.Instructions.model(),
	}
	if req.JobID != "" {
		sub.JobID = uuid.MustParse(req.JobID)
	}

	if r.MultipartForm != nil {
		in, closeIn, err := openUpload(r, "input_file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		defer closeIn()
		exp, closeExp, err := openUpload(r, "expected_file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		defer closeExp()
		sub.Input, sub.Expected = in, exp
	}
	if sub.Input == nil && sub.InputRef == "" {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"input_ref or input_file is required", nil)
		return
	}

	job, err := h.svc.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	slog.Info("job accepted", "job_id", job.ID, "client_id", clientID, "mode", mode, "uploaded", sub.Input != nil)
	response.Accepted(w, job)
}

// List handles GET /api/v1/jobs.
func (h *JobHandlers) List(w http.ResponseWriter, r *http.Request) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := store.JobFilter{
		ClientID: q.Get("client_id"),
		Status:   models.JobStatus(strings.ToLower(q.Get("status"))),
		Mode:     models.JobMode(strings.ToLower(q.Get("mode"))),
		Limit:    defaultListLimit,
	}
	if filter.Status != "" && !filter.Status.Valid() {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown status filter", nil)
		return
	}
	if filter.Mode != "" && !filter.Mode.Valid() {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Unknown mode filter", nil)
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
			return
		}
		filter.Limit = min(n, maxListLimit)
	}

	list, err := h.svc.List(r.Context(), caller, filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if list == nil {
		list = []*models.Job{}
	}
	response.List(w, list, len(list), response.ListMeta{
		Limit:   filter.Limit,
		Filters: listFilters(filter),
	})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *JobHandlers) Get(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobRequest(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Get(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, job)
}

// Status handles GET /api/v1/jobs/{jobID}/status.
func (h *JobHandlers) Status(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobRequest(w, r)
	if !ok {
		return
	}
	snap, err := h.svc.Status(r.Context(), caller, id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, snap)
}

type resultResponse struct {
	ID                 uuid.UUID           `json:"id"`
	Status             models.JobStatus    `json:"status"`
	Mode               models.JobMode      `json:"mode"`
	Cycle              int                 `json:"cycle"`
	ArtifactRef        *string             `json:"artifact_ref,omitempty"`
	TestResults        *models.TestResults `json:"test_results,omitempty"`
	InferenceOutputRef *string             `json:"inference_output_ref,omitempty"`
	ErrorMessage       *string             `json:"error_message,omitempty"`
	FailureReason      any                 `json:"failure_reason,omitempty"`
}

// Result handles GET /api/v1/jobs/{jobID}/result.
func (h *JobHandlers) Result(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobRequest(w, r)
	if !ok {
		return
	}
	job, err := h.svc.Result(r.Context(), caller, id)
	if errors.Is(err, jobs.ErrNotFinished) {
		response.Error(w, http.StatusConflict, "JOB_NOT_FINISHED", "Job has not finished yet",
			map[string]any{"status": job.Status, "current_step": job.CurrentStep})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	response.JSON(w, resultResponse{
		ID:                 job.ID,
		Status:             job.Status,
		Mode:               job.Mode,
		Cycle:              job.Cycle,
		ArtifactRef:        job.ArtifactRef,
		TestResults:        job.TestResults,
		InferenceOutputRef: job.InferenceOutputRef,
		ErrorMessage:       job.ErrorMessage,
		FailureReason:      job.ProgressDetails["failure_reason"],
	})
}

// Delete handles DELETE /api/v1/jobs/{jobID}.
func (h *JobHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	caller, id, ok := jobRequest(w, r)
	if !ok {
		return
	}
	if err := h.svc.Delete(r.Context(), caller, id); err != nil {
		writeError(w, r, err)
		return
	}
	response.NoContent(w)
}

// Queue handles GET /api/v1/queue.
func (h *JobHandlers) Queue(w http.ResponseWriter, _ *http.Request) {
	response.JSON(w, h.svc.QueueStatus())
}

type artifactResponse struct {
	JobID       uuid.UUID           `json:"job_id"`
	ArtifactRef string              `json:"artifact_ref"`
	Cycle       int                 `json:"cycle"`
	TestResults *models.TestResults `json:"test_results,omitempty"`
	CompletedAt any                 `json:"completed_at,omitempty"`
}

// LatestArtifact handles GET /api/v1/artifacts/latest.
func (h *JobHandlers) LatestArtifact(w http.ResponseWriter, r *http.Request) {
	clientID, ok := mw.GetClientID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
		return
	}
	job, err := h.svc.LatestArtifact(r.Context(), clientID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := artifactResponse{JobID: job.ID, Cycle: job.Cycle, TestResults: job.TestResults}
	if job.ArtifactRef != nil {
		resp.ArtifactRef = *job.ArtifactRef
	}
	if job.CompletedAt != nil {
		resp.CompletedAt = job.CompletedAt.UTC()
	}
	response.JSON(w, resp)
}

// listFilters echoes the filters that were applied, or nil when none were.
func listFilters(f store.JobFilter) map[string]any {
	out := map[string]any{}
	if f.ClientID != "" {
		out["client_id"] = f.ClientID
	}
	if f.Status != "" {
		out["status"] = f.Status
	}
	if f.Mode != "" {
		out["mode"] = f.Mode
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func callerFrom(w http.ResponseWriter, r *http.Request) (jobs.Caller, bool) {
	clientID, ok := mw.GetClientID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing client", nil)
		return jobs.Caller{}, false
	}
	return jobs.Caller{ClientID: clientID, Admin: mw.IsAdmin(r)}, true
}

func jobRequest(w http.ResponseWriter, r *http.Request) (jobs.Caller, uuid.UUID, bool) {
	caller, ok := callerFrom(w, r)
	if !ok {
		return caller, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a valid UUID", nil)
		return caller, uuid.Nil, false
	}
	return caller, id, true
}

func isMultipart(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
}

// formRequest reads the non-file fields of a multipart submission. Column
// instructions arrive as a JSON object in the "columns" field.
func formRequest(r *http.Request) (createJobRequest, error) {
	req := createJobRequest{
		JobID:             r.FormValue("job_id"),
		InputRef:          r.FormValue("input_ref"),
		ExpectedOutputRef: r.FormValue("expected_output_ref"),
		Instructions: instructionsRequest{
			Description: r.FormValue("description"),
			General:     r.FormValue("general"),
		},
	}
	if v := r.FormValue("replace"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return req, errors.New("replace must be a boolean")
		}
		req.Replace = b
	}
	if v := r.FormValue("columns"); v != "" {
		if err := json.Unmarshal([]byte(v), &req.Instructions.Columns); err != nil {
			return req, errors.New("columns must be a JSON object of column instructions")
		}
	}
	return req, nil
}

// openUpload returns nil when the field is absent.
func openUpload(r *http.Request, field string) (*jobs.Upload, func(), error) {
	headers := r.MultipartForm.File[field]
	if len(headers) == 0 {
		return nil, func() {}, nil
	}
	if len(headers) > 1 {
		return nil, func() {}, fmt.Errorf("%s must contain a single file", field)
	}
	f, err := headers[0].Open()
	if err != nil {
		return nil, func() {}, fmt.Errorf("reading %s: %w", field, err)
	}
	return &jobs.Upload{Name: headers[0].Filename, Body: f}, func() { f.Close() }, nil
}

func validationDetails(err error) []map[string]string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]map[string]string, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, map[string]string{"field": fe.Namespace(), "rule": fe.Tag()})
	}
	return out
}

// writeError maps service errors onto API error codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, pool.ErrSaturated):
		response.Retry(w, http.StatusServiceUnavailable, "POOL_SATURATED",
			"The worker pool is saturated, retry later", saturatedRetryAfter)
	case errors.Is(err, pool.ErrUninitialized):
		response.Error(w, http.StatusServiceUnavailable, "POOL_UNAVAILABLE",
			"The worker pool is not running", nil)
	case errors.Is(err, store.ErrDuplicateJob):
		response.Error(w, http.StatusConflict, "DUPLICATE_JOB", "A job with this id already exists", nil)
	case errors.Is(err, jobs.ErrJobInProgress):
		response.Error(w, http.StatusConflict, "JOB_IN_PROGRESS", "The job is still running", nil)
	case errors.Is(err, jobs.ErrNotFinished):
		response.Error(w, http.StatusConflict, "JOB_NOT_FINISHED", "Job has not finished yet", nil)
	case errors.Is(err, jobs.ErrNoTrainedModel):
		response.Error(w, http.StatusNotFound, "NO_TRAINED_MODEL", "No trained model", nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Job not found", nil)
	case errors.Is(err, files.ErrTooLarge):
		response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE", "Uploaded file is too large", nil)
	case errors.Is(err, jobs.ErrMissingInput), errors.Is(err, jobs.ErrMissingTarget):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, files.ErrForeignRef):
		response.Error(w, http.StatusForbidden, "FORBIDDEN_REF",
			"File reference belongs to another client", nil)
	case errors.Is(err, files.ErrInvalidRef):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid file reference", nil)
	case errors.Is(err, store.ErrUnavailable):
		response.Error(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "The job store is unavailable", nil)
	default:
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}
