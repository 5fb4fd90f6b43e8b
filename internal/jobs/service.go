// Package jobs is the admission layer between the HTTP API and the worker
// pool: it creates job records, stores uploaded files and queues the jobs.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/cache"
	"github.com/kiranshivaraju/csvforge/internal/files"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

var (
	ErrNoTrainedModel = errors.New("no trained model for client")
	ErrNotFinished    = errors.New("job has not finished")
	ErrJobInProgress  = errors.New("job is still in progress")
	ErrMissingInput   = errors.New("input file is required")
	ErrMissingTarget  = errors.New("expected output file is required for training")
)

// Queue is the part of the worker pool the service needs.
type Queue interface {
	Admit() error
	Submit(ctx context.Context, jobID uuid.UUID) (bool, error)
	Status() models.PoolStatus
}

// FileStore keeps uploaded files.
type FileStore interface {
	SaveUpload(ctx context.Context, clientID string, jobID uuid.UUID, name string, r io.Reader, maxSize int64) (string, error)
	// CheckRef rejects references outside the client's files. An empty
	// clientID only checks that the reference is inside the store.
	CheckRef(ref, clientID string) error
	RemoveJob(clientID string, jobID uuid.UUID) error
}

// Caller identifies who is asking. Admins see every client's jobs.
type Caller struct {
	ClientID string
	Admin    bool
}

func (c Caller) owns(job *models.Job) bool {
	return c.Admin || job.ClientID == c.ClientID
}

// Upload is a file sent inline with a submission.
type Upload struct {
	Name string
	Body io.Reader
}

// Submission describes a new job. Each file is given either as a reference
// or as an Upload.
type Submission struct {
	JobID    uuid.UUID
	Replace  bool
	ClientID string
	Admin    bool // may reference any client's files
	Mode     models.JobMode

	InputRef          string
	ExpectedOutputRef string
	Input             *Upload
	Expected          *Upload

	Instructions models.Instructions
}

func (s Submission) hasUploads() bool {
	return s.Input != nil || s.Expected != nil
}

const (
	defaultStatusTTL = 30 * time.Minute
	defaultMaxUpload = 10 << 20
)

type Options struct {
	MaxUploadSize int64
	StatusTTL     time.Duration
}

// Service creates, queues and looks up jobs.
type Service struct {
	jobs      store.JobStore
	cache     cache.Cache
	queue     Queue
	files     FileStore
	maxUpload int64
	statusTTL time.Duration
}

// NewService wires the service. jobs should already mirror into c.
func NewService(jobs store.JobStore, c cache.Cache, q Queue, files FileStore, opts Options) *Service {
	s := &Service{
		jobs:      jobs,
		cache:     c,
		queue:     q,
		files:     files,
		maxUpload: opts.MaxUploadSize,
		statusTTL: opts.StatusTTL,
	}
	if s.maxUpload <= 0 {
		s.maxUpload = defaultMaxUpload
	}
	if s.statusTTL <= 0 {
		s.statusTTL = defaultStatusTTL
	}
	return s
}

// Submit admits, records and queues a job. It returns once the job is queued;
// progress is observed by polling.
func (s *Service) Submit(ctx context.Context, sub Submission) (*models.Job, error) {
	if sub.Mode == "" {
		sub.Mode = models.ModeTraining
	}
	if sub.InputRef == "" && sub.Input == nil {
		return nil, ErrMissingInput
	}
	if sub.Mode == models.ModeTraining && sub.ExpectedOutputRef == "" && sub.Expected == nil {
		return nil, ErrMissingTarget
	}
	if err := s.checkRefs(sub); err != nil {
		return nil, err
	}

	if err := s.queue.Admit(); err != nil {
		return nil, err
	}

	if sub.Mode == models.ModeInference {
		if _, err := s.jobs.LatestArtifact(ctx, sub.ClientID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, ErrNoTrainedModel
			}
			return nil, fmt.Errorf("looking up trained model: %w", err)
		}
	}

	job := &models.Job{
		ID:           sub.JobID,
		ClientID:     sub.ClientID,
		Mode:         sub.Mode,
		Status:       models.JobStatusInitializing,
		InputRef:     sub.InputRef,
		Instructions: sub.Instructions,
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if sub.ExpectedOutputRef != "" {
		ref := sub.ExpectedOutputRef
		job.ExpectedOutputRef = &ref
	}
	if sub.hasUploads() {
		job.Status = models.JobStatusUploading
	}

	if err := s.create(ctx, job, sub.Replace); err != nil {
		return nil, err
	}

	if sub.hasUploads() {
		if err := s.storeUploads(ctx, job, sub); err != nil {
			s.abort(ctx, job.ID, "Upload failed", err)
			return nil, err
		}
	}

	if _, err := s.queue.Submit(ctx, job.ID); err != nil {
		s.abort(ctx, job.ID, "Failed to queue job", err)
		return nil, err
	}
	slog.Info("job submitted", "job_id", job.ID, "client_id", job.ClientID, "mode", job.Mode)

	queued, err := s.jobs.GetJob(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("reloading job: %w", err)
	}
	return queued, nil
}

func (s *Service) checkRefs(sub Submission) error {
	owner := sub.ClientID
	if sub.Admin {
		owner = ""
	}
	for _, ref := range []string{sub.InputRef, sub.ExpectedOutputRef} {
		if ref == "" {
			continue
		}
		if err := s.files.CheckRef(ref, owner); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) create(ctx context.Context, job *models.Job, replace bool) error {
	if !replace {
		if err := s.jobs.CreateJob(ctx, job); err != nil {
			return fmt.Errorf("creating job: %w", err)
		}
		return nil
	}

	existing, err := s.jobs.GetJob(ctx, job.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return fmt.Errorf("checking existing job: %w", err)
	case existing.ClientID != job.ClientID:
		return store.ErrDuplicateJob
	case !existing.Status.IsTerminal():
		return ErrJobInProgress
	}
	if err := s.jobs.CreateJob(ctx, job, store.WithReplace()); err != nil {
		return fmt.Errorf("replacing job: %w", err)
	}
	return nil
}

// storeUploads writes the uploaded files and swaps the UPLOADING placeholder
// for the complete record. Files are named by role so an input and an
// expected output sent under the same filename stay apart.
func (s *Service) storeUploads(ctx context.Context, job *models.Job, sub Submission) error {
	if sub.Input != nil {
		ref, err := s.files.SaveUpload(ctx, job.ClientID, job.ID,
			files.UploadName("input", sub.Input.Name), sub.Input.Body, s.maxUpload)
		if err != nil {
			return fmt.Errorf("saving input file: %w", err)
		}
		job.InputRef = ref
	}
	if sub.Expected != nil {
		ref, err := s.files.SaveUpload(ctx, job.ClientID, job.ID,
			files.UploadName("expected", sub.Expected.Name), sub.Expected.Body, s.maxUpload)
		if err != nil {
			return fmt.Errorf("saving expected output file: %w", err)
		}
		job.ExpectedOutputRef = &ref
	}

	job.Status = models.JobStatusInitializing
	job.CurrentStep = nil
	if err := s.jobs.CreateJob(ctx, job, store.WithReplace()); err != nil {
		return fmt.Errorf("recording uploaded files: %w", err)
	}
	return nil
}

// abort fails a job that never reached the pool.
func (s *Service) abort(ctx context.Context, id uuid.UUID, reason string, cause error) {
	ctx = context.WithoutCancel(ctx)
	_, err := s.jobs.UpdateJobStatus(ctx, id, models.JobStatusFailed,
		store.WithCurrentStep("Failed"),
		store.WithErrorMessage(reason+": "+cause.Error()),
		store.WithProgress(map[string]any{"failure_reason": reason}),
	)
	if err != nil {
		slog.Error("failed to mark job failed", "job_id", id, "error", err)
	}
}

// Get returns the full job record.
func (s *Service) Get(ctx context.Context, caller Caller, id uuid.UUID) (*models.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.owns(job) {
		return nil, store.ErrNotFound
	}
	return job, nil
}

// Status answers from the cache when it can and repopulates it on a miss.
func (s *Service) Status(ctx context.Context, caller Caller, id uuid.UUID) (*cache.JobSnapshot, error) {
	snap, found, err := s.cache.GetJobStatus(ctx, id)
	if err != nil {
		slog.Warn("job status cache read failed", "job_id", id, "error", err)
	}
	if found {
		if !caller.Admin && snap.ClientID != caller.ClientID {
			return nil, store.ErrNotFound
		}
		return snap, nil
	}

	job, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	fresh := cache.SnapshotOf(job)
	if err := s.cache.SetJobStatus(ctx, fresh, s.statusTTL); err != nil {
		slog.Warn("failed to cache job status", "job_id", id, "error", err)
	}
	return &fresh, nil
}

// Result returns a finished job. Unfinished jobs yield ErrNotFinished.
func (s *Service) Result(ctx context.Context, caller Caller, id uuid.UUID) (*models.Job, error) {
	job, err := s.Get(ctx, caller, id)
	if err != nil {
		return nil, err
	}
	if !job.Status.IsTerminal() {
		return job, ErrNotFinished
	}
	return job, nil
}

// List returns the caller's jobs, newest first. Admins may filter by client.
func (s *Service) List(ctx context.Context, caller Caller, filter store.JobFilter) ([]*models.Job, error) {
	if !caller.Admin {
		filter.ClientID = caller.ClientID
	}
	return s.jobs.ListJobs(ctx, filter)
}

// Delete removes the record and the job's uploads and outputs. A job that is
// still running notices on its next status write and stops.
func (s *Service) Delete(ctx context.Context, caller Caller, id uuid.UUID) error {
	job, err := s.Get(ctx, caller, id)
	if err != nil {
		return err
	}
	ok, err := s.jobs.DeleteJob(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return store.ErrNotFound
	}
	if err := s.files.RemoveJob(job.ClientID, id); err != nil {
		slog.Warn("failed to remove job files", "job_id", id, "error", err)
	}
	slog.Info("job deleted", "job_id", id, "client_id", job.ClientID)
	return nil
}

// LatestArtifact returns the client's newest trained job.
func (s *Service) LatestArtifact(ctx context.Context, clientID string) (*models.Job, error) {
	job, err := s.jobs.LatestArtifact(ctx, clientID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoTrainedModel
	}
	return job, err
}

// QueueStatus reports the worker pool's current load.
func (s *Service) QueueStatus() models.PoolStatus {
	return s.queue.Status()
}
