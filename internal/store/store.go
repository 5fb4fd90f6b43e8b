package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

var (
	ErrNotFound          = errors.New("resource not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job status transition")
	ErrCycleOutOfRange   = errors.New("cycle out of range")
	ErrUnavailable       = errors.New("store unavailable")
)

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error
	KeyStore
	JobStore
}

// KeyStore manages API keys.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

// JobStore is the durable job table. Every mutation is committed before it returns,
// and every read returns a fresh copy owned by the caller.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.Job, opts ...CreateOption) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.Job, error)
	// UpdateJobStatus returns false, nil when id is unknown.
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) (bool, error)
	AppendAgentResult(ctx context.Context, id uuid.UUID, result models.AgentResult) error
	SetArtifact(ctx context.Context, id uuid.UUID, ref string) error
	SetTestResults(ctx context.Context, id uuid.UUID, results models.TestResults) error
	SetInferenceOutput(ctx context.Context, id uuid.UUID, ref string) error
	DeleteJob(ctx context.Context, id uuid.UUID) (bool, error)
	// ReapOlderThan and FailInterrupted return the jobs they touched so
	// callers can clean up files and cached status for them.
	ReapOlderThan(ctx context.Context, maxAge time.Duration) ([]JobRef, error)
	LatestArtifact(ctx context.Context, clientID string) (*models.Job, error)
	FailInterrupted(ctx context.Context, reason string) ([]JobRef, error)
}

// JobRef names a job and the client that owns it.
type JobRef struct {
	ID       uuid.UUID
	ClientID string
}

type JobFilter struct {
	ClientID string
	Status   models.JobStatus
	Mode     models.JobMode
	Limit    int
}

// CreateParams is the resolved form of a set of CreateOptions.
type CreateParams struct {
	Replace bool
}

type CreateOption func(*CreateParams)

func ResolveCreate(opts ...CreateOption) CreateParams {
	var p CreateParams
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WithReplace overwrites an existing job with the same id instead of failing.
func WithReplace() CreateOption {
	return func(p *CreateParams) {
		p.Replace = true
	}
}

// JobUpdate is the resolved form of a set of JobUpdateOptions.
type JobUpdate struct {
	CurrentStep  *string
	Progress     map[string]any
	ErrorMessage *string
	Cycle        *int
}

type JobUpdateOption func(*JobUpdate)

func ResolveUpdate(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithCurrentStep(step string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.CurrentStep = &step
	}
}

// WithProgress merges kv into progress_details. Existing keys not in kv are kept.
func WithProgress(kv map[string]any) JobUpdateOption {
	return func(p *JobUpdate) {
		if p.Progress == nil {
			p.Progress = make(map[string]any, len(kv))
		}
		for k, v := range kv {
			p.Progress[k] = v
		}
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

func WithCycle(cycle int) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Cycle = &cycle
	}
}
