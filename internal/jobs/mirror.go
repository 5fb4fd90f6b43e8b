package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/cache"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Mirrored is a JobStore that copies every status change into the cache so
// pollers can be answered without touching the database. Cache failures are
// logged and never fail the store call.
type Mirrored struct {
	store.JobStore
	cache cache.Cache
	ttl   time.Duration
}

var _ store.JobStore = (*Mirrored)(nil)

func NewMirrored(st store.JobStore, c cache.Cache, ttl time.Duration) *Mirrored {
	return &Mirrored{JobStore: st, cache: c, ttl: ttl}
}

func (m *Mirrored) CreateJob(ctx context.Context, job *models.Job, opts ...store.CreateOption) error {
	if err := m.JobStore.CreateJob(ctx, job, opts...); err != nil {
		return err
	}
	m.put(ctx, job)
	return nil
}

func (m *Mirrored) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) (bool, error) {
	ok, err := m.JobStore.UpdateJobStatus(ctx, id, status, opts...)
	if err != nil || !ok {
		return ok, err
	}
	m.refresh(ctx, id)
	return true, nil
}

func (m *Mirrored) DeleteJob(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := m.JobStore.DeleteJob(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	m.drop(ctx, id)
	return true, nil
}

// FailInterrupted also evicts the cached snapshots of the jobs it fails.
func (m *Mirrored) FailInterrupted(ctx context.Context, reason string) ([]store.JobRef, error) {
	refs, err := m.JobStore.FailInterrupted(ctx, reason)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		m.drop(ctx, r.ID)
	}
	return refs, nil
}

func (m *Mirrored) ReapOlderThan(ctx context.Context, maxAge time.Duration) ([]store.JobRef, error) {
	refs, err := m.JobStore.ReapOlderThan(ctx, maxAge)
	if err != nil {
		return nil, err
	}
	for _, r := range refs {
		m.drop(ctx, r.ID)
	}
	return refs, nil
}

func (m *Mirrored) refresh(ctx context.Context, id uuid.UUID) {
	job, err := m.JobStore.GetJob(ctx, id)
	if err != nil {
		slog.Warn("failed to reload job for cache", "job_id", id, "error", err)
		return
	}
	m.put(ctx, job)
}

func (m *Mirrored) put(ctx context.Context, job *models.Job) {
	if err := m.cache.SetJobStatus(ctx, cache.SnapshotOf(job), m.ttl); err != nil {
		slog.Warn("failed to cache job status", "job_id", job.ID, "error", err)
	}
}

func (m *Mirrored) drop(ctx context.Context, id uuid.UUID) {
	if err := m.cache.DeleteJobStatus(ctx, id); err != nil {
		slog.Warn("failed to evict cached job status", "job_id", id, "error", err)
	}
}
