// Package storetest provides an in-memory store.Store for tests.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/store"
	"github.com/kiranshivaraju/csvforge/pkg/models"
)

// Memory mirrors the PostgreSQL store's semantics behind one mutex.
type Memory struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.Job
	keys map[uuid.UUID]*models.APIKey

	// Updates records every accepted status change in order.
	Updates []StatusUpdate

	// PingErr, when set, is returned by Ping.
	PingErr error
	// UpdateErr, when set, is returned by UpdateJobStatus.
	UpdateErr error
}

// StatusUpdate is one accepted UpdateJobStatus call.
type StatusUpdate struct {
	ID          uuid.UUID
	Status      models.JobStatus
	CurrentStep string
	Progress    map[string]any
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		jobs: make(map[uuid.UUID]*models.Job),
		keys: make(map[uuid.UUID]*models.APIKey),
	}
}

func (m *Memory) Ping(_ context.Context) error { return m.PingErr }

// --- API keys ---

func (m *Memory) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}

func (m *Memory) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key.ID]; ok {
		return store.ErrDuplicateKey
	}
	c := *key
	m.keys[key.ID] = &c
	return nil
}

func (m *Memory) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *Memory) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok || k.DeletedAt != nil {
		return store.ErrNotFound
	}
	now := time.Now().UTC()
	k.DeletedAt = &now
	return nil
}

// --- Jobs ---

func (m *Memory) CreateJob(_ context.Context, job *models.Job, opts ...store.CreateOption) error {
	p := store.ResolveCreate(opts...)

	m.mu.Lock()
	defer m.mu.Unlock()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if _, exists := m.jobs[job.ID]; exists && !p.Replace {
		return store.ErrDuplicateJob
	}
	if job.Mode == "" {
		job.Mode = models.ModeTraining
	}
	if job.Status == "" {
		job.Status = models.JobStatusInitializing
	}
	if job.Cycle == 0 {
		job.Cycle = 1
	}
	if job.Cycle < 1 || job.Cycle > models.MaxCycles {
		return store.ErrCycleOutOfRange
	}
	if job.ProgressDetails == nil {
		job.ProgressDetails = map[string]any{}
	}
	if job.AgentResults == nil {
		job.AgentResults = []models.AgentResult{}
	}
	now := time.Now().UTC()
	job.CreatedAt, job.UpdatedAt, job.CompletedAt = now, now, nil
	if job.Status.IsTerminal() {
		job.CompletedAt = &now
	}
	m.jobs[job.ID] = job.Clone()
	return nil
}

func (m *Memory) GetJob(_ context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (m *Memory) ListJobs(_ context.Context, f store.JobFilter) ([]*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*models.Job{}
	for _, j := range m.jobs {
		if f.ClientID != "" && j.ClientID != f.ClientID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		if f.Mode != "" && j.Mode != f.Mode {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) UpdateJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) (bool, error) {
	if m.UpdateErr != nil {
		return false, m.UpdateErr
	}
	u := store.ResolveUpdate(opts...)
	if u.Cycle != nil && (*u.Cycle < 1 || *u.Cycle > models.MaxCycles) {
		return false, store.ErrCycleOutOfRange
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status.IsTerminal() {
		return false, fmt.Errorf("%w: %s -> %s", store.ErrInvalidTransition, j.Status, status)
	}

	now := time.Now().UTC()
	j.Status = status
	j.UpdatedAt = now
	if u.CurrentStep != nil {
		step := *u.CurrentStep
		j.CurrentStep = &step
	}
	if j.ProgressDetails == nil {
		j.ProgressDetails = map[string]any{}
	}
	for k, v := range u.Progress {
		j.ProgressDetails[k] = v
	}
	if u.ErrorMessage != nil {
		msg := *u.ErrorMessage
		j.ErrorMessage = &msg
	}
	if u.Cycle != nil {
		j.Cycle = *u.Cycle
	}
	j.CompletedAt = nil
	if status.IsTerminal() {
		j.CompletedAt = &now
	}

	rec := StatusUpdate{ID: id, Status: status, Progress: u.Progress}
	if u.CurrentStep != nil {
		rec.CurrentStep = *u.CurrentStep
	}
	m.Updates = append(m.Updates, rec)
	return true, nil
}

func (m *Memory) mutate(id uuid.UUID, fn func(*models.Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	fn(j)
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) AppendAgentResult(_ context.Context, id uuid.UUID, r models.AgentResult) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	return m.mutate(id, func(j *models.Job) { j.AgentResults = append(j.AgentResults, r) })
}

func (m *Memory) SetArtifact(_ context.Context, id uuid.UUID, ref string) error {
	return m.mutate(id, func(j *models.Job) { j.ArtifactRef = &ref })
}

func (m *Memory) SetTestResults(_ context.Context, id uuid.UUID, r models.TestResults) error {
	return m.mutate(id, func(j *models.Job) {
		r.Comparison = r.Comparison.Clone()
		j.TestResults = &r
	})
}

func (m *Memory) SetInferenceOutput(_ context.Context, id uuid.UUID, ref string) error {
	return m.mutate(id, func(j *models.Job) { j.InferenceOutputRef = &ref })
}

func (m *Memory) DeleteJob(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return false, nil
	}
	delete(m.jobs, id)
	return true, nil
}

func (m *Memory) ReapOlderThan(_ context.Context, maxAge time.Duration) ([]store.JobRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-maxAge)
	var refs []store.JobRef
	for id, j := range m.jobs {
		if j.Status.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(m.jobs, id)
			refs = append(refs, store.JobRef{ID: id, ClientID: j.ClientID})
		}
	}
	return refs, nil
}

func (m *Memory) LatestArtifact(_ context.Context, clientID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.Job
	for _, j := range m.jobs {
		if j.ClientID != clientID || j.Mode != models.ModeTraining ||
			j.Status != models.JobStatusCompleted || j.ArtifactRef == nil {
			continue
		}
		if best == nil || j.CompletedAt.After(*best.CompletedAt) {
			best = j
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	return best.Clone(), nil
}

func (m *Memory) FailInterrupted(_ context.Context, reason string) ([]store.JobRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var refs []store.JobRef
	for _, j := range m.jobs {
		if j.Status.IsTerminal() {
			continue
		}
		msg := reason
		j.Status = models.JobStatusFailed
		j.ErrorMessage = &msg
		if j.ProgressDetails == nil {
			j.ProgressDetails = map[string]any{}
		}
		j.ProgressDetails["failure_reason"] = reason
		j.CompletedAt = &now
		j.UpdatedAt = now
		refs = append(refs, store.JobRef{ID: j.ID, ClientID: j.ClientID})
	}
	return refs, nil
}

// Put stores job as-is, bypassing defaults. Useful for seeding fixtures.
func (m *Memory) Put(job *models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job.Clone()
}

// StatusHistory returns the statuses recorded for id, oldest first.
func (m *Memory) StatusHistory(id uuid.UUID) []models.JobStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.JobStatus
	for _, u := range m.Updates {
		if u.ID == id {
			out = append(out, u.Status)
		}
	}
	return out
}
