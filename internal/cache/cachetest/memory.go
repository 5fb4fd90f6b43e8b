// Package cachetest provides an in-memory cache.Cache for tests.
package cachetest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/cache"
)

// Memory ignores TTLs. The *Err fields make the matching calls fail.
type Memory struct {
	mu       sync.Mutex
	statuses map[uuid.UUID]cache.JobSnapshot
	counters map[string]int64

	PingErr error
	GetErr  error
	IncrErr error
}

var _ cache.Cache = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		statuses: make(map[uuid.UUID]cache.JobSnapshot),
		counters: make(map[string]int64),
	}
}

func (m *Memory) Ping(_ context.Context) error { return m.PingErr }

func (m *Memory) SetJobStatus(_ context.Context, snap cache.JobSnapshot, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[snap.ID] = snap
	return nil
}

func (m *Memory) GetJobStatus(_ context.Context, id uuid.UUID) (*cache.JobSnapshot, bool, error) {
	if m.GetErr != nil {
		return nil, false, m.GetErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.statuses[id]
	if !ok {
		return nil, false, nil
	}
	return &snap, true, nil
}

func (m *Memory) DeleteJobStatus(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, id)
	return nil
}

func (m *Memory) IncrWithExpiry(_ context.Context, key string, _ time.Duration) (int64, error) {
	if m.IncrErr != nil {
		return 0, m.IncrErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

// SetCounter primes a rate-limit counter.
func (m *Memory) SetCounter(key string, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key] = n
}

// Snapshot returns the cached status of a job.
func (m *Memory) Snapshot(id uuid.UUID) (cache.JobSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.statuses[id]
	return snap, ok
}
