package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobStatus(ctx context.Context, snap JobSnapshot, ttl time.Duration) error
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error)
	DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
}

// JobSnapshot is the slice of a job that status polling needs. It is a mirror
// of the database row and may lag it by one update.
type JobSnapshot struct {
	ID              uuid.UUID        `json:"id"`
	ClientID        string           `json:"client_id"`
	Status          models.JobStatus `json:"status"`
	CurrentStep     string           `json:"current_step,omitempty"`
	Cycle           int              `json:"cycle"`
	ProgressDetails map[string]any   `json:"progress_details,omitempty"`
	ErrorMessage    string           `json:"error_message,omitempty"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// SnapshotOf builds the cached view of job.
func SnapshotOf(job *models.Job) JobSnapshot {
	snap := JobSnapshot{
		ID:              job.ID,
		ClientID:        job.ClientID,
		Status:          job.Status,
		Cycle:           job.Cycle,
		ProgressDetails: job.ProgressDetails,
		UpdatedAt:       job.UpdatedAt,
	}
	if job.CurrentStep != nil {
		snap.CurrentStep = *job.CurrentStep
	}
	if job.ErrorMessage != nil {
		snap.ErrorMessage = *job.ErrorMessage
	}
	return snap
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

var _ Cache = (*RedisCache)(nil)

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobStatus(ctx context.Context, snap JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal job snapshot: %w", err)
	}
	return c.client.Set(ctx, JobStatusKey(snap.ID), data, ttl).Err()
}

func (c *RedisCache) GetJobStatus(ctx context.Context, jobID uuid.UUID) (*JobSnapshot, bool, error) {
	data, err := c.client.Get(ctx, JobStatusKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var snap JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		// A corrupt entry is treated as a miss so the caller falls back to the store.
		return nil, false, nil
	}
	return &snap, true, nil
}

func (c *RedisCache) DeleteJobStatus(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobStatusKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
