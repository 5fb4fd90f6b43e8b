package models

import (
	"time"

	"github.com/google/uuid"
)

// PoolStatus is a snapshot of the worker pool. It is derived from live pool
// state and never persisted.
type PoolStatus struct {
	MaxWorkers       int         `json:"max_workers"`
	ActiveJobs       int         `json:"active_jobs"`
	ActiveJobIDs     []uuid.UUID `json:"active_job_ids"`
	QueueSize        int         `json:"queue_size"`
	AvailableWorkers int         `json:"available_workers"`

	EstimatedWait        time.Duration `json:"-"`
	EstimatedWaitSeconds float64       `json:"estimated_wait_seconds"`
}
