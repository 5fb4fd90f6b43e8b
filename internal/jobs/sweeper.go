package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/csvforge/internal/store"
)

// JobFiles removes the files a job left on disk.
type JobFiles interface {
	RemoveJob(clientID string, jobID uuid.UUID) error
}

// Sweeper periodically deletes terminal jobs older than the retention age,
// together with their uploads and outputs.
type Sweeper struct {
	jobs     store.JobStore
	files    JobFiles
	maxAge   time.Duration
	interval time.Duration
}

// NewSweeper builds a sweeper. files may be nil when only rows should go.
func NewSweeper(jobs store.JobStore, files JobFiles, maxAge, interval time.Duration) *Sweeper {
	return &Sweeper{jobs: jobs, files: files, maxAge: maxAge, interval: interval}
}

// Run sweeps once immediately and then every interval until ctx is done.
// A non-positive maxAge disables the sweeper.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.maxAge <= 0 || s.interval <= 0 {
		slog.Info("job retention sweeper disabled")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			slog.Error("job retention sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep runs one retention pass and returns how many jobs it removed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	refs, err := s.jobs.ReapOlderThan(ctx, s.maxAge)
	if err != nil {
		return 0, err
	}
	if s.files != nil {
		for _, r := range refs {
			if err := s.files.RemoveJob(r.ClientID, r.ID); err != nil {
				slog.Warn("failed to remove files of reaped job", "job_id", r.ID, "client_id", r.ClientID, "error", err)
			}
		}
	}
	if len(refs) > 0 {
		slog.Info("reaped finished jobs", "count", len(refs), "max_age", s.maxAge.String())
	}
	return int64(len(refs)), nil
}
