// Package sync runs background ingestion: it pulls raw records from source
// connectors, feeds them through the normalizer and auto-mapper, and tracks
// each run as a pollable job. Submission is asynchronous; nothing downstream
// assumes a sync finished before it is queried.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/trailproof/core/pkg/connector"
	"github.com/trailproof/core/pkg/contracts"
	"github.com/trailproof/core/pkg/mapping"
	"github.com/trailproof/core/pkg/normalizer"
	"github.com/trailproof/core/pkg/observability"
	"github.com/trailproof/core/pkg/store"
)

const defaultQueueDepth = 64

type task struct {
	jobID string
	orgID string
	cfg   connector.Config
}

// Service owns the sync job lifecycle.
type Service struct {
	jobs       store.SyncJobStore
	registry   *connector.Registry
	normalizer *normalizer.Normalizer
	mapper     *mapping.Engine
	locker     Locker
	backoff    BackoffPolicy
	metrics    *observability.Provider
	logger     *slog.Logger
	clock      func() time.Time

	queue chan task
	wg    stdsync.WaitGroup
}

func NewService(jobs store.SyncJobStore, registry *connector.Registry, norm *normalizer.Normalizer, mapper *mapping.Engine, locker Locker) *Service {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Service{
		jobs:       jobs,
		registry:   registry,
		normalizer: norm,
		mapper:     mapper,
		locker:     locker,
		backoff:    DefaultBackoff(),
		logger:     slog.Default().With("component", "sync"),
		clock:      time.Now,
		queue:      make(chan task, defaultQueueDepth),
	}
}

// WithBackoff overrides the retry policy.
func (s *Service) WithBackoff(p BackoffPolicy) *Service {
	s.backoff = p
	return s
}

// WithMetrics counts every normalized record by source and outcome.
func (s *Service) WithMetrics(p *observability.Provider) *Service {
	s.metrics = p
	return s
}

// WithClock overrides the clock for testing.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Start launches the worker pool. Workers drain until ctx is cancelled;
// Stop waits for in-flight jobs to checkpoint and exit.
func (s *Service) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 2
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case t := <-s.queue:
					s.run(ctx, t)
				}
			}
		}()
	}
}

// Stop blocks until all workers have exited.
func (s *Service) Stop() {
	s.wg.Wait()
}

// Submit validates the request, persists a PENDING job, and enqueues it.
// The returned job is the handle callers poll via Status.
func (s *Service) Submit(ctx context.Context, orgID string, system contracts.SourceSystem, cfg connector.Config) (*contracts.SyncJob, error) {
	if orgID == "" {
		return nil, contracts.NewValidationError("org_id", "must not be empty")
	}
	if _, err := s.registry.Lookup(system); err != nil {
		return nil, contracts.NewValidationError("source_system", fmt.Sprintf("no connector registered for %q", system))
	}

	now := s.clock().UTC()
	job := &contracts.SyncJob{
		ID:           uuid.New().String(),
		OrgID:        orgID,
		SourceSystem: system,
		State:        contracts.SyncPending,
		SubmittedAt:  now,
		UpdatedAt:    now,
	}
	if err := s.jobs.InsertSyncJob(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist sync job: %w", err)
	}

	select {
	case s.queue <- task{jobID: job.ID, orgID: orgID, cfg: cfg}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return job, nil
}

// Status returns the current job record.
func (s *Service) Status(ctx context.Context, orgID, jobID string) (*contracts.SyncJob, error) {
	return s.jobs.GetSyncJob(ctx, orgID, jobID)
}

func (s *Service) run(ctx context.Context, t task) {
	job, err := s.jobs.GetSyncJob(ctx, t.orgID, t.jobID)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to load sync job", "job_id", t.jobID, "error", err)
		return
	}

	// One running job per (org, source). Concurrent submissions for the
	// same pair queue behind the lock instead of racing on upserts.
	release, err := s.locker.Acquire(ctx, t.orgID+"/"+string(job.SourceSystem))
	if err != nil {
		s.fail(ctx, job, fmt.Errorf("failed to acquire sync lock: %w", err))
		return
	}
	defer release()

	conn, err := s.registry.Lookup(job.SourceSystem)
	if err != nil {
		s.fail(ctx, job, err)
		return
	}

	job.State = contracts.SyncRunning
	s.checkpoint(ctx, job)
	s.logger.InfoContext(ctx, "sync started", "job_id", job.ID, "org_id", job.OrgID, "source", job.SourceSystem)

	cursor := job.Cursor
	for {
		records, next, err := conn.Fetch(ctx, job.OrgID, t.cfg, cursor)
		if err != nil {
			if contracts.IsRetryable(err) && job.Attempts < s.backoff.MaxAttempts {
				job.Attempts++
				delay := backoffDelay(job.ID, job.Attempts, s.backoff)
				s.logger.WarnContext(ctx, "fetch failed, backing off",
					"job_id", job.ID, "attempt", job.Attempts, "delay", delay, "error", err)
				s.checkpoint(ctx, job)
				select {
				case <-ctx.Done():
					s.fail(ctx, job, ctx.Err())
					return
				case <-time.After(delay):
				}
				continue
			}
			s.fail(ctx, job, err)
			return
		}

		for _, rec := range records {
			if err := s.ingest(ctx, job, rec); err != nil {
				// A malformed record is skipped and logged; the batch
				// continues. Partial persistence of the record itself is
				// impossible, normalization is a single write.
				var vErr *contracts.ValidationError
				if errors.As(err, &vErr) {
					s.logger.WarnContext(ctx, "record rejected",
						"job_id", job.ID, "source_object_id", rec.SourceObjectID, "error", err)
					continue
				}
				s.fail(ctx, job, err)
				return
			}
			job.RecordsSeen++
		}

		// Checkpoint the cursor after every committed batch so a restart
		// resumes instead of refetching from the beginning.
		cursor = next
		job.Cursor = cursor
		s.checkpoint(ctx, job)

		// An empty next cursor means the connector is drained.
		if len(records) == 0 || next == "" {
			break
		}
	}

	job.State = contracts.SyncCompleted
	s.checkpoint(ctx, job)
	s.logger.InfoContext(ctx, "sync completed",
		"job_id", job.ID, "org_id", job.OrgID, "records", job.RecordsSeen)
}

func (s *Service) ingest(ctx context.Context, job *contracts.SyncJob, rec connector.RawRecord) error {
	artifact, outcome, err := s.normalizer.Normalize(ctx, job.OrgID, job.ID, rec)
	if err != nil {
		return err
	}
	s.metrics.RecordIngested(ctx, string(rec.SourceSystem), string(outcome))
	if outcome == normalizer.OutcomeUnchanged {
		return nil
	}

	// Auto-mapping failures degrade to "no suggestions": the artifact is
	// already persisted and can be mapped manually.
	if _, err := s.mapper.AutoMap(ctx, artifact); err != nil {
		s.logger.WarnContext(ctx, "auto-mapping failed",
			"job_id", job.ID, "artifact_id", artifact.ID, "error", err)
	}
	return nil
}

func (s *Service) fail(ctx context.Context, job *contracts.SyncJob, cause error) {
	job.State = contracts.SyncFailed
	job.Error = cause.Error()
	s.checkpoint(ctx, job)
	s.logger.ErrorContext(ctx, "sync failed", "job_id", job.ID, "org_id", job.OrgID, "error", cause)
}

func (s *Service) checkpoint(ctx context.Context, job *contracts.SyncJob) {
	job.UpdatedAt = s.clock().UTC()
	if err := s.jobs.UpdateSyncJob(ctx, job); err != nil {
		s.logger.ErrorContext(ctx, "failed to checkpoint sync job", "job_id", job.ID, "error", err)
	}
}
