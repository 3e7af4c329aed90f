package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/toll-recovery/internal/dispatch"
	"github.com/example/toll-recovery/internal/filer"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/observability"
	"github.com/example/toll-recovery/internal/retry"
)

const pollBatch = 10

// Scheduler drives pending submission jobs to a terminal state. A bounded
// pool of workers polls the store for eligible jobs, claims one via CAS,
// invokes the claim filer, and writes the outcome back. Losing a CAS is
// expected contention, not an error.
type Scheduler struct {
	Store    jobstore.Store
	Filer    filer.ClaimFiler
	Policy   retry.Policy
	Dispatch dispatch.Dispatcher
	Log      *slog.Logger

	Workers      int
	PollInterval time.Duration
	EmptyBackoff time.Duration
	StaleAfter   time.Duration
	FilerTimeout time.Duration

	// Now is the clock; injectable for tests.
	Now func() time.Time
}

func (s *Scheduler) defaults() {
	if s.Workers <= 0 {
		s.Workers = 4
	}
	if s.PollInterval <= 0 {
		s.PollInterval = time.Second
	}
	if s.EmptyBackoff <= 0 {
		s.EmptyBackoff = 3 * time.Second
	}
	if s.StaleAfter <= 0 {
		s.StaleAfter = 10 * time.Minute
	}
	if s.FilerTimeout <= 0 {
		s.FilerTimeout = 30 * time.Second
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	if s.Log == nil {
		s.Log = slog.Default()
	}
	if s.Policy.MaxAttempts <= 0 {
		s.Policy = retry.DefaultPolicy()
	}
}

// Run blocks until ctx is cancelled. Shutdown is a graceful drain: workers
// finish the job they hold so no row is left in_flight for the stale
// reclaimer to mop up.
func (s *Scheduler) Run(ctx context.Context) {
	s.defaults()
	var wg sync.WaitGroup
	for i := 0; i < s.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			s.worker(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (s *Scheduler) worker(ctx context.Context, id int) {
	log := s.Log.With("worker", id)
	for {
		if ctx.Err() != nil {
			return
		}
		worked, err := s.runOnce(ctx, log)
		if err != nil {
			// store trouble: back off the poll itself, state is all in
			// the store so nothing is lost
			log.Error("poll failed", "error", err)
			if !sleepCtx(ctx, s.EmptyBackoff) {
				return
			}
			continue
		}
		if worked {
			if !sleepCtx(ctx, s.PollInterval) {
				return
			}
			continue
		}
		if !sleepCtx(ctx, s.EmptyBackoff) {
			return
		}
	}
}

// runOnce reclaims one stale job or processes one eligible job. Reports
// whether any work was found.
func (s *Scheduler) runOnce(ctx context.Context, log *slog.Logger) (bool, error) {
	now := s.Now().UTC()

	stale, err := s.Store.PollStale(ctx, now.Add(-s.StaleAfter), pollBatch)
	if err != nil {
		return false, err
	}
	for _, j := range stale {
		if s.reclaim(ctx, log, j) {
			return true, nil
		}
	}

	eligible, err := s.Store.PollEligible(ctx, now, pollBatch)
	if err != nil {
		return false, err
	}
	for _, j := range eligible {
		claimed, ok := s.claim(ctx, j)
		if !ok {
			continue
		}
		s.process(ctx, log, claimed)
		return true, nil
	}
	return false, nil
}

// claim transitions pending→in_flight. Exactly one worker can win: the CAS
// is keyed on the (status, updated_at) pair this worker read.
func (s *Scheduler) claim(ctx context.Context, j *models.SubmissionJob) (*models.SubmissionJob, bool) {
	claimed := *j
	claimed.Status = models.StatusInFlight
	claimed.UpdatedAt = s.Now().UTC()
	err := s.Store.CompareAndSwap(ctx, &claimed, models.StatusPending, j.UpdatedAt)
	if errors.Is(err, jobstore.ErrConflict) {
		observability.CASConflicts.Inc()
		return nil, false
	}
	if err != nil {
		s.Log.Error("claim failed", "job_id", j.JobID, "error", err)
		return nil, false
	}
	return &claimed, true
}

// reclaim returns a stuck in_flight job to the retry path. The claim call
// may or may not have landed, so this is an ambiguous transient failure.
func (s *Scheduler) reclaim(ctx context.Context, log *slog.Logger, j *models.SubmissionJob) bool {
	observability.StaleReclaims.Inc()
	log.Warn("reclaiming stale in-flight job", "job_id", j.JobID, "updated_at", j.UpdatedAt)
	err := s.fail(ctx, j, &models.SubmitError{Kind: models.ErrKindAmbiguous, Message: "in-flight past stale threshold; owner presumed dead"})
	if errors.Is(err, jobstore.ErrConflict) {
		// the owner woke up after all or another worker got here first
		return false
	}
	if err != nil {
		log.Error("reclaim failed", "job_id", j.JobID, "error", err)
		return false
	}
	return true
}

// process runs the claim-filing call for a job this worker owns and records
// the outcome. The filer context is detached from the run context: an
// in-flight claim must finish even during shutdown.
func (s *Scheduler) process(_ context.Context, log *slog.Logger, j *models.SubmissionJob) {
	observability.WorkersBusy.Inc()
	defer observability.WorkersBusy.Dec()

	callCtx, cancel := context.WithTimeout(context.Background(), s.FilerTimeout)
	defer cancel()

	start := s.Now()
	res, err := s.Filer.File(callCtx, filer.ClaimRequest{
		TripID:         j.TripID,
		TollID:         j.TollID,
		AmountCents:    j.AmountCents,
		ProofReference: j.TollID,
	})
	observability.SubmissionLatency.Observe(s.Now().Sub(start).Seconds())

	// the outcome write gets its own deadline; it must not inherit
	// whatever is left of the filer budget
	writeCtx, cancelWrite := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelWrite()

	if err == nil {
		observability.SubmissionsTotal.WithLabelValues("accepted").Inc()
		if err := s.succeed(writeCtx, j, res.ConfirmationID); err != nil {
			log.Error("recording success failed", "job_id", j.JobID, "error", err)
		}
		return
	}

	var se *models.SubmitError
	if !errors.As(err, &se) {
		se = &models.SubmitError{Kind: models.ErrKindUpstream, Message: err.Error()}
	}
	observability.SubmissionsTotal.WithLabelValues(string(se.Kind)).Inc()
	if err := s.fail(writeCtx, j, se); err != nil {
		log.Error("recording failure failed", "job_id", j.JobID, "error", err)
	}
}

// succeed transitions in_flight→completed.
func (s *Scheduler) succeed(ctx context.Context, j *models.SubmissionJob, confirmationID string) error {
	now := s.Now().UTC()
	done := *j
	done.Status = models.StatusCompleted
	done.Attempts = j.Attempts + 1
	done.LastAttemptAt = &now
	done.NextEligibleAt = nil
	done.ConfirmationID = confirmationID
	done.LastError = nil
	done.UpdatedAt = now
	if err := s.Store.CompareAndSwap(ctx, &done, j.Status, j.UpdatedAt); err != nil {
		return err
	}
	s.emit(ctx, &done)
	return nil
}

// fail transitions in_flight→pending with a retry horizon, or to the
// terminal failed state once the error is permanent or the budget is spent.
func (s *Scheduler) fail(ctx context.Context, j *models.SubmissionJob, se *models.SubmitError) error {
	now := s.Now().UTC()
	failed := *j
	failed.Attempts = j.Attempts + 1
	failed.LastAttemptAt = &now
	failed.LastError = se
	failed.UpdatedAt = now

	delay, retryable := s.Policy.NextDelay(failed.Attempts, se.Kind)
	if retryable {
		next := now.Add(delay)
		failed.Status = models.StatusPending
		failed.NextEligibleAt = &next
		observability.RetriesScheduled.Inc()
	} else {
		failed.Status = models.StatusFailed
		failed.NextEligibleAt = nil
	}
	if err := s.Store.CompareAndSwap(ctx, &failed, j.Status, j.UpdatedAt); err != nil {
		return err
	}
	if failed.Status == models.StatusFailed {
		s.emit(ctx, &failed)
	}
	return nil
}

// emit publishes a disposition for a terminal transition, best-effort.
func (s *Scheduler) emit(ctx context.Context, j *models.SubmissionJob) {
	if s.Dispatch == nil {
		return
	}
	d := models.Disposition{
		JobID:          j.JobID,
		TollID:         j.TollID,
		TripID:         j.TripID,
		AmountCents:    j.AmountCents,
		Status:         j.Status,
		ConfirmationID: j.ConfirmationID,
		LastError:      j.LastError,
		At:             j.UpdatedAt,
	}
	if err := s.Dispatch.Dispatch(ctx, d); err != nil {
		s.Log.Error("disposition dispatch failed", "job_id", j.JobID, "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
