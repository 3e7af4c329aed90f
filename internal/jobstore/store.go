package jobstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/toll-recovery/internal/models"
)

var (
	// ErrNotFound means no job exists under the given id.
	ErrNotFound = errors.New("jobstore: job not found")
	// ErrConflict means a compare-and-swap lost to a concurrent writer. Not
	// a failure; the caller re-polls.
	ErrConflict = errors.New("jobstore: conflict")
)

// Store is the durable submission-job table. All mutation after creation
// goes through CompareAndSwap so at most one worker owns a job at a time.
type Store interface {
	// CreateIfAbsent inserts the job unless one already exists under its
	// id. Reports whether a row was actually created.
	CreateIfAbsent(ctx context.Context, job *models.SubmissionJob) (bool, error)
	Get(ctx context.Context, jobID string) (*models.SubmissionJob, error)
	// List returns jobs newest-first, optionally filtered by status.
	List(ctx context.Context, status models.JobStatus, limit int) ([]*models.SubmissionJob, error)
	// PollEligible returns pending jobs due for action, oldest-eligible
	// first.
	PollEligible(ctx context.Context, now time.Time, limit int) ([]*models.SubmissionJob, error)
	// PollStale returns in-flight jobs untouched since before cutoff, for
	// crash-recovery reclamation.
	PollStale(ctx context.Context, cutoff time.Time, limit int) ([]*models.SubmissionJob, error)
	// CompareAndSwap writes job only if the stored row still carries
	// (expectStatus, expectUpdatedAt). Returns ErrConflict otherwise.
	CompareAndSwap(ctx context.Context, job *models.SubmissionJob, expectStatus models.JobStatus, expectUpdatedAt time.Time) error
}

// MemoryStore keeps jobs in-process. Single-process deployments and tests
// only; multi-worker deployments need the postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*models.SubmissionJob
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*models.SubmissionJob)}
}

func (m *MemoryStore) CreateIfAbsent(_ context.Context, job *models.SubmissionJob) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.JobID]; ok {
		return false, nil
	}
	cp := *job
	m.jobs[job.JobID] = &cp
	return true, nil
}

func (m *MemoryStore) Get(_ context.Context, jobID string) (*models.SubmissionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (m *MemoryStore) List(_ context.Context, status models.JobStatus, limit int) ([]*models.SubmissionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.SubmissionJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		if status != "" && j.Status != status {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PollEligible(_ context.Context, now time.Time, limit int) ([]*models.SubmissionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SubmissionJob
	for _, j := range m.jobs {
		if j.Status != models.StatusPending {
			continue
		}
		if j.NextEligibleAt != nil && j.NextEligibleAt.After(now) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		ei, ej := eligibleAt(out[i]), eligibleAt(out[j])
		if !ei.Equal(ej) {
			return ei.Before(ej)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].JobID < out[j].JobID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) PollStale(_ context.Context, cutoff time.Time, limit int) ([]*models.SubmissionJob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.SubmissionJob
	for _, j := range m.jobs {
		if j.Status != models.StatusInFlight || !j.UpdatedAt.Before(cutoff) {
			continue
		}
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, job *models.SubmissionJob, expectStatus models.JobStatus, expectUpdatedAt time.Time) error {
	if expectStatus.Terminal() {
		return ErrConflict
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.jobs[job.JobID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expectStatus || !cur.UpdatedAt.Equal(expectUpdatedAt) {
		return ErrConflict
	}
	cp := *job
	m.jobs[job.JobID] = &cp
	return nil
}

// nil NextEligibleAt means eligible since creation
func eligibleAt(j *models.SubmissionJob) time.Time {
	if j.NextEligibleAt != nil {
		return *j.NextEligibleAt
	}
	return j.CreatedAt
}
