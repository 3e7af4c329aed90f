package match

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/toll-recovery/internal/audit"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/observability"
)

// Ingestor runs one matching cycle and routes the candidates: high and
// medium confidence become submission jobs, low and none go to the review
// audit trail. Re-ingesting the same batch is a no-op thanks to the
// deterministic job id.
type Ingestor struct {
	Engine *Engine
	Store  jobstore.Store
	Audit  audit.Log
	Log    *slog.Logger

	Now func() time.Time
}

// Run matches tolls against trips and persists the outcome. Returns the
// number of jobs actually created; store errors are joined, not fatal to
// the rest of the batch.
func (in *Ingestor) Run(ctx context.Context, tolls []models.TollRecord, trips []models.TripRecord) (int, error) {
	log := in.Log
	if log == nil {
		log = slog.Default()
	}
	now := in.now().UTC()

	byToll := make(map[string]models.TollRecord, len(tolls))
	for _, toll := range tolls {
		byToll[toll.TollID] = toll
	}

	created := 0
	var errs []error
	for _, cand := range in.Engine.Match(tolls, trips) {
		toll := byToll[cand.TollID]
		switch cand.Confidence {
		case models.ConfidenceHigh, models.ConfidenceMedium:
			job := &models.SubmissionJob{
				JobID:       models.JobIDFor(cand.TollID),
				TripID:      cand.TripID,
				TollID:      cand.TollID,
				AmountCents: toll.AmountCents,
				Status:      models.StatusPending,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			ok, err := in.Store.CreateIfAbsent(ctx, job)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				created++
				observability.JobsCreated.Inc()
				log.Info("submission job created",
					"job_id", job.JobID, "toll_id", job.TollID, "trip_id", job.TripID,
					"amount_cents", job.AmountCents, "confidence", cand.Confidence)
			}
		default:
			if in.Audit != nil {
				if err := in.Audit.Record(ctx, audit.Entry{Candidate: cand, Toll: toll, At: now}); err != nil {
					log.Warn("audit record failed", "toll_id", cand.TollID, "error", err)
				}
			}
		}
	}
	return created, errors.Join(errs...)
}

func (in *Ingestor) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}
