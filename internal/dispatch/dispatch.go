package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/toll-recovery/internal/models"
)

// Dispatcher delivers terminal-job disposition events to a sink. Sinks are
// best-effort consumers: a dispatch failure never changes job state.
type Dispatcher interface {
	Dispatch(ctx context.Context, d models.Disposition) error
}

// Fanout delivers to every sink and joins the failures.
type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, d models.Disposition) error {
	var errs []error
	for _, sink := range f {
		if err := sink.Dispatch(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogDispatcher writes dispositions to the structured log. Always the last
// sink in the fanout so every terminal transition is observable even with
// kafka down.
type LogDispatcher struct {
	Log *slog.Logger
}

func (l *LogDispatcher) Dispatch(_ context.Context, d models.Disposition) error {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	args := []any{
		"job_id", d.JobID,
		"toll_id", d.TollID,
		"trip_id", d.TripID,
		"amount_cents", d.AmountCents,
		"status", d.Status,
	}
	if d.ConfirmationID != "" {
		args = append(args, "confirmation_id", d.ConfirmationID)
	}
	if d.LastError != nil {
		args = append(args, "error_kind", d.LastError.Kind, "error", d.LastError.Message)
	}
	log.Info("job_disposition", args...)
	return nil
}
