package payments

import (
	"context"
	"log/slog"

	"github.com/example/toll-recovery/internal/models"
)

// Holder is the subset of the stripe wrapper the pass-through sink needs.
type Holder interface {
	Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error)
}

// PassThrough is a disposition sink that places a payment hold for the toll
// amount against the guest once the host's reimbursement claim completes.
// Capture happens later from the billing side; failed or non-terminal jobs
// are ignored.
type PassThrough struct {
	Client   Holder
	Currency string
	// CustomerFor resolves a trip to the guest's payment customer id.
	// Empty return means charge without an attached customer.
	CustomerFor func(tripID string) string
	Log         *slog.Logger
}

func (p *PassThrough) Dispatch(ctx context.Context, d models.Disposition) error {
	if d.Status != models.StatusCompleted || p.Client == nil {
		return nil
	}
	log := p.Log
	if log == nil {
		log = slog.Default()
	}
	currency := p.Currency
	if currency == "" {
		currency = "usd"
	}
	var customer string
	if p.CustomerFor != nil {
		customer = p.CustomerFor(d.TripID)
	}
	intentID, err := p.Client.Hold(ctx, d.AmountCents, currency, customer)
	if err != nil {
		log.Error("guest pass-through hold failed", "job_id", d.JobID, "trip_id", d.TripID, "error", err)
		return err
	}
	log.Info("guest pass-through hold placed", "job_id", d.JobID, "trip_id", d.TripID, "payment_intent", intentID, "amount_cents", d.AmountCents)
	return nil
}
