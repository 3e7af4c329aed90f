package payments

import (
	"context"
	"errors"
	"testing"

	"github.com/example/toll-recovery/internal/models"
)

type fakeHolder struct {
	calls  int
	amount int64
	fail   bool
}

func (f *fakeHolder) Hold(ctx context.Context, amountCents int64, currency, customerID string) (string, error) {
	f.calls++
	f.amount = amountCents
	if f.fail {
		return "", errors.New("card declined")
	}
	return "pi_1", nil
}

func TestPassThroughOnlyOnCompleted(t *testing.T) {
	h := &fakeHolder{}
	p := &PassThrough{Client: h}
	ctx := context.Background()

	if err := p.Dispatch(ctx, models.Disposition{JobID: "J1", Status: models.StatusFailed}); err != nil || h.calls != 0 {
		t.Fatalf("failed job must not charge: calls=%d err=%v", h.calls, err)
	}
	if err := p.Dispatch(ctx, models.Disposition{JobID: "J1", Status: models.StatusCompleted, AmountCents: 450}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.calls != 1 || h.amount != 450 {
		t.Fatalf("expected one hold for 450 cents, got calls=%d amount=%d", h.calls, h.amount)
	}
}

func TestPassThroughPropagatesHoldError(t *testing.T) {
	p := &PassThrough{Client: &fakeHolder{fail: true}}
	err := p.Dispatch(context.Background(), models.Disposition{JobID: "J1", Status: models.StatusCompleted, AmountCents: 450})
	if err == nil {
		t.Fatal("expected error from failed hold")
	}
}
