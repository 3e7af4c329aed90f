package dispatch

import (
	"context"
	"errors"
	"testing"

	"github.com/example/toll-recovery/internal/models"
)

type sinkFunc func(context.Context, models.Disposition) error

func (f sinkFunc) Dispatch(ctx context.Context, d models.Disposition) error { return f(ctx, d) }

func TestFanoutDeliversToEverySink(t *testing.T) {
	var got []string
	record := func(name string) Dispatcher {
		return sinkFunc(func(context.Context, models.Disposition) error {
			got = append(got, name)
			return nil
		})
	}
	f := Fanout{record("a"), record("b"), record("c")}
	if err := f.Dispatch(context.Background(), models.Disposition{JobID: "j1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %v", got)
	}
}

func TestFanoutFailingSinkDoesNotBlockOthers(t *testing.T) {
	boom := errors.New("kafka down")
	delivered := 0
	f := Fanout{
		sinkFunc(func(context.Context, models.Disposition) error { return boom }),
		sinkFunc(func(context.Context, models.Disposition) error { delivered++; return nil }),
	}
	err := f.Dispatch(context.Background(), models.Disposition{JobID: "j1"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected joined error to contain sink failure, got %v", err)
	}
	if delivered != 1 {
		t.Fatalf("later sink was skipped")
	}
}

func TestLogDispatcherNeverFails(t *testing.T) {
	l := &LogDispatcher{}
	d := models.Disposition{
		JobID:     "j1",
		Status:    models.StatusFailed,
		LastError: &models.SubmitError{Kind: models.ErrKindRejected, Message: "no such plaza"},
	}
	if err := l.Dispatch(context.Background(), d); err != nil {
		t.Fatalf("log dispatch returned error: %v", err)
	}
}
