package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/toll-recovery/internal/filer"
	"github.com/example/toll-recovery/internal/jobstore"
	"github.com/example/toll-recovery/internal/models"
	"github.com/example/toll-recovery/internal/retry"
)

type fakeFiler struct {
	mu    sync.Mutex
	calls int
	delay time.Duration
	fn    func(call int, req filer.ClaimRequest) (filer.Result, error)
}

func (f *fakeFiler) File(ctx context.Context, req filer.ClaimRequest) (filer.Result, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return f.fn(call, req)
}

type captureDispatch struct {
	mu   sync.Mutex
	seen []models.Disposition
}

func (c *captureDispatch) Dispatch(_ context.Context, d models.Disposition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, d)
	return nil
}

func (c *captureDispatch) all() []models.Disposition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Disposition(nil), c.seen...)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func noJitterPolicy() retry.Policy {
	return retry.Policy{Base: time.Minute, Max: time.Hour, MaxAttempts: 5, JitterFraction: 0}
}

func seedJob(t *testing.T, store jobstore.Store, tollID string, created time.Time) *models.SubmissionJob {
	t.Helper()
	j := &models.SubmissionJob{
		JobID:       models.JobIDFor(tollID),
		TollID:      tollID,
		TripID:      "T1",
		AmountCents: 450,
		Status:      models.StatusPending,
		CreatedAt:   created,
		UpdatedAt:   created,
	}
	if _, err := store.CreateIfAbsent(context.Background(), j); err != nil {
		t.Fatal(err)
	}
	return j
}

func newScheduler(store jobstore.Store, f filer.ClaimFiler, d *captureDispatch, clk *clock) *Scheduler {
	s := &Scheduler{
		Store:    store,
		Filer:    f,
		Policy:   noJitterPolicy(),
		Dispatch: d,
		Log:      slog.Default(),
		Workers:  1,
	}
	if clk != nil {
		s.Now = clk.now
	}
	s.defaults()
	return s
}

func TestSuccessfulSubmissionCompletes(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	seedJob(t, store, "X1", clk.now().Add(-time.Minute))

	disp := &captureDispatch{}
	f := &fakeFiler{fn: func(_ int, req filer.ClaimRequest) (filer.Result, error) {
		if req.TollID != "X1" || req.AmountCents != 450 {
			t.Errorf("unexpected request %+v", req)
		}
		return filer.Result{ConfirmationID: "C1"}, nil
	}}
	s := newScheduler(store, f, disp, clk)

	worked, err := s.runOnce(context.Background(), s.Log)
	if err != nil || !worked {
		t.Fatalf("expected work done, got worked=%v err=%v", worked, err)
	}

	j, _ := store.Get(context.Background(), models.JobIDFor("X1"))
	if j.Status != models.StatusCompleted || j.ConfirmationID != "C1" {
		t.Fatalf("expected completed with C1, got %s/%q", j.Status, j.ConfirmationID)
	}
	if j.Attempts != 1 || j.LastError != nil {
		t.Fatalf("expected attempts=1 and no error, got %+v", j)
	}
	got := disp.all()
	if len(got) != 1 || got[0].Status != models.StatusCompleted || got[0].ConfirmationID != "C1" {
		t.Fatalf("expected one completed disposition, got %+v", got)
	}
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	seedJob(t, store, "X1", clk.now().Add(-time.Minute))

	disp := &captureDispatch{}
	f := &fakeFiler{fn: func(_ int, _ filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{}, &models.SubmitError{Kind: models.ErrKindTimeout, Message: "deadline"}
	}}
	s := newScheduler(store, f, disp, clk)

	if _, err := s.runOnce(context.Background(), s.Log); err != nil {
		t.Fatal(err)
	}
	j, _ := store.Get(context.Background(), models.JobIDFor("X1"))
	if j.Status != models.StatusPending {
		t.Fatalf("expected pending for retry, got %s", j.Status)
	}
	if j.Attempts != 1 || j.LastError == nil || j.LastError.Kind != models.ErrKindTimeout {
		t.Fatalf("unexpected attempt bookkeeping %+v", j)
	}
	if j.NextEligibleAt == nil || !j.NextEligibleAt.Equal(clk.now().Add(time.Minute)) {
		t.Fatalf("expected next_eligible_at in 1m, got %v", j.NextEligibleAt)
	}
	if len(disp.all()) != 0 {
		t.Fatal("non-terminal transition must not emit a disposition")
	}

	// not due yet: nothing to do
	worked, err := s.runOnce(context.Background(), s.Log)
	if err != nil || worked {
		t.Fatalf("expected idle poll before retry horizon, worked=%v err=%v", worked, err)
	}
}

func TestPermanentFailureTerminalImmediately(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	seedJob(t, store, "X1", clk.now().Add(-time.Minute))

	disp := &captureDispatch{}
	f := &fakeFiler{fn: func(_ int, _ filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{}, &models.SubmitError{Kind: models.ErrKindRejected, Message: "amount disputed"}
	}}
	s := newScheduler(store, f, disp, clk)

	if _, err := s.runOnce(context.Background(), s.Log); err != nil {
		t.Fatal(err)
	}
	j, _ := store.Get(context.Background(), models.JobIDFor("X1"))
	if j.Status != models.StatusFailed || j.Attempts != 1 {
		t.Fatalf("expected immediate terminal failure, got %+v", j)
	}
	got := disp.all()
	if len(got) != 1 || got[0].Status != models.StatusFailed || got[0].LastError == nil {
		t.Fatalf("expected one failed disposition with error, got %+v", got)
	}
}

func TestRetryBudgetExhaustionEndsFailed(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	seedJob(t, store, "X1", clk.now().Add(-time.Minute))

	disp := &captureDispatch{}
	f := &fakeFiler{fn: func(_ int, _ filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{}, &models.SubmitError{Kind: models.ErrKindUpstream, Message: "503"}
	}}
	s := newScheduler(store, f, disp, clk)

	for i := 0; i < 5; i++ {
		worked, err := s.runOnce(context.Background(), s.Log)
		if err != nil || !worked {
			t.Fatalf("attempt %d: worked=%v err=%v", i+1, worked, err)
		}
		clk.advance(2 * time.Hour)
	}

	j, _ := store.Get(context.Background(), models.JobIDFor("X1"))
	if j.Status != models.StatusFailed || j.Attempts != 5 {
		t.Fatalf("expected failed after 5 attempts, got status=%s attempts=%d", j.Status, j.Attempts)
	}
	if got := disp.all(); len(got) != 1 || got[0].Status != models.StatusFailed {
		t.Fatalf("expected a single terminal disposition, got %+v", got)
	}
}

func TestClaimHasSingleWinner(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	j := seedJob(t, store, "X1", clk.now().Add(-time.Minute))
	s := newScheduler(store, &fakeFiler{fn: func(int, filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{ConfirmationID: "C1"}, nil
	}}, nil, clk)

	snapshot, err := store.Get(context.Background(), j.JobID)
	if err != nil {
		t.Fatal(err)
	}

	const workers = 8
	var wg sync.WaitGroup
	wins := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := s.claim(context.Background(), snapshot); ok {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for range wins {
		n++
	}
	if n != 1 {
		t.Fatalf("expected exactly one claim winner, got %d", n)
	}
}

func TestStaleInFlightReclaimed(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	j := seedJob(t, store, "X1", clk.now().Add(-time.Hour))

	// simulate a crashed worker: claim landed but no outcome followed
	stuck, _ := store.Get(context.Background(), j.JobID)
	claimed := *stuck
	claimed.Status = models.StatusInFlight
	claimed.UpdatedAt = clk.now().Add(-30 * time.Minute)
	if err := store.CompareAndSwap(context.Background(), &claimed, models.StatusPending, stuck.UpdatedAt); err != nil {
		t.Fatal(err)
	}

	s := newScheduler(store, &fakeFiler{fn: func(int, filer.ClaimRequest) (filer.Result, error) {
		t.Error("reclaim must not call the filer")
		return filer.Result{}, nil
	}}, nil, clk)

	worked, err := s.runOnce(context.Background(), s.Log)
	if err != nil || !worked {
		t.Fatalf("expected reclaim to count as work, worked=%v err=%v", worked, err)
	}
	got, _ := store.Get(context.Background(), j.JobID)
	if got.Status != models.StatusPending || got.Attempts != 1 {
		t.Fatalf("expected pending retry after reclaim, got %+v", got)
	}
	if got.LastError == nil || got.LastError.Kind != models.ErrKindAmbiguous {
		t.Fatalf("reclaim should record an ambiguous transient error, got %+v", got.LastError)
	}
}

func TestTerminalJobsUntouchable(t *testing.T) {
	store := jobstore.NewMemoryStore()
	clk := &clock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	j := seedJob(t, store, "X1", clk.now())

	done, _ := store.Get(context.Background(), j.JobID)
	completed := *done
	completed.Status = models.StatusCompleted
	completed.ConfirmationID = "C1"
	completed.UpdatedAt = clk.now()
	if err := store.CompareAndSwap(context.Background(), &completed, models.StatusPending, done.UpdatedAt); err != nil {
		t.Fatal(err)
	}

	s := newScheduler(store, &fakeFiler{fn: func(int, filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{}, &models.SubmitError{Kind: models.ErrKindUpstream, Message: "x"}
	}}, nil, clk)

	snapshot, _ := store.Get(context.Background(), j.JobID)
	if err := s.fail(context.Background(), snapshot, &models.SubmitError{Kind: models.ErrKindUpstream, Message: "late"}); err == nil {
		t.Fatal("expected failure writing to a terminal job")
	}
	got, _ := store.Get(context.Background(), j.JobID)
	if got.Status != models.StatusCompleted || got.ConfirmationID != "C1" || got.LastError != nil {
		t.Fatalf("terminal job mutated: %+v", got)
	}
}

func TestRunDrainsInFlightOnShutdown(t *testing.T) {
	store := jobstore.NewMemoryStore()
	seedJob(t, store, "X1", time.Now().UTC().Add(-time.Minute))

	started := make(chan struct{})
	f := &fakeFiler{delay: 100 * time.Millisecond, fn: func(int, filer.ClaimRequest) (filer.Result, error) {
		return filer.Result{ConfirmationID: "C1"}, nil
	}}
	s := &Scheduler{
		Store:        store,
		Filer:        f,
		Policy:       noJitterPolicy(),
		Workers:      2,
		PollInterval: 10 * time.Millisecond,
		EmptyBackoff: 10 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		close(started)
		s.Run(ctx)
		close(done)
	}()
	<-started
	time.Sleep(50 * time.Millisecond) // let a worker pick up the job mid-call
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not drain within deadline")
	}

	j, _ := store.Get(context.Background(), models.JobIDFor("X1"))
	if j.Status == models.StatusInFlight {
		t.Fatalf("shutdown abandoned a job in flight: %+v", j)
	}
}
