package retry

import (
	"testing"
	"time"

	"github.com/example/toll-recovery/internal/models"
)

func fixedRand(v float64) func() float64 { return func() float64 { return v } }

func TestExponentialGrowthNoJitter(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Hour, MaxAttempts: 5, JitterFraction: 0}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		d, ok := p.NextDelay(i+1, models.ErrKindTimeout)
		if !ok {
			t.Fatalf("attempt %d: expected retry", i+1)
		}
		if d != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, d)
		}
	}
}

func TestCapApplied(t *testing.T) {
	p := Policy{Base: time.Minute, Max: 2 * time.Minute, MaxAttempts: 10, JitterFraction: 0}
	d, ok := p.NextDelay(5, models.ErrKindUpstream)
	if !ok || d != 2*time.Minute {
		t.Fatalf("expected cap at 2m, got %v ok=%v", d, ok)
	}
}

func TestJitterBounds(t *testing.T) {
	p := Policy{Base: 10 * time.Second, Max: time.Hour, MaxAttempts: 5, JitterFraction: 0.2}
	p.Rand = fixedRand(0)
	if d, _ := p.NextDelay(1, models.ErrKindTimeout); d != 8*time.Second {
		t.Fatalf("expected lower jitter bound 8s, got %v", d)
	}
	p.Rand = fixedRand(0.999999)
	if d, _ := p.NextDelay(1, models.ErrKindTimeout); d < 11*time.Second || d > 12*time.Second {
		t.Fatalf("expected near upper jitter bound 12s, got %v", d)
	}
}

func TestStopsAfterMaxAttempts(t *testing.T) {
	p := DefaultPolicy()
	if _, ok := p.NextDelay(5, models.ErrKindTimeout); ok {
		t.Fatal("expected stop at max attempts")
	}
	if _, ok := p.NextDelay(4, models.ErrKindTimeout); !ok {
		t.Fatal("expected retry below max attempts")
	}
}

func TestPermanentKindsStopImmediately(t *testing.T) {
	p := DefaultPolicy()
	for _, kind := range []models.ErrorKind{models.ErrKindRejected, models.ErrKindDuplicate} {
		if _, ok := p.NextDelay(1, kind); ok {
			t.Fatalf("expected immediate stop for %s", kind)
		}
	}
	for _, kind := range []models.ErrorKind{models.ErrKindTimeout, models.ErrKindRateLimited, models.ErrKindUpstream, models.ErrKindAmbiguous} {
		if _, ok := p.NextDelay(1, kind); !ok {
			t.Fatalf("expected retry for transient %s", kind)
		}
	}
}
