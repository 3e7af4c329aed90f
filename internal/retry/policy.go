package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/example/toll-recovery/internal/models"
)

// Policy maps (attempt count, error kind) to either a backoff delay or a
// decision to stop. It is a pure function of its inputs apart from jitter,
// whose source is injectable for deterministic tests.
type Policy struct {
	Base           time.Duration // delay after the first failed attempt
	Max            time.Duration // backoff cap
	MaxAttempts    int           // total attempts before giving up
	JitterFraction float64       // ±fraction of the computed delay

	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		Base:           30 * time.Second,
		Max:            15 * time.Minute,
		MaxAttempts:    5,
		JitterFraction: 0.2,
	}
}

// NextDelay decides what happens after the attempts-th failed attempt.
// ok=false means stop retrying: the error kind is permanent or the attempt
// budget is spent.
func (p Policy) NextDelay(attempts int, kind models.ErrorKind) (time.Duration, bool) {
	if permanent(kind) {
		return 0, false
	}
	if attempts >= p.MaxAttempts {
		return 0, false
	}
	delay := float64(p.Base) * math.Pow(2, float64(attempts-1))
	if delay > float64(p.Max) {
		delay = float64(p.Max)
	}
	if p.JitterFraction > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		// spread over [1-f, 1+f]
		delay *= 1 + p.JitterFraction*(2*r()-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay), true
}

func permanent(kind models.ErrorKind) bool {
	e := models.SubmitError{Kind: kind}
	return e.Permanent()
}
