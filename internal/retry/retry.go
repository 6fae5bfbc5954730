// Package retry decides whether a failed delivery is tried again and when.
// The policy is stateless; the dispatcher realizes delays by scheduling a
// delayed republish on the bus.
package retry

import (
	"math/rand"
	"time"

	"github.com/pwei1018/bcros-common-sub000/internal/provider"
)

// Outcome is the dispatcher's next move after a delivery attempt.
type Outcome int

const (
	// OutcomeSuccess marks the notification DELIVERED.
	OutcomeSuccess Outcome = iota
	// OutcomeRetry re-admits the notification to PENDING and schedules a
	// delayed republish.
	OutcomeRetry
	// OutcomeFatal marks the notification FAILURE.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "SUCCESS"
	case OutcomeRetry:
		return "RETRY"
	case OutcomeFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// Policy classifies provider results and computes backoff delays. It is a
// value type safe for concurrent use by dispatcher workers.
type Policy struct {
	// MaxAttempts is the retry budget. A transient failure on a zero-based
	// attempt number at or past MaxAttempts is fatal. Default 5.
	MaxAttempts int
	// Base is the first-retry delay before jitter. Default 5 seconds.
	Base time.Duration
	// Cap bounds the computed delay. Default 10 minutes.
	Cap time.Duration
}

// NewPolicy returns a policy with the given knobs, applying defaults for
// zero values.
func NewPolicy(maxAttempts int, base, cap time.Duration) Policy {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if base <= 0 {
		base = 5 * time.Second
	}
	if cap <= 0 {
		cap = 10 * time.Minute
	}
	return Policy{
		MaxAttempts: maxAttempts,
		Base:        base,
		Cap:         cap,
	}
}

// Classify maps a provider result and the zero-based attempt number to the
// dispatcher's next move:
//
//   - success is success;
//   - a transient error retries while attempts remain, otherwise it is
//     fatal;
//   - a permanent error is always fatal.
func (p Policy) Classify(kind provider.ResultKind, attempt int) Outcome {
	switch kind {
	case provider.KindSuccess:
		return OutcomeSuccess
	case provider.KindTransient:
		if attempt < p.MaxAttempts {
			return OutcomeRetry
		}
		return OutcomeFatal
	default:
		return OutcomeFatal
	}
}

// Delay returns the backoff before retrying the given zero-based attempt:
// min(base * 2^attempt +/- 20% jitter, cap).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap {
			break
		}
	}

	// Jitter of +/-20% spreads thundering herds of retries. The top-level
	// rand source is safe for concurrent workers.
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)

	if delay > p.Cap {
		delay = p.Cap
	}
	return delay
}
