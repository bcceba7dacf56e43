package schedule

import (
	"fmt"
	"time"

	"github.com/vinayprograms/stepkit/errors"
)

// RetryKind selects how retries are scheduled.
type RetryKind string

// RetryAuto retries on the fixed AutoDelays schedule.
const RetryAuto RetryKind = "auto"

// AutoDelays is the wait before each retry. The n-th failed attempt
// (0-based) waits AutoDelays[n]; once the list is exhausted no further
// retry is scheduled, so a sub-step runs at most len(AutoDelays)+1 times.
var AutoDelays = []time.Duration{
	5 * time.Second,
	1 * time.Minute,
	5 * time.Minute,
	30 * time.Minute,
	3 * time.Hour,
	12 * time.Hour,
	24 * time.Hour,
	24 * time.Hour,
}

// RetryPolicy is a resolved retry declaration.
type RetryPolicy struct {
	Kind RetryKind `json:"type"`
}

// ParseRetry converts a definition's retry flag. true yields an auto policy;
// false or nil yields no policy.
func ParseRetry(v any) (*RetryPolicy, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case bool:
		if !r {
			return nil, nil
		}
		return &RetryPolicy{Kind: RetryAuto}, nil
	case *bool:
		if r == nil {
			return nil, nil
		}
		return ParseRetry(*r)
	default:
		return nil, errors.New(errors.ErrCodeInvalidRetryType,
			fmt.Sprintf("retry must be boolean, got %T", v))
	}
}

// Decision is the outcome of asking whether to retry.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// Decide returns whether a sub-step that has failed attempt times so far
// (attempt is 0-based: the first failure is attempt 0) should be retried,
// and after how long. A nil policy never retries.
func Decide(policy *RetryPolicy, attempt int) (Decision, error) {
	if policy == nil {
		return Decision{}, nil
	}
	switch policy.Kind {
	case RetryAuto:
		if attempt < 0 || attempt >= len(AutoDelays) {
			return Decision{}, nil
		}
		return Decision{Retry: true, Delay: AutoDelays[attempt]}, nil
	default:
		return Decision{}, errors.New(errors.ErrCodeInvalidRetryType,
			fmt.Sprintf("invalid retry type %s", policy.Kind))
	}
}
