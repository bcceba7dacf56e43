// Package schedule resolves next-run times and decides retries.
package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"time"

	"github.com/araddon/dateparse"

	"github.com/vinayprograms/stepkit/errors"
)

// TimeFormat is the canonical layout of a nextRunTime: UTC, second
// precision. Strings in this layout sort chronologically.
const TimeFormat = "2006-01-02 15:04:05"

var (
	canonicalRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}$`)
	durationRe  = regexp.MustCompile(`^(\d+[Mdhmswy])+$`)
	durationTok = regexp.MustCompile(`(\d+)([Mdhmswy])`)
)

// Resolver turns time expressions into canonical timestamps.
type Resolver struct {
	clock Clock
}

// NewResolver creates a resolver reading the given clock. A nil clock
// uses the wall clock.
func NewResolver(clock Clock) *Resolver {
	if clock == nil {
		clock = RealClock{}
	}
	return &Resolver{clock: clock}
}

// Clock returns the clock the resolver reads.
func (r *Resolver) Clock() Clock {
	return r.clock
}

// Now returns the current time in canonical form.
func (r *Resolver) Now() string {
	return Format(r.clock.Now())
}

// Resolve converts a time expression to a canonical timestamp string.
//
// Accepted inputs:
//   - nil, "" or "now": the current time
//   - a canonical timestamp: returned unchanged
//   - a duration such as "1d2h" (units M d h m s w y): now plus the duration
//   - any other date string dateparse understands, read as UTC when it
//     carries no zone
//   - time.Time or *time.Time
func (r *Resolver) Resolve(v any) (string, error) {
	switch t := v.(type) {
	case nil:
		return r.Now(), nil
	case time.Time:
		return Format(t), nil
	case *time.Time:
		if t == nil {
			return r.Now(), nil
		}
		return Format(*t), nil
	case string:
		return r.resolveString(t)
	default:
		return "", errors.New(errors.ErrCodeInvalidTimeType,
			fmt.Sprintf("invalid type for time %T", v))
	}
}

func (r *Resolver) resolveString(s string) (string, error) {
	switch {
	case s == "" || s == "now":
		return r.Now(), nil
	case canonicalRe.MatchString(s):
		return s, nil
	case durationRe.MatchString(s):
		t, err := AddDuration(r.clock.Now(), s)
		if err != nil {
			return "", err
		}
		return Format(t), nil
	}

	t, err := dateparse.ParseIn(s, time.UTC)
	if err != nil {
		return "", errors.InvalidTime(s, errors.WithCause(err))
	}
	return Format(t), nil
}

// Format renders t in canonical form.
func Format(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// Parse reads a canonical timestamp.
func Parse(s string) (time.Time, error) {
	t, err := time.ParseInLocation(TimeFormat, s, time.UTC)
	if err != nil {
		return time.Time{}, errors.InvalidTime(s, errors.WithCause(err))
	}
	return t, nil
}

// Due reports whether nextRunTime is at or before now. An empty
// nextRunTime is always due.
func Due(nextRunTime string, now time.Time) bool {
	if nextRunTime == "" {
		return true
	}
	return nextRunTime <= Format(now)
}

// AddDuration adds a compound duration expression such as "1d23h13m" to t.
// Months and years clamp to the last day of the target month, so Jan 31
// plus 1M is the last day of February.
func AddDuration(t time.Time, expr string) (time.Time, error) {
	if !durationRe.MatchString(expr) {
		return time.Time{}, errors.InvalidTime(expr)
	}
	t = t.UTC()
	for _, m := range durationTok.FindAllStringSubmatch(expr, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return time.Time{}, errors.InvalidTime(expr, errors.WithCause(err))
		}
		if n > unitLimit[m[2]] {
			return time.Time{}, errors.InvalidTime(expr)
		}
		switch m[2] {
		case "y":
			t = addMonths(t, 12*n)
		case "M":
			t = addMonths(t, n)
		case "w":
			t = t.AddDate(0, 0, 7*n)
		case "d":
			t = t.AddDate(0, 0, n)
		case "h":
			t = t.Add(time.Duration(n) * time.Hour)
		case "m":
			t = t.Add(time.Duration(n) * time.Minute)
		case "s":
			t = t.Add(time.Duration(n) * time.Second)
		}
		if t.Year() > maxYear {
			return time.Time{}, errors.InvalidTime(expr)
		}
	}
	return t, nil
}

// maxYear bounds results to what Format can print.
const maxYear = 9999

// unitLimit is the largest count per unit whose product fits a
// time.Duration.
var unitLimit = map[string]int{
	"y": int(math.MaxInt64 / int64(365*24*time.Hour)),
	"M": int(math.MaxInt64 / int64(28*24*time.Hour)),
	"w": int(math.MaxInt64 / int64(7*24*time.Hour)),
	"d": int(math.MaxInt64 / int64(24*time.Hour)),
	"h": int(math.MaxInt64 / int64(time.Hour)),
	"m": int(math.MaxInt64 / int64(time.Minute)),
	"s": int(math.MaxInt64 / int64(time.Second)),
}

func addMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+time.Month(n), 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	if last := daysIn(first); d > last {
		d = last
	}
	return first.AddDate(0, 0, d-1)
}

func daysIn(t time.Time) int {
	return time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
}
