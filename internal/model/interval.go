package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Interval is the candle granularity a dynamic condition is computed on.
type Interval string

const (
	Minute Interval = "MINUTE"
	Day    Interval = "DAY"
	Week   Interval = "WEEK"
	Month  Interval = "MONTH"
	Year   Interval = "YEAR"
)

// ParseInterval accepts the interval name in any case.
func ParseInterval(s string) (Interval, error) {
	i := Interval(strings.ToUpper(strings.TrimSpace(s)))
	if !i.Valid() {
		return "", fmt.Errorf("unknown interval %q", s)
	}
	return i, nil
}

// Valid reports whether i is one of the known intervals.
func (i Interval) Valid() bool {
	switch i {
	case Minute, Day, Week, Month, Year:
		return true
	}
	return false
}

// RecomputeEvery is how often a condition on this interval refreshes its threshold.
func (i Interval) RecomputeEvery() time.Duration {
	switch i {
	case Minute:
		return time.Minute
	case Day:
		return time.Hour
	case Week:
		return 6 * time.Hour
	case Month:
		return 24 * time.Hour
	case Year:
		return 7 * 24 * time.Hour
	}
	return 0
}

// NextBoundary returns the first clock boundary strictly after now at which a
// recompute for this interval should run: the next minute for MINUTE, the next hour
// for DAY, the next 6-hour mark for WEEK and the next midnight otherwise. Boundaries
// are taken in now's location.
func (i Interval) NextBoundary(now time.Time) time.Time {
	y, mo, d := now.Date()
	loc := now.Location()
	switch i {
	case Minute:
		return time.Date(y, mo, d, now.Hour(), now.Minute(), 0, 0, loc).Add(time.Minute)
	case Day:
		return time.Date(y, mo, d, now.Hour(), 0, 0, 0, loc).Add(time.Hour)
	case Week:
		return time.Date(y, mo, d, now.Hour()-now.Hour()%6, 0, 0, 0, loc).Add(6 * time.Hour)
	default:
		return time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	}
}

// Direction says from which side a price must touch the target to fire.
type Direction string

const (
	// FromBelow fires once the price rises to or above the target.
	FromBelow Direction = "FROM_BELOW"
	// FromAbove fires once the price falls to or below the target.
	FromAbove Direction = "FROM_ABOVE"
)

// ParseDirection defaults an empty value to FromBelow.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToUpper(strings.TrimSpace(s))); d {
	case "":
		return FromBelow, nil
	case FromBelow, FromAbove:
		return d, nil
	}
	return "", fmt.Errorf("unknown direction %q", s)
}

// Touched reports whether price has reached target from this direction.
func (d Direction) Touched(price, target decimal.Decimal) bool {
	if d == FromAbove {
		return price.LessThanOrEqual(target)
	}
	return price.GreaterThanOrEqual(target)
}
