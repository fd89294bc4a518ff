package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// loadZone resolves a Job.Timezone string to a *time.Location, treating
// "utc" (any case) as time.UTC. Unrecognized zones return ErrInvalidZone.
func loadZone(zone string) (*time.Location, error) {
	if zone == "" || strings.EqualFold(zone, "utc") {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %w", ErrInvalidZone, zone, err)
	}
	return loc, nil
}

// toTZ converts a naive UTC instant into the naive local wall-clock time
// it corresponds to in loc. "Naive" here means the returned time.Time's
// wall-clock fields are meaningful but its Location should not be relied
// on for further arithmetic — treat it as a plain (y,m,d,h,mi,s,ns) tuple.
func toTZ(naiveUTC time.Time, loc *time.Location) time.Time {
	instant := time.Date(
		naiveUTC.Year(), naiveUTC.Month(), naiveUTC.Day(),
		naiveUTC.Hour(), naiveUTC.Minute(), naiveUTC.Second(), naiveUTC.Nanosecond(),
		time.UTC,
	)
	local := instant.In(loc)
	return time.Date(
		local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), local.Nanosecond(),
		time.UTC,
	)
}

// toUTC converts a naive local wall-clock time in loc back to the naive
// UTC instant it represents. If the wall-clock value does not exist in loc
// (a DST spring-forward gap), it returns an *invalidDateTimeForTimezoneError.
func toUTC(naiveLocal time.Time, loc *time.Location) (time.Time, error) {
	candidate := time.Date(
		naiveLocal.Year(), naiveLocal.Month(), naiveLocal.Day(),
		naiveLocal.Hour(), naiveLocal.Minute(), naiveLocal.Second(), naiveLocal.Nanosecond(),
		loc,
	)

	y, mo, d := candidate.Date()
	h, mi, s := candidate.Clock()
	if y != naiveLocal.Year() || mo != naiveLocal.Month() || d != naiveLocal.Day() ||
		h != naiveLocal.Hour() || mi != naiveLocal.Minute() || s != naiveLocal.Second() {
		return time.Time{}, &invalidDateTimeForTimezoneError{
			zone: loc.String(),
			when: naiveLocal.Format(time.RFC3339),
		}
	}

	utc := candidate.UTC()
	return time.Date(
		utc.Year(), utc.Month(), utc.Day(),
		utc.Hour(), utc.Minute(), utc.Second(), utc.Nanosecond(),
		time.UTC,
	), nil
}
