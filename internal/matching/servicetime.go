package matching

import (
	"database/sql"
	"time"
)

// secondsPerDay is the boundary above which a schedule offset denotes a
// time past midnight on the next calendar day (GTFS overnight encoding,
// e.g. 25:00:00 = 90000).
const secondsPerDay = 86400

// ServiceDate returns local midnight of the service date an observation
// belongs to. The service date is the feed timestamp's calendar date in
// the service timezone, shifted back one day when the scheduled offset
// encodes an overnight time.
func ServiceDate(feedTs time.Time, schedOffsetSec int64, loc *time.Location) time.Time {
	local := feedTs.In(loc)
	year, month, day := local.Date()
	midnight := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if schedOffsetSec >= secondsPerDay {
		midnight = midnight.AddDate(0, 0, -1)
	}
	return midnight
}

// ScheduledTime builds the absolute scheduled instant from a service-date
// midnight plus the schedule offset.
func ScheduledTime(serviceMidnight time.Time, schedOffsetSec int64) time.Time {
	return serviceMidnight.Add(time.Duration(schedOffsetSec) * time.Second)
}

// ObservedTime determines the observed arrival instant. An absolute
// arrival epoch wins; otherwise the delay is applied to the scheduled
// instant. Returns false when the observation carries neither.
func ObservedTime(arrivalEpoch, arrivalDelay sql.NullInt64, scheduledTs time.Time) (time.Time, bool) {
	if arrivalEpoch.Valid && arrivalEpoch.Int64 > 0 {
		return time.Unix(arrivalEpoch.Int64, 0), true
	}
	if arrivalDelay.Valid {
		return scheduledTs.Add(time.Duration(arrivalDelay.Int64) * time.Second), true
	}
	return time.Time{}, false
}

// DelaySeconds is the signed observed-minus-scheduled difference in whole
// seconds; positive means late.
func DelaySeconds(observedTs, scheduledTs time.Time) int64 {
	return observedTs.Unix() - scheduledTs.Unix()
}
