package appointment

import (
	"time"

	"github.com/tutorlane/chatd/internal/errs"
)

// ValidateTimes checks a proposed lesson slot before anything touches the
// network. The date must not be in the past; when the date is today the
// start must be strictly in the future; the end must be strictly after the
// start. All comparisons use the local day of the given clock reading.
func ValidateTimes(now, start, end time.Time) error {
	if !end.After(start) {
		return errs.Validation("end time must be after start time")
	}
	nowDay := dayOf(now)
	startDay := dayOf(start)
	if startDay.Before(nowDay) {
		return errs.Validation("date must not be in the past")
	}
	if startDay.Equal(nowDay) && !start.After(now) {
		return errs.Validation("start time must be in the future")
	}
	return nil
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// DayBounds returns the [start, end) millisecond range of the calendar day
// containing t, used by the date-conflict check.
func DayBounds(t time.Time) (int64, int64) {
	day := dayOf(t)
	return day.UnixMilli(), day.AddDate(0, 0, 1).UnixMilli()
}
