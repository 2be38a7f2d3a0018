package series

import (
	"time"

	"github.com/lox/damwatch/internal/models"
)

// HourStart returns the instant the local hour containing t began. On a
// fall-back day the two physical occurrences of the repeated hour stay
// distinct.
func HourStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc).Round(0)
	into := time.Duration(local.Minute())*time.Minute +
		time.Duration(local.Second())*time.Second +
		time.Duration(local.Nanosecond())
	return local.Add(-into)
}

// Key renders the canonical hour key for t in loc. A wall hour that occurs
// twice (daylight saving fall-back) carries its UTC offset so each
// occurrence keeps a unique key.
func Key(t time.Time, loc *time.Location) string {
	start := HourStart(t, loc)
	key := start.Format(models.HourKeyLayout)
	if repeatedHour(start, key) {
		return key + start.Format("Z07:00")
	}
	return key
}

func repeatedHour(start time.Time, key string) bool {
	return start.Add(-time.Hour).Format(models.HourKeyLayout) == key ||
		start.Add(time.Hour).Format(models.HourKeyLayout) == key
}

// DayStart returns local midnight of the day containing t.
func DayStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
