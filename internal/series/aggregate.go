package series

import (
	"sort"
	"time"

	"github.com/lox/damwatch/internal/models"
)

// Aggregate buckets readings into one record per local hour. Within a bucket,
// overwrite-latest parameters keep the last reading in input order and
// sum-within-hour parameters accumulate. Hours without a reading for a
// parameter leave it absent.
func Aggregate(readings []models.Reading, loc *time.Location) models.Series {
	buckets := make(map[string]*models.HourlyRecord)

	for _, r := range readings {
		start := HourStart(r.Timestamp, loc)
		key := Key(start, loc)

		rec, ok := buckets[key]
		if !ok {
			rec = &models.HourlyRecord{
				Key:    key,
				Hour:   start,
				Values: make(map[models.Parameter]float64),
			}
			buckets[key] = rec
		}

		switch r.Parameter.Spec().Rule {
		case models.RuleSumWithinHour:
			rec.Values[r.Parameter] += r.Value
		default:
			rec.Values[r.Parameter] = r.Value
		}
	}

	out := make(models.Series, 0, len(buckets))
	for _, rec := range buckets {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Hour.Before(out[j].Hour)
	})
	return out
}
