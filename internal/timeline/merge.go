package timeline

import (
	"database/sql"
	"log"
	"math"
	"sort"
	"time"

	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/series"
)

// MergeInput carries the three reconciled segments for one parameter. A nil
// segment (failed fetch) yields null values for its field.
type MergeInput struct {
	Parameter    models.Parameter
	HistoryStart time.Time
	HistoryHours int
	Actual       models.Series
	Predicted    models.Series
	Future       models.Series
}

// HorizonStart is the first hour that belongs to the forward forecast.
func (in MergeInput) HorizonStart() time.Time {
	return in.HistoryStart.Add(time.Duration(in.HistoryHours) * time.Hour)
}

// Merge builds the historical points (actual by hour key, predicted by
// hour-of-day index) followed by the forward forecast points, sorted by time.
// Points sharing a timestamp are collapsed with the later point's non-null
// fields winning; each collapse is counted in Overlaps, as is every forward
// forecast record dated before the horizon, which is dropped. Non-finite
// values are emitted as null.
func Merge(in MergeInput) models.Timeline {
	loc := in.HistoryStart.Location()
	magnitude := in.Parameter.Spec().Magnitude

	emit := func(v float64, ok bool) sql.NullFloat64 {
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return sql.NullFloat64{}
		}
		if magnitude {
			v = math.Abs(v)
		}
		return sql.NullFloat64{Float64: v, Valid: true}
	}

	actualByKey := make(map[string]models.HourlyRecord, len(in.Actual))
	for _, rec := range in.Actual {
		actualByKey[rec.Key] = rec
	}

	points := make([]models.TimelinePoint, 0, in.HistoryHours+len(in.Future))

	for i := 0; i < in.HistoryHours; i++ {
		at := in.HistoryStart.Add(time.Duration(i) * time.Hour)
		pt := models.TimelinePoint{Datetime: at}

		if rec, ok := actualByKey[series.Key(at, loc)]; ok {
			pt.Actual = emit(rec.Value(in.Parameter))
		}
		if i < len(in.Predicted) {
			pt.Predicted = emit(in.Predicted[i].Value(in.Parameter))
		}
		points = append(points, pt)
	}

	horizon := in.HorizonStart()
	early := 0
	for _, rec := range in.Future {
		if rec.Hour.Before(horizon) {
			early++
			continue
		}
		points = append(points, models.TimelinePoint{
			Datetime: rec.Hour,
			Future:   emit(rec.Value(in.Parameter)),
		})
	}

	sort.SliceStable(points, func(i, j int) bool {
		return points[i].Datetime.Before(points[j].Datetime)
	})

	tl := models.Timeline{Parameter: in.Parameter, Overlaps: early}
	if early > 0 {
		log.Printf("timeline: %s dropped %d forecast record(s) before horizon %s", in.Parameter, early, horizon.Format(time.RFC3339))
	}
	for _, pt := range points {
		n := len(tl.Points)
		if n > 0 && tl.Points[n-1].Datetime.Equal(pt.Datetime) {
			tl.Overlaps++
			log.Printf("timeline: %s overlap at %s, later value wins", in.Parameter, pt.Datetime.Format(time.RFC3339))
			tl.Points[n-1] = overlay(tl.Points[n-1], pt)
			continue
		}
		tl.Points = append(tl.Points, pt)
	}
	return tl
}

func overlay(earlier, later models.TimelinePoint) models.TimelinePoint {
	if later.Actual.Valid {
		earlier.Actual = later.Actual
	}
	if later.Predicted.Valid {
		earlier.Predicted = later.Predicted
	}
	if later.Future.Valid {
		earlier.Future = later.Future
	}
	return earlier
}
