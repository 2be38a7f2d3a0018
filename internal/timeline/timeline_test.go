package timeline

import (
	"database/sql"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/series"
)

func hourly(start time.Time, p models.Parameter, values ...float64) models.Series {
	loc := start.Location()
	out := make(models.Series, 0, len(values))
	for i, v := range values {
		at := start.Add(time.Duration(i) * time.Hour)
		out = append(out, models.HourlyRecord{
			Key:    series.Key(at, loc),
			Hour:   at,
			Values: map[models.Parameter]float64{p: v},
		})
	}
	return out
}

func null() sql.NullFloat64 { return sql.NullFloat64{} }

func val(v float64) sql.NullFloat64 { return sql.NullFloat64{Float64: v, Valid: true} }

func TestMerge_HistoricalAndFuture(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Melbourne")
	require.NoError(t, err)
	yesterday := time.Date(2024, 3, 10, 0, 0, 0, 0, loc)
	today := yesterday.AddDate(0, 0, 1)

	in := MergeInput{
		Parameter:    models.WaterLevel,
		HistoryStart: yesterday,
		HistoryHours: 4,
		Actual:       hourly(yesterday, models.WaterLevel, 100, 101, 0, 103),
		// Predicted series is keyed by its own reference date; only the index matters.
		Predicted: hourly(time.Date(2024, 3, 1, 0, 0, 0, 0, loc), models.WaterLevel, 99, 100),
		Future:    hourly(today, models.WaterLevel, 104, 105),
	}

	tl := Merge(in)

	require.Len(t, tl.Points, 6)
	assert.Equal(t, models.WaterLevel, tl.Parameter)
	assert.Equal(t, 0, tl.Overlaps)

	assert.Equal(t, val(100), tl.Points[0].Actual)
	assert.Equal(t, val(99), tl.Points[0].Predicted)
	assert.Equal(t, null(), tl.Points[0].Future)

	assert.Equal(t, val(0), tl.Points[2].Actual, "a real zero stays zero")
	assert.Equal(t, null(), tl.Points[2].Predicted, "short predicted series yields null, not a panic")
	assert.Equal(t, null(), tl.Points[3].Predicted)

	assert.True(t, tl.Points[4].Datetime.Equal(today))
	assert.Equal(t, val(104), tl.Points[4].Future)
	assert.Equal(t, null(), tl.Points[4].Actual)
	assert.Equal(t, null(), tl.Points[4].Predicted)
}

func TestMerge_MissingActualIsNull(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	actual := hourly(start, models.Inflow, 5, 6, 7)
	actual = append(actual[:1], actual[2:]...)

	tl := Merge(MergeInput{
		Parameter:    models.Inflow,
		HistoryStart: start,
		HistoryHours: 3,
		Actual:       actual,
	})

	require.Len(t, tl.Points, 3)
	assert.False(t, tl.Points[1].Actual.Valid)
	assert.Equal(t, 1, tl.MissingActual())
}

func TestMerge_DegradedSegments(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tl := Merge(MergeInput{
		Parameter:    models.Load,
		HistoryStart: start,
		HistoryHours: 24,
		Actual:       nil,
		Predicted:    hourly(start, models.Load, 10, 20),
		Future:       nil,
	})

	require.Len(t, tl.Points, 24)
	for _, p := range tl.Points {
		assert.False(t, p.Actual.Valid)
		assert.False(t, p.Future.Valid)
	}
	assert.Equal(t, val(20), tl.Points[1].Predicted)
	assert.Equal(t, 24, tl.MissingActual())
}

func TestMerge_MagnitudeAppliedAtEmission(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	flow := Merge(MergeInput{
		Parameter:    models.Outflow,
		HistoryStart: start,
		HistoryHours: 1,
		Actual:       hourly(start, models.Outflow, -12.5),
		Predicted:    hourly(start, models.Outflow, -10),
		Future:       hourly(start.Add(time.Hour), models.Outflow, -3),
	})
	assert.Equal(t, val(12.5), flow.Points[0].Actual)
	assert.Equal(t, val(10), flow.Points[0].Predicted)
	assert.Equal(t, val(3), flow.Points[1].Future)

	level := Merge(MergeInput{
		Parameter:    models.WaterLevel,
		HistoryStart: start,
		HistoryHours: 1,
		Actual:       hourly(start, models.WaterLevel, -1),
	})
	assert.Equal(t, val(-1), level.Points[0].Actual)
}

func TestMerge_FutureBeforeHorizonIsDropped(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tl := Merge(MergeInput{
		Parameter:    models.Inflow,
		HistoryStart: start,
		HistoryHours: 2,
		Actual:       hourly(start, models.Inflow, 1, 2),
		Future:       hourly(start.Add(time.Hour), models.Inflow, 9, 10, 11),
	})

	require.Len(t, tl.Points, 4)
	assert.False(t, tl.Points[1].Future.Valid)
	assert.Equal(t, val(10), tl.Points[2].Future)
	assert.Equal(t, 1, tl.Overlaps, "the dropped forecast record is reported")
}

func TestMerge_NonFiniteIsNull(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	tl := Merge(MergeInput{
		Parameter:    models.Load,
		HistoryStart: start,
		HistoryHours: 2,
		Actual:       hourly(start, models.Load, math.Inf(1), 5),
		Predicted:    hourly(start, models.Load, 4, math.NaN()),
	})

	require.Len(t, tl.Points, 2)
	assert.Equal(t, null(), tl.Points[0].Actual)
	assert.Equal(t, null(), tl.Points[1].Predicted)
	assert.Equal(t, models.Accuracy{}, Evaluate(tl.Points))
}

func TestMerge_FallBackDayCountsEachHourOnce(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Melbourne")
	require.NoError(t, err)
	// 2024-04-07 has 25 local hours; 02:00 occurs twice.
	start := time.Date(2024, 4, 7, 0, 0, 0, 0, loc)
	values := make([]float64, 25)
	for i := range values {
		values[i] = float64(10 + i)
	}

	tl := Merge(MergeInput{
		Parameter:    models.WaterLevel,
		HistoryStart: start,
		HistoryHours: 25,
		Actual:       hourly(start, models.WaterLevel, values...),
		Predicted:    hourly(start, models.WaterLevel, values...),
	})

	require.Len(t, tl.Points, 25)
	for i, pt := range tl.Points {
		assert.Equal(t, val(values[i]), pt.Actual, "hour %d", i)
	}
	assert.Equal(t, 25, Evaluate(tl.Points).Count)
	assert.True(t, start.AddDate(0, 0, 1).Equal(MergeInput{HistoryStart: start, HistoryHours: 25}.HorizonStart()))
}

func TestMerge_OverlapLaterWins(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	horizon := start.Add(time.Hour)
	future := append(hourly(horizon, models.Inflow, 4), hourly(horizon, models.Inflow, 6)...)

	tl := Merge(MergeInput{
		Parameter:    models.Inflow,
		HistoryStart: start,
		HistoryHours: 1,
		Future:       future,
	})

	require.Len(t, tl.Points, 2)
	assert.Equal(t, 1, tl.Overlaps)
	assert.Equal(t, val(6), tl.Points[1].Future)
}

func TestMerge_OrderedByDatetime(t *testing.T) {
	loc, err := time.LoadLocation("Australia/Melbourne")
	require.NoError(t, err)
	// Spans the April DST transition.
	start := time.Date(2024, 4, 6, 0, 0, 0, 0, loc)

	tl := Merge(MergeInput{
		Parameter:    models.Inflow,
		HistoryStart: start,
		HistoryHours: 25,
		Future:       hourly(start.Add(25*time.Hour), models.Inflow, 1, 2, 3),
	})

	require.Len(t, tl.Points, 28)
	for i := 1; i < len(tl.Points); i++ {
		assert.True(t, tl.Points[i].Datetime.After(tl.Points[i-1].Datetime))
	}
}

func TestEvaluate_Scenario(t *testing.T) {
	points := []models.TimelinePoint{
		{Actual: val(10), Predicted: val(12)},
		{Actual: val(20), Predicted: val(18)},
	}

	acc := Evaluate(points)

	assert.Equal(t, 2, acc.Count)
	assert.InDelta(t, 2.0, acc.MeanAbsoluteError, 1e-9)
	assert.InDelta(t, 15.0, acc.MAPE, 1e-9)
	assert.InDelta(t, 85.0, acc.AccuracyPct, 1e-9)
}

func TestEvaluate_Empty(t *testing.T) {
	acc := Evaluate(nil)
	assert.Equal(t, models.Accuracy{}, acc)
	assert.False(t, math.IsNaN(acc.MAPE))
}

func TestEvaluate_SkipsIncompletePoints(t *testing.T) {
	points := []models.TimelinePoint{
		{Actual: val(10), Predicted: null()},
		{Actual: null(), Predicted: val(10)},
		{Future: val(3)},
		{Actual: val(50), Predicted: val(40)},
	}

	acc := Evaluate(points)
	assert.Equal(t, 1, acc.Count)
	assert.InDelta(t, 20.0, acc.MAPE, 1e-9)
}

func TestEvaluate_ZeroActualContributesZeroPercent(t *testing.T) {
	points := []models.TimelinePoint{
		{Actual: val(0), Predicted: val(5)},
		{Actual: val(10), Predicted: val(12)},
	}

	acc := Evaluate(points)
	assert.Equal(t, 2, acc.Count)
	assert.InDelta(t, 10.0, acc.MAPE, 1e-9)
	assert.InDelta(t, 3.5, acc.MeanAbsoluteError, 1e-9)
}

func TestEvaluate_AccuracyClampedAtZero(t *testing.T) {
	points := []models.TimelinePoint{
		{Actual: val(1), Predicted: val(5)},
	}

	acc := Evaluate(points)
	assert.InDelta(t, 400.0, acc.MAPE, 1e-9)
	assert.Equal(t, 0.0, acc.AccuracyPct)
}
