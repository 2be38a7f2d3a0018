package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/damwatch/internal/ingest"
	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/store"
)

type fakeSource struct {
	name    string
	records []models.RawRecord
	err     error

	// When block is set the first Fetch closes entered and waits on block.
	block   chan struct{}
	entered chan struct{}

	calls atomic.Int32
	mu    sync.Mutex
	refs  []time.Time
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(ctx context.Context, ref time.Time) ([]models.RawRecord, *ingest.FetchResult, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	f.refs = append(f.refs, ref)
	f.mu.Unlock()

	if n == 1 && f.block != nil {
		close(f.entered)
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, &ingest.FetchResult{Endpoint: "fake://" + f.name, Attempts: 3, HTTPStatus: 503}, f.err
	}
	return f.records, &ingest.FetchResult{Endpoint: "fake://" + f.name, Attempts: 1, HTTPStatus: 200, RecordCount: len(f.records)}, nil
}

func melbourne(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Australia/Melbourne")
	require.NoError(t, err)
	return loc
}

func hourly(day string, from, to int, value string, skip ...int) []models.RawRecord {
	skipped := make(map[int]bool, len(skip))
	for _, h := range skip {
		skipped[h] = true
	}
	var out []models.RawRecord
	for h := from; h <= to; h++ {
		if skipped[h] {
			continue
		}
		out = append(out, models.RawRecord{
			SourceID:  "flow_in",
			Timestamp: fmt.Sprintf("%s %02d:00:00", day, h),
			Value:     models.RawValue(value),
		})
	}
	return out
}

type fixture struct {
	loc       *time.Location
	now       time.Time
	actual    *fakeSource
	predicted *fakeSource
	future    *fakeSource
	live      *fakeSource
}

func newFixture(t *testing.T) *fixture {
	loc := melbourne(t)
	future := hourly("2024-03-05", 0, 5, "80")
	// Belongs to the historical window and must not leak into the forecast.
	future = append(future, models.RawRecord{SourceID: "flow_in", Timestamp: "2024-03-04 23:00:00", Value: "1"})

	return &fixture{
		loc:       loc,
		now:       time.Date(2024, 3, 5, 10, 15, 0, 0, loc),
		actual:    &fakeSource{name: "actual", records: hourly("2024-03-04", 0, 23, "100", 5)},
		predicted: &fakeSource{name: "predicted", records: hourly("2024-03-04", 0, 23, "90")},
		future:    &fakeSource{name: "future", records: future},
		live:      &fakeSource{name: "live", records: hourly("2024-03-05", 0, 9, "120", 4)},
	}
}

func (f *fixture) pipeline(t *testing.T, st *store.Store) *Pipeline {
	table, err := ingest.ParseSourceTable([]string{"flow_in=INFLOW"})
	require.NoError(t, err)
	return New(Config{
		Location: f.loc,
		Sources: map[Segment]ingest.Source{
			SegmentActual:    f.actual,
			SegmentPredicted: f.predicted,
			SegmentFuture:    f.future,
			SegmentLive:      f.live,
		},
		SourceTable: table,
		Parameters:  []models.Parameter{models.Inflow},
	}, st)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	st := store.New(db)
	require.NoError(t, st.Migrate())
	return st
}

func TestRunTimeline(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil)

	res, err := p.RunTimeline(context.Background(), f.now)
	require.NoError(t, err)

	assert.NotEmpty(t, res.CycleID)
	assert.False(t, res.Degraded())
	assert.True(t, res.HistoryStart.Equal(time.Date(2024, 3, 4, 0, 0, 0, 0, f.loc)))
	assert.True(t, res.Horizon.Equal(time.Date(2024, 3, 5, 0, 0, 0, 0, f.loc)))

	tl := res.Timelines[models.Inflow]
	require.Len(t, tl.Points, 30)
	assert.Equal(t, 1, tl.Overlaps, "the forecast record before the horizon is reported")
	assert.Zero(t, tl.MissingActual())
	assert.Zero(t, tl.Unsanitized)

	// Hour 5 was never reported and is filled with the series median.
	gap := tl.Points[5]
	assert.True(t, gap.Actual.Valid)
	assert.Equal(t, 100.0, gap.Actual.Float64)
	assert.Equal(t, 90.0, gap.Predicted.Float64)

	for i, pt := range tl.Points[24:] {
		assert.True(t, pt.Datetime.Equal(time.Date(2024, 3, 5, i, 0, 0, 0, f.loc)), "point %d at %s", i, pt.Datetime)
		assert.False(t, pt.Actual.Valid)
		assert.False(t, pt.Predicted.Valid)
		require.True(t, pt.Future.Valid)
		assert.Equal(t, 80.0, pt.Future.Float64)
	}

	acc := res.Accuracy[models.Inflow]
	assert.Equal(t, 24, acc.Count)
	assert.InDelta(t, 90.0, acc.AccuracyPct, 1e-9)
	assert.InDelta(t, 10.0, acc.MeanAbsoluteError, 1e-9)

	assert.Equal(t, 1, res.Stats[SegmentActual].Fill.Synthesized)
	assert.Equal(t, 23, res.Stats[SegmentActual].Ingest.Parsed)
	assert.Contains(t, res.Summary(), "INFLOW accuracy=90.0% n=24 missing=0")

	require.Len(t, f.actual.refs, 1)
	assert.True(t, f.actual.refs[0].Equal(res.HistoryStart))
	assert.True(t, f.predicted.refs[0].Equal(res.HistoryStart))
	assert.True(t, f.future.refs[0].Equal(f.now))
}

// instants emits one record per real hour from start, so repeated or skipped
// wall-clock hours on daylight saving days are represented faithfully.
func instants(start time.Time, hours int, value string) []models.RawRecord {
	out := make([]models.RawRecord, 0, hours)
	for i := 0; i < hours; i++ {
		out = append(out, models.RawRecord{
			SourceID:  "flow_in",
			Timestamp: start.Add(time.Duration(i) * time.Hour).Format(time.RFC3339),
			Value:     models.RawValue(value),
		})
	}
	return out
}

func TestRunTimeline_DaylightSavingDays(t *testing.T) {
	loc := melbourne(t)
	tests := []struct {
		name      string
		yesterday time.Time
		hours     int
	}{
		// 2024-04-07 repeats 02:00; 2024-10-06 skips it.
		{"fall back", time.Date(2024, 4, 7, 0, 0, 0, 0, loc), 25},
		{"spring forward", time.Date(2024, 10, 6, 0, 0, 0, 0, loc), 23},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			today := tt.yesterday.AddDate(0, 0, 1)
			f.now = today.Add(10 * time.Hour)
			f.actual.records = instants(tt.yesterday, tt.hours, "100")
			f.predicted.records = instants(tt.yesterday, tt.hours, "90")
			f.future.records = instants(today, 3, "80")

			res, err := f.pipeline(t, nil).RunTimeline(context.Background(), f.now)
			require.NoError(t, err)

			assert.True(t, res.Horizon.Equal(today))
			tl := res.Timelines[models.Inflow]
			require.Len(t, tl.Points, tt.hours+3)
			assert.Zero(t, tl.Overlaps)
			assert.Zero(t, tl.MissingActual())
			for i, pt := range tl.Points[:tt.hours] {
				assert.Equal(t, 100.0, pt.Actual.Float64, "hour %d", i)
			}
			assert.True(t, tl.Points[tt.hours].Datetime.Equal(today), "the first forecast hour is midnight today")
			assert.Equal(t, 80.0, tl.Points[tt.hours].Future.Float64)
			assert.Equal(t, tt.hours, res.Accuracy[models.Inflow].Count)
			assert.Zero(t, res.Stats[SegmentActual].Fill.Synthesized)
		})
	}
}

func TestRunTimeline_UnsanitizedReported(t *testing.T) {
	f := newFixture(t)
	f.predicted.records = hourly("2024-03-04", 0, 23, "-5")
	p := f.pipeline(t, nil)

	res, err := p.RunTimeline(context.Background(), f.now)
	require.NoError(t, err)

	tl := res.Timelines[models.Inflow]
	assert.Equal(t, 24, tl.Unsanitized)
	assert.Equal(t, -5.0, tl.Points[0].Predicted.Float64, "kept as reported")
	assert.Contains(t, res.Summary(), "unsanitized=24")
}

func TestRunTimeline_DegradedSegment(t *testing.T) {
	f := newFixture(t)
	f.future.err = errors.New("upstream unavailable")
	p := f.pipeline(t, nil)

	res, err := p.RunTimeline(context.Background(), f.now)
	require.NoError(t, err)

	assert.True(t, res.Degraded())
	assert.Equal(t, map[Segment]string{SegmentFuture: "upstream unavailable"}, res.SegmentErrors)
	assert.Len(t, res.Timelines[models.Inflow].Points, 24)
	assert.Equal(t, 24, res.Accuracy[models.Inflow].Count)
	assert.Contains(t, res.Summary(), "future failed: upstream unavailable")
}

func TestRunTimeline_EmptyActual(t *testing.T) {
	f := newFixture(t)
	f.actual.records = nil
	p := f.pipeline(t, nil)

	res, err := p.RunTimeline(context.Background(), f.now)
	require.NoError(t, err)

	tl := res.Timelines[models.Inflow]
	assert.Equal(t, 24, tl.MissingActual())
	assert.Equal(t, models.Accuracy{}, res.Accuracy[models.Inflow])
	for _, pt := range tl.Points[:24] {
		assert.True(t, pt.Predicted.Valid)
	}
}

func TestRunTimeline_Audited(t *testing.T) {
	f := newFixture(t)
	f.predicted.err = errors.New("status 503")
	st := newTestStore(t)
	p := f.pipeline(t, st)

	_, err := p.RunTimeline(context.Background(), f.now)
	require.NoError(t, err)

	failures, err := st.GetRecentIngestErrors(10)
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "predicted", failures[0].Segment)
	assert.Equal(t, "fake://predicted", failures[0].Endpoint)
	assert.Equal(t, int64(3), failures[0].Attempts.Int64)
	assert.Equal(t, "status 503", failures[0].ErrorMessage.String)

	health, err := st.GetIngestHealth(1)
	require.NoError(t, err)
	assert.Len(t, health, 3)
}

func TestRunLive(t *testing.T) {
	f := newFixture(t)
	p := f.pipeline(t, nil)

	res, err := p.RunLive(context.Background(), f.now)
	require.NoError(t, err)

	require.Len(t, res.Series, 10)
	assert.True(t, res.Series[4].Filled)
	assert.Equal(t, 1, res.Stats.Fill.Synthesized)

	cur, ok := res.Current()
	require.True(t, ok)
	assert.Equal(t, "2024-03-05 09", cur.Key)
	assert.Equal(t, 120.0, cur.Values[models.Inflow])
}

func TestRunLive_NoSource(t *testing.T) {
	f := newFixture(t)
	p := New(Config{Location: f.loc}, nil)

	_, err := p.RunLive(context.Background(), f.now)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no source configured")
}

func TestLiveResult_CurrentSkipsFilled(t *testing.T) {
	res := &LiveResult{Series: models.Series{
		{Key: "2024-03-05 01", Values: map[models.Parameter]float64{models.Load: 3}},
		{Key: "2024-03-05 02", Values: map[models.Parameter]float64{models.Load: 3}, Filled: true},
	}}
	cur, ok := res.Current()
	require.True(t, ok)
	assert.Equal(t, "2024-03-05 01", cur.Key)

	_, ok = (&LiveResult{}).Current()
	assert.False(t, ok)
}
