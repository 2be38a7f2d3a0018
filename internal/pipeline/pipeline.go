package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox/damwatch/internal/ingest"
	"github.com/lox/damwatch/internal/metrics"
	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/series"
	"github.com/lox/damwatch/internal/store"
	"github.com/lox/damwatch/internal/timeline"
)

type Segment string

const (
	SegmentActual    Segment = "actual"
	SegmentPredicted Segment = "predicted"
	SegmentFuture    Segment = "future"
	SegmentLive      Segment = "live"
)

// Config wires sources and reconciliation settings.
type Config struct {
	Location    *time.Location
	Sources     map[Segment]ingest.Source
	SourceTable ingest.SourceTable
	Parameters  []models.Parameter
}

type Pipeline struct {
	loc     *time.Location
	sources map[Segment]ingest.Source
	table   ingest.SourceTable
	params  []models.Parameter
	store   *store.Store
}

// New creates a pipeline. A nil store disables the audit trail.
func New(cfg Config, st *store.Store) *Pipeline {
	loc := cfg.Location
	if loc == nil {
		loc = time.UTC
	}
	params := cfg.Parameters
	if len(params) == 0 {
		params = models.AllParameters()
	}
	return &Pipeline{
		loc:     loc,
		sources: cfg.Sources,
		table:   cfg.SourceTable,
		params:  params,
		store:   st,
	}
}

// SegmentStats summarizes what each stage did to one segment.
type SegmentStats struct {
	Ingest   ingest.IngestStats
	Sanitize series.SanitizeReport
	Fill     series.FillReport
}

// Result is one reconciled timeline cycle.
type Result struct {
	CycleID       string
	GeneratedAt   time.Time
	HistoryStart  time.Time
	Horizon       time.Time
	Timelines     map[models.Parameter]models.Timeline
	Accuracy      map[models.Parameter]models.Accuracy
	SegmentErrors map[Segment]string
	Stats         map[Segment]SegmentStats
}

// Degraded reports whether any segment was merged as nulls after a failed fetch.
func (r *Result) Degraded() bool {
	return len(r.SegmentErrors) > 0
}

// Summary renders per-parameter accuracy and gap counts for the audit trail.
func (r *Result) Summary() string {
	params := make([]string, 0, len(r.Timelines))
	for p := range r.Timelines {
		params = append(params, string(p))
	}
	sort.Strings(params)

	var b strings.Builder
	for i, name := range params {
		p := models.Parameter(name)
		if i > 0 {
			b.WriteString("; ")
		}
		tl := r.Timelines[p]
		fmt.Fprintf(&b, "%s accuracy=%.1f%% n=%d missing=%d unsanitized=%d", p,
			r.Accuracy[p].AccuracyPct, r.Accuracy[p].Count, tl.MissingActual(), tl.Unsanitized)
	}
	for _, seg := range []Segment{SegmentActual, SegmentPredicted, SegmentFuture} {
		if msg, ok := r.SegmentErrors[seg]; ok {
			fmt.Fprintf(&b, "; %s failed: %s", seg, msg)
		}
	}
	return b.String()
}

// LiveResult is today's reconciled sensor series.
type LiveResult struct {
	CycleID     string
	GeneratedAt time.Time
	Series      models.Series
	Stats       SegmentStats
}

// Current returns the newest hour that carries a real reading, or the
// newest hour when every record was synthesized.
func (r *LiveResult) Current() (models.HourlyRecord, bool) {
	for i := len(r.Series) - 1; i >= 0; i-- {
		if !r.Series[i].Filled {
			return r.Series[i], true
		}
	}
	if len(r.Series) > 0 {
		return r.Series[len(r.Series)-1], true
	}
	return models.HourlyRecord{}, false
}

type segmentOutcome struct {
	series models.Series
	stats  SegmentStats
	err    error // fetch failure, soft
	fatal  error // precondition violation
}

// RunTimeline fetches the three segments concurrently, reconciles each and
// merges them into one timeline per parameter. A segment whose fetch fails
// is merged as nulls and reported in SegmentErrors; a reconciliation
// precondition violation fails the whole run.
func (p *Pipeline) RunTimeline(ctx context.Context, now time.Time) (*Result, error) {
	return p.runTimeline(ctx, uuid.NewString(), now)
}

func (p *Pipeline) runTimeline(ctx context.Context, cycleID string, now time.Time) (*Result, error) {
	// The historical window is yesterday's local calendar day, which is 23
	// or 25 hours long on daylight saving transitions.
	horizon := series.DayStart(now, p.loc)
	historyStart := horizon.AddDate(0, 0, -1)
	historyHours := int(horizon.Sub(historyStart) / time.Hour)
	refs := map[Segment]time.Time{
		SegmentActual:    historyStart,
		SegmentPredicted: historyStart,
		SegmentFuture:    now.In(p.loc),
	}

	outcomes := make(map[Segment]segmentOutcome, len(refs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for seg, ref := range refs {
		wg.Add(1)
		go func(seg Segment, ref time.Time) {
			defer wg.Done()
			out := p.runSegment(ctx, cycleID, seg, ref)
			mu.Lock()
			outcomes[seg] = out
			mu.Unlock()
		}(seg, ref)
	}
	wg.Wait()

	var fatal []error
	for _, seg := range []Segment{SegmentActual, SegmentPredicted, SegmentFuture} {
		if out := outcomes[seg]; out.fatal != nil {
			fatal = append(fatal, fmt.Errorf("%s: %w", seg, out.fatal))
		}
	}
	if len(fatal) > 0 {
		return nil, errors.Join(fatal...)
	}

	res := &Result{
		CycleID:       cycleID,
		GeneratedAt:   now,
		HistoryStart:  historyStart,
		Horizon:       horizon,
		Timelines:     make(map[models.Parameter]models.Timeline, len(p.params)),
		Accuracy:      make(map[models.Parameter]models.Accuracy, len(p.params)),
		SegmentErrors: make(map[Segment]string),
		Stats:         make(map[Segment]SegmentStats, len(outcomes)),
	}
	for seg, out := range outcomes {
		res.Stats[seg] = out.stats
		if out.err != nil {
			res.SegmentErrors[seg] = out.err.Error()
		}
	}

	for _, param := range p.params {
		in := timeline.MergeInput{
			Parameter:    param,
			HistoryStart: historyStart,
			HistoryHours: historyHours,
			Actual:       outcomes[SegmentActual].series,
			Predicted:    outcomes[SegmentPredicted].series,
			Future:       outcomes[SegmentFuture].series,
		}
		tl := timeline.Merge(in)
		tl.Unsanitized = unsanitized(outcomes, param)
		acc := timeline.Evaluate(tl.Points)
		res.Timelines[param] = tl
		res.Accuracy[param] = acc

		metrics.TimelineOverlaps.WithLabelValues(string(param)).Add(float64(tl.Overlaps))
		metrics.ForecastAccuracy.WithLabelValues(string(param)).Set(acc.AccuracyPct)
		metrics.MissingActualHours.WithLabelValues(string(param)).Set(float64(tl.MissingActual()))
	}

	if res.Degraded() {
		log.Printf("pipeline: cycle %s degraded: %d segment(s) failed", cycleID, len(res.SegmentErrors))
	}
	return res, nil
}

// RunLive fetches and reconciles today's sensor feed.
func (p *Pipeline) RunLive(ctx context.Context, now time.Time) (*LiveResult, error) {
	return p.runLive(ctx, uuid.NewString(), now)
}

func (p *Pipeline) runLive(ctx context.Context, cycleID string, now time.Time) (*LiveResult, error) {
	out := p.runSegment(ctx, cycleID, SegmentLive, now.In(p.loc))
	if out.fatal != nil {
		return nil, fmt.Errorf("%s: %w", SegmentLive, out.fatal)
	}
	if out.err != nil {
		return nil, fmt.Errorf("%s: %w", SegmentLive, out.err)
	}
	return &LiveResult{
		CycleID:     cycleID,
		GeneratedAt: now,
		Series:      out.series,
		Stats:       out.stats,
	}, nil
}

func (p *Pipeline) runSegment(ctx context.Context, cycleID string, seg Segment, ref time.Time) segmentOutcome {
	src, ok := p.sources[seg]
	if !ok || src == nil {
		metrics.SegmentFailures.WithLabelValues(string(seg)).Inc()
		return segmentOutcome{err: fmt.Errorf("no source configured")}
	}

	run := p.startIngestRun(cycleID, seg, src.Name())
	raw, fetchResult, err := src.Fetch(ctx, ref)

	var out segmentOutcome
	if err != nil {
		log.Printf("pipeline: fetch %s: %v", seg, err)
		metrics.SegmentFailures.WithLabelValues(string(seg)).Inc()
		out.err = err
		p.completeIngestRun(run, fetchResult, nil, err)
		return out
	}

	readings, stats := ingest.Ingest(raw, p.table, p.loc)
	out.stats.Ingest = stats
	p.completeIngestRun(run, fetchResult, &stats, nil)
	recordIngestStats(seg, stats)

	agg := series.Aggregate(readings, p.loc)
	clean, sanitized, fill, err := series.Reconcile(agg)
	out.stats.Sanitize = sanitized
	out.stats.Fill = fill
	if err != nil {
		log.Printf("pipeline: reconcile %s: %v", seg, err)
		out.fatal = err
		return out
	}
	recordReconcileStats(seg, sanitized, fill)

	out.series = clean
	return out
}

// unsanitized sums the values of param that the merged segments had to keep
// as-is for lack of a valid replacement.
func unsanitized(outcomes map[Segment]segmentOutcome, param models.Parameter) int {
	n := 0
	for _, seg := range []Segment{SegmentActual, SegmentPredicted, SegmentFuture} {
		n += outcomes[seg].stats.Sanitize.Unsanitized[param]
	}
	return n
}

func recordIngestStats(seg Segment, stats ingest.IngestStats) {
	label := string(seg)
	metrics.ReadingsIngested.WithLabelValues(label).Add(float64(stats.Parsed))
	metrics.ReadingsDropped.WithLabelValues(label, "timestamp").Add(float64(stats.BadTimestamp))
	metrics.ReadingsDropped.WithLabelValues(label, "value").Add(float64(stats.BadValue))
	metrics.ReadingsDropped.WithLabelValues(label, "source").Add(float64(stats.UnknownSource))
	if stats.Dropped() > 0 {
		log.Printf("pipeline: %s dropped %d/%d records (first: %s)", seg, stats.Dropped(), stats.Received, stats.FirstError)
	}
}

func recordReconcileStats(seg Segment, sanitized series.SanitizeReport, fill series.FillReport) {
	label := string(seg)
	for param, n := range sanitized.Imputed {
		metrics.ValuesImputed.WithLabelValues(label, string(param)).Add(float64(n))
	}
	for param, n := range sanitized.Unsanitized {
		metrics.ValuesUnsanitized.WithLabelValues(label, string(param)).Add(float64(n))
	}
	if n := sanitized.TotalUnsanitized(); n > 0 {
		log.Printf("pipeline: %s left %d invalid value(s) without a valid replacement", seg, n)
	}
	metrics.HoursSynthesized.WithLabelValues(label).Add(float64(fill.Synthesized))
}

func (p *Pipeline) startIngestRun(cycleID string, seg Segment, endpoint string) *store.IngestRun {
	if p.store == nil {
		return nil
	}
	run, err := p.store.StartIngestRun(cycleID, string(seg), endpoint)
	if err != nil {
		log.Printf("pipeline: start ingest run: %v", err)
		return nil
	}
	return run
}

func (p *Pipeline) completeIngestRun(run *store.IngestRun, fr *ingest.FetchResult, stats *ingest.IngestStats, fetchErr error) {
	if p.store == nil || run == nil {
		return
	}
	run.Success = fetchErr == nil
	if fr != nil {
		if fr.Endpoint != "" {
			run.Endpoint = fr.Endpoint
		}
		run.Attempts = sql.NullInt64{Int64: int64(fr.Attempts), Valid: fr.Attempts > 0}
		run.HTTPStatus = sql.NullInt64{Int64: int64(fr.HTTPStatus), Valid: fr.HTTPStatus > 0}
		run.ResponseSizeBytes = sql.NullInt64{Int64: int64(fr.ResponseSize), Valid: fr.ResponseSize > 0}
	}
	if stats != nil {
		run.RecordsParsed = sql.NullInt64{Int64: int64(stats.Parsed), Valid: true}
		run.RecordsDropped = sql.NullInt64{Int64: int64(stats.Dropped()), Valid: true}
		if stats.FirstError != "" {
			run.ErrorMessage = sql.NullString{String: stats.FirstError, Valid: true}
		}
	}
	if fetchErr != nil {
		run.ErrorMessage = sql.NullString{String: fetchErr.Error(), Valid: true}
	}
	if err := p.store.CompleteIngestRun(run); err != nil {
		log.Printf("pipeline: complete ingest run: %v", err)
	}
}
