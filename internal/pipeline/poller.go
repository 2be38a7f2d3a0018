package pipeline

import (
	"context"
	"database/sql"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lox/damwatch/internal/metrics"
	"github.com/lox/damwatch/internal/store"
)

const (
	kindTimeline = "timeline"
	kindLive     = "live"
)

// starvedAfter is how many consecutive superseded cycles it takes before
// the poller warns that a source cannot keep up with its interval.
const starvedAfter = 3

// Poller drives the pipeline on two tickers and publishes results into
// Timeline and Live. Each tick runs in its own goroutine, so a slow cycle
// never delays the next one.
type Poller struct {
	pipeline         *Pipeline
	store            *store.Store
	sensorInterval   time.Duration
	timelineInterval time.Duration
	refresh          chan struct{}
	wg               sync.WaitGroup
	now              func() time.Time

	Timeline *Latest[*Result]
	Live     *Latest[*LiveResult]
}

func NewPoller(p *Pipeline, st *store.Store, sensorInterval, timelineInterval time.Duration) *Poller {
	if sensorInterval <= 0 {
		sensorInterval = 30 * time.Second
	}
	if timelineInterval <= 0 {
		timelineInterval = 5 * time.Minute
	}
	return &Poller{
		pipeline:         p,
		store:            st,
		sensorInterval:   sensorInterval,
		timelineInterval: timelineInterval,
		refresh:          make(chan struct{}, 1),
		now:              time.Now,
		Timeline:         &Latest[*Result]{},
		Live:             &Latest[*LiveResult]{},
	}
}

// Refresh requests an immediate timeline cycle. Requests made while one is
// already queued are coalesced.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

func (p *Poller) Run(ctx context.Context) {
	p.spawn(ctx, p.LiveCycle)
	p.spawn(ctx, p.TimelineCycle)

	sensorTicker := time.NewTicker(p.sensorInterval)
	timelineTicker := time.NewTicker(p.timelineInterval)
	defer sensorTicker.Stop()
	defer timelineTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("poller: shutting down")
			p.wg.Wait()
			return
		case <-sensorTicker.C:
			p.spawn(ctx, p.LiveCycle)
		case <-timelineTicker.C:
			p.spawn(ctx, p.TimelineCycle)
		case <-p.refresh:
			log.Println("poller: manual refresh")
			p.spawn(ctx, p.TimelineCycle)
		}
	}
}

func (p *Poller) spawn(ctx context.Context, cycle func(context.Context) bool) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		cycle(ctx)
	}()
}

// TimelineCycle runs one timeline cycle and reports whether its result was
// published.
func (p *Poller) TimelineCycle(ctx context.Context) bool {
	return runCycle(p, ctx, kindTimeline, p.Timeline, p.pipeline.runTimeline,
		func(r *Result) (bool, string) { return r.Degraded(), r.Summary() })
}

// LiveCycle runs one sensor cycle and reports whether its result was published.
func (p *Poller) LiveCycle(ctx context.Context) bool {
	return runCycle(p, ctx, kindLive, p.Live, p.pipeline.runLive,
		func(r *LiveResult) (bool, string) { return false, "" })
}

func runCycle[T any](
	p *Poller,
	ctx context.Context,
	kind string,
	holder *Latest[T],
	run func(context.Context, string, time.Time) (T, error),
	describe func(T) (degraded bool, summary string),
) bool {
	token := holder.Begin()
	cycleID := uuid.NewString()
	audit := p.startPipelineRun(cycleID, kind, token)

	res, err := run(ctx, cycleID, p.now())
	if err != nil {
		log.Printf("poller: %s cycle %s failed: %v", kind, cycleID, err)
		metrics.PipelineRunsTotal.WithLabelValues(kind, "error").Inc()
		if !holder.Fail(token, err) {
			metrics.StaleResultsTotal.WithLabelValues(kind).Inc()
			warnStarved(kind, holder.Status().Starved)
		}
		if audit != nil {
			audit.ErrorMessage = sql.NullString{String: err.Error(), Valid: true}
		}
		p.completePipelineRun(audit)
		return false
	}

	degraded, summary := describe(res)
	status := "ok"
	if degraded {
		status = "degraded"
	}
	metrics.PipelineRunsTotal.WithLabelValues(kind, status).Inc()

	applied := holder.Apply(token, res)
	if !applied {
		log.Printf("poller: %s cycle %s (token %d) superseded, result discarded", kind, cycleID, token)
		metrics.StaleResultsTotal.WithLabelValues(kind).Inc()
		warnStarved(kind, holder.Status().Starved)
	}

	if audit != nil {
		audit.Success = true
		audit.Degraded = degraded
		audit.Applied = applied
		audit.Summary = sql.NullString{String: summary, Valid: summary != ""}
	}
	p.completePipelineRun(audit)
	return applied
}

func warnStarved(kind string, n int) {
	if n >= starvedAfter && n%starvedAfter == 0 {
		log.Printf("poller: warning: %s has discarded %d consecutive results, source is slower than its interval", kind, n)
	}
}

func (p *Poller) startPipelineRun(cycleID, kind string, token uint64) *store.PipelineRun {
	if p.store == nil {
		return nil
	}
	run, err := p.store.StartPipelineRun(cycleID, kind, token)
	if err != nil {
		log.Printf("poller: start pipeline run: %v", err)
		return nil
	}
	return run
}

func (p *Poller) completePipelineRun(run *store.PipelineRun) {
	if p.store == nil || run == nil {
		return
	}
	if err := p.store.CompletePipelineRun(run); err != nil {
		log.Printf("poller: complete pipeline run: %v", err)
	}
}
