package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/lox/damwatch/internal/ingest"
	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/pipeline"
)

// Config holds the settings shared by every command. Each flag can also be
// set from the environment (or a .env file loaded before parsing).
type Config struct {
	DB       string `help:"Path to the SQLite audit database. Empty disables auditing." default:"data/damwatch.db" env:"DAMWATCH_DB"`
	Timezone string `help:"Plant time zone used for hour buckets." default:"Australia/Melbourne" env:"DAMWATCH_TIMEZONE"`

	ActualURL    string `name:"actual-url" help:"Endpoint for yesterday's sensor readings. {date} is replaced with the day." env:"DAMWATCH_ACTUAL_URL"`
	PredictedURL string `name:"predicted-url" help:"Endpoint for yesterday's forecast." env:"DAMWATCH_PREDICTED_URL"`
	FutureURL    string `name:"future-url" help:"Endpoint for the forward forecast." env:"DAMWATCH_FUTURE_URL"`
	LiveURL      string `name:"live-url" help:"Endpoint for today's sensor feed." env:"DAMWATCH_LIVE_URL"`

	Parameters []string `help:"Parameters to reconcile." default:"INFLOW,OUTFLOW,WATER_LEVEL,LOAD" env:"DAMWATCH_PARAMETERS"`
	SourceMap  []string `name:"source-map" help:"Provider source ids mapped to parameters, as source=PARAMETER." env:"DAMWATCH_SOURCE_MAP"`

	RetryAttempts  int           `help:"Fetch attempts per segment." default:"3" env:"DAMWATCH_RETRY_ATTEMPTS"`
	RetryDelay     time.Duration `help:"Delay between fetch attempts." default:"2s" env:"DAMWATCH_RETRY_DELAY"`
	BreakerTimeout time.Duration `help:"How long an open circuit breaker rejects fetches." default:"1m" env:"DAMWATCH_BREAKER_TIMEOUT"`
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.ParameterList(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SourceTable(); err != nil {
		errs = append(errs, err)
	}
	if c.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("retry-attempts must be at least 1, got %d", c.RetryAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry-delay must not be negative"))
	}
	if c.ActualURL == "" && c.PredictedURL == "" && c.FutureURL == "" && c.LiveURL == "" {
		errs = append(errs, errors.New("at least one source URL is required"))
	}
	return errors.Join(errs...)
}

func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func (c *Config) ParameterList() ([]models.Parameter, error) {
	params := make([]models.Parameter, 0, len(c.Parameters))
	seen := make(map[models.Parameter]bool)
	for _, s := range c.Parameters {
		p, err := models.ParseParameter(s)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			params = append(params, p)
		}
	}
	if len(params) == 0 {
		return nil, errors.New("at least one parameter is required")
	}
	return params, nil
}

func (c *Config) SourceTable() (ingest.SourceTable, error) {
	return ingest.ParseSourceTable(c.SourceMap)
}

func (c *Config) RetryPolicy() ingest.RetryPolicy {
	return ingest.RetryPolicy{Attempts: c.RetryAttempts, Delay: c.RetryDelay}
}

// Sources builds a transport for every segment with a configured URL.
// Segments without one are reported as failed on every cycle.
func (c *Config) Sources() (map[pipeline.Segment]ingest.Source, error) {
	urls := map[pipeline.Segment]string{
		pipeline.SegmentActual:    c.ActualURL,
		pipeline.SegmentPredicted: c.PredictedURL,
		pipeline.SegmentFuture:    c.FutureURL,
		pipeline.SegmentLive:      c.LiveURL,
	}
	sources := make(map[pipeline.Segment]ingest.Source, len(urls))
	for seg, u := range urls {
		if u == "" {
			continue
		}
		src, err := ingest.NewSource(string(seg), u, c.RetryPolicy(), c.BreakerTimeout)
		if err != nil {
			return nil, err
		}
		sources[seg] = src
	}
	return sources, nil
}

// PipelineConfig resolves everything the pipeline needs.
func (c *Config) PipelineConfig() (pipeline.Config, error) {
	loc, err := c.Location()
	if err != nil {
		return pipeline.Config{}, err
	}
	params, err := c.ParameterList()
	if err != nil {
		return pipeline.Config{}, err
	}
	table, err := c.SourceTable()
	if err != nil {
		return pipeline.Config{}, err
	}
	sources, err := c.Sources()
	if err != nil {
		return pipeline.Config{}, err
	}
	return pipeline.Config{
		Location:    loc,
		Sources:     sources,
		SourceTable: table,
		Parameters:  params,
	}, nil
}
