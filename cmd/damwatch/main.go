package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lox/damwatch/internal/api"
	"github.com/lox/damwatch/internal/config"
	"github.com/lox/damwatch/internal/export"
	"github.com/lox/damwatch/internal/models"
	"github.com/lox/damwatch/internal/pipeline"
	"github.com/lox/damwatch/internal/store"
)

type CLI struct {
	config.Config

	Serve ServeCmd `cmd:"" default:"withargs" help:"Poll the telemetry sources and serve the reconciled timeline."`
	Once  OnceCmd  `cmd:"" help:"Run a single timeline cycle and print one parameter as CSV."`
}

type ServeCmd struct {
	Port             string        `help:"HTTP server port." default:"8080" env:"PORT"`
	SensorInterval   time.Duration `help:"Interval between live sensor cycles." default:"30s" env:"DAMWATCH_SENSOR_INTERVAL"`
	TimelineInterval time.Duration `help:"Interval between timeline cycles." default:"5m" env:"DAMWATCH_TIMELINE_INTERVAL"`
	NoPoll           bool          `help:"Disable polling (server only, for local dev)."`
}

type OnceCmd struct {
	Parameter string `help:"Parameter to export." default:"INFLOW"`
	Column    string `help:"Timeline column: best, actual, predicted or future." default:"best"`
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: load .env: %v", err)
	}

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("damwatch"),
		kong.Description("Reconciles reservoir telemetry and forecasts into an hourly timeline."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli.Config))
}

func openStore(cfg *config.Config) (*store.Store, error) {
	if cfg.DB == "" {
		log.Println("audit store disabled")
		return nil, nil
	}
	if dir := filepath.Dir(cfg.DB); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	st, err := store.Open(cfg.DB)
	if err != nil {
		return nil, err
	}
	log.Println("database migrated")
	return st, nil
}

func newPipeline(cfg *config.Config, st *store.Store) (*pipeline.Pipeline, error) {
	pc, err := cfg.PipelineConfig()
	if err != nil {
		return nil, err
	}
	for _, seg := range []pipeline.Segment{pipeline.SegmentActual, pipeline.SegmentPredicted, pipeline.SegmentFuture, pipeline.SegmentLive} {
		if _, ok := pc.Sources[seg]; !ok {
			log.Printf("no %s source configured, segment will be reported as failed", seg)
		}
	}
	return pipeline.New(pc, st), nil
}

func (c *ServeCmd) Run(cfg *config.Config) error {
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	p, err := newPipeline(cfg, st)
	if err != nil {
		return err
	}
	poller := pipeline.NewPoller(p, st, c.SensorInterval, c.TimelineInterval)
	server := api.NewServer(poller, st, c.Port)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if !c.NoPoll {
		go poller.Run(ctx)
	} else {
		log.Println("polling disabled (--no-poll)")
	}

	log.Printf("starting server on :%s", c.Port)
	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

func (c *OnceCmd) Run(cfg *config.Config) error {
	param, err := models.ParseParameter(c.Parameter)
	if err != nil {
		return err
	}
	col, err := export.ParseColumn(c.Column)
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	if st != nil {
		defer st.Close()
	}

	p, err := newPipeline(cfg, st)
	if err != nil {
		return err
	}
	poller := pipeline.NewPoller(p, st, 0, 0)

	log.Println("running single timeline cycle")
	poller.TimelineCycle(context.Background())
	if err := poller.Timeline.Err(); err != nil {
		return err
	}
	res, _, ok := poller.Timeline.Get()
	if !ok {
		return errors.New("timeline cycle produced no result")
	}
	tl, ok := res.Timelines[param]
	if !ok {
		return fmt.Errorf("parameter %s is not configured", param)
	}

	log.Printf("cycle %s: %s", res.CycleID, res.Summary())
	return export.WriteCSV(os.Stdout, tl, col)
}
