// Command bikeshare acquires bulk bike-share open data and normalizes it
// into an analysis-ready layout.
//
// Usage:
//
//	bikeshare fetch      # discover catalog resources and download archives
//	bikeshare process    # extract archives into monthly CSVs per year
//	bikeshare stations   # snapshot GBFS station feeds
//	bikeshare weather    # download hourly weather for the configured range
//	bikeshare report     # summarize the normalized ridership tree
//	bikeshare all        # run every stage in order
//
// Stages run strictly sequentially; a stage failure is logged and the run
// continues with the remaining stages.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/openmobility/bikeshare-etl/internal/adapter/httpadapter"
	"github.com/openmobility/bikeshare-etl/internal/archive"
	"github.com/openmobility/bikeshare-etl/internal/catalog"
	"github.com/openmobility/bikeshare-etl/internal/config"
	"github.com/openmobility/bikeshare-etl/internal/download"
	"github.com/openmobility/bikeshare-etl/internal/gbfs"
	"github.com/openmobility/bikeshare-etl/internal/observability"
	"github.com/openmobility/bikeshare-etl/internal/pipeline"
	"github.com/openmobility/bikeshare-etl/internal/report"
	"github.com/openmobility/bikeshare-etl/internal/split"
	"github.com/openmobility/bikeshare-etl/internal/weather"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: bikeshare <fetch|process|stations|weather|report|all>")
		os.Exit(2)
	}
	command := os.Args[1]

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *httpadapter.Server
	if cfg.MetricsAddr != "" {
		srv = httpadapter.NewServer(cfg.MetricsAddr, logger)
		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", "error", err)
			}
		}()
	}

	app := newApp(cfg, logger, metrics)

	var runErr error
	switch command {
	case "fetch":
		runErr = app.fetch(ctx)
	case "process":
		runErr = app.process(ctx)
	case "stations":
		runErr = app.stations(ctx)
	case "weather":
		runErr = app.weather(ctx)
	case "report":
		runErr = app.report(ctx)
	case "all":
		runErr = app.all(ctx)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		os.Exit(2)
	}

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}

	if runErr != nil {
		logger.Error("run failed", "command", command, "error", runErr)
		os.Exit(1)
	}
	logger.Info("done", "command", command)
}

// app wires the pipeline stages from configuration.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *observability.Metrics

	downloader *download.Downloader
	repairer   *download.Downloader
}

func newApp(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *app {
	clock := clockwork.NewRealClock()
	base := download.Config{
		MaxRetries:   cfg.DownloadMaxRetries,
		ChunkSize:    cfg.DownloadChunkSize,
		Timeout:      cfg.DownloadTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		Backoff:      cfg.DownloadBackoff,
		AcceptRatio:  cfg.AcceptRatio,
	}
	repairCfg := base
	repairCfg.MaxRetries = cfg.RepairMaxRetries

	return &app{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		downloader: download.New(base, clock, logger, metrics),
		repairer:   download.New(repairCfg, clock, logger, metrics),
	}
}

// fetch discovers catalog resources for both packages and downloads them.
func (a *app) fetch(ctx context.Context) error {
	client := catalog.NewClient(a.cfg.CatalogBaseURL, a.downloader, a.logger)
	var failed int
	for _, pkg := range []string{a.cfg.RidershipPackageID, a.cfg.StationPackageID} {
		err := client.AcquirePackage(ctx, pkg, a.cfg.PackageMetaDir(pkg), a.cfg.PackageDownloadDir(pkg))
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("package acquisition failed", "package", pkg, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d package(s) failed", failed)
	}
	return nil
}

// process extracts downloaded ridership archives into monthly files.
func (a *app) process(ctx context.Context) error {
	pkg := a.cfg.RidershipPackageID
	resolver := catalog.MetadataIndex{Dir: a.cfg.PackageMetaDir(pkg)}
	splitter := split.New(split.Config{}, a.logger, a.metrics)
	extractor := archive.New(a.repairer, resolver, splitter, a.logger, a.metrics)

	p := pipeline.New(pipeline.Config{
		DownloadDir: a.cfg.PackageDownloadDir(pkg),
		InterimDir:  a.cfg.InterimDir(),
		MinYear:     a.cfg.MinYear,
		MaxYear:     a.cfg.MaxYear,
	}, extractor, a.logger)

	_, err := p.Run(ctx)
	return err
}

// stations snapshots the GBFS feeds.
func (a *app) stations(ctx context.Context) error {
	client := gbfs.NewClient(a.cfg.GBFSDiscoveryURL, a.cfg.GBFSLanguage, a.logger, a.metrics)
	return client.Snapshot(ctx, a.cfg.RawDir())
}

// weather fetches the configured hourly observation range.
func (a *app) weather(ctx context.Context) error {
	if a.cfg.WeatherAPIKey == "" {
		a.logger.Warn("WEATHER_API_KEY not set, skipping weather stage")
		return nil
	}
	fetcher := weather.New(weather.Config{
		URL:        a.cfg.WeatherURL,
		Host:       a.cfg.WeatherHost,
		APIKey:     a.cfg.WeatherAPIKey,
		StationID:  a.cfg.WeatherStationID,
		ChunkDays:  a.cfg.WeatherChunkDays,
		MaxRetries: a.cfg.WeatherRetries,
		Backoff:    a.cfg.WeatherBackoff,
		Pacing:     a.cfg.WeatherPacing,
	}, clockwork.NewRealClock(), a.logger, a.metrics)

	agg, err := fetcher.FetchHourly(ctx, a.cfg.WeatherStart, a.cfg.WeatherEnd)
	if err != nil {
		return err
	}
	return fetcher.WriteArtifacts(a.cfg.RawDir(), agg)
}

// report summarizes the interim tree.
func (a *app) report(_ context.Context) error {
	builder := report.NewBuilder(a.logger)
	summary, err := builder.Build(a.cfg.InterimDir())
	if err != nil {
		return err
	}
	return builder.Write(a.cfg.ProcessedDir(), summary)
}

// all runs every stage in order, continuing past per-stage failures.
func (a *app) all(ctx context.Context) error {
	stages := []struct {
		name string
		run  func(context.Context) error
	}{
		{"fetch", a.fetch},
		{"process", a.process},
		{"stations", a.stations},
		{"weather", a.weather},
		{"report", a.report},
	}

	var failed int
	for _, stage := range stages {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		a.logger.Info("stage starting", "stage", stage.name)
		if err := stage.run(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			a.logger.Error("stage failed", "stage", stage.name, "error", err)
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d stage(s) failed", failed)
	}
	return nil
}
