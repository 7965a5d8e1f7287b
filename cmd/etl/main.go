// Command etl stages one dataset file (or a DHIS2 selection) and optionally
// integrates it, without going through the HTTP server. It prints the staging
// result and the new version as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/dhis2"
	"healthetl/internal/logging"
	"healthetl/internal/metrics"
	"healthetl/internal/metrics/datadog"
	"healthetl/internal/metrics/prompush"
	"healthetl/internal/pipeline"
	"healthetl/internal/storage"

	// register all backends with the storage factory.
	_ "healthetl/internal/storage/all"
)

// Summary is what a successful run prints.
type Summary struct {
	Job     string                `json:"job"`
	Staging dataset.StagingResult `json:"staging"`
	Version *dataset.Version      `json:"version,omitempty"`
}

type runner interface {
	Run(ctx context.Context, p pipeline.Pipeline) (Summary, error)
}

// appDeps are the seams runMain goes through for every side effect.
type appDeps struct {
	loadPipeline func(path string) (pipeline.Pipeline, error)
	newRunner    func(logger *slog.Logger) runner
	initMetrics  func(ctx context.Context, jobName, backendName, gatewayURL string) (func(), error)
}

func defaultDeps() appDeps {
	return appDeps{
		loadPipeline: pipeline.LoadPipeline,
		newRunner:    func(logger *slog.Logger) runner { return &storeRunner{logger: logger} },
		initMetrics:  initMetrics,
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain returns 2 on usage errors and 1 on any other failure.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("etl", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath     string
		backendName string
		gatewayURL  string
		validate    bool
		verbose     bool
		logFormat   string
	)
	fs.StringVar(&cfgPath, "config", "", "pipeline config JSON path")
	fs.StringVar(&backendName, "metrics-backend", "", "metrics backend: none, pushgateway or datadog (overrides env METRICS_BACKEND)")
	fs.StringVar(&gatewayURL, "pushgateway-url", "", "Pushgateway base URL (overrides env PUSHGATEWAY_URL)")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable verbose logs")
	fs.StringVar(&logFormat, "log-format", "text", "log format: text or json")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: etl -config path/to/pipeline.json [-metrics-backend none|pushgateway|datadog] [-validate] [-v]")
		return 2
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := logging.New(stderr, logFormat, level)

	p, err := deps.loadPipeline(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	if backendName == "" {
		backendName = os.Getenv("METRICS_BACKEND")
	}
	if gatewayURL == "" {
		gatewayURL = os.Getenv("PUSHGATEWAY_URL")
	}
	cleanup, err := deps.initMetrics(ctx, p.Job, backendName, gatewayURL)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	start := time.Now()
	logger.DebugContext(ctx, "pipeline",
		slog.String("dataset", p.Dataset),
		slog.String("source", p.Source.Kind),
		slog.String("storage", p.Storage.Kind))

	summary, err := deps.newRunner(logger).Run(ctx, p)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}
	logger.DebugContext(ctx, "completed", slog.Duration("duration", time.Since(start).Truncate(time.Millisecond)))

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		fmt.Fprintf(stderr, "write summary: %v\n", err)
		return 1
	}
	return 0
}

// storeRunner stages (and optionally integrates) against a real backend.
type storeRunner struct {
	logger *slog.Logger
}

func (r *storeRunner) Run(ctx context.Context, p pipeline.Pipeline) (Summary, error) {
	out := Summary{Job: p.Job}
	repo, err := storage.Open(ctx, storage.Config{
		Kind:   p.Storage.Kind,
		DSN:    p.Storage.DB.DSN,
		Worker: true,
	})
	if err != nil {
		return out, errors.Wrap(err, "open storage")
	}
	defer repo.Close()
	if err := repo.Migrate(ctx); err != nil {
		return out, errors.Wrap(err, "migrate")
	}

	t := p.Type()
	in := pipeline.StageInput{
		Type:       t,
		SourceType: dataset.SourceCSV,
		Reader:     p.ReaderOptions(),
	}
	switch p.Source.Kind {
	case "file":
		in.Path = p.Source.File.Path
		in.Mapping = p.Mapping
	case "dhis2":
		if t != dataset.HMIS {
			return out, errors.Wrapf(dataset.ErrBadParameter, "dhis2 sources are only supported for %s", dataset.HMIS)
		}
		path, err := fetchDHIS2(ctx, r.logger, *p.Source.DHIS2)
		if err != nil {
			return out, err
		}
		defer os.Remove(path)
		in.SourceType = dataset.SourceExternalAPI
		in.Path = path
		in.Mapping = dhis2.Mapping()
	}

	progress := func(fraction float64, message string) {
		r.logger.DebugContext(ctx, "progress", slog.Float64("fraction", fraction), slog.String("message", message))
	}

	stager := &pipeline.Stager{
		Repo:       repo,
		Logger:     r.logger,
		BatchSize:  p.Runtime.BatchSize,
		SampleSize: p.Runtime.SampleSize,
	}
	res, err := stager.Run(ctx, in, progress)
	if err != nil {
		return out, err
	}
	out.Staging = res
	if !p.Runtime.Integrate {
		return out, nil
	}

	integrator := &pipeline.Integrator{Repo: repo, Logger: r.logger}
	v, err := integrator.Run(ctx, t, &res, progress)
	if err != nil {
		return out, err
	}
	out.Version = &v
	return out, nil
}

func fetchDHIS2(ctx context.Context, logger *slog.Logger, src pipeline.DHIS2Source) (string, error) {
	client := dhis2.NewClient(dataset.ExternalAPI{BaseURL: src.BaseURL, Username: src.Username}, os.Getenv(src.PasswordEnv))
	f, err := os.CreateTemp("", "healthetl-dhis2-*.csv")
	if err != nil {
		return "", errors.Wrap(err, "create extract file")
	}
	defer f.Close()

	rows, err := client.FetchAnalytics(ctx, dataset.DHIS2Selection{
		Indicators: src.Indicators,
		Periods:    src.Periods,
		OrgUnits:   src.OrgUnits,
	}, f)
	if err == nil {
		err = f.Close()
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", errors.Wrap(err, "fetch dhis2 data")
	}
	logger.InfoContext(ctx, "dhis2 data fetched", slog.Int64("rows", rows))
	return f.Name(), nil
}

// metricsBackend is a backend that needs an explicit shutdown.
type metricsBackend interface {
	metrics.Backend
	Close() error
}

// Seams for tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	newPushBackend = func(opts prompush.Options) (metrics.Backend, error) {
		return prompush.NewBackend(opts)
	}
	setMetricsBackend = metrics.SetBackend
	logPrintf         = func(format string, v ...any) {
		slog.Warn(fmt.Sprintf(format, v...))
	}
)

// initMetrics wires the named backend into the metrics package. The returned
// cleanup is never nil and flushes (or closes) the backend.
func initMetrics(ctx context.Context, jobName, backendName, gatewayURL string) (func(), error) {
	noop := func() {}
	if jobName == "" {
		jobName = "healthetl"
	}

	switch backendName {
	case "", "none", "noop":
		return noop, nil

	case "pushgateway", "prom", "prometheus":
		if gatewayURL == "" {
			gatewayURL = "http://localhost:9091"
		}
		b, err := newPushBackend(prompush.Options{URL: gatewayURL, Job: jobName})
		if err != nil {
			return noop, errors.Wrap(err, "pushgateway backend")
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Flush(); err != nil {
				logPrintf("metrics: pushgateway flush error: %v", err)
			}
		}, nil

	case "datadog", "dd":
		// Close stops the periodic flush loop and submits what is left.
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS")),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, errors.Wrap(err, "datadog backend")
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
		}, nil

	default:
		return noop, errors.Newf("unknown metrics backend %q (want none|datadog|pushgateway)", backendName)
	}
}
