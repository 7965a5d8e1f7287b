package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"healthetl/internal/dataset"
	"healthetl/internal/metrics"
	"healthetl/internal/metrics/datadog"
	"healthetl/internal/metrics/prompush"
	"healthetl/internal/pipeline"
)

// fakeRunner records the number of calls and the last pipeline it received,
// and returns a configurable error.
type fakeRunner struct {
	err   error
	calls atomic.Int64

	mu      sync.Mutex
	lastCfg pipeline.Pipeline
}

func (r *fakeRunner) Run(ctx context.Context, p pipeline.Pipeline) (Summary, error) {
	r.calls.Add(1)
	r.mu.Lock()
	r.lastCfg = p
	r.mu.Unlock()
	if r.err != nil {
		return Summary{}, r.err
	}
	return Summary{Job: p.Job, Staging: dataset.StagingResult{DatasetType: dataset.HMIS, RawRows: 3}}, nil
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) IncCounter(string, float64, metrics.Labels)       {}
func (b *fakeMetricsBackend) ObserveHistogram(string, float64, metrics.Labels) {}
func (b *fakeMetricsBackend) Flush() error                                     { return nil }

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "missing_config_flag", args: []string{}, wantStderrSub: "usage: etl -config"},
		{name: "empty_config_value", args: []string{"-config", "   "}, wantStderrSub: "usage: etl -config"},
		{name: "unknown_flag_is_usage_error", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			// Each seam fatals if called: usage failures short-circuit before
			// any side effect.
			code := runMain(context.Background(), tc.args, &stdout, &stderr, appDeps{
				loadPipeline: func(string) (pipeline.Pipeline, error) {
					t.Fatalf("loadPipeline must not be called on usage errors")
					return pipeline.Pipeline{}, nil
				},
				newRunner: func(*slog.Logger) runner {
					t.Fatalf("newRunner must not be called on usage errors")
					return &fakeRunner{}
				},
				initMetrics: func(context.Context, string, string, string) (func(), error) {
					t.Fatalf("initMetrics must not be called on usage errors")
					return func() {}, nil
				},
			})

			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_LoadMetricsRun(t *testing.T) {
	t.Parallel()

	// Error precedence is load -> initMetrics -> run, and cleanup runs exactly
	// once whenever initMetrics succeeded.
	tests := []struct {
		name             string
		loadErr          error
		initMetricsErr   error
		runErr           error
		wantCode         int
		wantStderrSub    string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "load_error", loadErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "load config:"},
		{name: "init_metrics_error", initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{name: "runner_error_runs_cleanup", runErr: errors.New("db failed"), wantCode: 1, wantStderrSub: "run:", wantRunnerCalls: 1, wantCleanupCalls: 1},
		{name: "success", wantCode: 0, wantRunnerCalls: 1, wantCleanupCalls: 1},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{err: tc.runErr}
			var cleanupCalls atomic.Int64

			deps := appDeps{
				loadPipeline: func(path string) (pipeline.Pipeline, error) {
					if path != "cfg.json" {
						t.Fatalf("loadPipeline path=%q, want %q", path, "cfg.json")
					}
					if tc.loadErr != nil {
						return pipeline.Pipeline{}, tc.loadErr
					}
					return pipeline.Pipeline{Job: "job1", Dataset: "hmis"}, nil
				},
				initMetrics: func(_ context.Context, jobName, backendName, _ string) (func(), error) {
					if jobName != "job1" {
						t.Fatalf("jobName=%q, want %q", jobName, "job1")
					}
					if backendName != "none" {
						t.Fatalf("backendName=%q, want none", backendName)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(*slog.Logger) runner { return fr },
			}

			code := runMain(context.Background(),
				[]string{"-config", "cfg.json", "-metrics-backend", "none"},
				&stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if tc.wantCode == 0 {
				var got Summary
				if err := json.Unmarshal(stdout.Bytes(), &got); err != nil {
					t.Fatalf("stdout is not a summary: %v (%q)", err, stdout.String())
				}
				if got.Job != "job1" || got.Staging.RawRows != 3 {
					t.Fatalf("summary=%+v", got)
				}
			} else if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_ValidateOnly(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "cfg.json", "-validate"}, &stdout, &stderr, appDeps{
		loadPipeline: func(string) (pipeline.Pipeline, error) { return pipeline.Pipeline{Job: "j"}, nil },
		newRunner: func(*slog.Logger) runner {
			t.Fatalf("newRunner must not be called with -validate")
			return nil
		},
		initMetrics: func(context.Context, string, string, string) (func(), error) {
			t.Fatalf("initMetrics must not be called with -validate")
			return nil, nil
		},
	})
	if code != 0 {
		t.Fatalf("exit code=%d, stderr=%q", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("stdout=%q", stdout.String())
	}
}

func TestInitMetrics_None_DoesNotMutateGlobalState(t *testing.T) {
	oldSet := setMetricsBackend
	defer func() { setMetricsBackend = oldSet }()
	setMetricsBackend = func(metrics.Backend) {
		t.Fatalf("setMetricsBackend must not be called for none")
	}

	for _, name := range []string{"", "none", "noop"} {
		cleanup, err := initMetrics(context.Background(), "job", name, "")
		if err != nil {
			t.Fatalf("initMetrics(%q) err=%v", name, err)
		}
		if cleanup == nil {
			t.Fatalf("cleanup=nil, want non-nil")
		}
		cleanup()
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	b := &fakeMetricsBackend{}
	var (
		newCalls, setCalls atomic.Int64
		gotOpts            datadog.Options
	)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		gotOpts = opts
		return b, nil
	}
	setMetricsBackend = func(metrics.Backend) { setCalls.Add(1) }
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "jobA", "datadog", "")
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	if gotOpts.JobName != "jobA" {
		t.Fatalf("JobName=%q, want jobA", gotOpts.JobName)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d, want 1 and 1", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	defer func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	}()
	newDatadogBackend = func(context.Context, datadog.Options) (metricsBackend, error) { return b, nil }
	setMetricsBackend = func(metrics.Backend) {}
	var logged bytes.Buffer
	logPrintf = func(format string, v ...any) { fmt.Fprintf(&logged, format, v...) }

	cleanup, err := initMetrics(context.Background(), "job", "dd", "")
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error") || !strings.Contains(logged.String(), "flush failed") {
		t.Fatalf("log=%q, want close error with cause", logged.String())
	}
}

func TestInitMetrics_Pushgateway_DefaultsURL(t *testing.T) {
	oldNew, oldSet := newPushBackend, setMetricsBackend
	defer func() { newPushBackend, setMetricsBackend = oldNew, oldSet }()

	var gotOpts prompush.Options
	newPushBackend = func(opts prompush.Options) (metrics.Backend, error) {
		gotOpts = opts
		return &fakeMetricsBackend{}, nil
	}
	setMetricsBackend = func(metrics.Backend) {}

	cleanup, err := initMetrics(context.Background(), "", "pushgateway", "")
	if err != nil {
		t.Fatalf("initMetrics err=%v", err)
	}
	cleanup()
	if gotOpts.URL != "http://localhost:9091" || gotOpts.Job != "healthetl" {
		t.Fatalf("options=%+v", gotOpts)
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	t.Parallel()

	cleanup, err := initMetrics(context.Background(), "job", "nope", "")
	if err == nil {
		t.Fatalf("initMetrics err=nil, want error")
	}
	if cleanup == nil {
		t.Fatalf("cleanup=nil, want non-nil")
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") {
		t.Fatalf("err=%q", err.Error())
	}
}

func TestStoreRunner_SQLite(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "upload.csv")
	body := "orgunit,dataelement,period,value\nF1,anc1,202301,4\nF1,anc1,202301,\n"
	if err := os.WriteFile(csvPath, []byte(body), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}

	p := pipeline.Pipeline{
		Job:     "local",
		Dataset: "hmis",
		Source:  pipeline.Source{Kind: "file", File: &pipeline.FileSource{Path: csvPath}},
		Mapping: map[string]string{
			dataset.FieldFacilityID:     "orgunit",
			dataset.FieldIndicatorRawID: "dataelement",
			dataset.FieldPeriodID:       "period",
			dataset.FieldCount:          "value",
		},
		Storage: pipeline.Storage{Kind: "sqlite", DB: pipeline.DB{DSN: filepath.Join(dir, "etl.db")}},
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	r := &storeRunner{logger: slog.New(slog.DiscardHandler)}
	got, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got.Staging.RawRows != 2 || got.Staging.ValidRows != 1 {
		t.Fatalf("staging=%+v, want 2 raw and 1 valid", got.Staging)
	}
	// The facility is not in the master table, so nothing survives.
	if got.Staging.FinalRows != 0 {
		t.Fatalf("final rows=%d, want 0", got.Staging.FinalRows)
	}
	if got.Version != nil {
		t.Fatalf("version=%+v, want nil without runtime.integrate", got.Version)
	}
}
