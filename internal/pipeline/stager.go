// Package pipeline runs the two phases of a dataset upload: staging (read,
// validate, bulk load, dedupe, reference filters) and integration (merge the
// staging table into the fact table as one new version).
package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/logging"
	"healthetl/internal/metrics"
	"healthetl/internal/parser/csv"
	"healthetl/internal/staging"
	"healthetl/internal/storage"
	"healthetl/internal/validator"
)

// DefaultSampleSize is the number of offending keys kept per reference check.
const DefaultSampleSize = 10

// Progress receives the fraction complete of the running phase and a short
// label. Values never decrease within a phase.
type Progress func(fraction float64, message string)

// Staging progress checkpoints.
const (
	progressReadStart  = 0.01
	progressReadSpan   = 0.84
	progressDedupe     = 0.85
	progressFacilities = 0.88
	progressIndicators = 0.91
	progressFinalize   = 0.95
)

// StageInput describes one staging run.
type StageInput struct {
	Type       dataset.Type
	SourceType dataset.SourceType
	Path       string
	// Mapping goes from logical field name to file header name.
	Mapping map[string]string
	Reader  csv.Options
}

// Stager builds a dataset's staging table from a CSV file.
type Stager struct {
	Repo       storage.DatasetRepository
	Logger     *slog.Logger
	BatchSize  int
	SampleSize int

	// Now is a seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// Run drops and recreates the staging table, loads every valid value, removes
// duplicates and rows that fail the reference checks, and returns the counts
// of every stage. On failure the staging table is dropped.
func (s *Stager) Run(ctx context.Context, in StageInput, progress Progress) (res dataset.StagingResult, err error) {
	if s.Repo == nil {
		return res, errors.New("stager: Repo is required")
	}
	spec, err := storage.SpecFor(in.Type)
	if err != nil {
		return res, err
	}
	log := loggerOr(s.Logger).With(slog.String("dataset", string(in.Type)))
	report := reporter(progress)

	defer func() {
		if err == nil {
			return
		}
		if dropErr := s.Repo.DropStaging(context.WithoutCancel(ctx), spec); dropErr != nil {
			log.WarnContext(ctx, "drop staging table after failure", slog.Any("error", dropErr))
		}
	}()

	report(0, "Preparing staging table")
	opts := in.Reader
	if opts.ColumnPolicy == "" && in.Type == dataset.HFA {
		opts.ColumnPolicy = csv.AllowFewerColumns
	}
	r, err := csv.Open(in.Path, opts)
	if err != nil {
		return res, err
	}
	defer r.Close()

	v, err := validator.New(in.Type, r.Header(), in.Mapping)
	if err != nil {
		return res, err
	}

	started := time.Now()
	err = s.Repo.DropStaging(ctx, spec)
	if err == nil {
		err = s.Repo.CreateStaging(ctx, spec)
	}
	if err = finish(ctx, log, "prepare", started, err); err != nil {
		return res, err
	}

	// Read, validate and bulk load.
	started = time.Now()
	stats := validator.NewStats()
	b := staging.NewBuilder(s.Repo, spec, s.BatchSize)
	size := r.Size()
	var bytesRead int64
	b.OnFlush = func(int64) {
		report(readProgress(bytesRead, size), "Reading file")
	}
	err = r.Each(ctx, func(fields []string, _ int64, n int64) error {
		bytesRead = n
		out := v.Validate(fields)
		stats.Add(out)
		if !out.Valid {
			return nil
		}
		return b.Add(ctx, out.Values...)
	})
	if err == nil {
		err = b.Close(ctx)
	}
	stats.Emit()
	if err = finish(ctx, log, "load", started, err,
		slog.Int64("rows_read", stats.RowsRead),
		slog.Int64("rows_valid", stats.RowsValid),
		slog.Int64("rows_invalid", stats.InvalidTotal()),
		slog.Int64("staged", b.Staged()),
	); err != nil {
		return res, err
	}

	report(progressDedupe, "Removing duplicates")
	started = time.Now()
	removed, err := s.Repo.DedupeStaging(ctx, spec)
	if err = finish(ctx, log, "dedupe", started, err, slog.Int64("removed", removed)); err != nil {
		return res, err
	}

	report(progressFacilities, "Checking facilities")
	facilities, err := s.filter(ctx, log, spec, storage.CheckFacilities)
	if err != nil {
		return res, err
	}

	report(progressIndicators, "Checking indicators")
	indicators, err := s.filter(ctx, log, spec, storage.CheckIndicators)
	if err != nil {
		return res, err
	}

	report(progressFinalize, "Finalizing")
	final, err := s.Repo.CountStaging(ctx, spec)
	if err != nil {
		return res, errors.Wrap(err, "count staging rows")
	}

	res = dataset.StagingResult{
		DatasetType:        in.Type,
		SourceType:         in.SourceType,
		RawRows:            stats.RowsRead,
		ValidRows:          stats.RowsValid,
		InvalidRows:        stats.InvalidByReason(),
		StagedValues:       b.Staged(),
		DedupedRows:        b.Staged() - removed,
		DuplicatesRemoved:  removed,
		InvalidFacilities:  facilities,
		UnmappedIndicators: indicators,
		FinalRows:          final,
		DateStaged:         s.now().UTC(),
	}
	if want := res.DedupedRows - facilities.RowsDropped - indicators.RowsDropped; final != want {
		return res, errors.Newf("staging counts do not reconcile: %d rows left, expected %d", final, want)
	}
	report(1, "Staged")
	return res, nil
}

func (s *Stager) filter(ctx context.Context, log *slog.Logger, spec storage.DatasetSpec, check storage.ReferenceKind) (dataset.ReferenceResult, error) {
	sample := s.SampleSize
	if sample <= 0 {
		sample = DefaultSampleSize
	}
	started := time.Now()
	ref, err := s.Repo.FilterStaging(ctx, spec, check, sample)
	err = finish(ctx, log, "filter_"+string(check), started, err,
		slog.Int64("keys", ref.Total),
		slog.Int64("rows_dropped", ref.RowsDropped),
	)
	return ref, err
}

func (s *Stager) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func readProgress(read, size int64) float64 {
	if size <= 0 {
		return progressReadStart
	}
	f := float64(read) / float64(size)
	if f > 1 {
		f = 1
	}
	return progressReadStart + progressReadSpan*f
}

// finish records a stage's metrics and logs its completion line.
func finish(ctx context.Context, log *slog.Logger, stage string, started time.Time, err error, attrs ...slog.Attr) error {
	metrics.RecordStep(stage, err, time.Since(started))
	if err != nil {
		return errors.Wrapf(err, "stage %s", stage)
	}
	logging.Stage(ctx, log, stage, started, attrs...)
	return nil
}

// reporter keeps reported progress monotonic.
func reporter(p Progress) Progress {
	if p == nil {
		return func(float64, string) {}
	}
	last := -1.0
	return func(f float64, msg string) {
		if f < last {
			f = last
		}
		last = f
		p(f, msg)
	}
}

func loggerOr(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.New(slog.DiscardHandler)
	}
	return l
}
