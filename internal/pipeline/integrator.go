package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/metrics"
	"healthetl/internal/storage"
)

// DefaultMissingLimit caps the facility ids reported when integration is
// refused.
const DefaultMissingLimit = 20

// Integrator merges a staged dataset into its fact table.
type Integrator struct {
	Repo         storage.DatasetRepository
	Logger       *slog.Logger
	MissingLimit int

	// Now is a seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// Run checks that every staged facility still exists, integrates the staging
// table as one new version and drops the staging table.
//
// Errors:
//   - dataset.ErrStagingLost when the staging table is missing or does not
//     hold result.FinalRows rows. Nothing is written.
//   - *dataset.MissingFacilitiesError when facilities were removed since
//     staging. Nothing is written and the staging table is kept so the run can
//     be retried once the facilities are restored.
//   - Any integration error. The transaction is rolled back and the staging
//     table is kept.
func (it *Integrator) Run(ctx context.Context, t dataset.Type, result *dataset.StagingResult, progress Progress) (dataset.Version, error) {
	if it.Repo == nil {
		return dataset.Version{}, errors.New("integrator: Repo is required")
	}
	spec, err := storage.SpecFor(t)
	if err != nil {
		return dataset.Version{}, err
	}
	log := loggerOr(it.Logger).With(slog.String("dataset", string(t)))
	report := reporter(progress)

	if result == nil {
		return dataset.Version{}, dataset.ErrNotStaged
	}

	report(0, "Checking staging table")
	started := time.Now()
	staged, err := it.Repo.CountStaging(ctx, spec)
	switch {
	case errors.Is(err, storage.ErrNoStagingTable):
		err = errors.Wrap(dataset.ErrStagingLost, "staging table is missing")
	case err == nil && staged != result.FinalRows:
		err = errors.Wrapf(dataset.ErrStagingLost, "staging table holds %d rows, %d were staged", staged, result.FinalRows)
	}
	if err = finish(ctx, log, "check_staging", started, err, slog.Int64("rows", staged)); err != nil {
		return dataset.Version{}, err
	}

	report(0.05, "Checking facilities")
	limit := it.MissingLimit
	if limit <= 0 {
		limit = DefaultMissingLimit
	}
	started = time.Now()
	missing, err := it.Repo.MissingFacilities(ctx, spec, limit)
	if err = finish(ctx, log, "check_facilities", started, err, slog.Int("missing", len(missing))); err != nil {
		return dataset.Version{}, err
	}
	if len(missing) > 0 {
		return dataset.Version{}, &dataset.MissingFacilitiesError{FacilityIDs: missing}
	}

	report(0.1, "Integrating")
	started = time.Now()
	v, err := it.Repo.Integrate(ctx, spec, result, it.now().UTC())
	if err = finish(ctx, log, "integrate", started, err,
		slog.Int64("version", v.ID),
		slog.Int64("inserted", v.Inserted),
		slog.Int64("updated", v.Updated),
		slog.Int64("total_rows", v.TotalRows),
	); err != nil {
		return dataset.Version{}, err
	}
	metrics.IncCounter(metrics.IntegrationRows, float64(v.Inserted), metrics.Labels{"dataset": string(t), "op": "insert"})
	metrics.IncCounter(metrics.IntegrationRows, float64(v.Updated), metrics.Labels{"dataset": string(t), "op": "update"})

	report(0.95, "Cleaning up")
	if err := it.Repo.DropStaging(context.WithoutCancel(ctx), spec); err != nil {
		log.WarnContext(ctx, "drop staging table after integration", slog.Any("error", err))
	}
	report(1, "Integrated")
	return v, nil
}

func (it *Integrator) now() time.Time {
	if it.Now != nil {
		return it.Now()
	}
	return time.Now()
}
