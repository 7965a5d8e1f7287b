// Package attempt drives the upload-attempt state machine: configuring the
// source step by step, starting and terminating staging and integration
// runs, and recovering runs lost to a restart.
package attempt

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"healthetl/internal/dataset"
	"healthetl/internal/dhis2"
	"healthetl/internal/parser/csv"
	"healthetl/internal/pipeline"
	"healthetl/internal/storage"
	"healthetl/internal/worker"
)

// Run names, also used as metric step names.
const (
	RunStaging     = "staging"
	RunIntegration = "integration"
)

const (
	msgInterrupted = "interrupted by restart"
	msgTerminated  = "terminated by user"
)

// Fetcher pulls remote data as an HMIS CSV.
type Fetcher interface {
	FetchAnalytics(ctx context.Context, sel dataset.DHIS2Selection, w io.Writer) (int64, error)
}

// Repository is the storage the service needs.
type Repository interface {
	storage.AttemptRepository
	storage.DatasetRepository
}

type Service struct {
	repo       Repository
	sup        *worker.Supervisor
	stager     *pipeline.Stager
	integrator *pipeline.Integrator
	log        *slog.Logger

	// UploadDir holds uploaded files and remote extracts.
	UploadDir string
	// Reader configures CSV reading for staging runs.
	Reader csv.Options
	// NewFetcher builds the client for an external source. Nil disables
	// external sources.
	NewFetcher func(api dataset.ExternalAPI) (Fetcher, error)

	Now   func() time.Time
	NewID func() string
}

// NewService wires the service to a supervisor whose hooks persist worker
// progress and failures through repo.
func NewService(ctx context.Context, repo Repository, stager *pipeline.Stager, integrator *pipeline.Integrator, log *slog.Logger) *Service {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	s := &Service{
		repo:       repo,
		stager:     stager,
		integrator: integrator,
		log:        log,
		UploadDir:  os.TempDir(),
		Now:        time.Now,
		NewID:      uuid.NewString,
	}
	s.sup = worker.New(ctx, log, worker.Hooks{
		OnProgress: s.onProgress,
		OnFailure:  s.onFailure,
	})
	return s
}

// Supervisor exposes the run supervisor, mainly for shutdown and tests.
func (s *Service) Supervisor() *worker.Supervisor { return s.sup }

func (s *Service) Get(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	return s.repo.GetAttempt(ctx, t)
}

// Create starts a fresh attempt at step 0. Fails with ErrAttemptExists when
// the type already has one.
func (s *Service) Create(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	a := dataset.NewUploadAttempt(s.NewID(), t, s.Now().UTC())
	if err := s.repo.InsertAttempt(ctx, a); err != nil {
		return dataset.UploadAttempt{}, err
	}
	s.log.InfoContext(ctx, "upload attempt created", slog.String("dataset", string(t)), slog.String("attempt", a.ID))
	return a, nil
}

// Delete removes the attempt, its uploaded file and any staging table.
// Rejected while a run is active.
func (s *Service) Delete(ctx context.Context, t dataset.Type) error {
	lock, err := s.sup.TryClaim(t)
	if err != nil {
		return err
	}
	defer lock.Release()

	a, err := s.repo.GetAttempt(ctx, t)
	if err != nil {
		return err
	}
	if a.StatusType.Running() {
		return errors.Wrapf(dataset.ErrRunActive, "attempt is %s", a.StatusType)
	}
	if err := s.repo.DeleteAttempt(ctx, t); err != nil {
		return err
	}
	s.cleanup(ctx, a, true)
	return nil
}

func (s *Service) SelectSource(ctx context.Context, t dataset.Type, src dataset.SourceType) (dataset.UploadAttempt, error) {
	if src == dataset.SourceExternalAPI && t != dataset.HMIS {
		return dataset.UploadAttempt{}, errors.Wrapf(dataset.ErrBadParameter, "external sources only provide %s data", dataset.HMIS)
	}
	var prev string
	a, err := s.mutate(ctx, t, func(a *dataset.UploadAttempt) error {
		prev = uploadedFile(*a)
		a.SelectSource(src)
		return nil
	})
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	s.removeFile(ctx, prev)
	return a, nil
}

func (s *Service) SetStep1(ctx context.Context, t dataset.Type, r dataset.Step1Result) (dataset.UploadAttempt, error) {
	return s.mutate(ctx, t, func(a *dataset.UploadAttempt) error {
		return a.SetStep1(r)
	})
}

// SaveUpload stores an uploaded CSV under UploadDir, reads its header and
// records it as step 1. The file is written under the type's lock with a
// fresh name, so a running job's input is never touched. The previous upload
// is removed once the new one is recorded.
func (s *Service) SaveUpload(ctx context.Context, t dataset.Type, fileName string, body io.Reader) (dataset.UploadAttempt, error) {
	lock, a, err := s.claimIdle(ctx, t)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	defer lock.Release()
	if a.SourceType != dataset.SourceCSV {
		return dataset.UploadAttempt{}, errors.Wrap(dataset.ErrStepOrder, "select the csv source type first")
	}
	prev := uploadedFile(a)

	path, size, err := createUpload(s.UploadDir, a.ID+"-*-"+sanitize(fileName), body)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	recorded := false
	defer func() {
		if !recorded {
			_ = os.Remove(path)
		}
	}()

	header, err := csv.ReadHeader(path, s.Reader)
	if err != nil {
		return dataset.UploadAttempt{}, errors.Wrap(dataset.ErrBadParameter, err.Error())
	}
	err = a.SetStep1(dataset.Step1Result{CSV: &dataset.CSVFile{
		FilePath: path,
		FileName: fileName,
		Size:     size,
		Headers:  header,
		Encoding: s.Reader.Encoding,
	}})
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	if err := s.repo.UpdateAttempt(ctx, a); err != nil {
		return dataset.UploadAttempt{}, err
	}
	recorded = true
	if prev != path {
		s.removeFile(ctx, prev)
	}
	return a, nil
}

func (s *Service) SetStep2(ctx context.Context, t dataset.Type, r dataset.Step2Result) (dataset.UploadAttempt, error) {
	return s.mutate(ctx, t, func(a *dataset.UploadAttempt) error {
		if r.Mapping != nil && a.Step1 != nil && a.Step1.CSV != nil {
			if err := checkMapping(t, a.Step1.CSV.Headers, r.Mapping); err != nil {
				return err
			}
		}
		return a.SetStep2(r)
	})
}

// mutate applies fn to the stored attempt while holding the type's lock, so
// configuration cannot race a run.
func (s *Service) mutate(ctx context.Context, t dataset.Type, fn func(a *dataset.UploadAttempt) error) (dataset.UploadAttempt, error) {
	lock, a, err := s.claimIdle(ctx, t)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	defer lock.Release()

	if err := fn(&a); err != nil {
		return dataset.UploadAttempt{}, err
	}
	if err := s.repo.UpdateAttempt(ctx, a); err != nil {
		return dataset.UploadAttempt{}, err
	}
	return a, nil
}

// claimIdle takes the type's lock and loads its attempt, failing with
// ErrRunActive while a run holds either. The caller releases the lock.
func (s *Service) claimIdle(ctx context.Context, t dataset.Type) (*worker.Lock, dataset.UploadAttempt, error) {
	lock, err := s.sup.TryClaim(t)
	if err != nil {
		return nil, dataset.UploadAttempt{}, err
	}
	a, err := s.repo.GetAttempt(ctx, t)
	if err == nil && a.StatusType.Running() {
		err = errors.Wrapf(dataset.ErrRunActive, "attempt is %s", a.StatusType)
	}
	if err != nil {
		lock.Release()
		return nil, dataset.UploadAttempt{}, err
	}
	return lock, a, nil
}

// StartStaging claims the type and spawns a staging run.
func (s *Service) StartStaging(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	return s.start(ctx, t, RunStaging, dataset.Staging(0, "Starting"),
		[]dataset.StatusType{dataset.StatusConfiguring, dataset.StatusStaged, dataset.StatusError},
		dataset.UploadAttempt.ReadyForStaging, s.stagingTask)
}

// StartIntegration claims the type and spawns an integration run.
func (s *Service) StartIntegration(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	return s.start(ctx, t, RunIntegration, dataset.Integrating(0, "Starting"),
		[]dataset.StatusType{dataset.StatusStaged, dataset.StatusError},
		dataset.UploadAttempt.ReadyForIntegration, s.integrationTask)
}

// start claims the in-memory lock, then the persisted status. When either
// claim fails nothing is changed.
func (s *Service) start(
	ctx context.Context,
	t dataset.Type,
	name string,
	status dataset.Status,
	allowed []dataset.StatusType,
	ready func(dataset.UploadAttempt) error,
	task worker.Task,
) (dataset.UploadAttempt, error) {
	lock, err := s.sup.TryClaim(t)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	spawned := false
	defer func() {
		if !spawned {
			lock.Release()
		}
	}()

	a, err := s.repo.GetAttempt(ctx, t)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	if err := ready(a); err != nil {
		return dataset.UploadAttempt{}, err
	}
	ok, err := s.repo.ClaimAttempt(ctx, t, status, allowed)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	if !ok {
		return dataset.UploadAttempt{}, dataset.ErrRunActive
	}
	a.SetStatus(status)

	if err := s.sup.Spawn(lock, name, task, a); err != nil {
		if serr := s.repo.SetAttemptStatus(context.WithoutCancel(ctx), t, dataset.Failed(err.Error())); serr != nil {
			s.log.ErrorContext(ctx, "record spawn failure", slog.Any("error", serr))
		}
		return dataset.UploadAttempt{}, err
	}
	spawned = true
	s.log.InfoContext(ctx, "run started", slog.String("dataset", string(t)), slog.String("run", name), slog.String("attempt", a.ID))
	return a, nil
}

func (s *Service) stagingTask(ctx context.Context, a dataset.UploadAttempt, progress func(float64, string)) (worker.Finalize, error) {
	in := pipeline.StageInput{
		Type:       a.DatasetType,
		SourceType: a.SourceType,
		Reader:     s.Reader,
	}
	switch a.SourceType {
	case dataset.SourceCSV:
		in.Path = a.Step1.CSV.FilePath
		in.Mapping = a.Step2.Mapping
		in.Reader.Encoding = a.Step1.CSV.Encoding
	case dataset.SourceExternalAPI:
		path, err := s.fetch(ctx, a)
		if err != nil {
			return nil, err
		}
		defer os.Remove(path)
		in.Path = path
		in.Mapping = dhis2.Mapping()
		in.Reader.Encoding = ""
	default:
		return nil, errors.Wrapf(dataset.ErrBadParameter, "unknown source type %q", a.SourceType)
	}

	res, err := s.stager.Run(ctx, in, progress)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		cur, err := s.repo.GetAttempt(ctx, a.DatasetType)
		if err != nil {
			return err
		}
		if err := cur.SetStep3(res); err != nil {
			return err
		}
		return s.repo.UpdateAttempt(ctx, cur)
	}, nil
}

// fetch writes the remote selection to a CSV under UploadDir.
func (s *Service) fetch(ctx context.Context, a dataset.UploadAttempt) (string, error) {
	if s.NewFetcher == nil {
		return "", errors.Wrap(dataset.ErrBadParameter, "external sources are not configured")
	}
	if a.Step1.API == nil || a.Step2.Selection == nil {
		return "", errors.Wrap(dataset.ErrStepOrder, "external source is not configured")
	}
	f, err := s.NewFetcher(*a.Step1.API)
	if err != nil {
		return "", err
	}
	out, err := os.CreateTemp(s.UploadDir, a.ID+"-dhis2-*.csv")
	if err != nil {
		return "", errors.Wrap(err, "create extract file")
	}
	defer out.Close()

	started := time.Now()
	rows, err := f.FetchAnalytics(ctx, *a.Step2.Selection, out)
	if err == nil {
		err = out.Close()
	}
	if err != nil {
		_ = os.Remove(out.Name())
		return "", errors.Wrap(err, "fetch external data")
	}
	s.log.InfoContext(ctx, "external data fetched",
		slog.String("dataset", string(a.DatasetType)),
		slog.Int64("rows", rows),
		slog.Duration("duration", time.Since(started)))
	return out.Name(), nil
}

func (s *Service) integrationTask(ctx context.Context, a dataset.UploadAttempt, progress func(float64, string)) (worker.Finalize, error) {
	v, err := s.integrator.Run(ctx, a.DatasetType, a.Step3, progress)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		log := s.log.With(slog.String("dataset", string(a.DatasetType)), slog.Int64("version", v.ID))
		log.InfoContext(ctx, "dataset integrated", slog.Int64("inserted", v.Inserted), slog.Int64("updated", v.Updated))

		// The data is in; anything below is cleanup and only logged.
		if a.DatasetType == dataset.HMIS {
			if err := s.repo.DeleteAttempt(ctx, a.DatasetType); err != nil {
				log.WarnContext(ctx, "delete integrated attempt", slog.Any("error", err))
			}
			s.cleanup(ctx, a, false)
			return nil
		}
		cur, err := s.repo.GetAttempt(ctx, a.DatasetType)
		if err != nil {
			log.WarnContext(ctx, "reset integrated attempt", slog.Any("error", err))
			return nil
		}
		cur.Complete(v.ID)
		if err := s.repo.UpdateAttempt(ctx, cur); err != nil {
			log.WarnContext(ctx, "reset integrated attempt", slog.Any("error", err))
		}
		s.cleanup(ctx, a, false)
		return nil
	}, nil
}

// Terminate cancels the live run for t. The run records its own failure.
func (s *Service) Terminate(ctx context.Context, t dataset.Type) error {
	if !s.sup.Terminate(t) {
		return errors.Wrapf(dataset.ErrBadParameter, "no %s run is active", t)
	}
	s.log.InfoContext(ctx, "run terminated", slog.String("dataset", string(t)))
	return nil
}

// RecoverInterrupted marks attempts left in a running status with no live
// worker as failed. It is called once at startup and returns the number of
// attempts recovered.
func (s *Service) RecoverInterrupted(ctx context.Context) (int, error) {
	attempts, err := s.repo.ListAttempts(ctx, dataset.StatusStaging, dataset.StatusIntegrating)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, a := range attempts {
		if s.sup.Busy(a.DatasetType) {
			continue
		}
		if err := s.fail(ctx, a, a.StatusType == dataset.StatusStaging, msgInterrupted); err != nil {
			return n, err
		}
		s.log.WarnContext(ctx, "recovered interrupted run",
			slog.String("dataset", string(a.DatasetType)),
			slog.String("status", string(a.StatusType)))
		n++
	}
	return n, nil
}

// DeleteWindow removes the HMIS facts with a period in [from, to] as one new
// version.
func (s *Service) DeleteWindow(ctx context.Context, from, to int64) (dataset.Version, error) {
	lock, err := s.sup.TryClaim(dataset.HMIS)
	if err != nil {
		return dataset.Version{}, err
	}
	defer lock.Release()

	v, err := s.repo.DeleteWindow(ctx, storage.MustSpec(dataset.HMIS), from, to, s.Now().UTC())
	if err != nil {
		return dataset.Version{}, err
	}
	s.log.InfoContext(ctx, "window deleted",
		slog.Int64("from", from), slog.Int64("to", to),
		slog.Int64("version", v.ID), slog.Int64("deleted", v.Deleted))
	return v, nil
}

func (s *Service) CurrentVersion(ctx context.Context, t dataset.Type) (dataset.Version, error) {
	spec, err := storage.SpecFor(t)
	if err != nil {
		return dataset.Version{}, err
	}
	return s.repo.CurrentVersion(ctx, spec)
}

func (s *Service) Versions(ctx context.Context, t dataset.Type) ([]dataset.Version, error) {
	spec, err := storage.SpecFor(t)
	if err != nil {
		return nil, err
	}
	return s.repo.ListVersions(ctx, spec)
}

func (s *Service) onProgress(ctx context.Context, t dataset.Type, run string, fraction float64, message string) {
	status := dataset.Staging(fraction, message)
	if run == RunIntegration {
		status = dataset.Integrating(fraction, message)
	}
	if err := s.repo.SetAttemptStatus(ctx, t, status); err != nil {
		s.log.WarnContext(ctx, "persist progress", slog.String("dataset", string(t)), slog.Any("error", err))
	}
}

func (s *Service) onFailure(ctx context.Context, t dataset.Type, run string, runErr error) {
	a, err := s.repo.GetAttempt(ctx, t)
	if err != nil {
		s.log.ErrorContext(ctx, "load attempt after failure", slog.String("dataset", string(t)), slog.Any("error", err))
		return
	}
	// A staging table that no longer matches step 3 cannot be integrated.
	restage := run == RunStaging || errors.Is(runErr, dataset.ErrStagingLost)
	msg := runErr.Error()
	if errors.Is(runErr, context.Canceled) {
		msg = msgTerminated
	}
	if err := s.fail(ctx, a, restage, msg); err != nil {
		s.log.ErrorContext(ctx, "persist failure", slog.String("dataset", string(t)), slog.Any("error", err))
	}
}

// fail records an error status. With restage set the staging table is
// dropped and the step 3 result cleared, so the attempt has to be staged
// again before it can be integrated.
func (s *Service) fail(ctx context.Context, a dataset.UploadAttempt, restage bool, msg string) error {
	if restage {
		if a.Step3 != nil {
			a.Step3 = nil
			a.Step = 2
		}
		if spec, err := storage.SpecFor(a.DatasetType); err == nil {
			if err := s.repo.DropStaging(ctx, spec); err != nil {
				s.log.WarnContext(ctx, "drop staging table", slog.Any("error", err))
			}
		}
	}
	a.SetStatus(dataset.Failed(msg))
	return s.repo.UpdateAttempt(ctx, a)
}

// cleanup removes files owned by a finished attempt, and its staging table
// when dropStaging is set. Failures are only logged.
func (s *Service) cleanup(ctx context.Context, a dataset.UploadAttempt, dropStaging bool) {
	s.removeFile(ctx, uploadedFile(a))
	if !dropStaging {
		return
	}
	if spec, err := storage.SpecFor(a.DatasetType); err == nil {
		if err := s.repo.DropStaging(ctx, spec); err != nil {
			s.log.WarnContext(ctx, "drop staging table", slog.Any("error", err))
		}
	}
}

// checkMapping rejects mappings that name columns missing from the header.
func checkMapping(t dataset.Type, header []string, mapping map[string]string) error {
	have := make(map[string]bool, len(header))
	for _, h := range header {
		have[h] = true
	}
	var bad []string
	for _, f := range dataset.RequiredFields(t) {
		col := mapping[f]
		if col == "" || !have[col] {
			bad = append(bad, f)
		}
	}
	if len(bad) > 0 {
		return errors.Wrapf(dataset.ErrBadParameter, "mapping does not resolve %s", strings.Join(bad, ", "))
	}
	return nil
}

func sanitize(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) || name == "" {
		return "upload.csv"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// uploadedFile is the path of the attempt's uploaded CSV, if any.
func uploadedFile(a dataset.UploadAttempt) string {
	if a.Step1 == nil || a.Step1.CSV == nil {
		return ""
	}
	return a.Step1.CSV.FilePath
}

func (s *Service) removeFile(ctx context.Context, path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.log.WarnContext(ctx, "remove uploaded file", slog.String("path", path), slog.Any("error", err))
	}
}

// createUpload writes body to a new file in dir named after pattern, as in
// os.CreateTemp.
func createUpload(dir, pattern string, body io.Reader) (string, int64, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return "", 0, errors.Wrap(err, "create upload file")
	}
	n, err := io.Copy(f, body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(f.Name())
		return "", 0, errors.Wrap(err, "write upload file")
	}
	return f.Name(), n, nil
}
