package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/parser/csv"
	"healthetl/internal/storage"
	_ "healthetl/internal/storage/sqlite"
)

var hmisMapping = map[string]string{
	dataset.FieldFacilityID:     "orgunit",
	dataset.FieldIndicatorRawID: "dataelement",
	dataset.FieldPeriodID:       "period",
	dataset.FieldCount:          "value",
}

func openRepo(t *testing.T) storage.Repository {
	t.Helper()
	ctx := context.Background()
	repo, err := storage.Open(ctx, storage.Config{Kind: "sqlite", DSN: filepath.Join(t.TempDir(), "etl.db")})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(repo.Close)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return repo
}

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "upload.csv")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("write csv: %v", err)
	}
	return path
}

type progressLog struct {
	fractions []float64
	messages  []string
}

func (p *progressLog) report(f float64, msg string) {
	p.fractions = append(p.fractions, f)
	p.messages = append(p.messages, msg)
}

func (p *progressLog) assertMonotonic(t *testing.T) {
	t.Helper()
	if len(p.fractions) == 0 {
		t.Fatalf("no progress reported")
	}
	for i := 1; i < len(p.fractions); i++ {
		if p.fractions[i] < p.fractions[i-1] {
			t.Fatalf("progress went backwards at %d: %v", i, p.fractions)
		}
	}
	if last := p.fractions[len(p.fractions)-1]; last != 1 {
		t.Fatalf("final progress = %v, want 1", last)
	}
}

func TestStageAndIntegrate_HMIS(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	spec := storage.MustSpec(dataset.HMIS)
	if err := repo.AddFacilities(ctx, "F1", "F2"); err != nil {
		t.Fatalf("AddFacilities: %v", err)
	}
	if err := repo.AddIndicators(ctx, spec, "anc1", "anc2"); err != nil {
		t.Fatalf("AddIndicators: %v", err)
	}

	path := writeCSV(t,
		"orgunit,dataelement,period,value",
		"F1,anc1,202301,4",
		"F1,anc1,202301,9",
		"F2,anc2,202301,3",
		"F9,anc1,202301,5",
		"F1,zzz,202302,1",
		"F1,anc1,199912,1",
		"F2,anc1,202301,",
		"F2,anc1,202302,-1",
	)

	stager := &Stager{Repo: repo, BatchSize: 2}
	var prog progressLog
	res, err := stager.Run(ctx, StageInput{
		Type:       dataset.HMIS,
		SourceType: dataset.SourceCSV,
		Path:       path,
		Mapping:    hmisMapping,
	}, prog.report)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	prog.assertMonotonic(t)

	if res.RawRows != 8 || res.ValidRows != 5 {
		t.Fatalf("raw/valid = %d/%d, want 8/5", res.RawRows, res.ValidRows)
	}
	var invalid int64
	for _, n := range res.InvalidRows {
		invalid += n
	}
	if res.RawRows != res.ValidRows+invalid {
		t.Fatalf("raw rows %d != valid %d + invalid %d", res.RawRows, res.ValidRows, invalid)
	}
	for reason, want := range map[string]int64{"missing_field": 1, "bad_period": 1, "bad_count": 1} {
		if res.InvalidRows[reason] != want {
			t.Fatalf("invalid[%s] = %d, want %d", reason, res.InvalidRows[reason], want)
		}
	}
	if res.StagedValues != 5 || res.DuplicatesRemoved != 1 || res.DedupedRows != 4 {
		t.Fatalf("staged/removed/deduped = %d/%d/%d, want 5/1/4", res.StagedValues, res.DuplicatesRemoved, res.DedupedRows)
	}
	if res.InvalidFacilities.Total != 1 || res.InvalidFacilities.RowsDropped != 1 ||
		len(res.InvalidFacilities.Sample) != 1 || res.InvalidFacilities.Sample[0].Key != "F9" {
		t.Fatalf("unexpected facility check: %+v", res.InvalidFacilities)
	}
	if res.UnmappedIndicators.Total != 1 || res.UnmappedIndicators.RowsDropped != 1 {
		t.Fatalf("unexpected indicator check: %+v", res.UnmappedIndicators)
	}
	if res.FinalRows != 2 {
		t.Fatalf("final rows = %d, want 2", res.FinalRows)
	}

	integrator := &Integrator{Repo: repo}
	v1, err := integrator.Run(ctx, dataset.HMIS, &res, nil)
	if err != nil {
		t.Fatalf("integrate v1: %v", err)
	}
	if v1.ID != 1 || v1.Inserted != 2 || v1.Updated != 0 {
		t.Fatalf("unexpected v1: %+v", v1)
	}
	if _, err := repo.CountStaging(ctx, spec); err == nil {
		t.Fatalf("expected staging table to be dropped after integration")
	}

	// A second upload updates one key and adds another.
	path = writeCSV(t,
		"orgunit,dataelement,period,value",
		"F1,anc1,202301,10",
		"F2,anc2,202302,7",
	)
	res, err = stager.Run(ctx, StageInput{Type: dataset.HMIS, SourceType: dataset.SourceCSV, Path: path, Mapping: hmisMapping}, nil)
	if err != nil {
		t.Fatalf("stage v2: %v", err)
	}
	prog = progressLog{}
	v2, err := integrator.Run(ctx, dataset.HMIS, &res, prog.report)
	if err != nil {
		t.Fatalf("integrate v2: %v", err)
	}
	prog.assertMonotonic(t)
	if v2.ID != 2 || v2.Inserted != 1 || v2.Updated != 1 {
		t.Fatalf("unexpected v2: %+v", v2)
	}
	rows, _, err := repo.FactChecksum(ctx, spec)
	if err != nil {
		t.Fatalf("FactChecksum: %v", err)
	}
	if rows != 3 {
		t.Fatalf("fact rows = %d, want 3", rows)
	}
}

func TestStage_HFAWide(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	spec := storage.MustSpec(dataset.HFA)
	if err := repo.AddFacilities(ctx, "F1", "F2"); err != nil {
		t.Fatalf("AddFacilities: %v", err)
	}
	if err := repo.AddIndicators(ctx, spec, "q1", "q2"); err != nil {
		t.Fatalf("AddIndicators: %v", err)
	}

	// The short second row is padded under the lenient default for HFA.
	path := writeCSV(t,
		"facility,tp,q1,q2,q3",
		"F1,T1,a,,c",
		"F1,T1,x",
		"F2,T1,,y,",
	)
	res, err := (&Stager{Repo: repo}).Run(ctx, StageInput{
		Type:    dataset.HFA,
		Path:    path,
		Mapping: map[string]string{dataset.FieldFacilityID: "facility", dataset.FieldTimePoint: "tp"},
	}, nil)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	if res.RawRows != 3 || res.ValidRows != 3 || res.StagedValues != 4 {
		t.Fatalf("raw/valid/staged = %d/%d/%d, want 3/3/4", res.RawRows, res.ValidRows, res.StagedValues)
	}
	if res.DuplicatesRemoved != 1 {
		t.Fatalf("duplicates removed = %d, want 1", res.DuplicatesRemoved)
	}
	if res.UnmappedIndicators.Total != 1 || res.UnmappedIndicators.Sample[0].Key != "q3" {
		t.Fatalf("unexpected indicator check: %+v", res.UnmappedIndicators)
	}
	if res.FinalRows != 2 {
		t.Fatalf("final rows = %d, want 2", res.FinalRows)
	}
	if n, err := repo.CountStaging(ctx, spec); err != nil || n != 2 {
		t.Fatalf("CountStaging = %d, %v; want 2", n, err)
	}
}

func TestStage_FailureDropsStaging(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	spec := storage.MustSpec(dataset.HMIS)

	path := writeCSV(t,
		"orgunit,dataelement,period,value",
		"F1,anc1,202301,4",
		"F1,anc1,202301,4,extra",
	)
	_, err := (&Stager{Repo: repo}).Run(ctx, StageInput{
		Type:    dataset.HMIS,
		Path:    path,
		Mapping: hmisMapping,
		Reader:  csv.Options{ColumnPolicy: csv.Strict},
	}, nil)
	var rowErr *csv.RowError
	if !errors.As(err, &rowErr) {
		t.Fatalf("expected *csv.RowError, got %v", err)
	}
	if _, err := repo.CountStaging(ctx, spec); err == nil {
		t.Fatalf("expected staging table to be dropped after a failed run")
	}
}

func TestStage_BadMapping(t *testing.T) {
	repo := openRepo(t)
	path := writeCSV(t, "orgunit,dataelement,period,value", "F1,anc1,202301,4")
	_, err := (&Stager{Repo: repo}).Run(context.Background(), StageInput{
		Type:    dataset.HMIS,
		Path:    path,
		Mapping: map[string]string{dataset.FieldFacilityID: "orgunit"},
	}, nil)
	if !errors.Is(err, dataset.ErrBadParameter) {
		t.Fatalf("expected ErrBadParameter, got %v", err)
	}
}

func TestIntegrate_MissingFacilities(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	spec := storage.MustSpec(dataset.HMIS)
	if err := repo.AddFacilities(ctx, "F1", "F2"); err != nil {
		t.Fatalf("AddFacilities: %v", err)
	}
	if err := repo.AddIndicators(ctx, spec, "anc1"); err != nil {
		t.Fatalf("AddIndicators: %v", err)
	}
	path := writeCSV(t,
		"orgunit,dataelement,period,value",
		"F1,anc1,202301,4",
		"F2,anc1,202301,5",
	)
	res, err := (&Stager{Repo: repo}).Run(ctx, StageInput{Type: dataset.HMIS, Path: path, Mapping: hmisMapping}, nil)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	// F2 disappears between staging and integration.
	if err := repo.RemoveFacilities(ctx, "F2"); err != nil {
		t.Fatalf("RemoveFacilities: %v", err)
	}
	integrator := &Integrator{Repo: repo}
	_, err = integrator.Run(ctx, dataset.HMIS, &res, nil)
	var missing *dataset.MissingFacilitiesError
	if !errors.As(err, &missing) || len(missing.FacilityIDs) != 1 || missing.FacilityIDs[0] != "F2" {
		t.Fatalf("expected missing facility F2, got %v", err)
	}
	if !errors.Is(err, dataset.ErrMissingFacilities) {
		t.Fatalf("expected ErrMissingFacilities, got %v", err)
	}
	versions, err := repo.ListVersions(ctx, spec)
	if err != nil {
		t.Fatalf("ListVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Fatalf("expected no versions, got %d", len(versions))
	}
	if n, err := repo.CountStaging(ctx, spec); err != nil || n != 2 {
		t.Fatalf("expected staging kept with 2 rows, got %d, %v", n, err)
	}

	// Restoring the facility makes the same staged data integrable.
	if err := repo.AddFacilities(ctx, "F2"); err != nil {
		t.Fatalf("AddFacilities: %v", err)
	}
	v, err := integrator.Run(ctx, dataset.HMIS, &res, nil)
	if err != nil {
		t.Fatalf("retry integrate: %v", err)
	}
	if v.ID != 1 || v.Inserted != 2 {
		t.Fatalf("unexpected version: %+v", v)
	}
}

func TestIntegrate_RefusesLostStaging(t *testing.T) {
	ctx := context.Background()
	repo := openRepo(t)
	spec := storage.MustSpec(dataset.HMIS)
	if err := repo.AddFacilities(ctx, "F1", "F2"); err != nil {
		t.Fatalf("AddFacilities: %v", err)
	}
	if err := repo.AddIndicators(ctx, spec, "anc1"); err != nil {
		t.Fatalf("AddIndicators: %v", err)
	}
	path := writeCSV(t,
		"orgunit,dataelement,period,value",
		"F1,anc1,202301,4",
		"F2,anc1,202301,5",
	)
	res, err := (&Stager{Repo: repo}).Run(ctx, StageInput{Type: dataset.HMIS, Path: path, Mapping: hmisMapping}, nil)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	integrator := &Integrator{Repo: repo}

	// An emptied table, as left by a crash truncating unlogged tables.
	if err := repo.DropStaging(ctx, spec); err != nil {
		t.Fatalf("DropStaging: %v", err)
	}
	if err := repo.CreateStaging(ctx, spec); err != nil {
		t.Fatalf("CreateStaging: %v", err)
	}
	if _, err := integrator.Run(ctx, dataset.HMIS, &res, nil); !errors.Is(err, dataset.ErrStagingLost) {
		t.Fatalf("expected ErrStagingLost for an empty staging table, got %v", err)
	}

	if err := repo.DropStaging(ctx, spec); err != nil {
		t.Fatalf("DropStaging: %v", err)
	}
	if _, err := integrator.Run(ctx, dataset.HMIS, &res, nil); !errors.Is(err, dataset.ErrStagingLost) {
		t.Fatalf("expected ErrStagingLost for a missing staging table, got %v", err)
	}

	if _, err := integrator.Run(ctx, dataset.HMIS, nil, nil); !errors.Is(err, dataset.ErrNotStaged) {
		t.Fatalf("expected ErrNotStaged without a staging result, got %v", err)
	}
	versions, err := repo.ListVersions(ctx, spec)
	if err != nil || len(versions) != 0 {
		t.Fatalf("expected no versions, got %d, %v", len(versions), err)
	}
}

func TestReadProgress(t *testing.T) {
	tests := []struct {
		read, size int64
		want       float64
	}{
		{0, 0, 0.01},
		{0, 100, 0.01},
		{50, 100, 0.01 + 0.84*0.5},
		{100, 100, 0.85},
		{200, 100, 0.85},
	}
	for _, tt := range tests {
		if got := readProgress(tt.read, tt.size); got-tt.want > 1e-9 || tt.want-got > 1e-9 {
			t.Fatalf("readProgress(%d, %d) = %v, want %v", tt.read, tt.size, got, tt.want)
		}
	}
}

func TestReporterIsMonotonic(t *testing.T) {
	var prog progressLog
	r := reporter(prog.report)
	r(0.5, "a")
	r(0.2, "b")
	r(0.9, "c")
	if prog.fractions[1] != 0.5 || prog.fractions[2] != 0.9 {
		t.Fatalf("unexpected fractions %v", prog.fractions)
	}
	reporter(nil)(1, "ignored")
}
