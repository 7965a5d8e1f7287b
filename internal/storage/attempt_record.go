package storage

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
)

const AttemptsTable = "upload_attempts"

// AttemptColumns is the column order of AttemptRecord.Values.
var AttemptColumns = []string{
	"dataset_type", "id", "date_started", "step", "source_type",
	"step_1_result", "step_2_result", "step_3_result", "status", "status_type",
}

// AttemptRecord is the column-level form of an UploadAttempt. Step results and
// the status are stored as JSON; nil slices are NULL.
type AttemptRecord struct {
	DatasetType string
	ID          string
	DateStarted time.Time
	Step        int64
	SourceType  string
	Step1       []byte
	Step2       []byte
	Step3       []byte
	Status      []byte
	StatusType  string
}

func EncodeAttempt(a dataset.UploadAttempt) (AttemptRecord, error) {
	rec := AttemptRecord{
		DatasetType: string(a.DatasetType),
		ID:          a.ID,
		DateStarted: a.DateStarted.UTC(),
		Step:        int64(a.Step),
		SourceType:  string(a.SourceType),
		StatusType:  string(a.Status.Type),
	}
	var err error
	if a.Step1 != nil {
		if rec.Step1, err = dataset.EncodeStep1(*a.Step1); err != nil {
			return rec, err
		}
	}
	if a.Step2 != nil {
		if rec.Step2, err = dataset.EncodeStep2(*a.Step2); err != nil {
			return rec, err
		}
	}
	if a.Step3 != nil {
		if rec.Step3, err = dataset.EncodeStep3(*a.Step3); err != nil {
			return rec, err
		}
	}
	if rec.Status, err = EncodeStatus(a.Status); err != nil {
		return rec, err
	}
	return rec, nil
}

// Values returns the record in AttemptColumns order.
func (rec AttemptRecord) Values() []any {
	return []any{
		rec.DatasetType, rec.ID, rec.DateStarted, rec.Step, rec.SourceType,
		rec.Step1, rec.Step2, rec.Step3, rec.Status, rec.StatusType,
	}
}

func DecodeAttempt(rec AttemptRecord) (dataset.UploadAttempt, error) {
	t, err := dataset.ParseType(rec.DatasetType)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	a := dataset.UploadAttempt{
		ID:          rec.ID,
		DatasetType: t,
		DateStarted: rec.DateStarted.UTC(),
		Step:        int(rec.Step),
		SourceType:  dataset.SourceType(rec.SourceType),
	}
	if len(rec.Step1) > 0 {
		r, err := dataset.DecodeStep1(rec.Step1)
		if err != nil {
			return a, errors.Wrapf(err, "attempt %s step 1", rec.ID)
		}
		a.Step1 = &r
	}
	if len(rec.Step2) > 0 {
		r, err := dataset.DecodeStep2(rec.Step2)
		if err != nil {
			return a, errors.Wrapf(err, "attempt %s step 2", rec.ID)
		}
		a.Step2 = &r
	}
	if len(rec.Step3) > 0 {
		r, err := dataset.DecodeStep3(rec.Step3)
		if err != nil {
			return a, errors.Wrapf(err, "attempt %s step 3", rec.ID)
		}
		a.Step3 = &r
	}
	var st dataset.Status
	if err := json.Unmarshal(rec.Status, &st); err != nil {
		return a, errors.Wrapf(err, "attempt %s status", rec.ID)
	}
	a.SetStatus(st)
	return a, nil
}

func EncodeStatus(s dataset.Status) ([]byte, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return nil, errors.Wrap(err, "encode status")
	}
	return b, nil
}

// StatusTypeStrings converts types for IN (...) filters.
func StatusTypeStrings(types []dataset.StatusType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

// EncodeVersionResult returns nil for a nil result so it is stored as NULL.
func EncodeVersionResult(r *dataset.StagingResult) ([]byte, error) {
	if r == nil {
		return nil, nil
	}
	return dataset.EncodeStep3(*r)
}

func DecodeVersionResult(b []byte) (*dataset.StagingResult, error) {
	if len(b) == 0 {
		return nil, nil
	}
	r, err := dataset.DecodeStep3(b)
	if err != nil {
		return nil, err
	}
	return &r, nil
}
