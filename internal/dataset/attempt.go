package dataset

import (
	"time"

	"github.com/cockroachdb/errors"
)

// MaxStep is the last step of an upload attempt (integration).
const MaxStep = 4

// UploadAttempt is the single live upload record for one dataset type.
//
// Step is the highest completed step:
//
//	0 source selection, 1 file or credentials, 2 mapping or selection,
//	3 staging, 4 integration.
type UploadAttempt struct {
	ID          string
	DatasetType Type
	DateStarted time.Time
	Step        int
	SourceType  SourceType
	Step1       *Step1Result
	Step2       *Step2Result
	Step3       *StagingResult
	Status      Status
	StatusType  StatusType
}

// NewUploadAttempt returns a fresh attempt at step 0.
func NewUploadAttempt(id string, t Type, now time.Time) UploadAttempt {
	return UploadAttempt{
		ID:          id,
		DatasetType: t,
		DateStarted: now,
		Status:      Configuring(),
		StatusType:  StatusConfiguring,
	}
}

// SetStatus keeps StatusType in sync with Status.
func (a *UploadAttempt) SetStatus(s Status) {
	a.Status = s
	a.StatusType = s.Type
}

// SelectSource resets the attempt to step 0 with a new source type.
func (a *UploadAttempt) SelectSource(src SourceType) {
	a.SourceType = src
	a.Step = 0
	a.Step1, a.Step2, a.Step3 = nil, nil, nil
	a.SetStatus(Configuring())
}

// Complete records a finished integration and returns the attempt to step 0
// with the same source type, ready for the next upload.
func (a *UploadAttempt) Complete(versionID int64) {
	a.SelectSource(a.SourceType)
	a.SetStatus(Complete(versionID))
}

// SetStep1 records the source description. Later results are invalidated.
func (a *UploadAttempt) SetStep1(r Step1Result) error {
	if a.SourceType == SourceNone {
		return errors.Wrap(ErrStepOrder, "select a source type first")
	}
	if (a.SourceType == SourceCSV) != (r.CSV != nil) {
		return errors.Wrapf(ErrBadParameter, "step 1 result does not match source type %q", a.SourceType)
	}
	a.Step1 = &r
	a.Step2, a.Step3 = nil, nil
	a.Step = 1
	a.SetStatus(Configuring())
	return nil
}

// SetStep2 records the mapping or selection. Step 1 must be present.
func (a *UploadAttempt) SetStep2(r Step2Result) error {
	if a.Step1 == nil {
		return errors.Wrap(ErrStepOrder, "step 1 result is missing")
	}
	if (a.SourceType == SourceCSV) != (r.Mapping != nil) {
		return errors.Wrapf(ErrBadParameter, "step 2 result does not match source type %q", a.SourceType)
	}
	a.Step2 = &r
	a.Step3 = nil
	a.Step = 2
	a.SetStatus(Configuring())
	return nil
}

// SetStep3 records the staging summary. Steps 1 and 2 must be present.
func (a *UploadAttempt) SetStep3(r StagingResult) error {
	if a.Step1 == nil || a.Step2 == nil {
		return errors.Wrap(ErrStepOrder, "steps 1 and 2 must be complete before staging")
	}
	a.Step3 = &r
	a.Step = 3
	a.SetStatus(Staged())
	return nil
}

// ReadyForStaging checks that the attempt can be handed to a staging worker.
func (a UploadAttempt) ReadyForStaging() error {
	if a.Step < 2 || a.Step1 == nil || a.Step2 == nil {
		return errors.Wrap(ErrStepOrder, "steps 1 and 2 must be complete before staging")
	}
	return nil
}

// ReadyForIntegration checks that the attempt can be handed to an
// integration worker. A failed integration keeps its staging table and step 3
// result, so an attempt in error with step 3 present may be retried.
func (a UploadAttempt) ReadyForIntegration() error {
	if a.Step < 3 || a.Step3 == nil {
		return ErrNotStaged
	}
	if a.StatusType != StatusStaged && a.StatusType != StatusError {
		return errors.Wrapf(ErrNotStaged, "status is %q", a.StatusType)
	}
	return nil
}

// Version is one append-only row of a dataset's version table.
type Version struct {
	ID            int64
	TotalRows     int64
	Inserted      int64
	Updated       int64
	Deleted       int64
	StagingResult *StagingResult
	CreatedAt     time.Time
}
