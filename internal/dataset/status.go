package dataset

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// StatusType is the coarse projection of Status stored in its own column so
// it can be filtered and claimed with a single indexed predicate.
type StatusType string

const (
	StatusConfiguring StatusType = "configuring"
	StatusStaging     StatusType = "staging"
	StatusStaged      StatusType = "staged"
	StatusIntegrating StatusType = "integrating"
	StatusComplete    StatusType = "complete"
	StatusError       StatusType = "error"
)

// Running reports whether the status belongs to a phase owned by a worker.
func (t StatusType) Running() bool {
	return t == StatusStaging || t == StatusIntegrating
}

// Status is the tagged status of an upload attempt. Only the fields of the
// active variant are meaningful:
//
//	configuring: none
//	staging, integrating: Progress, Message
//	staged: none
//	complete: VersionID
//	error: Err
type Status struct {
	Type      StatusType
	Progress  float64
	Message   string
	VersionID int64
	Err       string
}

func Configuring() Status { return Status{Type: StatusConfiguring} }

func Staging(progress float64, message string) Status {
	return Status{Type: StatusStaging, Progress: clampProgress(progress), Message: message}
}

func Staged() Status { return Status{Type: StatusStaged} }

func Integrating(progress float64, message string) Status {
	return Status{Type: StatusIntegrating, Progress: clampProgress(progress), Message: message}
}

func Complete(versionID int64) Status { return Status{Type: StatusComplete, VersionID: versionID} }

func Failed(msg string) Status { return Status{Type: StatusError, Err: msg} }

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}

type statusJSON struct {
	Type      StatusType `json:"type"`
	Progress  *float64   `json:"progress,omitempty"`
	Message   string     `json:"message,omitempty"`
	VersionID *int64     `json:"versionId,omitempty"`
	Err       string     `json:"err,omitempty"`
}

func (s Status) MarshalJSON() ([]byte, error) {
	out := statusJSON{Type: s.Type}
	switch s.Type {
	case StatusStaging, StatusIntegrating:
		p := s.Progress
		out.Progress = &p
		out.Message = s.Message
	case StatusComplete:
		v := s.VersionID
		out.VersionID = &v
	case StatusError:
		out.Err = s.Err
	case StatusConfiguring, StatusStaged:
	default:
		return nil, errors.Newf("unknown status type %q", s.Type)
	}
	return json.Marshal(out)
}

func (s *Status) UnmarshalJSON(b []byte) error {
	var in statusJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	out := Status{Type: in.Type}
	switch in.Type {
	case StatusStaging, StatusIntegrating:
		if in.Progress != nil {
			out.Progress = *in.Progress
		}
		out.Message = in.Message
	case StatusComplete:
		if in.VersionID != nil {
			out.VersionID = *in.VersionID
		}
	case StatusError:
		out.Err = in.Err
	case StatusConfiguring, StatusStaged:
	default:
		return errors.Wrapf(ErrResultSchemaDrift, "unknown status type %q", in.Type)
	}
	*s = out
	return nil
}
