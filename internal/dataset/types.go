// Package dataset holds the domain types shared by the staging and integration
// pipeline: dataset shapes, upload attempts, their status variants and the
// versioned results each phase produces.
package dataset

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Type identifies one of the two supported dataset shapes.
type Type string

const (
	// HMIS datasets are narrow indicator counts: one row per
	// (facility, raw indicator, period) with an integer count.
	HMIS Type = "hmis"

	// HFA datasets are wide facility assessments: one row per facility and
	// time point, one column per assessment variable.
	HFA Type = "hfa"
)

// Types lists every supported dataset type in a stable order.
var Types = []Type{HMIS, HFA}

func ParseType(s string) (Type, error) {
	switch Type(strings.ToLower(strings.TrimSpace(s))) {
	case HMIS:
		return HMIS, nil
	case HFA:
		return HFA, nil
	}
	return "", errors.Wrapf(ErrBadParameter, "unknown dataset type %q", s)
}

func (t Type) String() string { return string(t) }

// SourceType tells where the raw data of an upload attempt comes from.
type SourceType string

const (
	SourceNone        SourceType = ""
	SourceCSV         SourceType = "csv"
	SourceExternalAPI SourceType = "external-api"
)

func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(strings.TrimSpace(s)) {
	case SourceCSV:
		return SourceCSV, nil
	case SourceExternalAPI:
		return SourceExternalAPI, nil
	}
	return SourceNone, errors.Wrapf(ErrBadParameter, "unknown source type %q", s)
}

// Logical field names a column mapping must provide, per dataset type.
const (
	FieldFacilityID     = "facility_id"
	FieldIndicatorRawID = "indicator_raw_id"
	FieldPeriodID       = "period_id"
	FieldCount          = "count"
	FieldTimePoint      = "time_point"
)

// RequiredFields returns the logical fields a column mapping must resolve
// for the given dataset type.
func RequiredFields(t Type) []string {
	switch t {
	case HMIS:
		return []string{FieldFacilityID, FieldIndicatorRawID, FieldPeriodID, FieldCount}
	case HFA:
		return []string{FieldFacilityID, FieldTimePoint}
	}
	return nil
}
