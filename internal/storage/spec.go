// The DatasetSpec types live here so both the pipeline and the backend
// packages can import them without circular deps.
package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
)

// RowNumColumn is the staging ordinal used for first-wins dedupe. It is
// always the first staging column.
const RowNumColumn = "row_num"

// VersionColumn tags each fact row with the version that last touched it.
const VersionColumn = "version_id"

// DedupePolicy decides which staging row survives for a duplicated key.
type DedupePolicy string

const (
	// KeepFirst keeps the lowest row_num.
	KeepFirst DedupePolicy = "keep_first"
	// KeepMax keeps the highest value, ties broken by the lowest row_num.
	KeepMax DedupePolicy = "keep_max"
)

// ReferenceKind names one reference filter.
type ReferenceKind string

const (
	CheckFacilities ReferenceKind = "facilities"
	CheckIndicators ReferenceKind = "indicators"
)

// ReferenceSpec ties a staging column to the master table it must match.
type ReferenceSpec struct {
	Column       string `json:"column"`
	MasterTable  string `json:"master_table"`
	MasterColumn string `json:"master_column"`
}

type ColumnSpec struct {
	Name string `json:"name"`
	// Type is "int" or "text"; backends map it to their own types.
	Type string `json:"type"`
}

// DatasetSpec describes the tables of one dataset type.
type DatasetSpec struct {
	Type         dataset.Type  `json:"type"`
	StagingTable string        `json:"staging_table"`
	FactTable    string        `json:"fact_table"`
	VersionTable string        `json:"version_table"`
	Keys         []ColumnSpec  `json:"keys"`
	Value        ColumnSpec    `json:"value"`
	Dedupe       DedupePolicy  `json:"dedupe"`
	Facility     ReferenceSpec `json:"facility"`
	Indicator    ReferenceSpec `json:"indicator"`

	// PeriodColumn enables DeleteWindow. Empty for types without periods.
	PeriodColumn string `json:"period_column,omitempty"`
}

const FacilitiesTable = "facilities"

var specs = map[dataset.Type]DatasetSpec{
	dataset.HMIS: {
		Type:         dataset.HMIS,
		StagingTable: "staging_hmis",
		FactTable:    "dataset_hmis",
		VersionTable: "dataset_hmis_versions",
		Keys: []ColumnSpec{
			{Name: dataset.FieldFacilityID, Type: "text"},
			{Name: dataset.FieldIndicatorRawID, Type: "text"},
			{Name: dataset.FieldPeriodID, Type: "int"},
		},
		Value:        ColumnSpec{Name: dataset.FieldCount, Type: "int"},
		Dedupe:       KeepMax,
		Facility:     ReferenceSpec{Column: dataset.FieldFacilityID, MasterTable: FacilitiesTable, MasterColumn: "facility_id"},
		Indicator:    ReferenceSpec{Column: dataset.FieldIndicatorRawID, MasterTable: "indicator_mappings", MasterColumn: "indicator_raw_id"},
		PeriodColumn: dataset.FieldPeriodID,
	},
	dataset.HFA: {
		Type:         dataset.HFA,
		StagingTable: "staging_hfa",
		FactTable:    "dataset_hfa",
		VersionTable: "dataset_hfa_versions",
		Keys: []ColumnSpec{
			{Name: dataset.FieldFacilityID, Type: "text"},
			{Name: dataset.FieldTimePoint, Type: "text"},
			{Name: "var_name", Type: "text"},
		},
		Value:     ColumnSpec{Name: "value", Type: "text"},
		Dedupe:    KeepFirst,
		Facility:  ReferenceSpec{Column: dataset.FieldFacilityID, MasterTable: FacilitiesTable, MasterColumn: "facility_id"},
		Indicator: ReferenceSpec{Column: "var_name", MasterTable: "hfa_indicators", MasterColumn: "var_name"},
	},
}

// SpecFor returns the table layout of t.
func SpecFor(t dataset.Type) (DatasetSpec, error) {
	s, ok := specs[t]
	if !ok {
		return DatasetSpec{}, errors.Wrapf(dataset.ErrBadParameter, "no table layout for dataset type %q", t)
	}
	return s, nil
}

// MustSpec is SpecFor for the built-in types.
func MustSpec(t dataset.Type) DatasetSpec {
	s, err := SpecFor(t)
	if err != nil {
		panic(err)
	}
	return s
}

// KeyNames returns the natural key column names in order.
func (s DatasetSpec) KeyNames() []string {
	out := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		out[i] = k.Name
	}
	return out
}

// DataColumns is keys then value, the layout produced by the validator.
func (s DatasetSpec) DataColumns() []string {
	return append(s.KeyNames(), s.Value.Name)
}

// StagingColumns is row_num followed by DataColumns.
func (s DatasetSpec) StagingColumns() []string {
	return append([]string{RowNumColumn}, s.DataColumns()...)
}

// FactColumns is DataColumns followed by version_id.
func (s DatasetSpec) FactColumns() []string {
	return append(s.DataColumns(), VersionColumn)
}

// Reference returns the master-table binding of check.
func (s DatasetSpec) Reference(check ReferenceKind) (ReferenceSpec, error) {
	switch check {
	case CheckFacilities:
		return s.Facility, nil
	case CheckIndicators:
		return s.Indicator, nil
	}
	return ReferenceSpec{}, errors.Wrapf(dataset.ErrBadParameter, "unknown reference check %q", check)
}

// DedupeOrder is the ORDER BY of the window that ranks duplicates; the first
// row of each partition survives.
func (s DatasetSpec) DedupeOrder() string {
	if s.Dedupe == KeepMax {
		return Ident(s.Value.Name) + " DESC, " + RowNumColumn
	}
	return RowNumColumn
}

// KeyJoin renders "a.k1 = b.k1 AND a.k2 = b.k2 ..." over the natural key.
func (s DatasetSpec) KeyJoin(a, b string) string {
	parts := make([]string, len(s.Keys))
	for i, k := range s.Keys {
		c := Ident(k.Name)
		parts[i] = a + "." + c + " = " + b + "." + c
	}
	return strings.Join(parts, " AND ")
}

// Ident quotes an identifier for both Postgres and SQLite.
func Ident(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// IdentList quotes and joins identifiers with ", ".
func IdentList(ids []string) string {
	q := make([]string, len(ids))
	for i, id := range ids {
		q[i] = Ident(id)
	}
	return strings.Join(q, ", ")
}
