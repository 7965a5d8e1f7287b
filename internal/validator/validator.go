// Package validator classifies raw rows and turns valid ones into staging
// values.
//
// Validation is local and never fails the run: every row ends up either
// valid (with zero or more staging values) or invalid with exactly one Reason.
package validator

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/transformer/builtin"
)

// Reason is why a row was rejected. The set is closed.
type Reason string

const (
	MissingField Reason = "missing_field"
	BadPeriod    Reason = "bad_period"
	BadCount     Reason = "bad_count"
)

// Reasons lists every Reason in report order.
var Reasons = []Reason{MissingField, BadPeriod, BadCount}

const (
	MinPeriodYear = 2000
	MaxPeriodYear = 2050
	MaxCount      = math.MaxInt32
)

// Result is the outcome for one raw row. Values holds one staging row per
// produced value, in the column order of Validator.Columns().
type Result struct {
	Valid  bool
	Reason Reason
	Values [][]any
}

type Validator interface {
	// Validate classifies fields, which are aligned to the file header.
	// It must not retain fields after returning.
	Validate(fields []string) Result
	// Columns names the staging columns of each value in Result.Values.
	Columns() []string
}

// New builds the validator for t. mapping goes from logical field name to the
// file's header name.
func New(t dataset.Type, header []string, mapping map[string]string) (Validator, error) {
	idx, err := resolve(t, header, mapping)
	if err != nil {
		return nil, err
	}
	switch t {
	case dataset.HMIS:
		return &hmis{
			facility:  idx[dataset.FieldFacilityID],
			indicator: idx[dataset.FieldIndicatorRawID],
			period:    idx[dataset.FieldPeriodID],
			count:     idx[dataset.FieldCount],
		}, nil
	case dataset.HFA:
		v := &hfa{
			facility:  idx[dataset.FieldFacilityID],
			timePoint: idx[dataset.FieldTimePoint],
		}
		mapped := map[int]bool{v.facility: true, v.timePoint: true}
		for i, h := range header {
			if mapped[i] || h == "" {
				continue
			}
			v.vars = append(v.vars, i)
			v.names = append(v.names, h)
		}
		return v, nil
	}
	return nil, errors.Wrapf(dataset.ErrBadParameter, "unknown dataset type %q", t)
}

func resolve(t dataset.Type, header []string, mapping map[string]string) (map[string]int, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		if _, dup := pos[h]; !dup {
			pos[h] = i
		}
	}
	out := map[string]int{}
	var missing []string
	for _, field := range dataset.RequiredFields(t) {
		col, ok := mapping[field]
		if !ok || col == "" {
			missing = append(missing, field+" (unmapped)")
			continue
		}
		i, ok := pos[col]
		if !ok {
			missing = append(missing, field+" -> "+col+" (no such column)")
			continue
		}
		out[field] = i
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, errors.Wrapf(dataset.ErrBadParameter, "column mapping incomplete: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func field(fields []string, i int) string {
	if i < 0 || i >= len(fields) {
		return ""
	}
	return builtin.CleanField(fields[i])
}

type hmis struct {
	facility, indicator, period, count int
}

func (v *hmis) Columns() []string {
	return []string{dataset.FieldFacilityID, dataset.FieldIndicatorRawID, dataset.FieldPeriodID, dataset.FieldCount}
}

func (v *hmis) Validate(fields []string) Result {
	fac := field(fields, v.facility)
	ind := field(fields, v.indicator)
	per := field(fields, v.period)
	cnt := field(fields, v.count)
	if fac == "" || ind == "" || per == "" || cnt == "" {
		return Result{Reason: MissingField}
	}
	period, ok := ParsePeriod(per)
	if !ok {
		return Result{Reason: BadPeriod}
	}
	count, ok := ParseCount(cnt)
	if !ok {
		return Result{Reason: BadCount}
	}
	return Result{Valid: true, Values: [][]any{{fac, ind, period, count}}}
}

type hfa struct {
	facility, timePoint int
	vars                []int
	names               []string
}

func (v *hfa) Columns() []string {
	return []string{dataset.FieldFacilityID, dataset.FieldTimePoint, "var_name", "value"}
}

func (v *hfa) Validate(fields []string) Result {
	fac := field(fields, v.facility)
	tp := field(fields, v.timePoint)
	if fac == "" || tp == "" {
		return Result{Reason: MissingField}
	}
	out := make([][]any, 0, len(v.vars))
	for k, i := range v.vars {
		val := field(fields, i)
		if val == "" {
			continue
		}
		out = append(out, []any{fac, tp, v.names[k], val})
	}
	return Result{Valid: true, Values: out}
}

// ParsePeriod accepts a six digit YYYYMM period with the year in
// [MinPeriodYear, MaxPeriodYear] and a month in 1..12.
func ParsePeriod(s string) (int64, bool) {
	if len(s) != 6 {
		return 0, false
	}
	for i := 0; i < 6; i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, _ := strconv.ParseInt(s, 10, 64)
	year, month := n/100, n%100
	if year < MinPeriodYear || year > MaxPeriodYear || month < 1 || month > 12 {
		return 0, false
	}
	return n, true
}

// ParseCount accepts a non-negative integer up to MaxCount. Decimal notation
// is accepted when the value is integral ("12.0"), as exported by most
// spreadsheet tools.
func ParseCount(s string) (int64, bool) {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, n >= 0 && n <= MaxCount
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	if f < 0 || f > MaxCount {
		return 0, false
	}
	return int64(f), true
}
