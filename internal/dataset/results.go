package dataset

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

// resultSchemaVersion is written into every persisted step result. Readers
// refuse payloads written under another version instead of guessing.
const resultSchemaVersion = 1

const (
	KindCSVFile        = "csv-file"
	KindExternalAPI    = "external-api"
	KindColumnMapping  = "column-mapping"
	KindDHIS2Selection = "dhis2-selection"
	KindStagingResult  = "staging-result"
)

// Step1Result describes the raw source: an uploaded file or the coordinates of
// a remote instance. Exactly one of CSV and API is set.
type Step1Result struct {
	CSV *CSVFile
	API *ExternalAPI
}

type CSVFile struct {
	FilePath string   `json:"filePath"`
	FileName string   `json:"fileName"`
	Size     int64    `json:"size"`
	Headers  []string `json:"headers"`
	Encoding string   `json:"encoding,omitempty"`
}

// ExternalAPI points at a DHIS2 instance. Credentials are resolved by the
// caller; CredentialsRef is an opaque handle, never the secret itself.
type ExternalAPI struct {
	BaseURL        string `json:"baseUrl"`
	Username       string `json:"username"`
	CredentialsRef string `json:"credentialsRef,omitempty"`
}

// Step2Result selects what to stage: a column mapping for CSV sources or a
// remote selection for external sources. Exactly one field is set.
type Step2Result struct {
	Mapping   map[string]string
	Selection *DHIS2Selection
}

type DHIS2Selection struct {
	Indicators []string `json:"indicators"`
	Periods    []string `json:"periods"`
	OrgUnits   []string `json:"orgUnits"`
}

// ReferenceResult summarises one reference filter over the staging table.
type ReferenceResult struct {
	Total       int64         `json:"total"`
	Sample      []KeyRowCount `json:"sample"`
	RowsDropped int64         `json:"rowsDropped"`
}

type KeyRowCount struct {
	Key  string `json:"key"`
	Rows int64  `json:"rows"`
}

// StagingResult is the step 3 payload: counts at every stage of the staging
// phase. RawRows == ValidRows + sum(InvalidRows).
type StagingResult struct {
	DatasetType        Type             `json:"datasetType"`
	SourceType         SourceType       `json:"sourceType"`
	RawRows            int64            `json:"rawRows"`
	ValidRows          int64            `json:"validRows"`
	InvalidRows        map[string]int64 `json:"invalidRows"`
	StagedValues       int64            `json:"stagedValues"`
	DedupedRows        int64            `json:"dedupedRows"`
	DuplicatesRemoved  int64            `json:"duplicatesRemoved"`
	InvalidFacilities  ReferenceResult  `json:"invalidFacilities"`
	UnmappedIndicators ReferenceResult  `json:"unmappedIndicators"`
	FinalRows          int64            `json:"finalRows"`
	DateStaged         time.Time        `json:"dateStaged"`
}

type envelope struct {
	V    int             `json:"v"`
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func encodeEnvelope(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{V: resultSchemaVersion, Kind: kind, Data: raw})
}

func decodeEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, errors.Wrap(ErrResultSchemaDrift, err.Error())
	}
	if env.V != resultSchemaVersion {
		return env, errors.Wrapf(ErrResultSchemaDrift, "unsupported result version %d", env.V)
	}
	return env, nil
}

func EncodeStep1(r Step1Result) ([]byte, error) {
	switch {
	case r.CSV != nil && r.API == nil:
		return encodeEnvelope(KindCSVFile, r.CSV)
	case r.API != nil && r.CSV == nil:
		return encodeEnvelope(KindExternalAPI, r.API)
	}
	return nil, errors.Wrap(ErrBadParameter, "step 1 result must carry exactly one source")
}

func DecodeStep1(b []byte) (Step1Result, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return Step1Result{}, err
	}
	switch env.Kind {
	case KindCSVFile:
		var f CSVFile
		if err := json.Unmarshal(env.Data, &f); err != nil {
			return Step1Result{}, errors.Wrap(ErrResultSchemaDrift, err.Error())
		}
		return Step1Result{CSV: &f}, nil
	case KindExternalAPI:
		var a ExternalAPI
		if err := json.Unmarshal(env.Data, &a); err != nil {
			return Step1Result{}, errors.Wrap(ErrResultSchemaDrift, err.Error())
		}
		return Step1Result{API: &a}, nil
	}
	return Step1Result{}, errors.Wrapf(ErrResultSchemaDrift, "unexpected step 1 kind %q", env.Kind)
}

func EncodeStep2(r Step2Result) ([]byte, error) {
	switch {
	case r.Mapping != nil && r.Selection == nil:
		return encodeEnvelope(KindColumnMapping, r.Mapping)
	case r.Selection != nil && r.Mapping == nil:
		return encodeEnvelope(KindDHIS2Selection, r.Selection)
	}
	return nil, errors.Wrap(ErrBadParameter, "step 2 result must carry exactly one of mapping or selection")
}

func DecodeStep2(b []byte) (Step2Result, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return Step2Result{}, err
	}
	switch env.Kind {
	case KindColumnMapping:
		m := map[string]string{}
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return Step2Result{}, errors.Wrap(ErrResultSchemaDrift, err.Error())
		}
		return Step2Result{Mapping: m}, nil
	case KindDHIS2Selection:
		var s DHIS2Selection
		if err := json.Unmarshal(env.Data, &s); err != nil {
			return Step2Result{}, errors.Wrap(ErrResultSchemaDrift, err.Error())
		}
		return Step2Result{Selection: &s}, nil
	}
	return Step2Result{}, errors.Wrapf(ErrResultSchemaDrift, "unexpected step 2 kind %q", env.Kind)
}

func EncodeStep3(r StagingResult) ([]byte, error) {
	return encodeEnvelope(KindStagingResult, r)
}

func DecodeStep3(b []byte) (StagingResult, error) {
	env, err := decodeEnvelope(b)
	if err != nil {
		return StagingResult{}, err
	}
	if env.Kind != KindStagingResult {
		return StagingResult{}, errors.Wrapf(ErrResultSchemaDrift, "unexpected step 3 kind %q", env.Kind)
	}
	var r StagingResult
	if err := json.Unmarshal(env.Data, &r); err != nil {
		return StagingResult{}, errors.Wrap(ErrResultSchemaDrift, err.Error())
	}
	return r, nil
}
