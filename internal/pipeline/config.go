package pipeline

// This file defines the JSON pipeline file read by cmd/etl. The server takes
// the same inputs from upload attempts instead.

import (
	"encoding/json"
	"os"

	"github.com/cockroachdb/errors"

	"healthetl/internal/config"
	"healthetl/internal/dataset"
	"healthetl/internal/parser/csv"
)

type Pipeline struct {
	Job     string            `json:"job"`
	Dataset string            `json:"dataset"`
	Source  Source            `json:"source"`
	Parser  Parser            `json:"parser"`
	Mapping map[string]string `json:"mapping"`
	Storage Storage           `json:"storage"`
	Runtime RuntimeConfig     `json:"runtime"`
}

type Source struct {
	// Kind is "file" or "dhis2".
	Kind  string       `json:"kind"`
	File  *FileSource  `json:"file,omitempty"`
	DHIS2 *DHIS2Source `json:"dhis2,omitempty"`
}

type FileSource struct {
	Path string `json:"path"`
}

// DHIS2Source selects analytics data from a DHIS2 instance. The password is
// read from the environment variable named by PasswordEnv.
type DHIS2Source struct {
	BaseURL     string   `json:"base_url"`
	Username    string   `json:"username"`
	PasswordEnv string   `json:"password_env"`
	Indicators  []string `json:"indicators"`
	Periods     []string `json:"periods"`
	OrgUnits    []string `json:"org_units"`
}

type Parser struct {
	Kind    string         `json:"kind"`
	Options config.Options `json:"options"`
}

type Storage struct {
	// Backend kind: "postgres" | "sqlite"
	Kind string `json:"kind"`
	DB   DB     `json:"db"`
}

type DB struct {
	DSN string `json:"dsn"`
}

// RuntimeConfig controls pipeline execution behavior.
type RuntimeConfig struct {
	BatchSize  int `json:"batch_size"`
	SampleSize int `json:"sample_size"`

	// Integrate runs the integration phase after a successful staging run.
	Integrate bool `json:"integrate"`
}

// LoadPipeline reads and validates a pipeline file. Environment variables in
// the DSN are expanded.
func LoadPipeline(path string) (Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Pipeline{}, errors.Wrap(err, "read pipeline")
	}
	var p Pipeline
	if err := json.Unmarshal(b, &p); err != nil {
		return Pipeline{}, errors.Wrapf(err, "decode pipeline %s", path)
	}
	p.Storage.DB.DSN = os.ExpandEnv(p.Storage.DB.DSN)
	if err := p.Validate(); err != nil {
		return Pipeline{}, err
	}
	return p, nil
}

func (p Pipeline) Validate() error {
	if _, err := dataset.ParseType(p.Dataset); err != nil {
		return err
	}
	switch p.Source.Kind {
	case "file":
		if p.Source.File == nil || p.Source.File.Path == "" {
			return errors.New("source.file.path is required when source.kind=file")
		}
		if len(p.Mapping) == 0 {
			return errors.New("mapping is required for file sources")
		}
	case "dhis2":
		d := p.Source.DHIS2
		if d == nil || d.BaseURL == "" {
			return errors.New("source.dhis2.base_url is required when source.kind=dhis2")
		}
		if len(d.Indicators) == 0 || len(d.Periods) == 0 || len(d.OrgUnits) == 0 {
			return errors.New("source.dhis2 needs indicators, periods and org_units")
		}
	default:
		return errors.Newf("source.kind must be file or dhis2, got %q", p.Source.Kind)
	}
	if p.Parser.Kind != "" && p.Parser.Kind != "csv" {
		return errors.New("parser.kind must be csv")
	}
	if p.Storage.Kind == "" {
		return errors.New("storage.kind must be set")
	}
	if p.Storage.DB.DSN == "" {
		return errors.New("storage.db.dsn must be set")
	}
	return nil
}

// Type returns the parsed dataset type. Validate must have passed.
func (p Pipeline) Type() dataset.Type {
	t, _ := dataset.ParseType(p.Dataset)
	return t
}

// ReaderOptions returns the CSV reader options. Wide HFA files default to the
// lenient column policy since trailing empty cells are routinely cut off.
func (p Pipeline) ReaderOptions() csv.Options {
	o := p.Parser.Options
	if o == nil {
		o = config.Options{}
	}
	if _, set := o["column_policy"]; !set && p.Type() == dataset.HFA {
		o = cloneOptions(o)
		o["column_policy"] = string(csv.AllowFewerColumns)
	}
	return csv.OptionsFrom(o)
}

func cloneOptions(o config.Options) config.Options {
	out := make(config.Options, len(o)+1)
	for k, v := range o {
		out[k] = v
	}
	return out
}
