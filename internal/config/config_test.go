package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("STORAGE_KIND", "sqlite")
	t.Setenv("SQLITE_PATH", "/tmp/x.db")
	t.Setenv("PG_CONNECTION_STRING", "")
	t.Setenv("METRICS_BACKEND", "")

	c, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Storage.DSN != "/tmp/x.db" {
		t.Fatalf("expected sqlite DSN to fall back to SQLITE_PATH, got %q", c.Storage.DSN)
	}
	if c.Worker.BatchSize != 20_000 {
		t.Fatalf("expected default batch size 20000, got %d", c.Worker.BatchSize)
	}
	if c.Worker.IdleTimeout != 30*time.Minute {
		t.Fatalf("unexpected idle timeout %v", c.Worker.IdleTimeout)
	}
	if c.Metrics.Backend != "none" {
		t.Fatalf("expected metrics backend none, got %q", c.Metrics.Backend)
	}
}

func TestLoad_RejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		env  map[string]string
	}{
		{"postgres without dsn", map[string]string{"STORAGE_KIND": "postgres", "PG_CONNECTION_STRING": ""}},
		{"unknown backend", map[string]string{"STORAGE_KIND": "oracle"}},
		{"bad batch size", map[string]string{"STORAGE_KIND": "sqlite", "STAGING_BATCH_SIZE": "lots"}},
		{"zero batch size", map[string]string{"STORAGE_KIND": "sqlite", "STAGING_BATCH_SIZE": "0"}},
		{"bad duration", map[string]string{"STORAGE_KIND": "sqlite", "WORKER_POOL_IDLE_TIMEOUT": "soon"}},
		{"pushgateway without url", map[string]string{"STORAGE_KIND": "sqlite", "METRICS_BACKEND": "pushgateway"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestParseTags(t *testing.T) {
	got := parseTags("env:prod, service:etl,broken,:x")
	if len(got) != 2 || got["env"] != "prod" || got["service"] != "etl" {
		t.Fatalf("unexpected tags %#v", got)
	}
}

func TestOptions_TypedGetters(t *testing.T) {
	var o Options
	if err := json.Unmarshal([]byte(`{
		"has_header": false,
		"comma": ";",
		"chunk_size": 1024,
		"encoding": "windows-1252",
		"header_map": {"Facility": "facility_id", "n": 3}
	}`), &o); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if o.Bool("has_header", true) {
		t.Fatalf("expected has_header=false")
	}
	if o.Rune("comma", ',') != ';' {
		t.Fatalf("expected ';' delimiter")
	}
	if o.Int("chunk_size", 0) != 1024 {
		t.Fatalf("expected chunk_size=1024")
	}
	if o.String("encoding", "utf-8") != "windows-1252" {
		t.Fatalf("unexpected encoding")
	}
	hm := o.StringMap("header_map")
	if len(hm) != 1 || hm["Facility"] != "facility_id" {
		t.Fatalf("unexpected header map %#v", hm)
	}

	var empty Options
	if empty.Int("missing", 7) != 7 || empty.Rune("comma", ',') != ',' || empty.Any("x") != nil {
		t.Fatalf("nil options must return defaults")
	}
}
