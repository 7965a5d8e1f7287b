// Package config loads process configuration from the environment and
// exposes the loose option bags used by the CLI pipeline files.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
)

// Config is the server and worker configuration.
type Config struct {
	Storage StorageConfig
	Worker  WorkerConfig
	Server  ServerConfig
	Metrics MetricsConfig

	LoggingFormat string
}

type StorageConfig struct {
	// Kind selects the storage backend: "postgres" or "sqlite".
	Kind       string
	DSN        string
	SQLitePath string
}

// WorkerConfig tunes the pool dedicated to staging and integration runs. It is
// kept apart from the interactive pool so a long import cannot starve API
// queries.
type WorkerConfig struct {
	BatchSize       int
	MaxConns        int32
	IdleTimeout     time.Duration
	WorkMem         string
	MaintenanceMem  string
	ShutdownTimeout time.Duration
}

type ServerConfig struct {
	Port          string
	UploadDir     string
	RunMigrations bool
}

type MetricsConfig struct {
	// Backend is "none", "datadog" or "pushgateway".
	Backend        string
	PushgatewayURL string
	Tags           map[string]string
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; variables already set win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	c := &Config{
		Storage: StorageConfig{
			Kind:       GetStringEnv("STORAGE_KIND", "postgres"),
			DSN:        GetStringEnv("PG_CONNECTION_STRING", ""),
			SQLitePath: GetStringEnv("SQLITE_PATH", "healthetl.db"),
		},
		Server: ServerConfig{
			Port:      GetStringEnv("HTTP_PORT", "8080"),
			UploadDir: GetStringEnv("UPLOAD_DIR", os.TempDir()),
		},
		LoggingFormat: GetStringEnv("LOGGING_FORMAT", "text"),
	}

	var err error
	if c.Worker.BatchSize, err = GetIntEnv("STAGING_BATCH_SIZE", 20_000); err != nil {
		return nil, err
	}
	maxConns, err := GetIntEnv("WORKER_POOL_MAX_CONNS", 4)
	if err != nil {
		return nil, err
	}
	c.Worker.MaxConns = int32(maxConns)
	if c.Worker.IdleTimeout, err = GetDurationEnv("WORKER_POOL_IDLE_TIMEOUT", 30*time.Minute); err != nil {
		return nil, err
	}
	if c.Worker.ShutdownTimeout, err = GetDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.Server.RunMigrations, err = GetBoolEnv("RUN_MIGRATIONS", true); err != nil {
		return nil, err
	}
	c.Worker.WorkMem = GetStringEnv("WORKER_WORK_MEM", "256MB")
	c.Worker.MaintenanceMem = GetStringEnv("WORKER_MAINTENANCE_WORK_MEM", "512MB")

	c.Metrics.Backend = GetStringEnv("METRICS_BACKEND", "none")
	c.Metrics.PushgatewayURL = GetStringEnv("PUSHGATEWAY_URL", "")
	c.Metrics.Tags = parseTags(GetStringEnv("METRICS_TAGS", ""))

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	switch c.Storage.Kind {
	case "postgres":
		if c.Storage.DSN == "" {
			return errors.New("PG_CONNECTION_STRING is required when STORAGE_KIND=postgres")
		}
	case "sqlite":
		if c.Storage.DSN == "" {
			c.Storage.DSN = c.Storage.SQLitePath
		}
	default:
		return errors.Newf("unsupported STORAGE_KIND %q", c.Storage.Kind)
	}
	if c.Worker.BatchSize <= 0 {
		return errors.Newf("STAGING_BATCH_SIZE must be positive, got %d", c.Worker.BatchSize)
	}
	if c.Worker.MaxConns <= 0 {
		return errors.Newf("WORKER_POOL_MAX_CONNS must be positive, got %d", c.Worker.MaxConns)
	}
	switch c.Metrics.Backend {
	case "none", "datadog":
	case "pushgateway":
		if c.Metrics.PushgatewayURL == "" {
			return errors.New("PUSHGATEWAY_URL is required when METRICS_BACKEND=pushgateway")
		}
	default:
		return errors.Newf("unsupported METRICS_BACKEND %q", c.Metrics.Backend)
	}
	return nil
}

// parseTags reads "k1:v1,k2:v2".
func parseTags(s string) map[string]string {
	out := map[string]string{}
	for _, part := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), ":")
		if !ok || k == "" {
			continue
		}
		out[k] = v
	}
	return out
}

func GetStringEnv(name, defaultValue string) string {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue
	}
	return v
}

func GetIntEnv(name string, defaultValue int) (int, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errors.Newf("environment variable %s is not valid: %q is not an integer", name, v)
	}
	return n, nil
}

func GetBoolEnv(name string, defaultValue bool) (bool, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errors.Newf("environment variable %s is not valid: %q cannot be converted to bool", name, v)
	}
	return b, nil
}

func GetDurationEnv(name string, defaultValue time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Newf("environment variable %s is not valid: %q is not a duration", name, v)
	}
	return d, nil
}
