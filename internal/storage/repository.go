package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
)

// ErrNoStagingTable is returned by CountStaging when the staging table does
// not exist (never created, dropped, or lost with the database).
var ErrNoStagingTable = errors.Wrap(dataset.ErrNotFound, "staging table does not exist")

// Config is the minimal configuration needed to open a Repository.
//
// When to use:
//   - Use Config when constructing a Repository via Open.
//   - Open one repository for request handling and a second one with
//     Worker=true for staging and integration runs.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
//   - Zero pool settings mean "backend default".
//
// Errors:
//   - Open returns an error if Kind is empty or unsupported.
type Config struct {
	Kind string
	DSN  string

	// Worker selects the long-running pool profile: few connections, a long
	// idle timeout and larger per-session memory settings.
	Worker         bool
	MaxConns       int32
	IdleTimeout    time.Duration
	WorkMem        string
	MaintenanceMem string
}

// DatasetRepository holds the staging table, the fact table and the version
// table of each dataset type.
//
// Each backend implements these semantics in its own idiomatic way (Postgres
// COPY and UNLOGGED tables, SQLite batched inserts in one transaction).
type DatasetRepository interface {
	// DropStaging drops the staging table if it exists. Safe to call at any
	// time, including when no staging table was ever created.
	DropStaging(ctx context.Context, spec DatasetSpec) error

	// CreateStaging creates an empty staging table without indexes and
	// without write-ahead logging where the backend supports it.
	CreateStaging(ctx context.Context, spec DatasetSpec) error

	// CopyStaging bulk-loads rows laid out as spec.StagingColumns().
	CopyStaging(ctx context.Context, spec DatasetSpec, rows [][]any) (int64, error)

	// CountStaging returns ErrNoStagingTable when the staging table does not
	// exist.
	CountStaging(ctx context.Context, spec DatasetSpec) (int64, error)

	// DedupeStaging keeps one row per natural key according to spec.Dedupe
	// and returns the number of rows removed.
	DedupeStaging(ctx context.Context, spec DatasetSpec) (int64, error)

	// FilterStaging drops staging rows whose check key has no match in the
	// master table and reports the offenders, worst first.
	//
	// Edge cases:
	//   - Running it twice without master-data changes drops nothing the
	//     second time.
	//   - sampleSize <= 0 returns an empty sample but still filters.
	FilterStaging(ctx context.Context, spec DatasetSpec, check ReferenceKind, sampleSize int) (dataset.ReferenceResult, error)

	// MissingFacilities lists up to limit distinct staged facility ids that
	// are absent from the facilities master table, in ascending order.
	MissingFacilities(ctx context.Context, spec DatasetSpec, limit int) ([]string, error)

	// Integrate merges the staging table into the fact table in one
	// transaction and appends a version row.
	//
	// Errors:
	//   - Any failure rolls the whole transaction back: the fact and version
	//     tables are left exactly as they were.
	Integrate(ctx context.Context, spec DatasetSpec, result *dataset.StagingResult, now time.Time) (dataset.Version, error)

	// DeleteWindow removes fact rows whose period lies in [from, to] and
	// appends a version with TotalRows = -deleted.
	DeleteWindow(ctx context.Context, spec DatasetSpec, from, to int64, now time.Time) (dataset.Version, error)

	// FactChecksum hashes the fact table in natural key order.
	FactChecksum(ctx context.Context, spec DatasetSpec) (rows int64, sum string, err error)

	// CurrentVersion returns the version with the highest id, or
	// dataset.ErrNotFound when none exists.
	CurrentVersion(ctx context.Context, spec DatasetSpec) (dataset.Version, error)

	ListVersions(ctx context.Context, spec DatasetSpec) ([]dataset.Version, error)
}

// AttemptRepository persists the upload attempt of each dataset type.
type AttemptRepository interface {
	// GetAttempt returns dataset.ErrNotFound when no attempt exists.
	GetAttempt(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error)

	// InsertAttempt returns dataset.ErrAttemptExists when one already exists.
	InsertAttempt(ctx context.Context, a dataset.UploadAttempt) error

	// UpdateAttempt overwrites every column of the attempt row.
	UpdateAttempt(ctx context.Context, a dataset.UploadAttempt) error

	DeleteAttempt(ctx context.Context, t dataset.Type) error

	// ClaimAttempt atomically writes status when the persisted status type is
	// one of allowed. It reports false, without error, when no row matched.
	ClaimAttempt(ctx context.Context, t dataset.Type, status dataset.Status, allowed []dataset.StatusType) (bool, error)

	// SetAttemptStatus writes only the status columns.
	SetAttemptStatus(ctx context.Context, t dataset.Type, status dataset.Status) error

	// ListAttempts returns the attempts whose status type is in types, or all
	// attempts when types is empty.
	ListAttempts(ctx context.Context, types ...dataset.StatusType) ([]dataset.UploadAttempt, error)
}

// MasterData edits the master tables the pipeline validates against. The
// pipeline itself only reads them; this exists for seeding and tests.
type MasterData interface {
	AddFacilities(ctx context.Context, ids ...string) error
	RemoveFacilities(ctx context.Context, ids ...string) error
	AddIndicators(ctx context.Context, spec DatasetSpec, ids ...string) error
}

// Repository is everything a backend provides.
type Repository interface {
	DatasetRepository
	AttemptRepository
	MasterData

	// Migrate applies the embedded schema migrations.
	Migrate(ctx context.Context) error

	// Close releases any backend resources (connections, pools).
	//
	// Edge cases:
	//   - Callers should treat Close as "call once".
	Close()
}

// ---- factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	mu        sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by Open.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered.
func Register(kind string, f factory) {
	mu.Lock()
	defer mu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// Open constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func Open(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing Kind")
	}

	mu.RLock()
	f := factories[cfg.Kind]
	mu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}

// Kinds lists the registered backend kinds.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}
