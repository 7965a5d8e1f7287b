package postgres

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	_ "github.com/jackc/pgx/v5/stdlib"

	"healthetl/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// pgxIface is the subset of *pgxpool.Pool the repository uses. pgxmock
// pools satisfy it in tests.
type pgxIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
	Close()
}

/*
Repo implements storage.Repository for Postgres.

It provides:
  - UNLOGGED staging tables loaded with COPY
  - set-based dedupe and reference passes over the staging table
  - a single-transaction integration into the versioned fact table
  - the upload attempt table, queried through squirrel

A worker repository (cfg.Worker) keeps a few long-lived connections with
larger session memory. It never uses the statement cache because staging
table names are recreated on every run.
*/
type Repo struct {
	db             pgxIface
	dsn            string
	qb             sq.StatementBuilderType
	workMem        string
	maintenanceMem string
}

// New creates a Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pcfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "unable to reach postgres")
	}
	return newRepo(pool, cfg), nil
}

func newRepo(db pgxIface, cfg storage.Config) *Repo {
	return &Repo{
		db:             db,
		dsn:            cfg.DSN,
		qb:             sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
		workMem:        cfg.WorkMem,
		maintenanceMem: cfg.MaintenanceMem,
	}
}

func poolConfig(cfg storage.Config) (*pgxpool.Config, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres DSN")
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if !cfg.Worker {
		return pcfg, nil
	}
	pcfg.MinConns = 0
	if cfg.IdleTimeout > 0 {
		pcfg.MaxConnIdleTime = cfg.IdleTimeout
	}
	pcfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeExec
	pcfg.ConnConfig.StatementCacheCapacity = 0
	pcfg.ConnConfig.DescriptionCacheCapacity = 0
	if cfg.WorkMem != "" {
		pcfg.ConnConfig.RuntimeParams["work_mem"] = cfg.WorkMem
	}
	if cfg.MaintenanceMem != "" {
		pcfg.ConnConfig.RuntimeParams["maintenance_work_mem"] = cfg.MaintenanceMem
	}
	pcfg.ConnConfig.RuntimeParams["application_name"] = "healthetl-worker"
	return pcfg, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.db.Close()
}

// Migrate applies the embedded goose migrations over a database/sql handle.
func (r *Repo) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}
	defer db.Close()
	return RunMigrations(ctx, db)
}

// RunMigrations applies every pending migration to db.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectPostgres, db, sub)
	if err != nil {
		return errors.Wrap(err, "create migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "unable to run migrations")
	}
	return nil
}
