package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	_ "modernc.org/sqlite"

	"healthetl/internal/storage"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - There are no UNLOGGED tables; the staging table is a plain table that
//     is dropped like the Postgres one.
//   - Bulk loads are multi-row INSERTs inside one transaction instead of COPY.
//   - SQLite has no native TIMESTAMPTZ type. Timestamps are stored as
//     RFC3339Nano strings for reliable round-trip behavior.
//   - The handle is limited to one connection, so every statement of a
//     transaction must go through the tx.
type Repo struct {
	db  *sql.DB
	dsn string
	qb  sq.StatementBuilderType
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	if cfg.DSN == "" {
		return nil, errors.New("sqlite: empty DSN")
	}
	dsn := withPragmas(cfg.DSN, cfg.Worker)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if cfg.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(cfg.IdleTimeout)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{
		db:  db,
		dsn: dsn,
		qb:  sq.StatementBuilder.PlaceholderFormat(sq.Question),
	}, nil
}

// withPragmas enables foreign keys and a busy timeout; the worker profile
// also switches to WAL with relaxed syncing.
func withPragmas(dsn string, worker bool) string {
	pragmas := []string{"foreign_keys(1)", "busy_timeout(10000)"}
	if worker {
		pragmas = append(pragmas, "journal_mode(WAL)", "synchronous(NORMAL)")
	}
	var b strings.Builder
	b.WriteString(dsn)
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	for _, p := range pragmas {
		if strings.Contains(dsn, "_pragma="+strings.SplitN(p, "(", 2)[0]) {
			continue
		}
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

func (r *Repo) Close() { _ = r.db.Close() }

// Migrate runs goose on a separate handle so the provider never competes
// with the repository for its single connection.
func (r *Repo) Migrate(ctx context.Context) error {
	db, err := sql.Open("sqlite", r.dsn)
	if err != nil {
		return errors.Wrap(err, "open migration connection")
	}
	defer db.Close()
	return RunMigrations(ctx, db)
}

func RunMigrations(ctx context.Context, db *sql.DB) error {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return err
	}
	provider, err := goose.NewProvider(database.DialectSQLite3, db, sub)
	if err != nil {
		return errors.Wrap(err, "create migration provider")
	}
	if _, err := provider.Up(ctx); err != nil {
		return errors.Wrap(err, "unable to run migrations")
	}
	return nil
}

func sqlType(t string) string {
	if t == "int" {
		return "INTEGER"
	}
	return "TEXT"
}

// textOrNull stores JSON payloads as TEXT, nil as NULL.
func textOrNull(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
