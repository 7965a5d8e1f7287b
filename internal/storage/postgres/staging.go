package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
)

func (r *Repo) DropStaging(ctx context.Context, spec storage.DatasetSpec) error {
	_, err := r.db.Exec(ctx, "DROP TABLE IF EXISTS "+storage.Ident(spec.StagingTable))
	if err != nil {
		return errors.Wrapf(err, "drop staging table %s", spec.StagingTable)
	}
	return nil
}

// CreateStaging creates the staging table UNLOGGED: it is disposable and is
// dropped at the start of every staging run.
func (r *Repo) CreateStaging(ctx context.Context, spec storage.DatasetSpec) error {
	if _, err := r.db.Exec(ctx, buildCreateStagingSQL(spec)); err != nil {
		return errors.Wrapf(err, "create staging table %s", spec.StagingTable)
	}
	return nil
}

func buildCreateStagingSQL(spec storage.DatasetSpec) string {
	var b strings.Builder
	b.WriteString("CREATE UNLOGGED TABLE ")
	b.WriteString(storage.Ident(spec.StagingTable))
	b.WriteString(" (")
	b.WriteString(storage.Ident(storage.RowNumColumn))
	b.WriteString(" BIGINT NOT NULL")
	for _, c := range append(append([]storage.ColumnSpec(nil), spec.Keys...), spec.Value) {
		b.WriteString(", ")
		b.WriteString(storage.Ident(c.Name))
		b.WriteString(" ")
		b.WriteString(pgType(c.Type))
	}
	b.WriteString(")")
	return b.String()
}

func pgType(t string) string {
	if t == "int" {
		return "BIGINT"
	}
	return "TEXT"
}

// CopyStaging streams rows with the COPY protocol.
func (r *Repo) CopyStaging(ctx context.Context, spec storage.DatasetSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	n, err := r.db.CopyFrom(ctx, pgx.Identifier{spec.StagingTable}, spec.StagingColumns(), pgx.CopyFromRows(rows))
	if err != nil {
		return n, errors.Wrapf(err, "copy into %s", spec.StagingTable)
	}
	return n, nil
}

// undefinedTable is SQLSTATE undefined_table.
const undefinedTable = "42P01"

// CountStaging returns storage.ErrNoStagingTable when the table is gone.
func (r *Repo) CountStaging(ctx context.Context, spec storage.DatasetSpec) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+storage.Ident(spec.StagingTable)).Scan(&n)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == undefinedTable {
		return 0, errors.Wrap(storage.ErrNoStagingTable, spec.StagingTable)
	}
	return n, errors.Wrapf(err, "count %s", spec.StagingTable)
}

// DedupeStaging ranks rows per natural key with spec.DedupeOrder and deletes
// every row but the first of each partition.
func (r *Repo) DedupeStaging(ctx context.Context, spec storage.DatasetSpec) (int64, error) {
	tag, err := r.db.Exec(ctx, buildDedupeSQL(spec))
	if err != nil {
		return 0, errors.Wrapf(err, "dedupe %s", spec.StagingTable)
	}
	return tag.RowsAffected(), nil
}

func buildDedupeSQL(spec storage.DatasetSpec) string {
	st := storage.Ident(spec.StagingTable)
	return fmt.Sprintf(
		`DELETE FROM %s AS s USING (`+
			`SELECT row_num FROM (`+
			`SELECT row_num, row_number() OVER (PARTITION BY %s ORDER BY %s) AS rn FROM %s`+
			`) ranked WHERE rn > 1`+
			`) d WHERE s.row_num = d.row_num`,
		st, storage.IdentList(spec.KeyNames()), spec.DedupeOrder(), st,
	)
}

// FilterStaging reports and removes staging rows without a master match in
// one transaction, so the report always describes exactly what was dropped.
func (r *Repo) FilterStaging(ctx context.Context, spec storage.DatasetSpec, check storage.ReferenceKind, sampleSize int) (dataset.ReferenceResult, error) {
	out := dataset.ReferenceResult{Sample: []dataset.KeyRowCount{}}
	ref, err := spec.Reference(check)
	if err != nil {
		return out, err
	}
	q := buildReferenceSQL(spec, ref)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return out, err
	}
	defer tx.Rollback(ctx)

	if sampleSize > 0 {
		rows, err := tx.Query(ctx, q.sample, sampleSize)
		if err != nil {
			return out, errors.Wrapf(err, "sample %s offenders", check)
		}
		for rows.Next() {
			var key any
			var n int64
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return out, err
			}
			out.Sample = append(out.Sample, dataset.KeyRowCount{Key: storage.NormalizeKey(key), Rows: n})
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return out, err
		}
	}

	if err := tx.QueryRow(ctx, q.total).Scan(&out.Total); err != nil {
		return out, errors.Wrapf(err, "count %s offenders", check)
	}
	tag, err := tx.Exec(ctx, q.delete)
	if err != nil {
		return out, errors.Wrapf(err, "drop %s offenders", check)
	}
	out.RowsDropped = tag.RowsAffected()

	return out, tx.Commit(ctx)
}

type referenceSQL struct {
	sample, total, delete, missing string
}

func buildReferenceSQL(spec storage.DatasetSpec, ref storage.ReferenceSpec) referenceSQL {
	st := storage.Ident(spec.StagingTable)
	col := storage.Ident(ref.Column)
	notExists := fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM %s m WHERE m.%s = s.%s)",
		storage.Ident(ref.MasterTable), storage.Ident(ref.MasterColumn), col,
	)
	return referenceSQL{
		sample: fmt.Sprintf(
			"SELECT s.%s, COUNT(*) AS n FROM %s s WHERE %s GROUP BY s.%s ORDER BY n DESC, s.%s LIMIT $1",
			col, st, notExists, col, col),
		total:   fmt.Sprintf("SELECT COUNT(DISTINCT s.%s) FROM %s s WHERE %s", col, st, notExists),
		delete:  fmt.Sprintf("DELETE FROM %s AS s WHERE %s", st, notExists),
		missing: fmt.Sprintf("SELECT DISTINCT s.%s FROM %s s WHERE %s ORDER BY s.%s LIMIT $1", col, st, notExists, col),
	}
}

func (r *Repo) MissingFacilities(ctx context.Context, spec storage.DatasetSpec, limit int) ([]string, error) {
	q := buildReferenceSQL(spec, spec.Facility)
	rows, err := r.db.Query(ctx, q.missing, limit)
	if err != nil {
		return nil, errors.Wrap(err, "check staged facilities")
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var key any
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		ids = append(ids, storage.NormalizeKey(key))
	}
	return ids, rows.Err()
}
