package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
)

// maxVariables is SQLITE_MAX_VARIABLE_NUMBER for the bundled library.
const maxVariables = 32766

func (r *Repo) DropStaging(ctx context.Context, spec storage.DatasetSpec) error {
	if _, err := r.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+storage.Ident(spec.StagingTable)); err != nil {
		return errors.Wrapf(err, "drop staging table %s", spec.StagingTable)
	}
	return nil
}

func (r *Repo) CreateStaging(ctx context.Context, spec storage.DatasetSpec) error {
	cols := []string{storage.Ident(storage.RowNumColumn) + " INTEGER NOT NULL"}
	for _, c := range append(append([]storage.ColumnSpec(nil), spec.Keys...), spec.Value) {
		cols = append(cols, storage.Ident(c.Name)+" "+sqlType(c.Type))
	}
	q := fmt.Sprintf("CREATE TABLE %s (%s)", storage.Ident(spec.StagingTable), strings.Join(cols, ", "))
	if _, err := r.db.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(err, "create staging table %s", spec.StagingTable)
	}
	return nil
}

// CopyStaging performs multi-row inserts in one transaction, as many rows per
// statement as the variable limit allows.
func (r *Repo) CopyStaging(ctx context.Context, spec storage.DatasetSpec, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	cols := spec.StagingColumns()
	perStmt := maxVariables / len(cols)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var total int64
	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		q, args := buildInsertSQL(spec.StagingTable, cols, rows[start:end])
		res, err := tx.ExecContext(ctx, q, args...)
		if err != nil {
			return total, errors.Wrapf(err, "insert into %s", spec.StagingTable)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return total, nil
}

func buildInsertSQL(table string, columns []string, rows [][]any) (string, []any) {
	placeholders := "(" + strings.TrimRight(strings.Repeat("?,", len(columns)), ",") + ")"

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(storage.Ident(table))
	b.WriteString(" (")
	b.WriteString(storage.IdentList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(placeholders)
		args = append(args, row...)
	}
	return b.String(), args
}

func (r *Repo) CountStaging(ctx context.Context, spec storage.DatasetSpec) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+storage.Ident(spec.StagingTable)).Scan(&n)
	if err != nil && strings.Contains(err.Error(), "no such table") {
		return 0, errors.Wrap(storage.ErrNoStagingTable, spec.StagingTable)
	}
	return n, errors.Wrapf(err, "count %s", spec.StagingTable)
}

func (r *Repo) DedupeStaging(ctx context.Context, spec storage.DatasetSpec) (int64, error) {
	st := storage.Ident(spec.StagingTable)
	q := fmt.Sprintf(
		`DELETE FROM %s WHERE row_num IN (`+
			`SELECT row_num FROM (`+
			`SELECT row_num, row_number() OVER (PARTITION BY %s ORDER BY %s) AS rn FROM %s`+
			`) WHERE rn > 1)`,
		st, storage.IdentList(spec.KeyNames()), spec.DedupeOrder(), st,
	)
	res, err := r.db.ExecContext(ctx, q)
	if err != nil {
		return 0, errors.Wrapf(err, "dedupe %s", spec.StagingTable)
	}
	return res.RowsAffected()
}

// notExists renders the anti-join against the master table for rows of the
// staging table referenced as outer.
func notExists(ref storage.ReferenceSpec, outer string) string {
	return fmt.Sprintf(
		"NOT EXISTS (SELECT 1 FROM %s m WHERE m.%s = %s.%s)",
		storage.Ident(ref.MasterTable), storage.Ident(ref.MasterColumn), outer, storage.Ident(ref.Column),
	)
}

func (r *Repo) FilterStaging(ctx context.Context, spec storage.DatasetSpec, check storage.ReferenceKind, sampleSize int) (dataset.ReferenceResult, error) {
	out := dataset.ReferenceResult{Sample: []dataset.KeyRowCount{}}
	ref, err := spec.Reference(check)
	if err != nil {
		return out, err
	}
	st := storage.Ident(spec.StagingTable)
	col := storage.Ident(ref.Column)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return out, err
	}
	defer tx.Rollback()

	if sampleSize > 0 {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			"SELECT s.%s, COUNT(*) AS n FROM %s s WHERE %s GROUP BY s.%s ORDER BY n DESC, s.%s LIMIT ?",
			col, st, notExists(ref, "s"), col, col), sampleSize)
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

	if err := tx.QueryRowContext(ctx, fmt.Sprintf(
		"SELECT COUNT(DISTINCT s.%s) FROM %s s WHERE %s", col, st, notExists(ref, "s"),
	)).Scan(&out.Total); err != nil {
		return out, errors.Wrapf(err, "count %s offenders", check)
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s", st, notExists(ref, st)))
	if err != nil {
		return out, errors.Wrapf(err, "drop %s offenders", check)
	}
	out.RowsDropped, _ = res.RowsAffected()

	return out, tx.Commit()
}

func (r *Repo) MissingFacilities(ctx context.Context, spec storage.DatasetSpec, limit int) ([]string, error) {
	col := storage.Ident(spec.Facility.Column)
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT DISTINCT s.%s FROM %s s WHERE %s ORDER BY s.%s LIMIT ?",
		col, storage.Ident(spec.StagingTable), notExists(spec.Facility, "s"), col), limit)
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
