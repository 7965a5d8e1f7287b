package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
	"healthetl/internal/transformer"
)

func (r *Repo) beginVersion(ctx context.Context, tx *sql.Tx, spec storage.DatasetSpec, snapshot []byte, now time.Time) (int64, error) {
	vt := storage.Ident(spec.VersionTable)
	var id int64
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COALESCE(MAX(id), 0) + 1 FROM %s", vt)).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "allocate version id")
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (id, total_rows, inserted, updated, deleted, staging_result, created_at) VALUES (?, 0, 0, 0, 0, ?, ?)", vt),
		id, textOrNull(snapshot), formatSQLiteTime(now)); err != nil {
		return 0, errors.Wrap(err, "insert version")
	}
	return id, nil
}

func patchVersion(ctx context.Context, tx *sql.Tx, spec storage.DatasetSpec, v dataset.Version) error {
	_, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET total_rows = ?, inserted = ?, updated = ?, deleted = ? WHERE id = ?", storage.Ident(spec.VersionTable)),
		v.TotalRows, v.Inserted, v.Updated, v.Deleted, v.ID)
	return errors.Wrap(err, "patch version")
}

// Integrate follows the same phases as the Postgres backend: version row,
// update, shrink, insert, patch, all in one transaction.
func (r *Repo) Integrate(ctx context.Context, spec storage.DatasetSpec, result *dataset.StagingResult, now time.Time) (dataset.Version, error) {
	v := dataset.Version{StagingResult: result, CreatedAt: now.UTC()}
	snapshot, err := storage.EncodeVersionResult(result)
	if err != nil {
		return v, err
	}
	st := storage.Ident(spec.StagingTable)
	ft := storage.Ident(spec.FactTable)
	val := storage.Ident(spec.Value.Name)
	data := storage.IdentList(spec.DataColumns())

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return v, errors.Wrap(err, "begin integration")
	}
	defer tx.Rollback()

	if v.ID, err = r.beginVersion(ctx, tx, spec, snapshot, now); err != nil {
		return v, err
	}

	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET %s = s.%s, %s = ? FROM %s AS s WHERE %s",
		ft, val, val, storage.VersionColumn, st, spec.KeyJoin(ft, "s")), v.ID)
	if err != nil {
		return v, errors.Wrap(err, "update phase")
	}
	v.Updated, _ = res.RowsAffected()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE EXISTS (SELECT 1 FROM %s f WHERE %s)",
		st, ft, spec.KeyJoin("f", st))); err != nil {
		return v, errors.Wrap(err, "shrink phase")
	}

	res, err = tx.ExecContext(ctx, fmt.Sprintf(
		"INSERT INTO %s (%s, %s) SELECT %s, ? FROM %s", ft, data, storage.VersionColumn, data, st), v.ID)
	if err != nil {
		return v, errors.Wrap(err, "insert phase")
	}
	v.Inserted, _ = res.RowsAffected()
	v.TotalRows = v.Inserted + v.Updated

	if err := patchVersion(ctx, tx, spec, v); err != nil {
		return v, err
	}
	if err := tx.Commit(); err != nil {
		return v, errors.Wrap(err, "commit integration")
	}
	return v, nil
}

func (r *Repo) DeleteWindow(ctx context.Context, spec storage.DatasetSpec, from, to int64, now time.Time) (dataset.Version, error) {
	v := dataset.Version{CreatedAt: now.UTC()}
	if spec.PeriodColumn == "" {
		return v, errors.Wrapf(dataset.ErrBadParameter, "dataset type %q has no period column", spec.Type)
	}
	if from > to {
		return v, errors.Wrapf(dataset.ErrBadParameter, "empty window %d..%d", from, to)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return v, err
	}
	defer tx.Rollback()

	if v.ID, err = r.beginVersion(ctx, tx, spec, nil, now); err != nil {
		return v, err
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s BETWEEN ? AND ?",
		storage.Ident(spec.FactTable), storage.Ident(spec.PeriodColumn)), from, to)
	if err != nil {
		return v, errors.Wrap(err, "delete window")
	}
	v.Deleted, _ = res.RowsAffected()
	v.TotalRows = -v.Deleted
	if err := patchVersion(ctx, tx, spec, v); err != nil {
		return v, err
	}
	return v, tx.Commit()
}

func (r *Repo) FactChecksum(ctx context.Context, spec storage.DatasetSpec) (int64, string, error) {
	cols := spec.FactColumns()
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s",
		storage.IdentList(cols), storage.Ident(spec.FactTable), storage.IdentList(spec.KeyNames())))
	if err != nil {
		return 0, "", errors.Wrapf(err, "checksum %s", spec.FactTable)
	}
	defer rows.Close()

	sum := transformer.NewChecksum()
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return 0, "", err
		}
		sum.Add(vals...)
	}
	if err := rows.Err(); err != nil {
		return 0, "", err
	}
	return sum.Rows(), sum.Sum(), nil
}

const versionColumns = "id, total_rows, inserted, updated, deleted, staging_result, created_at"

func (r *Repo) CurrentVersion(ctx context.Context, spec storage.DatasetSpec) (dataset.Version, error) {
	versions, err := r.queryVersions(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id DESC LIMIT 1", versionColumns, storage.Ident(spec.VersionTable)))
	if err != nil {
		return dataset.Version{}, err
	}
	if len(versions) == 0 {
		return dataset.Version{}, errors.Wrapf(dataset.ErrNotFound, "no %s version yet", spec.Type)
	}
	return versions[0], nil
}

func (r *Repo) ListVersions(ctx context.Context, spec storage.DatasetSpec) ([]dataset.Version, error) {
	return r.queryVersions(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id", versionColumns, storage.Ident(spec.VersionTable)))
}

func (r *Repo) queryVersions(ctx context.Context, q string) ([]dataset.Version, error) {
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []dataset.Version{}
	for rows.Next() {
		var v dataset.Version
		var snapshot []byte
		var created string
		if err := rows.Scan(&v.ID, &v.TotalRows, &v.Inserted, &v.Updated, &v.Deleted, &snapshot, &created); err != nil {
			return nil, err
		}
		if v.CreatedAt, err = parseSQLiteTime(created); err != nil {
			return nil, errors.Wrapf(err, "version %d", v.ID)
		}
		if v.StagingResult, err = storage.DecodeVersionResult(snapshot); err != nil {
			return nil, errors.Wrapf(err, "version %d", v.ID)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
