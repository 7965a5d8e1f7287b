package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
	"healthetl/internal/transformer"
)

type integrateSQL struct {
	nextVersion, insertVersion, update, shrink, insert, patchVersion string
}

func buildIntegrateSQL(spec storage.DatasetSpec) integrateSQL {
	st := storage.Ident(spec.StagingTable)
	ft := storage.Ident(spec.FactTable)
	vt := storage.Ident(spec.VersionTable)
	val := storage.Ident(spec.Value.Name)
	data := storage.IdentList(spec.DataColumns())
	return integrateSQL{
		nextVersion: fmt.Sprintf("SELECT COALESCE(MAX(id), 0) + 1 FROM %s", vt),
		insertVersion: fmt.Sprintf(
			"INSERT INTO %s (id, total_rows, inserted, updated, deleted, staging_result, created_at) VALUES ($1, 0, 0, 0, 0, $2, $3)", vt),
		update: fmt.Sprintf(
			"UPDATE %s AS f SET %s = s.%s, %s = $1 FROM %s AS s WHERE %s",
			ft, val, val, storage.VersionColumn, st, spec.KeyJoin("f", "s")),
		shrink: fmt.Sprintf(
			"DELETE FROM %s AS s USING %s AS f WHERE %s", st, ft, spec.KeyJoin("f", "s")),
		insert: fmt.Sprintf(
			"INSERT INTO %s (%s, %s) SELECT %s, $1 FROM %s", ft, data, storage.VersionColumn, data, st),
		patchVersion: fmt.Sprintf(
			"UPDATE %s SET total_rows = $2, inserted = $3, updated = $4, deleted = $5 WHERE id = $1", vt),
	}
}

// relax sets transaction-scoped session settings: commit without waiting
// for the WAL flush and give sorts and hash joins more memory.
func (r *Repo) relax(ctx context.Context, tx pgx.Tx) error {
	settings := [][2]string{{"synchronous_commit", "off"}}
	if r.workMem != "" {
		settings = append(settings, [2]string{"work_mem", r.workMem})
	}
	if r.maintenanceMem != "" {
		settings = append(settings, [2]string{"maintenance_work_mem", r.maintenanceMem})
	}
	for _, s := range settings {
		if _, err := tx.Exec(ctx, "SELECT set_config($1, $2, true)", s[0], s[1]); err != nil {
			return errors.Wrapf(err, "set %s", s[0])
		}
	}
	return nil
}

// Integrate runs, in one transaction:
//  1. allocate the next version id (max + 1)
//  2. insert the version row with zero counts
//  3. update fact rows whose key is staged
//  4. delete the consumed rows from staging
//  5. insert the remaining staging rows
//  6. patch the version counts
//
// The staging table is left for the caller to drop.
func (r *Repo) Integrate(ctx context.Context, spec storage.DatasetSpec, result *dataset.StagingResult, now time.Time) (dataset.Version, error) {
	q := buildIntegrateSQL(spec)
	v := dataset.Version{StagingResult: result, CreatedAt: now.UTC()}
	snapshot, err := storage.EncodeVersionResult(result)
	if err != nil {
		return v, err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return v, errors.Wrap(err, "begin integration")
	}
	defer tx.Rollback(ctx)

	if err := r.relax(ctx, tx); err != nil {
		return v, err
	}
	if err := tx.QueryRow(ctx, q.nextVersion).Scan(&v.ID); err != nil {
		return v, errors.Wrap(err, "allocate version id")
	}
	if _, err := tx.Exec(ctx, q.insertVersion, v.ID, nullableJSON(snapshot), v.CreatedAt); err != nil {
		return v, errors.Wrap(err, "insert version")
	}

	tag, err := tx.Exec(ctx, q.update, v.ID)
	if err != nil {
		return v, errors.Wrap(err, "update phase")
	}
	v.Updated = tag.RowsAffected()

	if _, err := tx.Exec(ctx, q.shrink); err != nil {
		return v, errors.Wrap(err, "shrink phase")
	}

	tag, err = tx.Exec(ctx, q.insert, v.ID)
	if err != nil {
		return v, errors.Wrap(err, "insert phase")
	}
	v.Inserted = tag.RowsAffected()
	v.TotalRows = v.Inserted + v.Updated

	if _, err := tx.Exec(ctx, q.patchVersion, v.ID, v.TotalRows, v.Inserted, v.Updated, v.Deleted); err != nil {
		return v, errors.Wrap(err, "patch version")
	}
	if err := tx.Commit(ctx); err != nil {
		return v, errors.Wrap(err, "commit integration")
	}
	return v, nil
}

// DeleteWindow deletes fact rows in the period window and records the
// removal as a version with a negative total.
func (r *Repo) DeleteWindow(ctx context.Context, spec storage.DatasetSpec, from, to int64, now time.Time) (dataset.Version, error) {
	v := dataset.Version{CreatedAt: now.UTC()}
	if spec.PeriodColumn == "" {
		return v, errors.Wrapf(dataset.ErrBadParameter, "dataset type %q has no period column", spec.Type)
	}
	if from > to {
		return v, errors.Wrapf(dataset.ErrBadParameter, "empty window %d..%d", from, to)
	}
	q := buildIntegrateSQL(spec)

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return v, err
	}
	defer tx.Rollback(ctx)

	if err := tx.QueryRow(ctx, q.nextVersion).Scan(&v.ID); err != nil {
		return v, errors.Wrap(err, "allocate version id")
	}
	if _, err := tx.Exec(ctx, q.insertVersion, v.ID, nil, v.CreatedAt); err != nil {
		return v, errors.Wrap(err, "insert version")
	}
	tag, err := tx.Exec(ctx, fmt.Sprintf(
		"DELETE FROM %s WHERE %s BETWEEN $1 AND $2",
		storage.Ident(spec.FactTable), storage.Ident(spec.PeriodColumn)), from, to)
	if err != nil {
		return v, errors.Wrap(err, "delete window")
	}
	v.Deleted = tag.RowsAffected()
	v.TotalRows = -v.Deleted
	if _, err := tx.Exec(ctx, q.patchVersion, v.ID, v.TotalRows, v.Inserted, v.Updated, v.Deleted); err != nil {
		return v, errors.Wrap(err, "patch version")
	}
	return v, tx.Commit(ctx)
}

func (r *Repo) FactChecksum(ctx context.Context, spec storage.DatasetSpec) (int64, string, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY %s",
		storage.IdentList(spec.FactColumns()), storage.Ident(spec.FactTable), storage.IdentList(spec.KeyNames())))
	if err != nil {
		return 0, "", errors.Wrapf(err, "checksum %s", spec.FactTable)
	}
	defer rows.Close()
	sum := transformer.NewChecksum()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
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
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id DESC LIMIT 1", versionColumns, storage.Ident(spec.VersionTable)))
	if err != nil {
		return dataset.Version{}, err
	}
	versions, err := collectVersions(rows)
	if err != nil {
		return dataset.Version{}, err
	}
	if len(versions) == 0 {
		return dataset.Version{}, errors.Wrapf(dataset.ErrNotFound, "no %s version yet", spec.Type)
	}
	return versions[0], nil
}

func (r *Repo) ListVersions(ctx context.Context, spec storage.DatasetSpec) ([]dataset.Version, error) {
	rows, err := r.db.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM %s ORDER BY id", versionColumns, storage.Ident(spec.VersionTable)))
	if err != nil {
		return nil, err
	}
	return collectVersions(rows)
}

func collectVersions(rows pgx.Rows) ([]dataset.Version, error) {
	defer rows.Close()
	out := []dataset.Version{}
	for rows.Next() {
		var v dataset.Version
		var snapshot []byte
		if err := rows.Scan(&v.ID, &v.TotalRows, &v.Inserted, &v.Updated, &v.Deleted, &snapshot, &v.CreatedAt); err != nil {
			return nil, err
		}
		res, err := storage.DecodeVersionResult(snapshot)
		if err != nil {
			return nil, errors.Wrapf(err, "version %d", v.ID)
		}
		v.StagingResult = res
		v.CreatedAt = v.CreatedAt.UTC()
		out = append(out, v)
	}
	return out, rows.Err()
}

// nullableJSON passes a nil snapshot as SQL NULL rather than an empty jsonb.
func nullableJSON(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
