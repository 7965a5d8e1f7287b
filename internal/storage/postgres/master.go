package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"healthetl/internal/storage"
)

func (r *Repo) AddFacilities(ctx context.Context, ids ...string) error {
	return r.addKeys(ctx, storage.FacilitiesTable, "facility_id", ids)
}

func (r *Repo) AddIndicators(ctx context.Context, spec storage.DatasetSpec, ids ...string) error {
	return r.addKeys(ctx, spec.Indicator.MasterTable, spec.Indicator.MasterColumn, ids)
}

func (r *Repo) RemoveFacilities(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	sql, args, err := r.qb.Delete(storage.FacilitiesTable).Where(sq.Eq{"facility_id": ids}).ToSql()
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, sql, args...)
	return errors.Wrap(err, "remove facilities")
}

func (r *Repo) addKeys(ctx context.Context, table, column string, ids []string) error {
	for start := 0; start < len(ids); start += keyChunk {
		q := r.qb.Insert(table).Columns(column).Suffix("ON CONFLICT DO NOTHING")
		for _, id := range ids[start:min(start+keyChunk, len(ids))] {
			q = q.Values(id)
		}
		sql, args, err := q.ToSql()
		if err != nil {
			return err
		}
		if _, err := r.db.Exec(ctx, sql, args...); err != nil {
			return errors.Wrapf(err, "add %s keys", table)
		}
	}
	return nil
}

// keyChunk keeps each insert well under the bind parameter limit.
const keyChunk = 10_000
