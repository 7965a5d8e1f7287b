package sqlite

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
	_, err := r.exec(ctx, r.qb.Delete(storage.FacilitiesTable).Where(sq.Eq{"facility_id": ids}))
	return errors.Wrap(err, "remove facilities")
}

// addKeys uses INSERT OR IGNORE, which relies on the master table's primary
// key. Keys are sent in chunks to stay under the variable limit.
func (r *Repo) addKeys(ctx context.Context, table, column string, ids []string) error {
	for start := 0; start < len(ids); start += keyChunk {
		q := r.qb.Insert(table).Options("OR IGNORE").Columns(column)
		for _, id := range ids[start:min(start+keyChunk, len(ids))] {
			q = q.Values(id)
		}
		if _, err := r.exec(ctx, q); err != nil {
			return errors.Wrapf(err, "add %s keys", table)
		}
	}
	return nil
}

const keyChunk = 10_000
