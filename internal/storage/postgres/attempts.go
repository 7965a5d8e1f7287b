package postgres

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
)

func (r *Repo) GetAttempt(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	sql, args, err := r.qb.
		Select(storage.AttemptColumns...).
		From(storage.AttemptsTable).
		Where(sq.Eq{"dataset_type": string(t)}).
		ToSql()
	if err != nil {
		return dataset.UploadAttempt{}, errors.Wrap(err, "unable to build attempt query")
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return dataset.UploadAttempt{}, errors.Wrap(err, "unable to get attempt")
	}
	attempts, err := collectAttempts(rows)
	if err != nil {
		return dataset.UploadAttempt{}, err
	}
	if len(attempts) == 0 {
		return dataset.UploadAttempt{}, errors.Wrapf(dataset.ErrNotFound, "no upload attempt for %s", t)
	}
	return attempts[0], nil
}

func (r *Repo) ListAttempts(ctx context.Context, types ...dataset.StatusType) ([]dataset.UploadAttempt, error) {
	q := r.qb.
		Select(storage.AttemptColumns...).
		From(storage.AttemptsTable).
		OrderBy("dataset_type")
	if len(types) > 0 {
		q = q.Where(sq.Eq{"status_type": storage.StatusTypeStrings(types)})
	}
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "unable to build attempt query")
	}
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to list attempts")
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]dataset.UploadAttempt, error) {
	defer rows.Close()
	out := []dataset.UploadAttempt{}
	for rows.Next() {
		var rec storage.AttemptRecord
		if err := rows.Scan(
			&rec.DatasetType, &rec.ID, &rec.DateStarted, &rec.Step, &rec.SourceType,
			&rec.Step1, &rec.Step2, &rec.Step3, &rec.Status, &rec.StatusType,
		); err != nil {
			return nil, err
		}
		a, err := storage.DecodeAttempt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// InsertAttempt relies on the dataset_type primary key: a second attempt for
// the same type inserts nothing.
func (r *Repo) InsertAttempt(ctx context.Context, a dataset.UploadAttempt) error {
	rec, err := storage.EncodeAttempt(a)
	if err != nil {
		return err
	}
	sql, args, err := r.qb.
		Insert(storage.AttemptsTable).
		Columns(storage.AttemptColumns...).
		Values(rec.Values()...).
		Suffix("ON CONFLICT (dataset_type) DO NOTHING").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "unable to build attempt insert")
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrap(err, "unable to insert attempt")
	}
	if tag.RowsAffected() == 0 {
		return dataset.ErrAttemptExists
	}
	return nil
}

func (r *Repo) UpdateAttempt(ctx context.Context, a dataset.UploadAttempt) error {
	rec, err := storage.EncodeAttempt(a)
	if err != nil {
		return err
	}
	values := rec.Values()
	set := make(map[string]any, len(storage.AttemptColumns)-1)
	for i, c := range storage.AttemptColumns[1:] {
		set[c] = values[i+1]
	}
	sql, args, err := r.qb.
		Update(storage.AttemptsTable).
		SetMap(set).
		Where(sq.Eq{"dataset_type": rec.DatasetType}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "unable to build attempt update")
	}
	return r.execOne(ctx, sql, args, a.DatasetType)
}

func (r *Repo) DeleteAttempt(ctx context.Context, t dataset.Type) error {
	sql, args, err := r.qb.
		Delete(storage.AttemptsTable).
		Where(sq.Eq{"dataset_type": string(t)}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "unable to build attempt delete")
	}
	return r.execOne(ctx, sql, args, t)
}

func (r *Repo) SetAttemptStatus(ctx context.Context, t dataset.Type, status dataset.Status) error {
	b, err := storage.EncodeStatus(status)
	if err != nil {
		return err
	}
	sql, args, err := r.qb.
		Update(storage.AttemptsTable).
		Set("status", b).
		Set("status_type", string(status.Type)).
		Where(sq.Eq{"dataset_type": string(t)}).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "unable to build status update")
	}
	return r.execOne(ctx, sql, args, t)
}

// ClaimAttempt is a compare-and-set on status_type.
func (r *Repo) ClaimAttempt(ctx context.Context, t dataset.Type, status dataset.Status, allowed []dataset.StatusType) (bool, error) {
	b, err := storage.EncodeStatus(status)
	if err != nil {
		return false, err
	}
	sql, args, err := r.qb.
		Update(storage.AttemptsTable).
		Set("status", b).
		Set("status_type", string(status.Type)).
		Where(sq.Eq{
			"dataset_type": string(t),
			"status_type":  storage.StatusTypeStrings(allowed),
		}).
		ToSql()
	if err != nil {
		return false, errors.Wrap(err, "unable to build claim")
	}
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, errors.Wrap(err, "unable to claim attempt")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Repo) execOne(ctx context.Context, sql string, args []any, t dataset.Type) error {
	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return errors.Wrapf(err, "upload attempt %s", t)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(dataset.ErrNotFound, "no upload attempt for %s", t)
	}
	return nil
}
