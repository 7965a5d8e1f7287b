package sqlite

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
	"healthetl/internal/storage"
)

// values converts a record to SQLite column types: TEXT timestamps and TEXT
// JSON payloads.
func values(rec storage.AttemptRecord) []any {
	return []any{
		rec.DatasetType, rec.ID, formatSQLiteTime(rec.DateStarted), rec.Step, rec.SourceType,
		textOrNull(rec.Step1), textOrNull(rec.Step2), textOrNull(rec.Step3), textOrNull(rec.Status), rec.StatusType,
	}
}

func (r *Repo) GetAttempt(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error) {
	attempts, err := r.selectAttempts(ctx, r.qb.
		Select(storage.AttemptColumns...).
		From(storage.AttemptsTable).
		Where(sq.Eq{"dataset_type": string(t)}))
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
	return r.selectAttempts(ctx, q)
}

func (r *Repo) selectAttempts(ctx context.Context, q sq.SelectBuilder) ([]dataset.UploadAttempt, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "unable to build attempt query")
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "unable to get attempts")
	}
	defer rows.Close()

	out := []dataset.UploadAttempt{}
	for rows.Next() {
		var rec storage.AttemptRecord
		var started string
		if err := rows.Scan(
			&rec.DatasetType, &rec.ID, &started, &rec.Step, &rec.SourceType,
			&rec.Step1, &rec.Step2, &rec.Step3, &rec.Status, &rec.StatusType,
		); err != nil {
			return nil, err
		}
		if rec.DateStarted, err = parseSQLiteTime(started); err != nil {
			return nil, errors.Wrapf(err, "attempt %s", rec.ID)
		}
		a, err := storage.DecodeAttempt(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *Repo) InsertAttempt(ctx context.Context, a dataset.UploadAttempt) error {
	rec, err := storage.EncodeAttempt(a)
	if err != nil {
		return err
	}
	query, args, err := r.qb.
		Insert(storage.AttemptsTable).
		Columns(storage.AttemptColumns...).
		Values(values(rec)...).
		Suffix("ON CONFLICT (dataset_type) DO NOTHING").
		ToSql()
	if err != nil {
		return errors.Wrap(err, "unable to build attempt insert")
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(err, "unable to insert attempt")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return dataset.ErrAttemptExists
	}
	return nil
}

func (r *Repo) UpdateAttempt(ctx context.Context, a dataset.UploadAttempt) error {
	rec, err := storage.EncodeAttempt(a)
	if err != nil {
		return err
	}
	vals := values(rec)
	set := make(map[string]any, len(storage.AttemptColumns)-1)
	for i, c := range storage.AttemptColumns[1:] {
		set[c] = vals[i+1]
	}
	return r.execOne(ctx, r.qb.
		Update(storage.AttemptsTable).
		SetMap(set).
		Where(sq.Eq{"dataset_type": rec.DatasetType}), a.DatasetType)
}

func (r *Repo) DeleteAttempt(ctx context.Context, t dataset.Type) error {
	return r.execOne(ctx, r.qb.
		Delete(storage.AttemptsTable).
		Where(sq.Eq{"dataset_type": string(t)}), t)
}

func (r *Repo) SetAttemptStatus(ctx context.Context, t dataset.Type, status dataset.Status) error {
	b, err := storage.EncodeStatus(status)
	if err != nil {
		return err
	}
	return r.execOne(ctx, r.qb.
		Update(storage.AttemptsTable).
		Set("status", string(b)).
		Set("status_type", string(status.Type)).
		Where(sq.Eq{"dataset_type": string(t)}), t)
}

func (r *Repo) ClaimAttempt(ctx context.Context, t dataset.Type, status dataset.Status, allowed []dataset.StatusType) (bool, error) {
	b, err := storage.EncodeStatus(status)
	if err != nil {
		return false, err
	}
	res, err := r.exec(ctx, r.qb.
		Update(storage.AttemptsTable).
		Set("status", string(b)).
		Set("status_type", string(status.Type)).
		Where(sq.Eq{
			"dataset_type": string(t),
			"status_type":  storage.StatusTypeStrings(allowed),
		}))
	if err != nil {
		return false, errors.Wrap(err, "unable to claim attempt")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (r *Repo) exec(ctx context.Context, q sq.Sqlizer) (sql.Result, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "unable to build query")
	}
	return r.db.ExecContext(ctx, query, args...)
}

func (r *Repo) execOne(ctx context.Context, q sq.Sqlizer, t dataset.Type) error {
	res, err := r.exec(ctx, q)
	if err != nil {
		return errors.Wrapf(err, "upload attempt %s", t)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Wrapf(dataset.ErrNotFound, "no upload attempt for %s", t)
	}
	return nil
}
