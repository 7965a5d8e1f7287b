package api

import (
	"net/http"
	"time"

	"github.com/cockroachdb/errors"

	"healthetl/internal/dataset"
)

type versionDto struct {
	ID            int64                  `json:"id"`
	TotalRows     int64                  `json:"totalRows"`
	Inserted      int64                  `json:"inserted"`
	Updated       int64                  `json:"updated"`
	Deleted       int64                  `json:"deleted"`
	StagingResult *dataset.StagingResult `json:"stagingResult,omitempty"`
	CreatedAt     time.Time              `json:"createdAt"`
}

func adaptVersionDto(v dataset.Version) versionDto {
	return versionDto{
		ID:            v.ID,
		TotalRows:     v.TotalRows,
		Inserted:      v.Inserted,
		Updated:       v.Updated,
		Deleted:       v.Deleted,
		StagingResult: v.StagingResult,
		CreatedAt:     v.CreatedAt,
	}
}

func (a *API) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	v, err := a.svc.CurrentVersion(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModel(w, adaptVersionDto(v))
}

func (a *API) handleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	versions, err := a.svc.Versions(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	out := make([]versionDto, len(versions))
	for i, v := range versions {
		out[i] = adaptVersionDto(v)
	}
	PresentModel(w, map[string]any{"versions": out})
}

type deleteWindowInput struct {
	From int64 `json:"from"`
	To   int64 `json:"to"`
}

func (a *API) handleDeleteWindow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	if t != dataset.HMIS {
		presentError(ctx, a.logger, w, errors.Wrapf(dataset.ErrBadParameter, "window deletion is only supported for %s", dataset.HMIS))
		return
	}
	var in deleteWindowInput
	if presentError(ctx, a.logger, w, decodeJSON(r, &in)) {
		return
	}
	v, err := a.svc.DeleteWindow(ctx, in.From, in.To)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModel(w, adaptVersionDto(v))
}
