package api

import (
	"encoding/json"
	"mime"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"healthetl/internal/dataset"
)

type uploadAttemptDto struct {
	ID          string                 `json:"id"`
	DatasetType dataset.Type           `json:"datasetType"`
	DateStarted time.Time              `json:"dateStarted"`
	Step        int                    `json:"step"`
	SourceType  dataset.SourceType     `json:"sourceType,omitempty"`
	Step1Result any                    `json:"step1Result,omitempty"`
	Step2Result any                    `json:"step2Result,omitempty"`
	Step3Result *dataset.StagingResult `json:"step3Result,omitempty"`
	Status      dataset.Status         `json:"status"`
}

func adaptUploadAttemptDto(a dataset.UploadAttempt) uploadAttemptDto {
	out := uploadAttemptDto{
		ID:          a.ID,
		DatasetType: a.DatasetType,
		DateStarted: a.DateStarted,
		Step:        a.Step,
		SourceType:  a.SourceType,
		Step3Result: a.Step3,
		Status:      a.Status,
	}
	if a.Step1 != nil {
		if a.Step1.CSV != nil {
			out.Step1Result = a.Step1.CSV
		} else if a.Step1.API != nil {
			out.Step1Result = a.Step1.API
		}
	}
	if a.Step2 != nil {
		if a.Step2.Mapping != nil {
			out.Step2Result = map[string]any{"mapping": a.Step2.Mapping}
		} else if a.Step2.Selection != nil {
			out.Step2Result = map[string]any{"selection": a.Step2.Selection}
		}
	}
	return out
}

func datasetType(r *http.Request) (dataset.Type, error) {
	return dataset.ParseType(chi.URLParam(r, "type"))
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrapf(dataset.ErrBadParameter, "invalid request body: %v", err)
	}
	return nil
}

func (a *API) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	attempt, err := a.svc.Get(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModel(w, adaptUploadAttemptDto(attempt))
}

func (a *API) handleCreateAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	attempt, err := a.svc.Create(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModelStatusCode(w, adaptUploadAttemptDto(attempt), http.StatusCreated)
}

func (a *API) handleDeleteAttempt(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	if presentError(ctx, a.logger, w, a.svc.Delete(ctx, t)) {
		return
	}
	PresentNothing(w)
}

type selectSourceInput struct {
	SourceType string `json:"sourceType"`
}

func (a *API) handleSelectSource(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	var in selectSourceInput
	if presentError(ctx, a.logger, w, decodeJSON(r, &in)) {
		return
	}
	src, err := dataset.ParseSourceType(in.SourceType)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	attempt, err := a.svc.SelectSource(ctx, t, src)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModel(w, adaptUploadAttemptDto(attempt))
}

// handleStep1 accepts either a multipart CSV upload (field "file") or a JSON
// external source description.
func (a *API) handleStep1(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var attempt dataset.UploadAttempt
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(a.MaxUploadMemory); err != nil {
			presentError(ctx, a.logger, w, errors.Wrapf(dataset.ErrBadParameter, "invalid upload: %v", err))
			return
		}
		defer r.MultipartForm.RemoveAll()
		file, header, err := r.FormFile("file")
		if err != nil {
			presentError(ctx, a.logger, w, errors.Wrap(dataset.ErrBadParameter, "multipart field \"file\" is required"))
			return
		}
		defer file.Close()
		attempt, err = a.svc.SaveUpload(ctx, t, header.Filename, file)
		if presentError(ctx, a.logger, w, err) {
			return
		}
	} else {
		var in dataset.ExternalAPI
		if presentError(ctx, a.logger, w, decodeJSON(r, &in)) {
			return
		}
		if in.BaseURL == "" {
			presentError(ctx, a.logger, w, errors.Wrap(dataset.ErrBadParameter, "baseUrl is required"))
			return
		}
		attempt, err = a.svc.SetStep1(ctx, t, dataset.Step1Result{API: &in})
		if presentError(ctx, a.logger, w, err) {
			return
		}
	}
	PresentModel(w, adaptUploadAttemptDto(attempt))
}

type step2Input struct {
	Mapping   map[string]string       `json:"mapping"`
	Selection *dataset.DHIS2Selection `json:"selection"`
}

func (a *API) handleStep2(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	var in step2Input
	if presentError(ctx, a.logger, w, decodeJSON(r, &in)) {
		return
	}
	attempt, err := a.svc.SetStep2(ctx, t, dataset.Step2Result{Mapping: in.Mapping, Selection: in.Selection})
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModel(w, adaptUploadAttemptDto(attempt))
}

func (a *API) handleStage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	attempt, err := a.svc.StartStaging(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModelStatusCode(w, adaptUploadAttemptDto(attempt), http.StatusAccepted)
}

func (a *API) handleIntegrate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	attempt, err := a.svc.StartIntegration(ctx, t)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	PresentModelStatusCode(w, adaptUploadAttemptDto(attempt), http.StatusAccepted)
}

func (a *API) handleTerminate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := datasetType(r)
	if presentError(ctx, a.logger, w, err) {
		return
	}
	if presentError(ctx, a.logger, w, a.svc.Terminate(ctx, t)) {
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
