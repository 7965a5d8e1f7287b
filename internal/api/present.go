package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"healthetl/internal/dataset"
	"healthetl/internal/metrics"
)

type errorDto struct {
	Error       string   `json:"error"`
	FacilityIDs []string `json:"facilityIds,omitempty"`
}

// presentError writes err with the status code of its sentinel and reports
// whether there was an error to present.
func presentError(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	body := errorDto{Error: err.Error()}
	var missing *dataset.MissingFacilitiesError
	var code int
	switch {
	case errors.As(err, &missing):
		body.FacilityIDs = missing.FacilityIDs
		code = http.StatusUnprocessableEntity
	case errors.Is(err, dataset.ErrBadParameter):
		code = http.StatusBadRequest
	case errors.Is(err, dataset.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, dataset.ErrConflict):
		code = http.StatusConflict
	default:
		logger.ErrorContext(ctx, "unexpected error", slog.Any("error", err))
		code = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
	return true
}

func PresentModel(w http.ResponseWriter, model any) {
	PresentModelStatusCode(w, model, http.StatusOK)
}

func PresentModelStatusCode(w http.ResponseWriter, model any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(model); err != nil {
		panic(err)
	}
}

func PresentNothing(w http.ResponseWriter) {
	w.Header().Del("Content-Type")
	w.WriteHeader(http.StatusNoContent)
}

// requestLogger logs one line per request and records HTTP metrics under
// the matched route pattern.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			started := time.Now()
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			labels := metrics.Labels{"method": r.Method, "route": route, "status": strconv.Itoa(status)}
			metrics.IncCounter(metrics.HTTPRequestsTotal, 1, labels)
			metrics.ObserveHistogram(metrics.HTTPRequestSeconds, time.Since(started).Seconds(), labels)
			if status >= http.StatusInternalServerError {
				metrics.IncCounter(metrics.HTTPErrorsTotal, 1, labels)
			}

			logger.LogAttrs(r.Context(), slog.LevelInfo, "http request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration", time.Since(started)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
