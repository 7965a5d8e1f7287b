// Package api exposes upload attempts and dataset versions over HTTP.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"healthetl/internal/dataset"
)

// Service is the upload-attempt surface the handlers call.
type Service interface {
	Get(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error)
	Create(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error)
	Delete(ctx context.Context, t dataset.Type) error
	SelectSource(ctx context.Context, t dataset.Type, src dataset.SourceType) (dataset.UploadAttempt, error)
	SetStep1(ctx context.Context, t dataset.Type, r dataset.Step1Result) (dataset.UploadAttempt, error)
	SaveUpload(ctx context.Context, t dataset.Type, fileName string, body io.Reader) (dataset.UploadAttempt, error)
	SetStep2(ctx context.Context, t dataset.Type, r dataset.Step2Result) (dataset.UploadAttempt, error)
	StartStaging(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error)
	StartIntegration(ctx context.Context, t dataset.Type) (dataset.UploadAttempt, error)
	Terminate(ctx context.Context, t dataset.Type) error
	DeleteWindow(ctx context.Context, from, to int64) (dataset.Version, error)
	CurrentVersion(ctx context.Context, t dataset.Type) (dataset.Version, error)
	Versions(ctx context.Context, t dataset.Type) ([]dataset.Version, error)
}

type API struct {
	svc    Service
	logger *slog.Logger
	router *chi.Mux

	// MaxUploadMemory is the part of a multipart upload kept in memory;
	// the rest is spooled to disk.
	MaxUploadMemory int64
}

// NewHandler returns the routed handler.
func NewHandler(svc Service, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(logger))

	a := &API{svc: svc, logger: logger, router: r, MaxUploadMemory: 32 << 20}
	a.routes()
	return a
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// New returns an http.Server serving the API on port.
func New(port string, svc Service, logger *slog.Logger) *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("0.0.0.0:%s", port),
		Handler:           NewHandler(svc, logger),
		ReadHeaderTimeout: 15 * time.Second,
		// Uploads can be large.
		ReadTimeout:  30 * time.Minute,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

func (a *API) routes() {
	a.router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		PresentModel(w, map[string]string{"status": "ok"})
	})

	a.router.Route("/datasets/{type}", func(r chi.Router) {
		r.Get("/version", a.handleGetVersion)
		r.Get("/versions", a.handleListVersions)
		r.Post("/delete-window", a.handleDeleteWindow)

		r.Route("/upload-attempt", func(r chi.Router) {
			r.Get("/", a.handleGetAttempt)
			r.Post("/", a.handleCreateAttempt)
			r.Delete("/", a.handleDeleteAttempt)
			r.Put("/source", a.handleSelectSource)
			r.Put("/step1", a.handleStep1)
			r.Put("/step2", a.handleStep2)
			r.Post("/stage", a.handleStage)
			r.Post("/integrate", a.handleIntegrate)
			r.Post("/terminate", a.handleTerminate)
		})
	})
}
