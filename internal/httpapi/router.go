// Package httpapi exposes uploads, processing and the read side over HTTP.
package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/services"
)

// Deps are the services behind the router.
type Deps struct {
	Uploader  *services.Uploader
	Lifecycle *services.LifecycleController
	Query     *services.QueryService
	Log       zerolog.Logger

	CORSOrigins []string
	// MaxUploadBytes bounds a whole multipart request; zero means 8x the default per-file limit.
	MaxUploadBytes int64
}

type api struct {
	Deps
}

// NewRouter builds the chi router. Routes whose service is nil are not mounted.
func NewRouter(d Deps) http.Handler {
	if d.MaxUploadBytes <= 0 {
		d.MaxUploadBytes = 8 * services.DefaultMaxUploadBytes
	}
	origins := d.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	a := &api{Deps: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", OwnerHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/v1", func(v1 chi.Router) {
		v1.Use(requireOwner(d.Log))
		if d.Uploader != nil {
			v1.Post("/uploads", a.handleUpload)
		}
		if d.Lifecycle != nil {
			v1.Post("/images/{imageID}/process", a.handleProcessImage)
		}
		if d.Query != nil {
			v1.Get("/submissions", a.handleListSubmissions)
			v1.Get("/submissions/{submissionID}", a.handleGetSubmission)
			v1.Get("/submissions/{submissionID}/images", a.handleListSubmissionImages)
			v1.Get("/submissions/{submissionID}/report", a.handleGetReport)
			v1.Get("/images/{imageID}", a.handleGetImage)
			v1.Get("/images/{imageID}/stats", a.handleGetImageStats)
			v1.Get("/reports", a.handleListReports)
		}
	})
	return r
}
