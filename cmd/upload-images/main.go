package main

import (
	"context"
	"net/http"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"

	"github.com/Lllllllleong/detectionflow/internal/app"
	"github.com/Lllllllleong/detectionflow/internal/httpapi"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
)

var (
	router  http.Handler
	once    sync.Once
	initErr error
)

func init() {
	logger.Init(logger.FromEnv())
	functions.HTTP("HandleUploadImages", handleUploadImages)
}

func main() {}

// handleUploadImages serves POST /v1/uploads. Everything else on the router is left unmounted.
func handleUploadImages(w http.ResponseWriter, r *http.Request) {
	log := logger.Named("upload-images")
	once.Do(func() {
		var a *app.App
		a, initErr = app.FromEnv(context.Background(), log, app.ForCloudFunction())
		if initErr != nil {
			return
		}
		router = httpapi.NewRouter(httpapi.Deps{
			Uploader:       a.Uploader,
			Log:            log,
			CORSOrigins:    a.Config.CORSOrigins,
			MaxUploadBytes: 8 * a.Config.Upload.MaxBytes,
		})
	})
	if initErr != nil {
		log.Error().Err(initErr).Msg("Critical: upload service initialization failed")
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
