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
	functions.HTTP("HandleReports", handleReports)
}

func main() {}

// handleReports serves the read side: submissions, images and reports.
func handleReports(w http.ResponseWriter, r *http.Request) {
	log := logger.Named("reports-api")
	once.Do(func() {
		var a *app.App
		a, initErr = app.FromEnv(context.Background(), log, app.WithoutDetector())
		if initErr != nil {
			return
		}
		router = httpapi.NewRouter(httpapi.Deps{
			Query:       a.Query,
			Log:         log,
			CORSOrigins: a.Config.CORSOrigins,
		})
	})
	if initErr != nil {
		log.Error().Err(initErr).Msg("Critical: reports service initialization failed")
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}
	router.ServeHTTP(w, r)
}
