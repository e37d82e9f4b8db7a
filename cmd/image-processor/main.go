package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/detectionflow/internal/app"
	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
	"github.com/Lllllllleong/detectionflow/internal/platform/validate"
)

var (
	application *app.App
	once        sync.Once
	initErr     error
)

func init() {
	logger.Init(logger.FromEnv())

	// Called once per image by the batch workflow.
	functions.HTTP("HandleProcessImage", handleProcessImage)
	// Fired by the uploads bucket when an object is finalized.
	functions.CloudEvent("ProcessUploadedImage", processUploadedImage)
}

func main() {}

func setup() error {
	once.Do(func() {
		application, initErr = app.FromEnv(context.Background(), logger.Named("image-processor"))
	})
	return initErr
}

// gcsEvent is the subset of the storage object payload we need.
type gcsEvent struct {
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
}

func handleProcessImage(w http.ResponseWriter, r *http.Request) {
	log := logger.Named("image-processor")
	if err := setup(); err != nil {
		log.Error().Err(err).Msg("Critical: image processor initialization failed")
		http.Error(w, "Internal Server Error: failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req models.ProcessImageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Could not decode request body")
		http.Error(w, "Bad Request: could not parse JSON", http.StatusBadRequest)
		return
	}
	if err := validate.Struct(req); err != nil {
		http.Error(w, "Bad Request: "+err.Error(), http.StatusBadRequest)
		return
	}
	logCtx := log.With().Str("imageId", req.ImageID).Str("executionId", req.ExecutionID).Logger()

	// the workflow may time out the call; the image must still reach a terminal state
	img, started, err := application.Lifecycle.ProcessOwned(context.WithoutCancel(r.Context()), req.OwnerID, req.ImageID)
	if err != nil {
		logCtx.Error().Err(err).Msg("processing could not start")
		http.Error(w, perr.WireFrom(err).Message, perr.HTTPStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(models.ProcessImageResponse{ImageID: img.ImageID, Status: img.Status, Started: started}); err != nil {
		logCtx.Error().Err(err).Msg("Failed to write response")
	}
}

func processUploadedImage(ctx context.Context, e cloudevents.Event) error {
	log := logger.Named("image-processor")
	if err := setup(); err != nil {
		log.Error().Err(err).Msg("Critical: image processor initialization failed")
		return err
	}

	var ev gcsEvent
	if err := json.Unmarshal(e.Data(), &ev); err != nil {
		log.Error().Err(err).Str("data", string(e.Data())).Msg("Failed to unmarshal event data")
		return fmt.Errorf("json.Unmarshal: %w", err)
	}
	owner, imageID, ok := parseUploadObject(ev.Name)
	if !ok {
		log.Info().Str("object", ev.Name).Msg("object is not an upload, ignoring")
		return nil
	}
	logCtx := log.With().Str("imageId", imageID).Str("ownerId", owner).Str("bucket", ev.Bucket).Logger()

	_, _, err := application.Lifecycle.ProcessOwned(context.WithoutCancel(ctx), owner, imageID)
	if err != nil {
		// the object can land before its record does; returning lets the trigger retry
		logCtx.Error().Err(err).Msg("processing could not start")
		return err
	}
	return nil
}

// parseUploadObject splits "uploads/<owner>/<image_id>.<ext>".
func parseUploadObject(name string) (owner, imageID string, ok bool) {
	rest, found := strings.CutPrefix(name, "uploads/")
	if !found {
		return "", "", false
	}
	owner, file, found := strings.Cut(rest, "/")
	if !found || owner == "" || strings.Contains(file, "/") {
		return "", "", false
	}
	imageID = strings.TrimSuffix(file, path.Ext(file))
	if imageID == "" {
		return "", "", false
	}
	return owner, imageID, true
}
