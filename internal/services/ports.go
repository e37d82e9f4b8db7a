package services

import (
	"context"
	"time"

	"github.com/Lllllllleong/detectionflow/internal/models"
)

// BlobStore keeps raw uploads and JSON artifacts. Locators are opaque URIs.
type BlobStore interface {
	Put(ctx context.Context, object string, content []byte, contentType string) (string, error)
	PutJSON(ctx context.Context, object string, v any) (string, error)
	Get(ctx context.Context, uri string) ([]byte, error)
}

// Detector runs one detection call. Invoke reports failures in the result, never as an error.
type Detector interface {
	Invoke(ctx context.Context, in models.DetectionInput) models.DetectionResult
	// AcceptsURL reports whether the detector fetches url itself.
	AcceptsURL(url string) bool
}

// TerminalNotifier is told once for every image that reaches processed or failed.
type TerminalNotifier interface {
	OnImageTerminal(ctx context.Context, img *models.Image) error
}

// Dispatcher hands a batch of uploaded images to the lifecycle controller, usually asynchronously.
type Dispatcher interface {
	Dispatch(ctx context.Context, req models.ProcessBatchRequest) error
}

// CaptureDateResolver picks a capture date for an uploaded file.
type CaptureDateResolver interface {
	Resolve(content []byte, filename string) time.Time
}
