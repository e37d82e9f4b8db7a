// Package repository persists image and submission records.
//
// Two implementations share the same contract: Firestore for deployed functions and an
// in-memory store for tests and local runs. Conditional writes (begin-processing, terminal
// status, submission link) are atomic in both.
package repository

import (
	"context"
	"time"

	"github.com/Lllllllleong/detectionflow/internal/models"
)

// TerminalUpdate is the payload written when an image leaves the processing state.
type TerminalUpdate struct {
	Status       models.ImageStatus
	Result       *models.DetectionResult
	ResultURI    string
	ErrorDetails string
}

// ImageRepository stores image records.
type ImageRepository interface {
	// CreateImage inserts a new record; an existing ID is a KindConflict error.
	CreateImage(ctx context.Context, img *models.Image) error
	// GetImage returns the record or perr.ErrNotFound. Ownership is checked by callers.
	GetImage(ctx context.Context, imageID string) (*models.Image, error)
	// GetImages returns the records that exist among imageIDs, plus the IDs that do not.
	GetImages(ctx context.Context, imageIDs []string) ([]models.Image, []string, error)
	// BeginProcessing moves uploaded→processing. When the record is in any other state it
	// is returned unchanged with started=false.
	BeginProcessing(ctx context.Context, imageID string) (img *models.Image, started bool, err error)
	// CompleteImage moves processing→processed|failed; any other current state is a
	// KindConflict error.
	CompleteImage(ctx context.Context, imageID string, upd TerminalUpdate) (*models.Image, error)
	// LinkSubmission sets SubmissionID only if it is empty. linked reports whether the
	// record now points at submissionID.
	LinkSubmission(ctx context.Context, imageID, submissionID string) (linked bool, err error)
	// ClearSubmission empties SubmissionID only if it currently equals submissionID.
	// cleared reports whether the link was removed by this call.
	ClearSubmission(ctx context.Context, imageID, submissionID string) (cleared bool, err error)
	ListImagesBySubmission(ctx context.Context, ownerID, submissionID string) ([]models.Image, error)
	// ListUnlinkedImages returns every image with no submission, across owners. Records
	// that never had a submission field count as unlinked.
	ListUnlinkedImages(ctx context.Context) ([]models.Image, error)
}

// StatsFunc derives a submission's statistics from the submission and the images it lists.
// missing holds listed IDs with no record. It may run more than once and must not touch
// the store; a returned error aborts the write.
type StatsFunc func(sub *models.Submission, images []models.Image, missing []string) (models.SubmissionStats, error)

// SubmissionRepository stores submission records.
type SubmissionRepository interface {
	CreateSubmission(ctx context.Context, sub *models.Submission) error
	GetSubmission(ctx context.Context, submissionID string) (*models.Submission, error)
	// RecomputeSubmission reads the submission and its listed images and merges the stats fn
	// derives into the record, as one atomic step: a concurrent image write either lands
	// before the read or forces a re-run. A missing submission is perr.ErrNotFound.
	RecomputeSubmission(ctx context.Context, submissionID string, at time.Time, fn StatsFunc) (*models.Submission, error)
	// UpdateSubmissionImages replaces the image list and count.
	UpdateSubmissionImages(ctx context.Context, submissionID string, imageIDs []string) error
	// ListSubmissionsByOwner returns newest first; limit <= 0 means no limit.
	ListSubmissionsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Submission, error)
	ListMigratedSubmissions(ctx context.Context) ([]models.Submission, error)
	DeleteSubmission(ctx context.Context, submissionID string) error
}

// Store is the full persistence surface used by the services.
type Store interface {
	ImageRepository
	SubmissionRepository
}
