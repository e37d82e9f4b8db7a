package services

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

// DefaultListLimit caps listings when the caller gives no limit.
const DefaultListLimit = 100

// QueryService serves read-only views scoped to one owner. Records owned by someone else
// are reported as not found.
type QueryService struct {
	images      repository.ImageRepository
	submissions repository.SubmissionRepository
	aggregator  *Aggregator
	log         zerolog.Logger
}

// NewQueryService wires a QueryService. aggregator may be nil when refresh is not needed.
func NewQueryService(images repository.ImageRepository, submissions repository.SubmissionRepository, aggregator *Aggregator, log zerolog.Logger) *QueryService {
	return &QueryService{images: images, submissions: submissions, aggregator: aggregator, log: log}
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > DefaultListLimit {
		return DefaultListLimit
	}
	return limit
}

// ListSubmissions returns the owner's submissions, newest first.
func (q *QueryService) ListSubmissions(ctx context.Context, ownerID string, limit int) ([]models.Submission, error) {
	subs, err := q.submissions.ListSubmissionsByOwner(ctx, ownerID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if subs == nil {
		subs = []models.Submission{}
	}
	return subs, nil
}

// GetSubmission returns one submission of the owner.
func (q *QueryService) GetSubmission(ctx context.Context, ownerID, submissionID string) (*models.Submission, error) {
	sub, err := q.submissions.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.OwnerID != ownerID {
		return nil, perr.ErrNotFound
	}
	return sub, nil
}

// RefreshSubmission recomputes statistics before returning the submission.
func (q *QueryService) RefreshSubmission(ctx context.Context, ownerID, submissionID string) (*models.Submission, error) {
	if q.aggregator == nil {
		return q.GetSubmission(ctx, ownerID, submissionID)
	}
	return q.aggregator.Recompute(ctx, ownerID, submissionID)
}

// ListSubmissionImages returns the owner's images linked to the submission, in upload order.
func (q *QueryService) ListSubmissionImages(ctx context.Context, ownerID, submissionID string) ([]models.Image, error) {
	sub, err := q.GetSubmission(ctx, ownerID, submissionID)
	if err != nil {
		return nil, err
	}
	imgs, err := q.images.ListImagesBySubmission(ctx, ownerID, submissionID)
	if err != nil {
		return nil, err
	}
	return orderImages(sub.ImageIDs, imgs), nil
}

// GetImage returns one image of the owner.
func (q *QueryService) GetImage(ctx context.Context, ownerID, imageID string) (*models.Image, error) {
	img, err := q.images.GetImage(ctx, imageID)
	if err != nil {
		return nil, err
	}
	if img.OwnerID != ownerID {
		return nil, perr.ErrNotFound
	}
	return img, nil
}

// ImageStats returns detection statistics for one processed image of the owner.
// Images that have not been processed yet are a KindConflict error.
func (q *QueryService) ImageStats(ctx context.Context, ownerID, imageID string) (*models.ImageStats, error) {
	img, err := q.GetImage(ctx, ownerID, imageID)
	if err != nil {
		return nil, err
	}
	if img.Status != models.ImageStatusProcessed || img.DetectionResult == nil {
		return nil, perr.Conflictf("image not processed yet, status %s", img.Status)
	}
	stats := BuildImageStats(img.ImageID, *img.DetectionResult)
	return &stats, nil
}

// Report renders one submission report.
func (q *QueryService) Report(ctx context.Context, ownerID, submissionID string) (*models.SubmissionReport, error) {
	sub, err := q.GetSubmission(ctx, ownerID, submissionID)
	if err != nil {
		return nil, err
	}
	imgs, err := q.images.ListImagesBySubmission(ctx, ownerID, submissionID)
	if err != nil {
		return nil, err
	}
	rep := BuildReport(*sub, imgs)
	return &rep, nil
}

// Reports renders the owner's most recent submissions.
func (q *QueryService) Reports(ctx context.Context, ownerID string, limit int) ([]models.SubmissionReport, error) {
	subs, err := q.ListSubmissions(ctx, ownerID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.SubmissionReport, 0, len(subs))
	for _, sub := range subs {
		imgs, err := q.images.ListImagesBySubmission(ctx, ownerID, sub.SubmissionID)
		if err != nil {
			q.log.Error().Err(err).Str("submissionId", sub.SubmissionID).Msg("failed to load images for report, skipping")
			continue
		}
		out = append(out, BuildReport(sub, imgs))
	}
	return out, nil
}
