package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

// Aggregator owns submissions: it creates them for upload batches and recomputes their
// statistics from the full current image set whenever an image reaches a terminal state.
// Recomputation keeps no in-memory state, so concurrent and repeated calls converge.
type Aggregator struct {
	submissions repository.SubmissionRepository
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
}

// NewAggregator wires an Aggregator.
func NewAggregator(submissions repository.SubmissionRepository, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		submissions: submissions,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

var _ TerminalNotifier = (*Aggregator)(nil)

// CreateForBatch creates a pending submission holding imageIDs in the given order.
func (a *Aggregator) CreateForBatch(ctx context.Context, ownerID string, imageIDs []string) (string, error) {
	id := a.newID()
	if err := a.CreateWithID(ctx, id, ownerID, imageIDs); err != nil {
		return "", err
	}
	return id, nil
}

// CreateWithID creates a pending submission under an ID the caller assigned up front, so
// image records can carry it before the submission document exists. An existing document
// with the same ID is accepted.
func (a *Aggregator) CreateWithID(ctx context.Context, submissionID, ownerID string, imageIDs []string) error {
	if ownerID == "" {
		return perr.InvalidArgf("owner is required")
	}
	if submissionID == "" {
		return perr.InvalidArgf("submission id is required")
	}
	now := a.now()
	sub := &models.Submission{
		SubmissionID: submissionID,
		OwnerID:      ownerID,
		ImageIDs:     append([]string(nil), imageIDs...),
		ImageCount:   len(imageIDs),
		Status:       models.SubmissionStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err := a.submissions.CreateSubmission(ctx, sub)
	if err != nil && !perr.IsKind(err, perr.KindConflict) {
		a.log.Warn().Err(err).Str("submissionId", submissionID).Msg("create submission failed, retrying once")
		err = a.submissions.CreateSubmission(ctx, sub)
	}
	if err != nil && !perr.IsKind(err, perr.KindConflict) {
		return perr.Wrap(err, perr.KindPersistence, "failed to create submission")
	}
	a.log.Info().Str("submissionId", submissionID).Str("ownerId", ownerID).Int("images", len(imageIDs)).Msg("submission created")
	return nil
}

// OnImageTerminal recomputes the submission img belongs to. Unlinked images are ignored.
func (a *Aggregator) OnImageTerminal(ctx context.Context, img *models.Image) error {
	if img == nil || img.SubmissionID == "" {
		return nil
	}
	_, err := a.Recompute(ctx, img.OwnerID, img.SubmissionID)
	return err
}

// Recompute re-reads the submission and all of its images and writes fresh statistics.
// The read and the write are one store transaction, so a recompute that raced a later
// image completion cannot overwrite the newer result.
func (a *Aggregator) Recompute(ctx context.Context, ownerID, submissionID string) (*models.Submission, error) {
	logCtx := a.log.With().Str("submissionId", submissionID).Str("ownerId", ownerID).Logger()

	var (
		missing []string
		skipped []string
		stats   models.SubmissionStats
	)
	derive := func(sub *models.Submission, found []models.Image, absent []string) (models.SubmissionStats, error) {
		if sub.OwnerID != ownerID {
			return models.SubmissionStats{}, perr.ErrNotFound
		}
		missing, skipped = absent, nil
		images := make([]models.Image, 0, len(found))
		for _, img := range found {
			if img.OwnerID != ownerID || img.SubmissionID != submissionID {
				skipped = append(skipped, img.ImageID)
				continue
			}
			images = append(images, img)
		}
		stats = Summarize(images)
		return stats, nil
	}

	sub, err := a.submissions.RecomputeSubmission(ctx, submissionID, a.now(), derive)
	if err != nil && !perr.IsKind(err, perr.KindNotFound) {
		logCtx.Warn().Err(err).Msg("recompute failed, retrying once")
		sub, err = a.submissions.RecomputeSubmission(ctx, submissionID, a.now(), derive)
	}
	if err != nil {
		return nil, err
	}

	if len(missing) > 0 {
		logCtx.Warn().Strs("missing", missing).Msg("submission lists images that do not exist, skipping them")
	}
	if len(skipped) > 0 {
		logCtx.Warn().Strs("imageIds", skipped).Msg("images are not linked to this submission, skipping them")
	}
	logCtx.Info().
		Str("status", string(stats.Status)).
		Int("totalDetectedAreas", stats.TotalDetectedAreas).
		Float64("averageConfidence", stats.AverageConfidence).
		Msg("submission recomputed")
	return sub, nil
}

// Summarize derives submission statistics from its images.
//
//   - total detected areas: sum of NumDetections over processed images only
//   - average confidence: mean of the per-image AverageConfidence values that are > 0
//   - status: pending with no images, or while every non-terminal image is still uploaded
//     and none is terminal; processing while anything is non-terminal; completed when all
//     are processed; failed otherwise
func Summarize(images []models.Image) models.SubmissionStats {
	var (
		stats      models.SubmissionStats
		confSum    float64
		confN      int
		nonTerm    int
		leftUpload bool
		allOK      = true
	)
	for _, img := range images {
		if img.Status != models.ImageStatusUploaded {
			leftUpload = true
		}
		if !img.Status.IsTerminal() {
			nonTerm++
		}
		if img.Status != models.ImageStatusProcessed {
			allOK = false
		}
		r := img.DetectionResult
		if r == nil {
			continue
		}
		if img.Status == models.ImageStatusProcessed {
			stats.TotalDetectedAreas += r.NumDetections
		}
		if r.AverageConfidence > 0 {
			confSum += r.AverageConfidence
			confN++
		}
	}
	if confN > 0 {
		stats.AverageConfidence = confSum / float64(confN)
	}

	switch {
	case len(images) == 0:
		stats.Status = models.SubmissionStatusPending
	case nonTerm > 0 && !leftUpload:
		stats.Status = models.SubmissionStatusPending
	case nonTerm > 0:
		stats.Status = models.SubmissionStatusProcessing
	case allOK:
		stats.Status = models.SubmissionStatusCompleted
	default:
		stats.Status = models.SubmissionStatusFailed
	}
	return stats
}
