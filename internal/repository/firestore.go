package repository

import (
	"context"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// FirestoreConfig names the collections used by the Firestore store.
type FirestoreConfig struct {
	ImagesCollection      string `validate:"required"`
	SubmissionsCollection string `validate:"required"`
}

// Firestore implements Store on Cloud Firestore. Conditional writes run in transactions.
type Firestore struct {
	client      *firestore.Client
	images      *firestore.CollectionRef
	submissions *firestore.CollectionRef
	now         func() time.Time
}

// NewFirestore wraps an existing client.
func NewFirestore(client *firestore.Client, cfg FirestoreConfig) *Firestore {
	return &Firestore{
		client:      client,
		images:      client.Collection(cfg.ImagesCollection),
		submissions: client.Collection(cfg.SubmissionsCollection),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Firestore)(nil)

func (s *Firestore) CreateImage(ctx context.Context, img *models.Image) error {
	if _, err := s.images.Doc(img.ImageID).Create(ctx, img); err != nil {
		return mapErr(err, "create image "+img.ImageID)
	}
	return nil
}

func (s *Firestore) GetImage(ctx context.Context, imageID string) (*models.Image, error) {
	snap, err := s.images.Doc(imageID).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get image "+imageID)
	}
	return decodeImage(snap)
}

func (s *Firestore) GetImages(ctx context.Context, imageIDs []string) ([]models.Image, []string, error) {
	if len(imageIDs) == 0 {
		return nil, nil, nil
	}
	refs := make([]*firestore.DocumentRef, 0, len(imageIDs))
	for _, id := range imageIDs {
		refs = append(refs, s.images.Doc(id))
	}
	snaps, err := s.client.GetAll(ctx, refs)
	if err != nil {
		return nil, nil, mapErr(err, "get images")
	}
	var (
		found   = make([]models.Image, 0, len(snaps))
		missing []string
	)
	for i, snap := range snaps {
		if !snap.Exists() {
			missing = append(missing, imageIDs[i])
			continue
		}
		img, err := decodeImage(snap)
		if err != nil {
			return nil, nil, err
		}
		found = append(found, *img)
	}
	return found, missing, nil
}

func (s *Firestore) BeginProcessing(ctx context.Context, imageID string) (*models.Image, bool, error) {
	ref := s.images.Doc(imageID)
	var (
		out     *models.Image
		started bool
	)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		started = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		img, err := decodeImage(snap)
		if err != nil {
			return err
		}
		out = img
		if !img.Status.CanTransitionTo(models.ImageStatusProcessing) {
			return nil
		}
		now := s.now()
		img.Status = models.ImageStatusProcessing
		img.UpdatedAt = now
		started = true
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: img.Status},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return nil, false, mapErr(err, "begin processing "+imageID)
	}
	return out, started, nil
}

func (s *Firestore) CompleteImage(ctx context.Context, imageID string, upd TerminalUpdate) (*models.Image, error) {
	ref := s.images.Doc(imageID)
	var out *models.Image
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		img, err := decodeImage(snap)
		if err != nil {
			return err
		}
		if !upd.Status.IsTerminal() || !img.Status.CanTransitionTo(upd.Status) {
			return perr.Conflictf("image %s cannot move from %s to %s", imageID, img.Status, upd.Status)
		}
		now := s.now()
		applyTerminal(img, upd, now)
		out = img
		return tx.Update(ref, []firestore.Update{
			{Path: "status", Value: img.Status},
			{Path: "detectionResult", Value: img.DetectionResult},
			{Path: "resultUri", Value: img.ResultURI},
			{Path: "errorDetails", Value: img.ErrorDetails},
			{Path: "processedAt", Value: now},
			{Path: "updatedAt", Value: now},
		})
	})
	if err != nil {
		return nil, mapErr(err, "complete image "+imageID)
	}
	return out, nil
}

func (s *Firestore) LinkSubmission(ctx context.Context, imageID, submissionID string) (bool, error) {
	ref := s.images.Doc(imageID)
	var linked bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		linked = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		img, err := decodeImage(snap)
		if err != nil {
			return err
		}
		if img.SubmissionID != "" {
			linked = img.SubmissionID == submissionID
			return nil
		}
		linked = true
		return tx.Update(ref, []firestore.Update{
			{Path: "submissionId", Value: submissionID},
			{Path: "updatedAt", Value: s.now()},
		})
	})
	if err != nil {
		return false, mapErr(err, "link image "+imageID)
	}
	return linked, nil
}

func (s *Firestore) ClearSubmission(ctx context.Context, imageID, submissionID string) (bool, error) {
	ref := s.images.Doc(imageID)
	var cleared bool
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cleared = false
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		img, err := decodeImage(snap)
		if err != nil {
			return err
		}
		if img.SubmissionID != submissionID {
			return nil
		}
		cleared = true
		return tx.Update(ref, []firestore.Update{
			{Path: "submissionId", Value: ""},
			{Path: "updatedAt", Value: s.now()},
		})
	})
	if err != nil {
		return false, mapErr(err, "clear submission link "+imageID)
	}
	return cleared, nil
}

func (s *Firestore) ListImagesBySubmission(ctx context.Context, ownerID, submissionID string) ([]models.Image, error) {
	q := s.images.Where("submissionId", "==", submissionID).Where("ownerId", "==", ownerID)
	return s.queryImages(ctx, q, "list images of "+submissionID)
}

// ListUnlinkedImages streams the whole collection: an equality filter on submissionId
// would miss legacy documents that have no such field.
func (s *Firestore) ListUnlinkedImages(ctx context.Context) ([]models.Image, error) {
	all, err := s.queryImages(ctx, s.images.Query, "list unlinked images")
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, img := range all {
		if img.SubmissionID == "" {
			out = append(out, img)
		}
	}
	return out, nil
}

func (s *Firestore) queryImages(ctx context.Context, q firestore.Query, op string) ([]models.Image, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []models.Image
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err, op)
		}
		img, err := decodeImage(snap)
		if err != nil {
			return nil, err
		}
		out = append(out, *img)
	}
	return out, nil
}

func (s *Firestore) CreateSubmission(ctx context.Context, sub *models.Submission) error {
	if _, err := s.submissions.Doc(sub.SubmissionID).Create(ctx, sub); err != nil {
		return mapErr(err, "create submission "+sub.SubmissionID)
	}
	return nil
}

func (s *Firestore) GetSubmission(ctx context.Context, submissionID string) (*models.Submission, error) {
	snap, err := s.submissions.Doc(submissionID).Get(ctx)
	if err != nil {
		return nil, mapErr(err, "get submission "+submissionID)
	}
	var sub models.Submission
	if err := snap.DataTo(&sub); err != nil {
		return nil, perr.Wrapf(err, perr.KindPersistence, "decode submission %s", submissionID)
	}
	return &sub, nil
}

func (s *Firestore) RecomputeSubmission(ctx context.Context, submissionID string, at time.Time, fn StatsFunc) (*models.Submission, error) {
	ref := s.submissions.Doc(submissionID)
	var out *models.Submission
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var sub models.Submission
		if err := snap.DataTo(&sub); err != nil {
			return perr.Wrapf(err, perr.KindPersistence, "decode submission %s", submissionID)
		}

		var (
			found   []models.Image
			missing []string
		)
		if len(sub.ImageIDs) > 0 {
			refs := make([]*firestore.DocumentRef, 0, len(sub.ImageIDs))
			for _, id := range sub.ImageIDs {
				refs = append(refs, s.images.Doc(id))
			}
			snaps, err := tx.GetAll(refs)
			if err != nil {
				return err
			}
			for i, isnap := range snaps {
				if !isnap.Exists() {
					missing = append(missing, sub.ImageIDs[i])
					continue
				}
				img, err := decodeImage(isnap)
				if err != nil {
					return err
				}
				found = append(found, *img)
			}
		}

		stats, err := fn(&sub, found, missing)
		if err != nil {
			return err
		}
		sub.TotalDetectedAreas = stats.TotalDetectedAreas
		sub.AverageConfidence = stats.AverageConfidence
		sub.Status = stats.Status
		sub.UpdatedAt = at
		out = &sub
		return tx.Update(ref, []firestore.Update{
			{Path: "totalDetectedAreas", Value: stats.TotalDetectedAreas},
			{Path: "averageConfidence", Value: stats.AverageConfidence},
			{Path: "status", Value: stats.Status},
			{Path: "updatedAt", Value: at},
		})
	})
	if err != nil {
		return nil, mapErr(err, "recompute submission "+submissionID)
	}
	return out, nil
}

func (s *Firestore) UpdateSubmissionImages(ctx context.Context, submissionID string, imageIDs []string) error {
	_, err := s.submissions.Doc(submissionID).Update(ctx, []firestore.Update{
		{Path: "imageIds", Value: imageIDs},
		{Path: "imageCount", Value: len(imageIDs)},
		{Path: "updatedAt", Value: s.now()},
	})
	return mapErr(err, "update submission images "+submissionID)
}

func (s *Firestore) ListSubmissionsByOwner(ctx context.Context, ownerID string, limit int) ([]models.Submission, error) {
	q := s.submissions.Where("ownerId", "==", ownerID).OrderBy("createdAt", firestore.Desc)
	if limit > 0 {
		q = q.Limit(limit)
	}
	return s.querySubmissions(ctx, q, "list submissions of "+ownerID)
}

func (s *Firestore) ListMigratedSubmissions(ctx context.Context) ([]models.Submission, error) {
	q := s.submissions.Where("migration.migratedFromImages", "==", true)
	return s.querySubmissions(ctx, q, "list migrated submissions")
}

func (s *Firestore) querySubmissions(ctx context.Context, q firestore.Query, op string) ([]models.Submission, error) {
	iter := q.Documents(ctx)
	defer iter.Stop()
	var out []models.Submission
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapErr(err, op)
		}
		var sub models.Submission
		if err := snap.DataTo(&sub); err != nil {
			return nil, perr.Wrapf(err, perr.KindPersistence, "decode submission %s", snap.Ref.ID)
		}
		out = append(out, sub)
	}
	return out, nil
}

func (s *Firestore) DeleteSubmission(ctx context.Context, submissionID string) error {
	_, err := s.submissions.Doc(submissionID).Delete(ctx)
	return mapErr(err, "delete submission "+submissionID)
}

func decodeImage(snap *firestore.DocumentSnapshot) (*models.Image, error) {
	var img models.Image
	if err := snap.DataTo(&img); err != nil {
		return nil, perr.Wrapf(err, perr.KindPersistence, "decode image %s", snap.Ref.ID)
	}
	if img.ImageID == "" {
		img.ImageID = snap.Ref.ID
	}
	return &img, nil
}

// mapErr translates gRPC status codes into kinded errors; our own errors pass through.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := perr.As(err); ok {
		return perr.WithOp(err, op)
	}
	switch status.Code(err) {
	case codes.NotFound:
		return perr.WithOp(perr.Wrap(err, perr.KindNotFound, "not found"), op)
	case codes.AlreadyExists:
		return perr.WithOp(perr.Wrap(err, perr.KindConflict, "already exists"), op)
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return perr.WithOp(perr.Wrap(err, perr.KindUnavailable, op), op)
	default:
		return perr.WithOp(perr.Wrap(err, perr.KindPersistence, op), op)
	}
}

func applyTerminal(img *models.Image, upd TerminalUpdate, now time.Time) {
	img.Status = upd.Status
	img.DetectionResult = upd.Result
	img.ResultURI = upd.ResultURI
	img.ErrorDetails = upd.ErrorDetails
	img.ProcessedAt = &now
	img.UpdatedAt = now
}
