package services

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/config"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/platform/validate"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

// DefaultMaxUploadBytes is the per-file size limit when UPLOAD_MAX_BYTES is unset.
const DefaultMaxUploadBytes int64 = 50 << 20

// formats maps decoder names to the content type and extension we store.
var formats = map[string]struct{ contentType, ext string }{
	"jpeg": {"image/jpeg", ".jpg"},
	"png":  {"image/png", ".png"},
	"tiff": {"image/tiff", ".tiff"},
	"webp": {"image/webp", ".webp"},
}

// UploadConfig holds upload boundary settings.
type UploadConfig struct {
	MaxBytes int64 `validate:"gt=0"`
	Workers  int   `validate:"gte=1"`
}

// UploadConfigFromEnv reads UPLOAD_MAX_BYTES and PROCESSING_WORKERS.
func UploadConfigFromEnv(conf config.Conf) UploadConfig {
	return UploadConfig{
		MaxBytes: conf.MayInt64("UPLOAD_MAX_BYTES", DefaultMaxUploadBytes),
		Workers:  conf.MayInt("PROCESSING_WORKERS", 4),
	}
}

// BatchCreator creates the submission for an accepted upload batch and recomputes it once
// the batch is in place.
type BatchCreator interface {
	CreateWithID(ctx context.Context, submissionID, ownerID string, imageIDs []string) error
	Recompute(ctx context.Context, ownerID, submissionID string) (*models.Submission, error)
}

// UploadDeps are the collaborators of the Uploader.
type UploadDeps struct {
	Images     repository.ImageRepository
	Blobs      BlobStore
	Dates      CaptureDateResolver
	Batches    BatchCreator
	Dispatcher Dispatcher
}

// Uploader accepts a batch of files for one owner. Each file is validated, stored and
// recorded on its own; a bad file is reported without affecting the others.
type Uploader struct {
	deps   UploadDeps
	config UploadConfig
	log    zerolog.Logger
	now    func() time.Time
	newID  func() string
}

// NewUploader wires an Uploader.
func NewUploader(deps UploadDeps, cfg UploadConfig, log zerolog.Logger) *Uploader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxUploadBytes
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Uploader{
		deps:   deps,
		config: cfg,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

type fileOutcome struct {
	accepted *models.AcceptedImage
	rejected *models.FileRejection
}

// Upload stores every valid file, groups the accepted ones into a new submission and
// dispatches them for processing.
//
// The submission ID is assigned before any file is stored and written into every image
// record, so an image finished early (e.g. by the storage trigger) already points at its
// submission. The submission is recomputed after it is created to pick up such images.
func (u *Uploader) Upload(ctx context.Context, ownerID string, files []models.UploadFile) (*models.UploadResult, error) {
	if ownerID == "" {
		return nil, perr.Unauthorizedf("missing owner identity")
	}
	if len(files) == 0 {
		return nil, perr.New(perr.KindValidation, "no files in upload")
	}
	subID := u.newID()
	logCtx := u.log.With().Str("ownerId", ownerID).Str("submissionId", subID).Int("files", len(files)).Logger()

	outcomes := make([]fileOutcome, len(files))
	var eg errgroup.Group
	eg.SetLimit(u.config.Workers)
	for i, f := range files {
		eg.Go(func() error {
			outcomes[i] = u.acceptOne(ctx, logCtx, ownerID, subID, f)
			return nil
		})
	}
	_ = eg.Wait()

	res := &models.UploadResult{Accepted: []models.AcceptedImage{}, Rejected: []models.FileRejection{}}
	ids := make([]string, 0, len(files))
	for _, o := range outcomes {
		if o.accepted != nil {
			res.Accepted = append(res.Accepted, *o.accepted)
			ids = append(ids, o.accepted.ImageID)
		} else if o.rejected != nil {
			res.Rejected = append(res.Rejected, *o.rejected)
		}
	}
	if len(ids) == 0 {
		logCtx.Warn().Int("rejected", len(res.Rejected)).Msg("no file in the upload was accepted")
		return res, nil
	}

	if err := u.deps.Batches.CreateWithID(ctx, subID, ownerID, ids); err != nil {
		// unlink the images so the next migration run groups them
		logCtx.Error().Err(err).Msg("failed to create submission for upload batch")
		for _, id := range ids {
			if _, err := u.deps.Images.ClearSubmission(ctx, id, subID); err != nil {
				logCtx.Error().Err(err).Str("imageId", id).Msg("failed to unlink image from missing submission")
			}
		}
	} else {
		res.SubmissionID = subID
		u.catchUp(ctx, logCtx, ownerID, subID, ids)
	}

	if u.deps.Dispatcher != nil {
		req := models.ProcessBatchRequest{SubmissionID: res.SubmissionID, OwnerID: ownerID, ImageIDs: ids}
		// the files are already stored; a client disconnect must not drop the batch
		if err := u.deps.Dispatcher.Dispatch(context.WithoutCancel(ctx), req); err != nil {
			logCtx.Error().Err(err).Msg("failed to dispatch images for processing")
		} else {
			res.Dispatched = true
		}
	}

	logCtx.Info().
		Bool("linked", res.SubmissionID != "").
		Int("accepted", len(res.Accepted)).
		Int("rejected", len(res.Rejected)).
		Bool("dispatched", res.Dispatched).
		Msg("upload handled")
	return res, nil
}

// catchUp recomputes the submission when one of its images reached a terminal state
// before the submission document existed; that image's own notification found nothing.
func (u *Uploader) catchUp(ctx context.Context, logCtx zerolog.Logger, ownerID, subID string, ids []string) {
	found, _, err := u.deps.Images.GetImages(ctx, ids)
	if err != nil {
		logCtx.Warn().Err(err).Msg("failed to re-read uploaded images")
		return
	}
	for _, img := range found {
		if !img.Status.IsTerminal() {
			continue
		}
		if _, err := u.deps.Batches.Recompute(ctx, ownerID, subID); err != nil {
			logCtx.Warn().Err(err).Msg("failed to recompute new submission")
		}
		return
	}
}

func (u *Uploader) acceptOne(ctx context.Context, logCtx zerolog.Logger, ownerID, submissionID string, f models.UploadFile) fileOutcome {
	reject := func(reason string) fileOutcome {
		logCtx.Warn().Str("filename", f.Filename).Str("reason", reason).Msg("file rejected")
		return fileOutcome{rejected: &models.FileRejection{Filename: f.Filename, Reason: reason}}
	}

	if f.Size == 0 {
		f.Size = int64(len(f.Content))
	}
	if f.Size > u.config.MaxBytes {
		return reject(fmt.Sprintf("file exceeds the %d byte limit", u.config.MaxBytes))
	}
	format, err := sniffFormat(f.Content)
	if err != nil {
		return reject(err.Error())
	}
	f.ContentType = formats[format].contentType
	f.Filename = strings.TrimSpace(f.Filename)
	if err := validate.Struct(f); err != nil {
		return reject(err.Error())
	}

	imageID := u.newID()
	captured := u.deps.Dates.Resolve(f.Content, f.Filename)
	object := fmt.Sprintf("uploads/%s/%s%s", ownerID, imageID, formats[format].ext)

	uri, err := u.deps.Blobs.Put(ctx, object, f.Content, f.ContentType)
	if err != nil {
		logCtx.Error().Err(err).Str("object", object).Msg("failed to store upload")
		return reject("could not store file")
	}

	now := u.now()
	img := &models.Image{
		ImageID:          imageID,
		OwnerID:          ownerID,
		SubmissionID:     submissionID,
		OriginalFilename: path.Base(f.Filename),
		ContentType:      f.ContentType,
		SizeBytes:        f.Size,
		StorageURI:       uri,
		CaptureDate:      captured,
		Status:           models.ImageStatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = u.deps.Images.CreateImage(ctx, img)
	if err != nil && !perr.IsKind(err, perr.KindConflict) {
		logCtx.Warn().Err(err).Str("imageId", imageID).Msg("create image failed, retrying once")
		err = u.deps.Images.CreateImage(ctx, img)
	}
	if err != nil {
		logCtx.Error().Err(err).Str("imageId", imageID).Msg("failed to record image")
		return reject("could not record image")
	}

	return fileOutcome{accepted: &models.AcceptedImage{
		ImageID:     imageID,
		Filename:    f.Filename,
		CaptureDate: captured,
		StorageURI:  uri,
	}}
}

// sniffFormat decodes just the header; only formats with a registered decoder pass.
func sniffFormat(content []byte) (string, error) {
	if len(content) == 0 {
		return "", perr.New(perr.KindValidation, "file is empty")
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		return "", perr.New(perr.KindValidation, "unsupported or corrupt image")
	}
	if _, ok := formats[format]; !ok {
		return "", perr.Newf(perr.KindValidation, "unsupported image format %q", format)
	}
	return format, nil
}
