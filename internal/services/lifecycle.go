package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/config"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

// LifecycleConfig holds the settings of the image lifecycle controller.
type LifecycleConfig struct {
	Workers int `validate:"gte=1,lte=64"`
}

// LifecycleConfigFromEnv reads PROCESSING_WORKERS.
func LifecycleConfigFromEnv(conf config.Conf) LifecycleConfig {
	return LifecycleConfig{Workers: conf.MayInt("PROCESSING_WORKERS", 4)}
}

// LifecycleDeps are the collaborators of the lifecycle controller.
type LifecycleDeps struct {
	Images    repository.ImageRepository
	Detector  Detector
	Uploads   BlobStore // raw image bytes, read when the detector cannot fetch the stored URI
	Artifacts BlobStore // results/<image_id>.json
	Notifier  TerminalNotifier
}

// LifecycleController drives one image through uploaded → processing → processed|failed.
type LifecycleController struct {
	deps   LifecycleDeps
	config LifecycleConfig
	log    zerolog.Logger
}

// ImageOutcome is the per-image result of a batch run.
type ImageOutcome struct {
	ImageID string             `json:"imageId"`
	Status  models.ImageStatus `json:"status,omitempty"`
	Started bool               `json:"started"`
	Error   string             `json:"error,omitempty"`
}

// NewLifecycleController wires a controller; Workers below 1 is treated as 1.
func NewLifecycleController(deps LifecycleDeps, cfg LifecycleConfig, log zerolog.Logger) *LifecycleController {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &LifecycleController{deps: deps, config: cfg, log: log}
}

// BeginProcessing moves the image to processing. started is false when the image was already
// processing or terminal, in which case the stored record is returned untouched.
func (c *LifecycleController) BeginProcessing(ctx context.Context, imageID string) (*models.Image, bool, error) {
	return c.deps.Images.BeginProcessing(ctx, imageID)
}

// ProcessOwned runs Process after checking that ownerID owns the image.
func (c *LifecycleController) ProcessOwned(ctx context.Context, ownerID, imageID string) (*models.Image, bool, error) {
	img, err := c.deps.Images.GetImage(ctx, imageID)
	if err != nil {
		return nil, false, err
	}
	if img.OwnerID != ownerID {
		return nil, false, perr.ErrNotFound
	}
	return c.process(ctx, imageID)
}

// Process runs the whole pipeline for one image. Only a missing image or a failed
// begin-processing write is returned as an error; later failures become a failed status.
func (c *LifecycleController) Process(ctx context.Context, imageID string) (*models.Image, error) {
	img, _, err := c.process(ctx, imageID)
	return img, err
}

func (c *LifecycleController) process(ctx context.Context, imageID string) (*models.Image, bool, error) {
	logCtx := c.log.With().Str("imageId", imageID).Logger()

	img, started, err := c.BeginProcessing(ctx, imageID)
	if err != nil {
		logCtx.Error().Err(err).Msg("failed to begin processing")
		return nil, false, err
	}
	if !started {
		logCtx.Info().Str("status", string(img.Status)).Msg("image already processing or terminal, skipping")
		return img, false, nil
	}
	logCtx = logCtx.With().Str("ownerId", img.OwnerID).Str("submissionId", img.SubmissionID).Logger()
	logCtx.Info().Msg("processing started")

	input, err := c.detectionInput(ctx, img)
	if err != nil {
		return c.fail(ctx, logCtx, img, err, nil), true, nil
	}

	result := c.deps.Detector.Invoke(ctx, input)
	if !result.OK() {
		return c.fail(ctx, logCtx, img, perr.New(perr.KindRemote, result.Error), &result), true, nil
	}

	resultURI, err := c.saveArtifact(ctx, img, result)
	if err != nil {
		return c.fail(ctx, logCtx, img, err, nil), true, nil
	}

	done, err := c.complete(ctx, logCtx, imageID, repository.TerminalUpdate{
		Status:    models.ImageStatusProcessed,
		Result:    &result,
		ResultURI: resultURI,
	})
	if err != nil {
		return c.fail(ctx, logCtx, img, err, nil), true, nil
	}

	logCtx.Info().Int("detections", result.NumDetections).Str("resultUri", resultURI).Msg("image processed")
	c.notify(ctx, logCtx, done)
	return done, true, nil
}

// ProcessBatch processes images concurrently with at most Workers in flight.
// One image's failure never stops its siblings.
func (c *LifecycleController) ProcessBatch(ctx context.Context, imageIDs []string) []ImageOutcome {
	outcomes := make([]ImageOutcome, len(imageIDs))
	var eg errgroup.Group
	eg.SetLimit(c.config.Workers)

	for i, id := range imageIDs {
		eg.Go(func() error {
			out := ImageOutcome{ImageID: id}
			img, started, err := c.process(ctx, id)
			out.Started = started
			if err != nil {
				out.Error = err.Error()
			} else if img != nil {
				out.Status = img.Status
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = eg.Wait()

	c.log.Info().Int("images", len(imageIDs)).Msg("batch processed")
	return outcomes
}

// detectionInput builds the detector input, loading bytes only when the detector
// cannot read the stored object itself.
func (c *LifecycleController) detectionInput(ctx context.Context, img *models.Image) (models.DetectionInput, error) {
	in := models.DetectionInput{
		ImageID:     img.ImageID,
		ImageURL:    img.StorageURI,
		ContentType: img.ContentType,
	}
	if img.StorageURI == "" {
		return in, perr.Newf(perr.KindArtifact, "image %s has no stored object", img.ImageID)
	}
	if c.deps.Detector.AcceptsURL(img.StorageURI) || c.deps.Uploads == nil {
		return in, nil
	}
	content, err := c.deps.Uploads.Get(ctx, img.StorageURI)
	if err != nil {
		return in, perr.Wrapf(err, perr.KindArtifact, "load image bytes from %s", img.StorageURI)
	}
	in.Content = content
	return in, nil
}

// resultArtifact is the JSON document kept next to every processed image.
type resultArtifact struct {
	ImageID         string                 `json:"imageId"`
	OwnerID         string                 `json:"ownerId"`
	SubmissionID    string                 `json:"submissionId,omitempty"`
	StorageURI      string                 `json:"storageUri"`
	DetectionResult models.DetectionResult `json:"detectionResult"`
	SavedAt         time.Time              `json:"savedAt"`
}

func artifactObject(imageID string) string { return fmt.Sprintf("results/%s.json", imageID) }

func (c *LifecycleController) saveArtifact(ctx context.Context, img *models.Image, result models.DetectionResult) (string, error) {
	if c.deps.Artifacts == nil {
		return "", nil
	}
	uri, err := c.deps.Artifacts.PutJSON(ctx, artifactObject(img.ImageID), resultArtifact{
		ImageID:         img.ImageID,
		OwnerID:         img.OwnerID,
		SubmissionID:    img.SubmissionID,
		StorageURI:      img.StorageURI,
		DetectionResult: result,
		SavedAt:         time.Now().UTC(),
	})
	if err != nil {
		return "", perr.Wrap(err, perr.KindArtifact, "failed to save result artifact")
	}
	return uri, nil
}

// complete writes the terminal status, retrying once. A conflict means another run already
// finished the image; the stored record is returned in that case.
func (c *LifecycleController) complete(ctx context.Context, logCtx zerolog.Logger, imageID string, upd repository.TerminalUpdate) (*models.Image, error) {
	img, err := c.deps.Images.CompleteImage(ctx, imageID, upd)
	if err == nil {
		return img, nil
	}
	if perr.IsKind(err, perr.KindConflict) {
		logCtx.Warn().Err(err).Msg("terminal status already written")
		return c.deps.Images.GetImage(ctx, imageID)
	}
	logCtx.Warn().Err(err).Str("status", string(upd.Status)).Msg("status write failed, retrying once")
	img, err = c.deps.Images.CompleteImage(ctx, imageID, upd)
	if err != nil {
		if perr.IsKind(err, perr.KindConflict) {
			return c.deps.Images.GetImage(ctx, imageID)
		}
		return nil, perr.Wrap(err, perr.KindPersistence, "failed to write terminal status")
	}
	return img, nil
}

// fail records the failed status with a zeroed result and notifies. If even that write
// fails the image keeps its last written state and the error is only logged.
func (c *LifecycleController) fail(ctx context.Context, logCtx zerolog.Logger, img *models.Image, cause error, result *models.DetectionResult) *models.Image {
	logCtx.Error().Err(cause).Str("kind", perr.KindOf(cause).String()).Msg("image processing failed")

	if result == nil {
		modelVersion := ""
		if v, ok := c.deps.Detector.(interface{ ModelVersion() string }); ok {
			modelVersion = v.ModelVersion()
		}
		failed := models.FailedResult(modelVersion, cause.Error())
		result = &failed
	}
	out, err := c.complete(ctx, logCtx, img.ImageID, repository.TerminalUpdate{
		Status:       models.ImageStatusFailed,
		Result:       result,
		ErrorDetails: cause.Error(),
	})
	if err != nil {
		logCtx.Error().Err(err).Msg("CRITICAL: failed to record failed status after a processing error")
		out = img
	}
	c.notify(ctx, logCtx, out)
	return out
}

func (c *LifecycleController) notify(ctx context.Context, logCtx zerolog.Logger, img *models.Image) {
	if c.deps.Notifier == nil || img == nil {
		return
	}
	if err := c.deps.Notifier.OnImageTerminal(ctx, img); err != nil {
		logCtx.Error().Err(err).Msg("failed to notify submission aggregator")
	}
}
