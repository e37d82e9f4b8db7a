// Package app wires the services from environment configuration. Every cmd entry point
// builds one App lazily and shares it across invocations.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/dateresolver"
	"github.com/Lllllllleong/detectionflow/internal/detection"
	"github.com/Lllllllleong/detectionflow/internal/gcp"
	"github.com/Lllllllleong/detectionflow/internal/platform/config"
	"github.com/Lllllllleong/detectionflow/internal/platform/validate"
	"github.com/Lllllllleong/detectionflow/internal/repository"
	"github.com/Lllllllleong/detectionflow/internal/services"
)

// Dispatch modes.
const (
	DispatchInline   = "inline"
	DispatchWorkflow = "workflow"
)

// Config is the full runtime configuration.
type Config struct {
	ProjectID     string `validate:"required"`
	UploadsBucket string `validate:"required"`
	ResultsBucket string `validate:"required"`
	Dispatch      string `validate:"oneof=inline workflow"`
	CORSOrigins   []string

	Firestore repository.FirestoreConfig
	Workflow  gcp.WorkflowConfig `validate:"-"` // checked only in workflow mode
	Detection detection.Config   `validate:"-"` // checked only when a detector is built
	Lifecycle services.LifecycleConfig
	Upload    services.UploadConfig
	Migration services.MigrationConfig
}

// ConfigFromEnv reads the configuration. The results bucket defaults to the uploads bucket.
func ConfigFromEnv(conf config.Conf) Config {
	projectID := conf.MustString("PROJECT_ID")
	uploads := conf.MustString("UPLOADS_BUCKET")
	return Config{
		ProjectID:     projectID,
		UploadsBucket: uploads,
		ResultsBucket: conf.MayString("RESULTS_BUCKET", uploads),
		Dispatch:      conf.MayEnum("DISPATCH_MODE", DispatchInline, DispatchInline, DispatchWorkflow),
		CORSOrigins:   conf.MayCSV("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Firestore: repository.FirestoreConfig{
			ImagesCollection:      conf.MayString("FIRESTORE_IMAGES_COLLECTION", "images"),
			SubmissionsCollection: conf.MayString("FIRESTORE_SUBMISSIONS_COLLECTION", "submissions"),
		},
		Workflow: gcp.WorkflowConfig{
			ProjectID:        projectID,
			WorkflowLocation: conf.MayString("WORKFLOW_LOCATION", "us-central1"),
			WorkflowID:       conf.MayString("WORKFLOW_ID", ""),
		},
		Detection: detection.ConfigFromEnv(conf),
		Lifecycle: services.LifecycleConfigFromEnv(conf),
		Upload:    services.UploadConfigFromEnv(conf),
		Migration: services.MigrationConfig{
			Gap:     conf.MayDuration("MIGRATION_SESSION_GAP", services.SessionGap),
			Workers: conf.MayInt("MIGRATION_WORKERS", 4),
		},
	}
}

// App holds every wired service.
type App struct {
	Config     Config
	Store      repository.Store
	Aggregator *services.Aggregator
	Lifecycle  *services.LifecycleController
	Uploader   *services.Uploader
	Query      *services.QueryService
	Migrator   *services.Migrator
	Dispatcher services.Dispatcher

	closers []func() error
}

type options struct {
	noDetector bool
	inFunction bool
}

// Option adjusts New.
type Option func(*options)

// WithoutDetector skips building the detection backend. The lifecycle controller of such
// an App must not be used; the migration CLI is the only caller.
func WithoutDetector() Option { return func(o *options) { o.noDetector = true } }

// ForCloudFunction is for entry points that dispatch batches from inside a Cloud Function.
// The instance may be reclaimed once the response is written, so background processing is
// not allowed there: DISPATCH_MODE defaults to workflow and inline is rejected.
func ForCloudFunction() Option { return func(o *options) { o.inFunction = true } }

func collect(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FromEnv reads the configuration and builds the App. A missing required variable is
// returned as an error instead of a panic.
func FromEnv(ctx context.Context, log zerolog.Logger, opts ...Option) (a *App, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("invalid configuration: %v", r)
		}
	}()
	conf := config.New()
	cfg := ConfigFromEnv(conf)
	if collect(opts).inFunction && conf.MayString("DISPATCH_MODE", "") == "" {
		cfg.Dispatch = DispatchWorkflow
	}
	return New(ctx, cfg, log, opts...)
}

// New connects to Firestore, Cloud Storage, the detector and the dispatcher.
func New(ctx context.Context, cfg Config, log zerolog.Logger, opts ...Option) (*App, error) {
	o := collect(opts)
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if o.inFunction && cfg.Dispatch != DispatchWorkflow {
		return nil, fmt.Errorf("invalid configuration: DISPATCH_MODE=%s cannot run inside a Cloud Function, use %s", cfg.Dispatch, DispatchWorkflow)
	}
	if !o.noDetector {
		if err := validate.Struct(cfg.Detection); err != nil {
			return nil, fmt.Errorf("invalid detection configuration: %w", err)
		}
	}
	if cfg.Dispatch == DispatchWorkflow {
		if err := validate.Struct(cfg.Workflow); err != nil {
			return nil, fmt.Errorf("invalid workflow configuration: %w", err)
		}
	}
	a := &App{Config: cfg}

	fsClient, err := gcp.NewFirestoreClient(ctx, log, cfg.ProjectID)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, fsClient.Close)

	gcsClient, err := storage.NewClient(ctx)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	a.closers = append(a.closers, gcsClient.Close)

	var detector services.Detector
	if !o.noDetector {
		invoker, closeDetector, err := detection.NewFromConfig(ctx, cfg.Detection, log.With().Str("component", "detection").Logger())
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, closeDetector)
		detector = invoker
	}

	uploads := gcp.NewGCSBlobStore(gcsClient, cfg.UploadsBucket, log)
	results := gcp.NewGCSBlobStore(gcsClient, cfg.ResultsBucket, log)

	a.Wire(repository.NewFirestore(fsClient, cfg.Firestore), detector, uploads, results, log)

	if cfg.Dispatch == DispatchWorkflow {
		wd, err := gcp.NewWorkflowDispatcher(ctx, cfg.Workflow, log.With().Str("component", "workflows").Logger())
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.closers = append(a.closers, wd.Close)
		a.setDispatcher(wd, uploads, log)
	}
	return a, nil
}

// Wire builds the services over already constructed backends with an inline dispatcher.
// Tests and New both go through it.
func (a *App) Wire(store repository.Store, detector services.Detector, uploads, results services.BlobStore, log zerolog.Logger) {
	a.Store = store
	a.Aggregator = services.NewAggregator(store, log.With().Str("component", "aggregator").Logger())
	a.Lifecycle = services.NewLifecycleController(services.LifecycleDeps{
		Images:    store,
		Detector:  detector,
		Uploads:   uploads,
		Artifacts: results,
		Notifier:  a.Aggregator,
	}, a.Config.Lifecycle, log.With().Str("component", "lifecycle").Logger())
	a.Query = services.NewQueryService(store, store, a.Aggregator, log.With().Str("component", "query").Logger())
	a.Migrator = services.NewMigrator(store, store, a.Aggregator, results, a.Config.Migration, log.With().Str("component", "migration").Logger())
	a.setDispatcher(services.NewInlineDispatcher(a.Lifecycle, log.With().Str("component", "dispatch").Logger()), uploads, log)
}

func (a *App) setDispatcher(d services.Dispatcher, uploads services.BlobStore, log zerolog.Logger) {
	a.Dispatcher = d
	a.Uploader = services.NewUploader(services.UploadDeps{
		Images:     a.Store,
		Blobs:      uploads,
		Dates:      dateresolver.New(log.With().Str("component", "dateresolver").Logger()),
		Batches:    a.Aggregator,
		Dispatcher: d,
	}, a.Config.Upload, log.With().Str("component", "upload").Logger())
}

// Close releases every client in reverse creation order.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
