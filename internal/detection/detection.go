// Package detection calls the external detection service and normalises its answers.
package detection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/gcp"
	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/config"
)

// DefaultTimeout bounds a single detection call when DETECTION_TIMEOUT is unset.
const DefaultTimeout = 120 * time.Second

// Backend performs one raw call against a detection service.
type Backend interface {
	// Detect returns the service's raw response body.
	Detect(ctx context.Context, in models.DetectionInput) ([]byte, error)
	// AcceptsURL reports whether the service can fetch url itself, so bytes need not be sent.
	AcceptsURL(url string) bool
	// ModelVersion identifies the model for stamping into results.
	ModelVersion() string
}

// Config holds the invoker and backend settings.
type Config struct {
	Backend     string        `validate:"oneof=http vertex"`
	Endpoint    string        `validate:"required_if=Backend http"`
	APIToken    string        `validate:"-"`
	Timeout     time.Duration `validate:"gt=0"`
	ProjectID   string        `validate:"required_if=Backend vertex"`
	Region      string        `validate:"required_if=Backend vertex"`
	VertexModel string        `validate:"-"`
}

// ConfigFromEnv reads DETECTION_*, PROJECT_ID, VERTEX_AI_REGION and VERTEX_MODEL.
func ConfigFromEnv(conf config.Conf) Config {
	d := conf.Prefix("DETECTION_")
	return Config{
		Backend:     d.MayEnum("BACKEND", "http", "http", "vertex"),
		Endpoint:    d.MayString("ENDPOINT", ""),
		APIToken:    d.MayString("API_TOKEN", ""),
		Timeout:     d.MayDuration("TIMEOUT", DefaultTimeout),
		ProjectID:   conf.MayString("PROJECT_ID", ""),
		Region:      conf.MayString("VERTEX_AI_REGION", "us-central1"),
		VertexModel: conf.MayString("VERTEX_MODEL", ""),
	}
}

// Invoker wraps a Backend with a latency bound, panic isolation and normalisation.
// Invoke never returns an error: failures come back as a failed result.
type Invoker struct {
	backend Backend
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewInvoker builds an Invoker; a non-positive timeout falls back to DefaultTimeout.
func NewInvoker(backend Backend, timeout time.Duration, log zerolog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Invoker{backend: backend, timeout: timeout, log: log, now: time.Now}
}

// AcceptsURL delegates to the backend.
func (i *Invoker) AcceptsURL(url string) bool { return i.backend.AcceptsURL(url) }

// ModelVersion delegates to the backend.
func (i *Invoker) ModelVersion() string { return i.backend.ModelVersion() }

type callOutcome struct {
	raw []byte
	err error
}

// Invoke runs one detection call for in.
func (i *Invoker) Invoke(ctx context.Context, in models.DetectionInput) models.DetectionResult {
	logCtx := i.log.With().Str("imageId", in.ImageID).Logger()
	version := i.backend.ModelVersion()
	start := i.now()

	if in.ImageURL == "" && len(in.Content) == 0 {
		return models.FailedResult(version, "no image url or content to send")
	}

	ctx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	// the call runs in its own goroutine so a backend that ignores ctx cannot hold us past the deadline
	done := make(chan callOutcome, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- callOutcome{err: fmt.Errorf("detection backend panicked: %v", rec)}
			}
		}()
		raw, err := i.backend.Detect(ctx, in)
		done <- callOutcome{raw: raw, err: err}
	}()

	var out callOutcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = callOutcome{err: ctx.Err()}
	}
	elapsed := i.now().Sub(start).Seconds()

	if out.err != nil {
		msg := out.err.Error()
		if ctx.Err() == context.DeadlineExceeded {
			msg = fmt.Sprintf("detection timed out after %s", i.timeout)
		}
		logCtx.Error().Err(out.err).Float64("elapsedSeconds", elapsed).Msg("detection call failed")
		return models.FailedResult(version, msg)
	}

	res, err := Normalize(out.raw)
	if err != nil {
		logCtx.Error().Err(err).Float64("elapsedSeconds", elapsed).Msg("detection service reported an error")
		return models.FailedResult(version, err.Error())
	}
	if res.ModelVersion == "" {
		res.ModelVersion = version
	}
	res.ProcessingTimeSeconds = elapsed
	logCtx.Info().
		Int("detections", res.NumDetections).
		Float64("averageConfidence", res.AverageConfidence).
		Float64("elapsedSeconds", elapsed).
		Msg("detection complete")
	return res
}

func isHTTPURL(u string) bool {
	return strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
}

// NewFromConfig builds the configured backend wrapped in an Invoker.
// The returned close func releases any client the backend holds.
func NewFromConfig(ctx context.Context, cfg Config, log zerolog.Logger) (*Invoker, func() error, error) {
	switch cfg.Backend {
	case "vertex":
		client, err := gcp.NewVertexClient(ctx, cfg.ProjectID, cfg.Region, cfg.VertexModel)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create vertex client: %w", err)
		}
		return NewInvoker(NewVertexBackend(client), cfg.Timeout, log), client.Close, nil
	case "http", "":
		if cfg.Endpoint == "" {
			return nil, nil, fmt.Errorf("DETECTION_ENDPOINT must be set for the http backend")
		}
		return NewInvoker(NewHTTPBackend(cfg.Endpoint, cfg.APIToken), cfg.Timeout, log), func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown detection backend %q", cfg.Backend)
	}
}
