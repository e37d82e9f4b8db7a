package services

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/models"
)

// InlineDispatcher processes batches in-process on a background goroutine.
// The caller's cancellation does not reach the detection calls.
type InlineDispatcher struct {
	lifecycle *LifecycleController
	log       zerolog.Logger
	wg        sync.WaitGroup
}

// NewInlineDispatcher wires an InlineDispatcher.
func NewInlineDispatcher(lifecycle *LifecycleController, log zerolog.Logger) *InlineDispatcher {
	return &InlineDispatcher{lifecycle: lifecycle, log: log}
}

var _ Dispatcher = (*InlineDispatcher)(nil)

// Dispatch starts the batch and returns immediately.
func (d *InlineDispatcher) Dispatch(ctx context.Context, req models.ProcessBatchRequest) error {
	ctx = context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		outcomes := d.lifecycle.ProcessBatch(ctx, req.ImageIDs)
		failed := 0
		for _, o := range outcomes {
			if o.Error != "" || o.Status == models.ImageStatusFailed {
				failed++
			}
		}
		d.log.Info().
			Str("submissionId", req.SubmissionID).
			Int("images", len(outcomes)).
			Int("failed", failed).
			Msg("inline batch finished")
	}()
	return nil
}

// Wait blocks until every dispatched batch has finished.
func (d *InlineDispatcher) Wait() { d.wg.Wait() }
