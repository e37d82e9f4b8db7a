package gcp

import (
	"context"
	"encoding/json"
	"fmt"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"
	"github.com/rs/zerolog"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// WorkflowConfig addresses the Cloud Workflow that fans a batch out to the image processor.
type WorkflowConfig struct {
	ProjectID        string `validate:"required"`
	WorkflowLocation string `validate:"required"`
	WorkflowID       string `validate:"required"`
}

// WorkflowDispatcher enqueues processing batches as Cloud Workflows executions.
type WorkflowDispatcher struct {
	client *executions.Client
	config WorkflowConfig
	log    zerolog.Logger
}

// NewWorkflowDispatcher creates the executions client.
func NewWorkflowDispatcher(ctx context.Context, cfg WorkflowConfig, log zerolog.Logger) (*WorkflowDispatcher, error) {
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowDispatcher{client: client, config: cfg, log: log}, nil
}

// Parent is the fully qualified workflow name.
func (d *WorkflowDispatcher) Parent() string {
	return fmt.Sprintf("projects/%s/locations/%s/workflows/%s", d.config.ProjectID, d.config.WorkflowLocation, d.config.WorkflowID)
}

// Dispatch starts one workflow execution whose argument is the batch request.
func (d *WorkflowDispatcher) Dispatch(ctx context.Context, req models.ProcessBatchRequest) error {
	payloadBytes, err := json.Marshal(req)
	if err != nil {
		return perr.Wrap(err, perr.KindInvalidArgument, "marshal workflow payload")
	}
	exec, err := d.client.CreateExecution(ctx, &executionspb.CreateExecutionRequest{
		Parent: d.Parent(),
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	})
	if err != nil {
		return perr.Wrap(err, perr.KindUnavailable, "failed to trigger workflow execution")
	}
	d.log.Info().
		Str("submissionId", req.SubmissionID).
		Int("images", len(req.ImageIDs)).
		Str("execution", exec.GetName()).
		Msg("workflow execution started")
	return nil
}

func (d *WorkflowDispatcher) Close() error { return d.client.Close() }
