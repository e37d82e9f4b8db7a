package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
)

func TestExtractSpecies(t *testing.T) {
	dets := []models.Detection{
		{Label: "acacia dealbata"},
		{Label: "Acacia"},
		{Label: "lantana camara"},
		{Label: "acacia dealbata"},
		{Label: "  "},
	}
	assert.Equal(t, []string{"Acacia", "Acacia dealbata", "Lantana Camara"}, ExtractSpecies(dets))
	assert.Empty(t, ExtractSpecies(nil))
}

func TestBuildReport(t *testing.T) {
	created := time.Date(2024, 3, 7, 14, 5, 0, 0, time.UTC)
	sub := models.Submission{
		SubmissionID:       "s1",
		ImageIDs:           []string{"b", "a"},
		ImageCount:         2,
		TotalDetectedAreas: 2,
		AverageConfidence:  0.75,
		Status:             models.SubmissionStatusCompleted,
		CreatedAt:          created,
	}
	withOutput := okResult(2, 0.75)
	withOutput.OutputImageURL = "https://example.org/out.png"
	images := []models.Image{
		{ImageID: "late", CreatedAt: created.Add(time.Hour)},
		{ImageID: "a", OriginalFilename: "a.jpg", Status: models.ImageStatusProcessed, DetectionResult: &withOutput, ResultURI: "gs://r/results/a.json"},
		{ImageID: "b", Status: models.ImageStatusFailed, ResultURI: "gs://r/results/b.json"},
	}

	rep := BuildReport(sub, images)
	assert.Equal(t, "2024-03-07", rep.Date)
	assert.Equal(t, "14:05", rep.Time)
	require.Len(t, rep.Images, 3)
	assert.Equal(t, []string{"b", "a", "late"}, []string{rep.Images[0].ImageID, rep.Images[1].ImageID, rep.Images[2].ImageID})

	assert.Equal(t, "unknown", rep.Images[0].InputName)
	assert.Equal(t, "gs://r/results/b.json", rep.Images[0].OutputImage)
	assert.Empty(t, rep.Images[0].Species)

	assert.Equal(t, "a.jpg", rep.Images[1].InputName)
	assert.Equal(t, "https://example.org/out.png", rep.Images[1].OutputImage)
	assert.Equal(t, 2, rep.Images[1].DetectedAreas)
	assert.Equal(t, []string{"Acacia"}, rep.Images[1].Species)
}

func TestQueryServiceEnforcesOwnership(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedImage(t, "a", "alice", t0)
	subID := h.seedSubmission(t, "alice", "a")
	_, err := h.lifecycle.Process(ctx, "a")
	require.NoError(t, err)

	q := NewQueryService(h.store, h.store, h.aggregator, logger.Nop())

	_, err = q.GetSubmission(ctx, "mallory", subID)
	assert.True(t, perr.IsKind(err, perr.KindNotFound))
	_, err = q.GetImage(ctx, "mallory", "a")
	assert.True(t, perr.IsKind(err, perr.KindNotFound))
	_, err = q.ListSubmissionImages(ctx, "mallory", subID)
	assert.True(t, perr.IsKind(err, perr.KindNotFound))
	_, err = q.Report(ctx, "mallory", subID)
	assert.True(t, perr.IsKind(err, perr.KindNotFound))

	subs, err := q.ListSubmissions(ctx, "mallory", 0)
	require.NoError(t, err)
	assert.Empty(t, subs)

	subs, err = q.ListSubmissions(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	imgs, err := q.ListSubmissionImages(ctx, "alice", subID)
	require.NoError(t, err)
	require.Len(t, imgs, 1)

	reports, err := q.Reports(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, models.SubmissionStatusCompleted, reports[0].Status)
	assert.Equal(t, 1, reports[0].TotalDetectedAreas)

	refreshed, err := q.RefreshSubmission(ctx, "alice", subID)
	require.NoError(t, err)
	assert.Equal(t, models.SubmissionStatusCompleted, refreshed.Status)
}

func TestBuildImageStats(t *testing.T) {
	c := 0.6
	r := models.DetectionResult{
		Detections:            []models.Detection{{Label: "acacia", Confidence: &c}, {Label: "acacia"}},
		NumDetections:         2,
		AverageConfidence:     0.6,
		CoveragePercentage:    4.5,
		ProcessingTimeSeconds: 1.25,
		ModelVersion:          "fake-v1",
		Status:                models.DetectionStatusOK,
	}
	stats := BuildImageStats("img-1", r)
	assert.Equal(t, 2, stats.TotalDetections)
	assert.Equal(t, []float64{0.6}, stats.ConfidenceScores, "unknown confidences carry no score")
	assert.Equal(t, 0.6, stats.AverageConfidence)
	assert.Equal(t, 4.5, stats.CoveragePercentage)
	assert.Equal(t, 1.25, stats.ProcessingTime)
	require.NotNil(t, stats.Result)
	assert.Equal(t, "fake-v1", stats.Result.ModelVersion)
}
