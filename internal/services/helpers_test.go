package services

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/detectionflow/internal/gcp"
	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// fakeDetector answers from a per-image table and counts calls.
type fakeDetector struct {
	mu        sync.Mutex
	calls     atomic.Int32
	results   map[string]models.DetectionResult
	inputs    []models.DetectionInput
	acceptURL bool
	delay     time.Duration
}

func newFakeDetector() *fakeDetector {
	return &fakeDetector{results: map[string]models.DetectionResult{}, acceptURL: true}
}

func (f *fakeDetector) Invoke(_ context.Context, in models.DetectionInput) models.DetectionResult {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if r, ok := f.results[in.ImageID]; ok {
		return r
	}
	return okResult(1, 0.9)
}

func (f *fakeDetector) AcceptsURL(string) bool { return f.acceptURL }
func (f *fakeDetector) ModelVersion() string   { return "fake-v1" }

func okResult(n int, avg float64) models.DetectionResult {
	dets := make([]models.Detection, 0, n)
	for i := 0; i < n; i++ {
		c := avg
		dets = append(dets, models.Detection{Label: "acacia", Confidence: &c})
	}
	return models.DetectionResult{
		Detections:        dets,
		NumDetections:     n,
		AverageConfidence: avg,
		ModelVersion:      "fake-v1",
		Status:            models.DetectionStatusOK,
	}
}

// recordingNotifier counts notifications per image and can fail on demand.
type recordingNotifier struct {
	mu    sync.Mutex
	calls map[string]int
	next  TerminalNotifier
	err   error
}

func newRecordingNotifier(next TerminalNotifier) *recordingNotifier {
	return &recordingNotifier{calls: map[string]int{}, next: next}
}

func (r *recordingNotifier) OnImageTerminal(ctx context.Context, img *models.Image) error {
	r.mu.Lock()
	r.calls[img.ImageID]++
	r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.next != nil {
		return r.next.OnImageTerminal(ctx, img)
	}
	return nil
}

func (r *recordingNotifier) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

type harness struct {
	store      *repository.Memory
	uploads    *gcp.MemoryBlobStore
	results    *gcp.MemoryBlobStore
	detector   *fakeDetector
	notifier   *recordingNotifier
	aggregator *Aggregator
	lifecycle  *LifecycleController
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    repository.NewMemory(),
		uploads:  gcp.NewMemoryBlobStore("uploads"),
		results:  gcp.NewMemoryBlobStore("results"),
		detector: newFakeDetector(),
	}
	h.aggregator = NewAggregator(h.store, logger.Nop())
	h.notifier = newRecordingNotifier(h.aggregator)
	h.lifecycle = NewLifecycleController(LifecycleDeps{
		Images:    h.store,
		Detector:  h.detector,
		Uploads:   h.uploads,
		Artifacts: h.results,
		Notifier:  h.notifier,
	}, LifecycleConfig{Workers: 4}, logger.Nop())
	return h
}

// seedImage stores an uploaded image and its bytes.
func (h *harness) seedImage(t *testing.T, id, owner string, createdAt time.Time) *models.Image {
	t.Helper()
	uri, err := h.uploads.Put(context.Background(), "uploads/"+owner+"/"+id+".jpg", []byte("bytes-of-"+id), "image/jpeg")
	require.NoError(t, err)
	img := &models.Image{
		ImageID:     id,
		OwnerID:     owner,
		ContentType: "image/jpeg",
		StorageURI:  uri,
		Status:      models.ImageStatusUploaded,
		CaptureDate: createdAt,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
	require.NoError(t, h.store.CreateImage(context.Background(), img))
	return img
}

// seedSubmission creates a submission over ids and links them.
func (h *harness) seedSubmission(t *testing.T, owner string, ids ...string) string {
	t.Helper()
	ctx := context.Background()
	subID, err := h.aggregator.CreateForBatch(ctx, owner, ids)
	require.NoError(t, err)
	for _, id := range ids {
		linked, err := h.store.LinkSubmission(ctx, id, subID)
		require.NoError(t, err)
		require.True(t, linked)
	}
	return subID
}
