package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/detectionflow/internal/dateresolver"
	"github.com/Lllllllleong/detectionflow/internal/gcp"
	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
	"github.com/Lllllllleong/detectionflow/internal/repository"
	"github.com/Lllllllleong/detectionflow/internal/services"
)

type stubDetector struct{}

func (stubDetector) Invoke(context.Context, models.DetectionInput) models.DetectionResult {
	c := 0.8
	return models.DetectionResult{
		Detections:        []models.Detection{{Label: "acacia dealbata", Confidence: &c}},
		NumDetections:     1,
		AverageConfidence: c,
		Status:            models.DetectionStatusOK,
	}
}
func (stubDetector) AcceptsURL(string) bool { return true }

type fixture struct {
	store   *repository.Memory
	server  *httptest.Server
	agg     *services.Aggregator
	uploads *gcp.MemoryBlobStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := logger.Nop()
	f := &fixture{store: repository.NewMemory(), uploads: gcp.NewMemoryBlobStore("uploads")}
	f.agg = services.NewAggregator(f.store, log)
	lc := services.NewLifecycleController(services.LifecycleDeps{
		Images:    f.store,
		Detector:  stubDetector{},
		Uploads:   f.uploads,
		Artifacts: gcp.NewMemoryBlobStore("results"),
		Notifier:  f.agg,
	}, services.LifecycleConfig{Workers: 2}, log)
	up := services.NewUploader(services.UploadDeps{
		Images:  f.store,
		Blobs:   f.uploads,
		Dates:   dateresolver.New(log),
		Batches: f.agg,
	}, services.UploadConfig{MaxBytes: 1 << 20, Workers: 2}, log)

	f.server = httptest.NewServer(NewRouter(Deps{
		Uploader:  up,
		Lifecycle: lc,
		Query:     services.NewQueryService(f.store, f.store, f.agg, log),
		Log:       log,
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, owner string, body *bytes.Buffer, contentType string) (*http.Response, map[string]any) {
	t.Helper()
	if body == nil {
		body = &bytes.Buffer{}
	}
	req, err := http.NewRequest(method, f.server.URL+path, body)
	require.NoError(t, err)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (f *fixture) seed(t *testing.T, id, owner string) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateImage(ctx, &models.Image{
		ImageID: id, OwnerID: owner, StorageURI: "mem://uploads/" + id,
		Status: models.ImageStatusUploaded, CreatedAt: time.Now().UTC(),
	}))
	subID, err := f.agg.CreateForBatch(ctx, owner, []string{id})
	require.NoError(t, err)
	_, err = f.store.LinkSubmission(ctx, id, subID)
	require.NoError(t, err)
	return subID
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestMissingOwnerIsUnauthorized(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/submissions", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", body["code"])
	assert.NotEmpty(t, body["requestId"])
}

func TestUploadMultipart(t *testing.T) {
	f := newFixture(t)

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewGray(image.Rect(0, 0, 1, 1))))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("files", "IMG_20240229.png")
	require.NoError(t, err)
	_, _ = part.Write(img.Bytes())
	part, err = mw.CreateFormFile("files", "readme.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("not an image"))
	require.NoError(t, mw.Close())

	resp, out := f.do(t, http.MethodPost, "/v1/uploads", "alice", &body, mw.FormDataContentType())
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, out["submissionId"])
	assert.Len(t, out["accepted"], 1)
	assert.Len(t, out["rejected"], 1)
}

func TestUploadRequiresMultipart(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodPost, "/v1/uploads", "alice", bytes.NewBufferString("{}"), "application/json")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "validation", body["code"])
}

func TestProcessAndRead(t *testing.T) {
	f := newFixture(t)
	subID := f.seed(t, "img-1", "alice")

	resp, body := f.do(t, http.MethodPost, "/v1/images/img-1/process", "mallory", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", body["code"])

	resp, body = f.do(t, http.MethodPost, "/v1/images/img-1/process", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "processed", body["status"])
	assert.Equal(t, true, body["started"])

	resp, body = f.do(t, http.MethodPost, "/v1/images/img-1/process", "alice", nil, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, false, body["started"])

	resp, body = f.do(t, http.MethodGet, "/v1/submissions/"+subID+"?refresh=true", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "completed", body["status"])
	assert.EqualValues(t, 1, body["totalDetectedAreas"])

	resp, body = f.do(t, http.MethodGet, "/v1/submissions/"+subID, "mallory", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/submissions/"+subID+"/images", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["images"], 1)

	resp, body = f.do(t, http.MethodGet, "/v1/images/img-1", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "img-1", body["imageId"])

	resp, body = f.do(t, http.MethodGet, "/v1/submissions/"+subID+"/report", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	imgs := body["images"].([]any)
	require.Len(t, imgs, 1)
	assert.Equal(t, []any{"Acacia dealbata"}, imgs[0].(map[string]any)["species"])

	resp, body = f.do(t, http.MethodGet, "/v1/reports?limit=5", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["reports"], 1)

	resp, body = f.do(t, http.MethodGet, "/v1/submissions", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["submissions"], 1)
}

func TestBadLimit(t *testing.T) {
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/v1/submissions?limit=-3", "alice", nil, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "invalid_argument", body["code"])
}

func TestUnknownImageIsNotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/v1/images/ghost", "alice", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImageStats(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "img-1", "alice")

	resp, body := f.do(t, http.MethodGet, "/v1/images/img-1/stats", "alice", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "not processed yet")
	assert.Equal(t, "conflict", body["code"])

	resp, _ = f.do(t, http.MethodPost, "/v1/images/img-1/process", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/images/img-1/stats", "alice", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "img-1", body["imageId"])
	assert.EqualValues(t, 1, body["totalDetections"])
	assert.Equal(t, []any{0.8}, body["confidenceScores"])
	assert.InDelta(t, 0.8, body["averageConfidence"], 1e-9)
	require.NotNil(t, body["rawResults"])

	resp, _ = f.do(t, http.MethodGet, "/v1/images/img-1/stats", "mallory", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
