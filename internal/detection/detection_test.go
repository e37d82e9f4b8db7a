package detection

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/vertexai/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/detectionflow/internal/models"
	"github.com/Lllllllleong/detectionflow/internal/platform/logger"
)

func assertFailed(t *testing.T, res models.DetectionResult) {
	t.Helper()
	assert.Equal(t, models.DetectionStatusFailed, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, 0, res.NumDetections)
	assert.Equal(t, 0.0, res.AverageConfidence)
	assert.Equal(t, 0.0, res.CoveragePercentage)
	assert.Empty(t, res.Detections)
}

func TestInvokeHTTPSuccessWithURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "https://cdn.example/img.jpg", body["image_url"])
		_, _ = io.WriteString(w, `{"detections":[{"label":"acacia","confidence":0.8}]}`)
	}))
	defer srv.Close()

	inv := NewInvoker(NewHTTPBackend(srv.URL, "secret"), time.Second, logger.Nop())
	res := inv.Invoke(context.Background(), models.DetectionInput{ImageID: "img-1", ImageURL: "https://cdn.example/img.jpg"})

	assert.Equal(t, models.DetectionStatusOK, res.Status)
	assert.Equal(t, 1, res.NumDetections)
	assert.Equal(t, srv.URL, res.ModelVersion)
	assert.GreaterOrEqual(t, res.ProcessingTimeSeconds, 0.0)
}

func TestInvokeHTTPSendsBytesForStorageURIs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data"))
		f, hdr, err := r.FormFile("image")
		require.NoError(t, err)
		defer f.Close()
		b, _ := io.ReadAll(f)
		assert.Equal(t, "pixels", string(b))
		assert.Equal(t, "img-1.jpg", hdr.Filename)
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	inv := NewInvoker(NewHTTPBackend(srv.URL, ""), time.Second, logger.Nop())
	res := inv.Invoke(context.Background(), models.DetectionInput{
		ImageID:     "img-1",
		ImageURL:    "gs://uploads/alice/img-1.jpg",
		Content:     []byte("pixels"),
		ContentType: "image/jpeg",
	})
	assert.Equal(t, models.DetectionStatusOK, res.Status)
	assert.Equal(t, 0, res.NumDetections)
}

func TestInvokeHTTPUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	inv := NewInvoker(NewHTTPBackend(srv.URL, ""), time.Second, logger.Nop())
	res := inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "https://x/y.jpg"})
	assertFailed(t, res)
	assert.Contains(t, res.Error, "503")
	assert.Equal(t, srv.URL, res.ModelVersion)
}

func TestInvokeHTTPMalformedBodyFails(t *testing.T) {
	for _, body := range []string{`{"detections": [`, `<html>502 Bad Gateway</html>`, `{"detections": [{"foo": 1}]}`} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, body)
		}))
		inv := NewInvoker(NewHTTPBackend(srv.URL, ""), time.Second, logger.Nop())
		res := inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "https://x/y.jpg"})
		srv.Close()

		assertFailed(t, res)
		assert.Equal(t, srv.URL, res.ModelVersion, body)
	}
}

func TestInvokeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	inv := NewInvoker(NewHTTPBackend(srv.URL, ""), 50*time.Millisecond, logger.Nop())
	start := time.Now()
	res := inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "https://x/y.jpg"})
	assertFailed(t, res)
	assert.Contains(t, res.Error, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

type panicBackend struct{}

func (panicBackend) Detect(context.Context, models.DetectionInput) ([]byte, error) { panic("boom") }
func (panicBackend) AcceptsURL(string) bool                                        { return true }
func (panicBackend) ModelVersion() string                                          { return "panicky" }

func TestInvokeRecoversBackendPanic(t *testing.T) {
	inv := NewInvoker(panicBackend{}, time.Second, logger.Nop())
	var res models.DetectionResult
	assert.NotPanics(t, func() {
		res = inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "https://x"})
	})
	assertFailed(t, res)
	assert.Equal(t, "panicky", res.ModelVersion)
}

func TestInvokeWithoutInput(t *testing.T) {
	inv := NewInvoker(panicBackend{}, time.Second, logger.Nop())
	assertFailed(t, inv.Invoke(context.Background(), models.DetectionInput{ImageID: "x"}))
}

type fakeGenerator struct {
	parts []genai.Part
	reply string
	err   error
}

func (f *fakeGenerator) GenerateContent(_ context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error) {
	f.parts = parts
	if f.err != nil {
		return nil, f.err
	}
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Parts: []genai.Part{genai.Text(f.reply)}},
	}}}, nil
}

func TestVertexBackend(t *testing.T) {
	gen := &fakeGenerator{reply: "```json\n{\"detections\":[{\"label\":\"acacia\",\"confidence\":0.75,\"bbox\":[0,0,10,10]}]}\n```"}
	inv := NewInvoker(NewVertexBackendWith(gen, "vertex/test"), time.Second, logger.Nop())

	res := inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "gs://uploads/a/b.png", ContentType: "image/png"})
	assert.Equal(t, models.DetectionStatusOK, res.Status)
	assert.Equal(t, 1, res.NumDetections)
	assert.Equal(t, "vertex/test", res.ModelVersion)

	require.Len(t, gen.parts, 2)
	fd, ok := gen.parts[0].(genai.FileData)
	require.True(t, ok)
	assert.Equal(t, "gs://uploads/a/b.png", fd.FileURI)
	assert.Equal(t, "image/png", fd.MIMEType)

	res = inv.Invoke(context.Background(), models.DetectionInput{Content: []byte{1, 2}, ContentType: "image/jpeg"})
	assert.Equal(t, models.DetectionStatusOK, res.Status)
	_, ok = gen.parts[0].(genai.Blob)
	assert.True(t, ok)
}

func TestVertexBackendRefusal(t *testing.T) {
	gen := &fakeGenerator{reply: "I am unable to analyze this image."}
	inv := NewInvoker(NewVertexBackendWith(gen, "vertex/test"), time.Second, logger.Nop())
	res := inv.Invoke(context.Background(), models.DetectionInput{ImageURL: "gs://a/b"})
	assertFailed(t, res)
	assert.Contains(t, res.Error, "refusal")
}
