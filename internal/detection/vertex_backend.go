package detection

import (
	"context"
	"strings"

	"cloud.google.com/go/vertexai/genai"

	"github.com/Lllllllleong/detectionflow/internal/gcp"
	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// ContentGenerator is the part of *genai.GenerativeModel the backend needs.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, parts ...genai.Part) (*genai.GenerateContentResponse, error)
}

// VertexBackend asks a Gemini model on Vertex AI for a JSON detections payload.
type VertexBackend struct {
	model   ContentGenerator
	version string
}

// NewVertexBackend wraps the detector model of a VertexClient.
func NewVertexBackend(client *gcp.VertexClient) *VertexBackend {
	return &VertexBackend{model: client.DetectorModel, version: "vertex/" + client.ModelName()}
}

// NewVertexBackendWith builds a backend around any generator, mainly for tests.
func NewVertexBackendWith(model ContentGenerator, version string) *VertexBackend {
	return &VertexBackend{model: model, version: version}
}

func (b *VertexBackend) ModelVersion() string { return b.version }

// AcceptsURL is true for Cloud Storage objects, which Vertex reads directly.
func (b *VertexBackend) AcceptsURL(url string) bool { return strings.HasPrefix(url, "gs://") }

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot answer",
	"i cannot provide",
	"as a large language model",
}

func (b *VertexBackend) Detect(ctx context.Context, in models.DetectionInput) ([]byte, error) {
	mime := in.ContentType
	if mime == "" {
		mime = "image/jpeg"
	}
	var image genai.Part
	switch {
	case b.AcceptsURL(in.ImageURL):
		image = genai.FileData{MIMEType: mime, FileURI: in.ImageURL}
	case len(in.Content) > 0:
		image = genai.Blob{MIMEType: mime, Data: in.Content}
	default:
		return nil, perr.New(perr.KindInvalidArgument, "vertex backend needs a gs:// uri or image bytes")
	}

	resp, err := b.model.GenerateContent(ctx, image, genai.Text(gcp.DetectorUserPrompt))
	if err != nil {
		return nil, perr.Wrap(err, perr.KindRemote, "failed to generate content from gemini")
	}

	text := extractText(resp)
	if text == "" {
		return nil, perr.New(perr.KindRemote, "gemini returned no content")
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.Contains(lower, phrase) {
			return nil, perr.Newf(perr.KindRemote, "gemini response indicates refusal: %q", phrase)
		}
	}
	return []byte(text), nil
}

// extractText concatenates the text parts of the first candidate and strips code fences.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	s := strings.TrimSpace(sb.String())
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
