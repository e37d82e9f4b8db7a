package gcp

import (
	"context"
	"fmt"

	"cloud.google.com/go/vertexai/genai"
)

// --- Detector Model Prompts ---
const DetectorSystemPrompt = "You are a vegetation survey assistant. You locate invasive plant species, in particular acacia, in field photographs. You must output your response as valid JSON."
const DetectorUserPrompt = `Analyze the provided photograph and locate every visible acacia plant or stand.

Follow these rules precisely:
1.  Return a single JSON object with one key, "detections", holding an array.
2.  Each element must have exactly three keys:
    - "label": the species name, e.g. "acacia" or "acacia longifolia" when you can tell the variety.
    - "confidence": a number between 0 and 1.
    - "bbox": [x1, y1, x2, y2] in source image pixels.
3.  If nothing is found, return {"detections": []}.
4.  Do not include any text before or after the JSON object.`

// DefaultDetectorModel is used when VERTEX_MODEL is not set.
const DefaultDetectorModel = "gemini-1.5-pro"

// VertexClient holds the pre-configured generative model used for detection.
type VertexClient struct {
	DetectorModel *genai.GenerativeModel
	modelName     string
	baseClient    *genai.Client
}

// NewVertexClient creates a new client holding the detector model.
func NewVertexClient(ctx context.Context, projectID, region, modelName string) (*VertexClient, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexClient: projectID and region cannot be empty")
	}
	if modelName == "" {
		modelName = DefaultDetectorModel
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	detectorModel := baseClient.GenerativeModel(modelName)
	detectorModel.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(DetectorSystemPrompt)},
	}
	detectorModel.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	detectorModel.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexClient{
		DetectorModel: detectorModel,
		modelName:     modelName,
		baseClient:    baseClient,
	}, nil
}

// ModelName is the Vertex model identifier stamped into results.
func (c *VertexClient) ModelName() string { return c.modelName }

func (c *VertexClient) Close() error {
	if c.baseClient != nil {
		return c.baseClient.Close()
	}
	return nil
}
