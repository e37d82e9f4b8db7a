package models

// DetectionStatus tells callers whether the remote detection call produced a usable result.
type DetectionStatus string

const (
	DetectionStatusOK     DetectionStatus = "ok"
	DetectionStatusFailed DetectionStatus = "failed"
)

// BoundingBox is an axis-aligned box in source image pixels.
type BoundingBox struct {
	X      float64 `firestore:"x" json:"x"`
	Y      float64 `firestore:"y" json:"y"`
	Width  float64 `firestore:"width" json:"width"`
	Height float64 `firestore:"height" json:"height"`
}

// Detection is one labelled region. Confidence and BBox are nil when the model did not report them.
type Detection struct {
	Label      string       `firestore:"label" json:"label"`
	Confidence *float64     `firestore:"confidence" json:"confidence"`
	BBox       *BoundingBox `firestore:"bbox" json:"bbox"`
}

// DetectionResult is the normalised output of one detection call.
type DetectionResult struct {
	Detections            []Detection     `firestore:"detections" json:"detections"`
	NumDetections         int             `firestore:"numDetections" json:"numDetections"`
	AverageConfidence     float64         `firestore:"averageConfidence" json:"averageConfidence"`
	CoveragePercentage    float64         `firestore:"coveragePercentage" json:"coveragePercentage"`
	ProcessingTimeSeconds float64         `firestore:"processingTimeSeconds" json:"processingTimeSeconds"`
	ModelVersion          string          `firestore:"modelVersion" json:"modelVersion"`
	OutputImageURL        string          `firestore:"outputImageUrl,omitempty" json:"outputImageUrl,omitempty"`
	Status                DetectionStatus `firestore:"status" json:"status"`
	Error                 string          `firestore:"error,omitempty" json:"error,omitempty"`
}

// OK reports whether the result came back from a successful remote call.
func (r DetectionResult) OK() bool { return r.Status == DetectionStatusOK }

// FailedResult builds the zero-valued failure result for errMsg.
func FailedResult(modelVersion, errMsg string) DetectionResult {
	if errMsg == "" {
		errMsg = "detection failed"
	}
	return DetectionResult{
		Detections:   []Detection{},
		ModelVersion: modelVersion,
		Status:       DetectionStatusFailed,
		Error:        errMsg,
	}
}

// DetectionInput addresses the image for a detection call: a URL, raw bytes, or both.
type DetectionInput struct {
	ImageID     string
	ImageURL    string
	Content     []byte
	ContentType string
}
