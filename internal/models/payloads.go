package models

import "time"

// These structs define the JSON payloads exchanged between the Cloud Workflow,
// the worker functions and API clients.

// ProcessBatchRequest is the workflow argument created after an upload batch.
type ProcessBatchRequest struct {
	SubmissionID string   `json:"submissionId"`
	OwnerID      string   `json:"ownerId"`
	ImageIDs     []string `json:"imageIds"`
}

// ProcessImageRequest is the input for the image-processor function.
type ProcessImageRequest struct {
	ImageID     string `json:"imageId" validate:"required"`
	OwnerID     string `json:"ownerId" validate:"required"`
	ExecutionID string `json:"executionId,omitempty"`
}

// ProcessImageResponse is the output of the image-processor function.
type ProcessImageResponse struct {
	ImageID string      `json:"imageId"`
	Status  ImageStatus `json:"status"`
	Started bool        `json:"started"`
}

// FileRejection explains why a single file of an upload batch was not accepted.
type FileRejection struct {
	Filename string `json:"filename"`
	Reason   string `json:"reason"`
}

// AcceptedImage is the per-file success entry of an upload batch.
type AcceptedImage struct {
	ImageID     string    `json:"imageId"`
	Filename    string    `json:"filename"`
	CaptureDate time.Time `json:"captureDate"`
	StorageURI  string    `json:"storageUri"`
}

// UploadResult is the response of the upload boundary.
type UploadResult struct {
	SubmissionID string          `json:"submissionId,omitempty"`
	Accepted     []AcceptedImage `json:"accepted"`
	Rejected     []FileRejection `json:"rejected"`
	Dispatched   bool            `json:"dispatched"`
}

// ImageReport is the display projection of one image inside a submission report.
type ImageReport struct {
	ImageID        string      `json:"imageId"`
	InputName      string      `json:"inputName"`
	InputImage     string      `json:"inputImage,omitempty"`
	OutputImage    string      `json:"outputImage,omitempty"`
	Status         ImageStatus `json:"status"`
	Confidence     float64     `json:"confidence"`
	DetectedAreas  int         `json:"detectedAreas"`
	ProcessingTime float64     `json:"processingTime"`
	Species        []string    `json:"species"`
	CreatedAt      *time.Time  `json:"createdAt,omitempty"`
}

// SubmissionReport is the display projection of a submission plus its images.
type SubmissionReport struct {
	SubmissionID       string           `json:"submissionId"`
	Date               string           `json:"date"`
	Time               string           `json:"time"`
	ImageCount         int              `json:"imageCount"`
	TotalDetectedAreas int              `json:"totalDetectedAreas"`
	AverageConfidence  float64          `json:"averageConfidence"`
	Status             SubmissionStatus `json:"status"`
	Images             []ImageReport    `json:"images"`
}

// ImageStats is the per-image statistics view of a processed image.
type ImageStats struct {
	ImageID            string           `json:"imageId"`
	TotalDetections    int              `json:"totalDetections"`
	ConfidenceScores   []float64        `json:"confidenceScores"`
	AverageConfidence  float64          `json:"averageConfidence"`
	CoveragePercentage float64          `json:"coveragePercentage"`
	ProcessingTime     float64          `json:"processingTime"`
	ModelVersion       string           `json:"modelVersion,omitempty"`
	Result             *DetectionResult `json:"rawResults"`
}
