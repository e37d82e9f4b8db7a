package models

import "time"

// ImageStatus is the lifecycle state of a single uploaded image.
type ImageStatus string

const (
	ImageStatusUploaded   ImageStatus = "uploaded"
	ImageStatusProcessing ImageStatus = "processing"
	ImageStatusProcessed  ImageStatus = "processed"
	ImageStatusFailed     ImageStatus = "failed"
)

// IsTerminal reports whether no further transitions can occur from s.
func (s ImageStatus) IsTerminal() bool {
	return s == ImageStatusProcessed || s == ImageStatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal forward step.
func (s ImageStatus) CanTransitionTo(next ImageStatus) bool {
	switch s {
	case ImageStatusUploaded:
		return next == ImageStatusProcessing
	case ImageStatusProcessing:
		return next == ImageStatusProcessed || next == ImageStatusFailed
	default:
		return false
	}
}

// Image represents one uploaded file and its detection lifecycle in Firestore.
// SubmissionID is stored even when empty so unlinked images stay queryable.
type Image struct {
	ImageID          string           `firestore:"imageId" json:"imageId"`
	OwnerID          string           `firestore:"ownerId" json:"ownerId"`
	SubmissionID     string           `firestore:"submissionId" json:"submissionId,omitempty"`
	OriginalFilename string           `firestore:"originalFilename,omitempty" json:"originalFilename,omitempty"`
	ContentType      string           `firestore:"contentType,omitempty" json:"contentType,omitempty"`
	SizeBytes        int64            `firestore:"sizeBytes,omitempty" json:"sizeBytes,omitempty"`
	StorageURI       string           `firestore:"storageUri,omitempty" json:"storageUri,omitempty"`
	ResultURI        string           `firestore:"resultUri,omitempty" json:"resultUri,omitempty"`
	CaptureDate      time.Time        `firestore:"captureDate" json:"captureDate"`
	Status           ImageStatus      `firestore:"status" json:"status"`
	DetectionResult  *DetectionResult `firestore:"detectionResult,omitempty" json:"detectionResult,omitempty"`
	ErrorDetails     string           `firestore:"errorDetails,omitempty" json:"errorDetails,omitempty"`
	ProcessedAt      *time.Time       `firestore:"processedAt,omitempty" json:"processedAt,omitempty"`
	CreatedAt        time.Time        `firestore:"createdAt" json:"createdAt"`
	UpdatedAt        time.Time        `firestore:"updatedAt" json:"updatedAt"`
}

// UploadFile is one raw file received at the upload boundary.
type UploadFile struct {
	Filename    string `validate:"required,max=255"`
	ContentType string `validate:"required,oneof=image/jpeg image/png image/tiff image/webp"`
	Content     []byte `validate:"-"`
	Size        int64  `validate:"gt=0"`
}
