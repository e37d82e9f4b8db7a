package models

import "time"

// SubmissionStatus is derived from the statuses of a submission's images.
type SubmissionStatus string

const (
	SubmissionStatusPending    SubmissionStatus = "pending"
	SubmissionStatusProcessing SubmissionStatus = "processing"
	SubmissionStatusCompleted  SubmissionStatus = "completed"
	SubmissionStatusFailed     SubmissionStatus = "failed"
)

// MigrationInfo marks submissions reconstructed from legacy ungrouped images.
type MigrationInfo struct {
	MigratedFromImages bool      `firestore:"migratedFromImages" json:"migratedFromImages"`
	MigratedAt         time.Time `firestore:"migratedAt" json:"migratedAt"`
	SessionStart       time.Time `firestore:"sessionStart" json:"sessionStart"`
}

// Submission groups images uploaded (or retroactively clustered) together.
type Submission struct {
	SubmissionID       string           `firestore:"submissionId" json:"submissionId"`
	OwnerID            string           `firestore:"ownerId" json:"ownerId"`
	ImageIDs           []string         `firestore:"imageIds" json:"imageIds"`
	ImageCount         int              `firestore:"imageCount" json:"imageCount"`
	TotalDetectedAreas int              `firestore:"totalDetectedAreas" json:"totalDetectedAreas"`
	AverageConfidence  float64          `firestore:"averageConfidence" json:"averageConfidence"`
	Status             SubmissionStatus `firestore:"status" json:"status"`
	Migration          *MigrationInfo   `firestore:"migration,omitempty" json:"migration,omitempty"`
	CreatedAt          time.Time        `firestore:"createdAt" json:"createdAt"`
	UpdatedAt          time.Time        `firestore:"updatedAt" json:"updatedAt"`
}

// SubmissionStats is the recomputed, derived part of a Submission.
type SubmissionStats struct {
	TotalDetectedAreas int
	AverageConfidence  float64
	Status             SubmissionStatus
}
