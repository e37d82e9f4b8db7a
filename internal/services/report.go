package services

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/Lllllllleong/detectionflow/internal/models"
)

const (
	reportDateLayout = "2006-01-02"
	reportTimeLayout = "15:04"
)

// BuildReport projects a submission and its images into the report shape. Images follow
// the submission's ImageIDs order; images not listed there are appended by creation time.
func BuildReport(sub models.Submission, images []models.Image) models.SubmissionReport {
	rep := models.SubmissionReport{
		SubmissionID:       sub.SubmissionID,
		Date:               sub.CreatedAt.Format(reportDateLayout),
		Time:               sub.CreatedAt.Format(reportTimeLayout),
		ImageCount:         sub.ImageCount,
		TotalDetectedAreas: sub.TotalDetectedAreas,
		AverageConfidence:  sub.AverageConfidence,
		Status:             sub.Status,
		Images:             make([]models.ImageReport, 0, len(images)),
	}
	for _, img := range orderImages(sub.ImageIDs, images) {
		rep.Images = append(rep.Images, imageReport(img))
	}
	return rep
}

func imageReport(img models.Image) models.ImageReport {
	name := img.OriginalFilename
	if name == "" {
		name = "unknown"
	}
	out := models.ImageReport{
		ImageID:    img.ImageID,
		InputName:  name,
		InputImage: img.StorageURI,
		Status:     img.Status,
		Species:    []string{},
	}
	if !img.CreatedAt.IsZero() {
		t := img.CreatedAt
		out.CreatedAt = &t
	}
	if r := img.DetectionResult; r != nil {
		out.Confidence = r.AverageConfidence
		out.DetectedAreas = r.NumDetections
		out.ProcessingTime = r.ProcessingTimeSeconds
		out.Species = ExtractSpecies(r.Detections)
		out.OutputImage = r.OutputImageURL
	}
	if out.OutputImage == "" {
		out.OutputImage = img.ResultURI
	}
	return out
}

// BuildImageStats projects a detection result into per-image statistics. Detections
// without a confidence are counted but contribute no score.
func BuildImageStats(imageID string, r models.DetectionResult) models.ImageStats {
	scores := make([]float64, 0, len(r.Detections))
	for _, d := range r.Detections {
		if d.Confidence != nil {
			scores = append(scores, *d.Confidence)
		}
	}
	return models.ImageStats{
		ImageID:            imageID,
		TotalDetections:    r.NumDetections,
		ConfidenceScores:   scores,
		AverageConfidence:  r.AverageConfidence,
		CoveragePercentage: r.CoveragePercentage,
		ProcessingTime:     r.ProcessingTimeSeconds,
		ModelVersion:       r.ModelVersion,
		Result:             &r,
	}
}

// ExtractSpecies turns detection labels into unique, sorted display names.
// "acacia dealbata" becomes "Acacia dealbata", a bare "acacia" becomes "Acacia", and any
// other label is title-cased.
func ExtractSpecies(dets []models.Detection) []string {
	title := cases.Title(language.Und)
	seen := make(map[string]struct{})
	for _, d := range dets {
		label := strings.ToLower(strings.TrimSpace(d.Label))
		if label == "" {
			continue
		}
		var name string
		if strings.Contains(label, "acacia") {
			rest := strings.Join(strings.Fields(strings.ReplaceAll(label, "acacia", "")), " ")
			name = "Acacia"
			if rest != "" {
				name += " " + rest
			}
		} else {
			name = title.String(label)
		}
		seen[name] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func orderImages(order []string, images []models.Image) []models.Image {
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	out := append([]models.Image(nil), images...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iok := pos[out[i].ImageID]
		pj, jok := pos[out[j].ImageID]
		switch {
		case iok && jok:
			return pi < pj
		case iok != jok:
			return iok
		default:
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
	})
	return out
}
