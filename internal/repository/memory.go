package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// Memory is a mutex-guarded Store used by tests and local runs.
// Records are copied on the way in and out so callers never share state with the store.
type Memory struct {
	mu          sync.Mutex
	images      map[string]models.Image
	submissions map[string]models.Submission

	// Now stamps UpdatedAt/ProcessedAt; defaults to time.Now in UTC.
	Now func() time.Time
	// FailNext, when set, is consulted before every write; a non-nil error aborts it.
	FailNext func(op string) error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{
		images:      make(map[string]models.Image),
		submissions: make(map[string]models.Submission),
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) fault(op string) error {
	if m.FailNext == nil {
		return nil
	}
	return m.FailNext(op)
}

func (m *Memory) CreateImage(_ context.Context, img *models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CreateImage"); err != nil {
		return err
	}
	if _, ok := m.images[img.ImageID]; ok {
		return perr.Conflictf("image %s already exists", img.ImageID)
	}
	m.images[img.ImageID] = cloneImage(*img)
	return nil
}

func (m *Memory) GetImage(_ context.Context, imageID string) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return nil, perr.ErrNotFound
	}
	out := cloneImage(img)
	return &out, nil
}

func (m *Memory) GetImages(_ context.Context, imageIDs []string) ([]models.Image, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var (
		found   []models.Image
		missing []string
	)
	for _, id := range imageIDs {
		img, ok := m.images[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		found = append(found, cloneImage(img))
	}
	return found, missing, nil
}

func (m *Memory) BeginProcessing(_ context.Context, imageID string) (*models.Image, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return nil, false, perr.ErrNotFound
	}
	if !img.Status.CanTransitionTo(models.ImageStatusProcessing) {
		out := cloneImage(img)
		return &out, false, nil
	}
	if err := m.fault("BeginProcessing"); err != nil {
		return nil, false, err
	}
	img.Status = models.ImageStatusProcessing
	img.UpdatedAt = m.Now()
	m.images[imageID] = img
	out := cloneImage(img)
	return &out, true, nil
}

func (m *Memory) CompleteImage(_ context.Context, imageID string, upd TerminalUpdate) (*models.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return nil, perr.ErrNotFound
	}
	if !upd.Status.IsTerminal() || !img.Status.CanTransitionTo(upd.Status) {
		return nil, perr.Conflictf("image %s cannot move from %s to %s", imageID, img.Status, upd.Status)
	}
	if err := m.fault("CompleteImage"); err != nil {
		return nil, err
	}
	if upd.Result != nil {
		r := cloneResult(*upd.Result)
		upd.Result = &r
	}
	applyTerminal(&img, upd, m.Now())
	m.images[imageID] = img
	out := cloneImage(img)
	return &out, nil
}

func (m *Memory) LinkSubmission(_ context.Context, imageID, submissionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return false, perr.ErrNotFound
	}
	if img.SubmissionID != "" {
		return img.SubmissionID == submissionID, nil
	}
	if err := m.fault("LinkSubmission"); err != nil {
		return false, err
	}
	img.SubmissionID = submissionID
	img.UpdatedAt = m.Now()
	m.images[imageID] = img
	return true, nil
}

func (m *Memory) ClearSubmission(_ context.Context, imageID, submissionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	img, ok := m.images[imageID]
	if !ok {
		return false, perr.ErrNotFound
	}
	if img.SubmissionID != submissionID {
		return false, nil
	}
	if err := m.fault("ClearSubmission"); err != nil {
		return false, err
	}
	img.SubmissionID = ""
	img.UpdatedAt = m.Now()
	m.images[imageID] = img
	return true, nil
}

func (m *Memory) ListImagesBySubmission(_ context.Context, ownerID, submissionID string) ([]models.Image, error) {
	return m.filterImages(func(img models.Image) bool {
		return img.SubmissionID == submissionID && img.OwnerID == ownerID
	}), nil
}

func (m *Memory) ListUnlinkedImages(_ context.Context) ([]models.Image, error) {
	return m.filterImages(func(img models.Image) bool { return img.SubmissionID == "" }), nil
}

func (m *Memory) filterImages(keep func(models.Image) bool) []models.Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Image
	for _, img := range m.images {
		if keep(img) {
			out = append(out, cloneImage(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ImageID < out[j].ImageID })
	return out
}

func (m *Memory) CreateSubmission(_ context.Context, sub *models.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("CreateSubmission"); err != nil {
		return err
	}
	if _, ok := m.submissions[sub.SubmissionID]; ok {
		return perr.Conflictf("submission %s already exists", sub.SubmissionID)
	}
	m.submissions[sub.SubmissionID] = cloneSubmission(*sub)
	return nil
}

func (m *Memory) GetSubmission(_ context.Context, submissionID string) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return nil, perr.ErrNotFound
	}
	out := cloneSubmission(sub)
	return &out, nil
}

func (m *Memory) RecomputeSubmission(_ context.Context, submissionID string, at time.Time, fn StatsFunc) (*models.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.submissions[submissionID]
	if !ok {
		return nil, perr.ErrNotFound
	}
	sub := cloneSubmission(stored)
	var (
		found   []models.Image
		missing []string
	)
	for _, id := range sub.ImageIDs {
		img, ok := m.images[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		found = append(found, cloneImage(img))
	}

	stats, err := fn(&sub, found, missing)
	if err != nil {
		return nil, err
	}
	if err := m.fault("RecomputeSubmission"); err != nil {
		return nil, err
	}
	sub.TotalDetectedAreas = stats.TotalDetectedAreas
	sub.AverageConfidence = stats.AverageConfidence
	sub.Status = stats.Status
	sub.UpdatedAt = at
	m.submissions[submissionID] = cloneSubmission(sub)
	return &sub, nil
}

func (m *Memory) UpdateSubmissionImages(_ context.Context, submissionID string, imageIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[submissionID]
	if !ok {
		return perr.ErrNotFound
	}
	if err := m.fault("UpdateSubmissionImages"); err != nil {
		return err
	}
	sub.ImageIDs = append([]string(nil), imageIDs...)
	sub.ImageCount = len(imageIDs)
	sub.UpdatedAt = m.Now()
	m.submissions[submissionID] = sub
	return nil
}

func (m *Memory) ListSubmissionsByOwner(_ context.Context, ownerID string, limit int) ([]models.Submission, error) {
	out := m.filterSubmissions(func(s models.Submission) bool { return s.OwnerID == ownerID })
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListMigratedSubmissions(_ context.Context) ([]models.Submission, error) {
	return m.filterSubmissions(func(s models.Submission) bool {
		return s.Migration != nil && s.Migration.MigratedFromImages
	}), nil
}

func (m *Memory) filterSubmissions(keep func(models.Submission) bool) []models.Submission {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Submission
	for _, s := range m.submissions {
		if keep(s) {
			out = append(out, cloneSubmission(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmissionID < out[j].SubmissionID })
	return out
}

func (m *Memory) DeleteSubmission(_ context.Context, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fault("DeleteSubmission"); err != nil {
		return err
	}
	delete(m.submissions, submissionID)
	return nil
}

func cloneImage(img models.Image) models.Image {
	if img.DetectionResult != nil {
		r := cloneResult(*img.DetectionResult)
		img.DetectionResult = &r
	}
	if img.ProcessedAt != nil {
		t := *img.ProcessedAt
		img.ProcessedAt = &t
	}
	return img
}

func cloneResult(r models.DetectionResult) models.DetectionResult {
	if r.Detections != nil {
		r.Detections = append([]models.Detection(nil), r.Detections...)
	}
	return r
}

func cloneSubmission(s models.Submission) models.Submission {
	s.ImageIDs = append([]string(nil), s.ImageIDs...)
	if s.Migration != nil {
		mi := *s.Migration
		s.Migration = &mi
	}
	return s
}
