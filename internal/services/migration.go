package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
	"github.com/Lllllllleong/detectionflow/internal/repository"
)

// Migration modes, as accepted by the migrate-submissions command.
const (
	ModeDryRun   = "dry-run"
	ModeExecute  = "execute"
	ModeRollback = "rollback"
)

// PlannedSubmission is one submission the migration would create.
type PlannedSubmission struct {
	SubmissionID string                 `json:"submissionId"`
	OwnerID      string                 `json:"ownerId"`
	SessionStart time.Time              `json:"sessionStart"`
	SessionEnd   time.Time              `json:"sessionEnd"`
	ImageIDs     []string               `json:"imageIds"`
	Stats        models.SubmissionStats `json:"stats"`
}

// MigrationPlan is the pure, reviewable output of Plan.
type MigrationPlan struct {
	GeneratedAt      time.Time           `json:"generatedAt"`
	Gap              time.Duration       `json:"gap"`
	ImagesConsidered int                 `json:"imagesConsidered"`
	ImagesSkipped    int                 `json:"imagesSkipped"`
	Submissions      []PlannedSubmission `json:"submissions"`
}

// RollbackItem is one migrated submission to remove.
type RollbackItem struct {
	SubmissionID string   `json:"submissionId"`
	OwnerID      string   `json:"ownerId"`
	ImageIDs     []string `json:"imageIds"`
}

// RollbackPlan lists every submission created by a previous migration.
type RollbackPlan struct {
	GeneratedAt time.Time      `json:"generatedAt"`
	Submissions []RollbackItem `json:"submissions"`
}

// SkippedImage records an image the apply pass left alone.
type SkippedImage struct {
	ImageID      string `json:"imageId"`
	SubmissionID string `json:"submissionId"`
	Reason       string `json:"reason"`
}

// MigrationLog is the audit record written after Apply or ApplyRollback.
type MigrationLog struct {
	Mode               string         `json:"mode"`
	StartedAt          time.Time      `json:"startedAt"`
	FinishedAt         time.Time      `json:"finishedAt"`
	SubmissionsCreated []string       `json:"submissionsCreated,omitempty"`
	SubmissionsDeleted []string       `json:"submissionsDeleted,omitempty"`
	ImagesLinked       int            `json:"imagesLinked"`
	ImagesUnlinked     int            `json:"imagesUnlinked"`
	Skipped            []SkippedImage `json:"skipped,omitempty"`
	Errors             []string       `json:"errors,omitempty"`
	LogURI             string         `json:"logUri,omitempty"`
}

// MigrationConfig holds migrator settings.
type MigrationConfig struct {
	Gap     time.Duration `validate:"gt=0"`
	Workers int           `validate:"gte=1"`
}

// Migrator reconstructs submissions for legacy images that were never linked to one.
// Plan only reads; Apply performs the writes and is safe to re-run.
type Migrator struct {
	images      repository.ImageRepository
	submissions repository.SubmissionRepository
	aggregator  *Aggregator
	logs        BlobStore
	config      MigrationConfig
	log         zerolog.Logger
	now         func() time.Time
	newID       func() string
}

// NewMigrator wires a Migrator. logs may be nil, in which case no log artifact is written.
func NewMigrator(images repository.ImageRepository, submissions repository.SubmissionRepository, aggregator *Aggregator, logs BlobStore, cfg MigrationConfig, log zerolog.Logger) *Migrator {
	if cfg.Gap <= 0 {
		cfg.Gap = SessionGap
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Migrator{
		images:      images,
		submissions: submissions,
		aggregator:  aggregator,
		logs:        logs,
		config:      cfg,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
}

// Plan clusters every unlinked image, per owner, into planned submissions.
func (m *Migrator) Plan(ctx context.Context) (*MigrationPlan, error) {
	unlinked, err := m.images.ListUnlinkedImages(ctx)
	if err != nil {
		return nil, err
	}
	plan := &MigrationPlan{GeneratedAt: m.now(), Gap: m.config.Gap, ImagesConsidered: len(unlinked)}

	owners, byOwner := groupByOwner(unlinked)
	planned := 0
	for _, owner := range owners {
		for _, s := range ClusterSessions(byOwner[owner], m.config.Gap) {
			ids := make([]string, 0, len(s.Images))
			for _, img := range s.Images {
				ids = append(ids, img.ImageID)
			}
			planned += len(ids)
			plan.Submissions = append(plan.Submissions, PlannedSubmission{
				SubmissionID: m.newID(),
				OwnerID:      owner,
				SessionStart: s.Start,
				SessionEnd:   s.End,
				ImageIDs:     ids,
				Stats:        Summarize(s.Images),
			})
		}
	}
	plan.ImagesSkipped = plan.ImagesConsidered - planned
	m.log.Info().
		Int("images", plan.ImagesConsidered).
		Int("submissions", len(plan.Submissions)).
		Int("skipped", plan.ImagesSkipped).
		Msg("migration planned")
	return plan, nil
}

// Apply creates the planned submissions and links their images with set-once writes.
// Images linked elsewhere since the plan was made are skipped and the submission is
// trimmed to what was actually linked.
func (m *Migrator) Apply(ctx context.Context, plan *MigrationPlan) (*MigrationLog, error) {
	if plan == nil {
		return nil, perr.InvalidArgf("nil migration plan")
	}
	mlog := &MigrationLog{Mode: ModeExecute, StartedAt: m.now()}
	var mu sync.Mutex

	var eg errgroup.Group
	eg.SetLimit(m.config.Workers)
	for _, ps := range plan.Submissions {
		eg.Go(func() error {
			created, linked, skipped, err := m.applyOne(ctx, ps)
			mu.Lock()
			defer mu.Unlock()
			if created {
				mlog.SubmissionsCreated = append(mlog.SubmissionsCreated, ps.SubmissionID)
			}
			mlog.ImagesLinked += linked
			mlog.Skipped = append(mlog.Skipped, skipped...)
			if err != nil {
				mlog.Errors = append(mlog.Errors, fmt.Sprintf("%s: %v", ps.SubmissionID, err))
			}
			return nil
		})
	}
	_ = eg.Wait()

	mlog.FinishedAt = m.now()
	m.writeLog(ctx, mlog)
	m.log.Info().
		Int("created", len(mlog.SubmissionsCreated)).
		Int("linked", mlog.ImagesLinked).
		Int("skipped", len(mlog.Skipped)).
		Int("errors", len(mlog.Errors)).
		Msg("migration applied")
	return mlog, nil
}

func (m *Migrator) applyOne(ctx context.Context, ps PlannedSubmission) (created bool, linked int, skipped []SkippedImage, err error) {
	logCtx := m.log.With().Str("submissionId", ps.SubmissionID).Str("ownerId", ps.OwnerID).Logger()
	now := m.now()
	sub := &models.Submission{
		SubmissionID:       ps.SubmissionID,
		OwnerID:            ps.OwnerID,
		ImageIDs:           append([]string(nil), ps.ImageIDs...),
		ImageCount:         len(ps.ImageIDs),
		TotalDetectedAreas: ps.Stats.TotalDetectedAreas,
		AverageConfidence:  ps.Stats.AverageConfidence,
		Status:             ps.Stats.Status,
		Migration: &models.MigrationInfo{
			MigratedFromImages: true,
			MigratedAt:         now,
			SessionStart:       ps.SessionStart,
		},
		CreatedAt: ps.SessionStart,
		UpdatedAt: now,
	}
	if err := m.submissions.CreateSubmission(ctx, sub); err != nil {
		if !perr.IsKind(err, perr.KindConflict) {
			return false, 0, nil, err
		}
		logCtx.Info().Msg("submission already exists, continuing with links")
	} else {
		created = true
	}

	kept := make([]string, 0, len(ps.ImageIDs))
	for _, id := range ps.ImageIDs {
		ok, err := m.images.LinkSubmission(ctx, id, ps.SubmissionID)
		switch {
		case err != nil:
			skipped = append(skipped, SkippedImage{ImageID: id, SubmissionID: ps.SubmissionID, Reason: err.Error()})
		case !ok:
			skipped = append(skipped, SkippedImage{ImageID: id, SubmissionID: ps.SubmissionID, Reason: "already linked to another submission"})
		default:
			kept = append(kept, id)
		}
	}
	linked = len(kept)

	if len(kept) == 0 {
		logCtx.Warn().Msg("no image could be linked, removing empty submission")
		return false, 0, skipped, m.submissions.DeleteSubmission(ctx, ps.SubmissionID)
	}
	if len(kept) < len(ps.ImageIDs) {
		if err := m.submissions.UpdateSubmissionImages(ctx, ps.SubmissionID, kept); err != nil {
			return created, linked, skipped, err
		}
	}
	if m.aggregator != nil {
		if _, err := m.aggregator.Recompute(ctx, ps.OwnerID, ps.SubmissionID); err != nil {
			return created, linked, skipped, err
		}
	}
	return created, linked, skipped, nil
}

// PlanRollback lists every submission a migration created.
func (m *Migrator) PlanRollback(ctx context.Context) (*RollbackPlan, error) {
	subs, err := m.submissions.ListMigratedSubmissions(ctx)
	if err != nil {
		return nil, err
	}
	plan := &RollbackPlan{GeneratedAt: m.now()}
	for _, s := range subs {
		plan.Submissions = append(plan.Submissions, RollbackItem{
			SubmissionID: s.SubmissionID,
			OwnerID:      s.OwnerID,
			ImageIDs:     append([]string(nil), s.ImageIDs...),
		})
	}
	return plan, nil
}

// ApplyRollback clears the links of migrated images and deletes their submissions.
// Links pointing at any other submission are left alone.
func (m *Migrator) ApplyRollback(ctx context.Context, plan *RollbackPlan) (*MigrationLog, error) {
	if plan == nil {
		return nil, perr.InvalidArgf("nil rollback plan")
	}
	mlog := &MigrationLog{Mode: ModeRollback, StartedAt: m.now()}
	for _, item := range plan.Submissions {
		failed := false
		for _, id := range item.ImageIDs {
			cleared, err := m.images.ClearSubmission(ctx, id, item.SubmissionID)
			if err != nil {
				if perr.IsKind(err, perr.KindNotFound) {
					continue
				}
				failed = true
				mlog.Errors = append(mlog.Errors, fmt.Sprintf("%s/%s: %v", item.SubmissionID, id, err))
				continue
			}
			if cleared {
				mlog.ImagesUnlinked++
			}
		}
		if failed {
			// keep the submission so a re-run can finish the unlinking
			continue
		}
		if err := m.submissions.DeleteSubmission(ctx, item.SubmissionID); err != nil {
			mlog.Errors = append(mlog.Errors, fmt.Sprintf("%s: %v", item.SubmissionID, err))
			continue
		}
		mlog.SubmissionsDeleted = append(mlog.SubmissionsDeleted, item.SubmissionID)
	}
	mlog.FinishedAt = m.now()
	m.writeLog(ctx, mlog)
	m.log.Info().
		Int("deleted", len(mlog.SubmissionsDeleted)).
		Int("unlinked", mlog.ImagesUnlinked).
		Int("errors", len(mlog.Errors)).
		Msg("migration rolled back")
	return mlog, nil
}

func (m *Migrator) writeLog(ctx context.Context, mlog *MigrationLog) {
	if m.logs == nil {
		return
	}
	object := fmt.Sprintf("migrations/%s-%s.json", mlog.StartedAt.Format("20060102T150405Z"), mlog.Mode)
	uri, err := m.logs.PutJSON(ctx, object, mlog)
	if err != nil {
		m.log.Error().Err(err).Str("object", object).Msg("failed to write migration log")
		return
	}
	mlog.LogURI = uri
}
