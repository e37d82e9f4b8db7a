package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// runStoreContract exercises the behaviour every Store must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

	newImage := func(id, owner string) *models.Image {
		return &models.Image{
			ImageID:     id,
			OwnerID:     owner,
			Status:      models.ImageStatusUploaded,
			CaptureDate: base,
			CreatedAt:   base,
			UpdatedAt:   base,
		}
	}

	t.Run("create and get image", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateImage(ctx, newImage("img-1", "alice")))

		got, err := s.GetImage(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, "alice", got.OwnerID)
		assert.Equal(t, models.ImageStatusUploaded, got.Status)

		err = s.CreateImage(ctx, newImage("img-1", "alice"))
		assert.True(t, perr.IsKind(err, perr.KindConflict), "got %v", err)

		_, err = s.GetImage(ctx, "nope")
		assert.True(t, perr.IsKind(err, perr.KindNotFound), "got %v", err)
	})

	t.Run("begin processing is a one-shot CAS", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateImage(ctx, newImage("img-1", "alice")))

		var starts atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, started, err := s.BeginProcessing(ctx, "img-1")
				if err == nil && started {
					starts.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), starts.Load())

		img, started, err := s.BeginProcessing(ctx, "img-1")
		require.NoError(t, err)
		assert.False(t, started)
		assert.Equal(t, models.ImageStatusProcessing, img.Status)
	})

	t.Run("complete image only from processing", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateImage(ctx, newImage("img-1", "alice")))

		upd := TerminalUpdate{
			Status: models.ImageStatusProcessed,
			Result: &models.DetectionResult{NumDetections: 2, AverageConfidence: 0.5, Status: models.DetectionStatusOK},
		}
		_, err := s.CompleteImage(ctx, "img-1", upd)
		assert.True(t, perr.IsKind(err, perr.KindConflict), "uploaded→processed must be refused, got %v", err)

		_, _, err = s.BeginProcessing(ctx, "img-1")
		require.NoError(t, err)
		img, err := s.CompleteImage(ctx, "img-1", upd)
		require.NoError(t, err)
		assert.Equal(t, models.ImageStatusProcessed, img.Status)
		require.NotNil(t, img.ProcessedAt)

		_, err = s.CompleteImage(ctx, "img-1", TerminalUpdate{Status: models.ImageStatusFailed})
		assert.True(t, perr.IsKind(err, perr.KindConflict), "terminal states are final, got %v", err)

		got, err := s.GetImage(ctx, "img-1")
		require.NoError(t, err)
		assert.Equal(t, models.ImageStatusProcessed, got.Status)
		require.NotNil(t, got.DetectionResult)
		assert.Equal(t, 2, got.DetectionResult.NumDetections)
	})

	t.Run("submission link is set once", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		require.NoError(t, s.CreateImage(ctx, newImage("img-1", "alice")))

		linked, err := s.LinkSubmission(ctx, "img-1", "sub-a")
		require.NoError(t, err)
		assert.True(t, linked)

		linked, err = s.LinkSubmission(ctx, "img-1", "sub-a")
		require.NoError(t, err)
		assert.True(t, linked, "relinking to the same submission is a no-op success")

		linked, err = s.LinkSubmission(ctx, "img-1", "sub-b")
		require.NoError(t, err)
		assert.False(t, linked)

		cleared, err := s.ClearSubmission(ctx, "img-1", "sub-b")
		require.NoError(t, err)
		assert.False(t, cleared)
		got, _ := s.GetImage(ctx, "img-1")
		assert.Equal(t, "sub-a", got.SubmissionID, "clear only applies to the matching submission")

		cleared, err = s.ClearSubmission(ctx, "img-1", "sub-a")
		require.NoError(t, err)
		assert.True(t, cleared)
		got, _ = s.GetImage(ctx, "img-1")
		assert.Empty(t, got.SubmissionID)

		cleared, err = s.ClearSubmission(ctx, "img-1", "sub-a")
		require.NoError(t, err)
		assert.False(t, cleared, "a second clear finds nothing to remove")
	})

	t.Run("listing by submission and unlinked", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		for _, id := range []string{"a", "b", "c"} {
			require.NoError(t, s.CreateImage(ctx, newImage(id, "alice")))
		}
		require.NoError(t, s.CreateImage(ctx, newImage("d", "bob")))
		_, _ = s.LinkSubmission(ctx, "a", "sub-1")
		_, _ = s.LinkSubmission(ctx, "b", "sub-1")
		_, _ = s.LinkSubmission(ctx, "d", "sub-1")

		imgs, err := s.ListImagesBySubmission(ctx, "alice", "sub-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, imageIDs(imgs))

		unlinked, err := s.ListUnlinkedImages(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"c"}, imageIDs(unlinked))

		found, missing, err := s.GetImages(ctx, []string{"a", "zzz", "c"})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "c"}, imageIDs(found))
		assert.Equal(t, []string{"zzz"}, missing)
	})

	t.Run("submissions", func(t *testing.T) {
		ctx := context.Background()
		s := newStore(t)
		older := &models.Submission{SubmissionID: "s-old", OwnerID: "alice", ImageIDs: []string{"a"}, ImageCount: 1, Status: models.SubmissionStatusPending, CreatedAt: base, UpdatedAt: base}
		newer := &models.Submission{SubmissionID: "s-new", OwnerID: "alice", ImageIDs: []string{"b"}, ImageCount: 1, Status: models.SubmissionStatusPending, CreatedAt: base.Add(time.Hour), UpdatedAt: base.Add(time.Hour),
			Migration: &models.MigrationInfo{MigratedFromImages: true, MigratedAt: base, SessionStart: base}}
		require.NoError(t, s.CreateSubmission(ctx, older))
		require.NoError(t, s.CreateSubmission(ctx, newer))
		assert.True(t, perr.IsKind(s.CreateSubmission(ctx, older), perr.KindConflict))

		list, err := s.ListSubmissionsByOwner(ctx, "alice", 0)
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "s-new", list[0].SubmissionID)

		list, err = s.ListSubmissionsByOwner(ctx, "alice", 1)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, s.CreateImage(ctx, newImage("a", "alice")))
		stats := models.SubmissionStats{TotalDetectedAreas: 5, AverageConfidence: 0.7, Status: models.SubmissionStatusFailed}
		var seen, gone []string
		derive := func(sub *models.Submission, imgs []models.Image, missing []string) (models.SubmissionStats, error) {
			seen, gone = imageIDs(imgs), missing
			return stats, nil
		}
		updated, err := s.RecomputeSubmission(ctx, "s-old", base.Add(2*time.Hour), derive)
		require.NoError(t, err)
		assert.Equal(t, models.SubmissionStatusFailed, updated.Status)
		assert.Equal(t, []string{"a"}, seen)
		assert.Empty(t, gone)

		got, err := s.GetSubmission(ctx, "s-old")
		require.NoError(t, err)
		assert.Equal(t, 5, got.TotalDetectedAreas)
		assert.InDelta(t, 0.7, got.AverageConfidence, 1e-9)
		assert.Equal(t, models.SubmissionStatusFailed, got.Status)
		assert.Equal(t, []string{"a"}, got.ImageIDs, "stats merge leaves other fields intact")

		require.NoError(t, s.UpdateSubmissionImages(ctx, "s-old", []string{"a", "c"}))
		got, _ = s.GetSubmission(ctx, "s-old")
		assert.Equal(t, 2, got.ImageCount)

		_, err = s.RecomputeSubmission(ctx, "s-old", base, derive)
		require.NoError(t, err)
		assert.Equal(t, []string{"c"}, gone, "listed images without a record are reported")

		_, err = s.RecomputeSubmission(ctx, "s-old", base.Add(3*time.Hour), func(*models.Submission, []models.Image, []string) (models.SubmissionStats, error) {
			return models.SubmissionStats{}, perr.ErrNotFound
		})
		assert.True(t, perr.IsKind(err, perr.KindNotFound))
		got, _ = s.GetSubmission(ctx, "s-old")
		assert.Equal(t, 5, got.TotalDetectedAreas, "an aborted recompute writes nothing")

		migrated, err := s.ListMigratedSubmissions(ctx)
		require.NoError(t, err)
		require.Len(t, migrated, 1)
		assert.Equal(t, "s-new", migrated[0].SubmissionID)

		require.NoError(t, s.DeleteSubmission(ctx, "s-new"))
		_, err = s.GetSubmission(ctx, "s-new")
		assert.True(t, perr.IsKind(err, perr.KindNotFound))

		_, err = s.RecomputeSubmission(ctx, "ghost", base, derive)
		assert.True(t, perr.IsKind(err, perr.KindNotFound), "got %v", err)
	})
}

func imageIDs(imgs []models.Image) []string {
	out := make([]string, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, img.ImageID)
	}
	return out
}
