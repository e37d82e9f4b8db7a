package services

import (
	"sort"
	"time"

	"github.com/Lllllllleong/detectionflow/internal/models"
)

// SessionGap is the inactivity window used to group legacy images into submissions.
const SessionGap = 300 * time.Second

// Session is one cluster of images from a single owner.
type Session struct {
	Start  time.Time
	End    time.Time
	Images []models.Image
}

// ClusterSessions partitions one owner's unlinked images into sessions.
//
// Images that already have a submission or no creation time are ignored. The rest are
// ordered by CreatedAt (ImageID breaks ties) and walked once: an image joins the current
// session when it is at most gap after the session's first image, otherwise it starts a
// new session.
func ClusterSessions(images []models.Image, gap time.Duration) []Session {
	eligible := make([]models.Image, 0, len(images))
	for _, img := range images {
		if img.SubmissionID != "" || img.CreatedAt.IsZero() {
			continue
		}
		eligible = append(eligible, img)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if !eligible[i].CreatedAt.Equal(eligible[j].CreatedAt) {
			return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
		}
		return eligible[i].ImageID < eligible[j].ImageID
	})

	var (
		sessions []Session
		cur      *Session
	)
	for _, img := range eligible {
		if cur != nil && img.CreatedAt.Sub(cur.Start) <= gap {
			cur.Images = append(cur.Images, img)
			cur.End = img.CreatedAt
			continue
		}
		sessions = append(sessions, Session{Start: img.CreatedAt, End: img.CreatedAt, Images: []models.Image{img}})
		cur = &sessions[len(sessions)-1]
	}
	return sessions
}

// groupByOwner splits images per owner; owners come back sorted.
func groupByOwner(images []models.Image) ([]string, map[string][]models.Image) {
	byOwner := make(map[string][]models.Image)
	for _, img := range images {
		byOwner[img.OwnerID] = append(byOwner[img.OwnerID], img)
	}
	owners := make([]string, 0, len(byOwner))
	for o := range byOwner {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, byOwner
}
