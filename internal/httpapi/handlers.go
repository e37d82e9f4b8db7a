package httpapi

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

const multipartMemory = 32 << 20

func (a *api) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, a.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, a.Log, perr.Newf(perr.KindValidation, "upload exceeds %d bytes", a.MaxUploadBytes))
			return
		}
		writeError(w, r, a.Log, perr.Wrap(err, perr.KindValidation, "expected a multipart form with files"))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	files := make([]models.UploadFile, 0, len(headers))
	for _, fh := range headers {
		content, err := readPart(fh)
		if err != nil {
			writeError(w, r, a.Log, perr.Wrapf(err, perr.KindValidation, "could not read %s", fh.Filename))
			return
		}
		files = append(files, models.UploadFile{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Content:     content,
			Size:        fh.Size,
		})
	}

	res, err := a.Uploader.Upload(r.Context(), OwnerFrom(r.Context()), files)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	status := http.StatusCreated
	if len(res.Accepted) == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, res)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// handleProcessImage runs the lifecycle synchronously. The detection call is detached from
// the request so a client disconnect cannot leave the image stuck in processing.
func (a *api) handleProcessImage(w http.ResponseWriter, r *http.Request) {
	imageID := chi.URLParam(r, "imageID")
	ctx := context.WithoutCancel(r.Context())

	img, started, err := a.Lifecycle.ProcessOwned(ctx, OwnerFrom(r.Context()), imageID)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	status := http.StatusOK
	if !started {
		status = http.StatusAccepted
	}
	writeJSON(w, status, models.ProcessImageResponse{ImageID: img.ImageID, Status: img.Status, Started: started})
}

func limitParam(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, perr.InvalidArgf("limit must be a non-negative integer")
	}
	return n, nil
}

func (a *api) handleListSubmissions(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	subs, err := a.Query.ListSubmissions(r.Context(), OwnerFrom(r.Context()), limit)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"submissions": subs})
}

func (a *api) handleGetSubmission(w http.ResponseWriter, r *http.Request) {
	owner := OwnerFrom(r.Context())
	id := chi.URLParam(r, "submissionID")

	var (
		sub *models.Submission
		err error
	)
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		sub, err = a.Query.RefreshSubmission(r.Context(), owner, id)
	} else {
		sub, err = a.Query.GetSubmission(r.Context(), owner, id)
	}
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

func (a *api) handleListSubmissionImages(w http.ResponseWriter, r *http.Request) {
	imgs, err := a.Query.ListSubmissionImages(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "submissionID"))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": imgs})
}

func (a *api) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rep, err := a.Query.Report(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "submissionID"))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (a *api) handleGetImage(w http.ResponseWriter, r *http.Request) {
	img, err := a.Query.GetImage(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, img)
}

func (a *api) handleGetImageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.Query.ImageStats(r.Context(), OwnerFrom(r.Context()), chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit, err := limitParam(r)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	reps, err := a.Query.Reports(r.Context(), OwnerFrom(r.Context()), limit)
	if err != nil {
		writeError(w, r, a.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reps})
}
