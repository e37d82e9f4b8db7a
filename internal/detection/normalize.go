package detection

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// OpaqueLabel is assigned when the service answered without structured detections.
const OpaqueLabel = "acacia"

type rawDetection struct {
	Label      string          `json:"label"`
	Class      string          `json:"class"`
	Name       string          `json:"name"`
	Confidence *float64        `json:"confidence"`
	Score      *float64        `json:"score"`
	BBox       json.RawMessage `json:"bbox"`
	Box        json.RawMessage `json:"box"`

	// center-based prediction geometry
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
}

type rawBox struct {
	X      *float64 `json:"x"`
	Y      *float64 `json:"y"`
	Width  *float64 `json:"width"`
	Height *float64 `json:"height"`
	XMin   *float64 `json:"x_min"`
	YMin   *float64 `json:"y_min"`
	XMax   *float64 `json:"x_max"`
	YMax   *float64 `json:"y_max"`
}

// Normalize converts a raw detection service payload into a result.
//
// Accepted shapes: {"detections":[...]}, {"predictions":[...]} and a bare array of
// detections. {"error": ...}, bodies that are not JSON, a detections/predictions value that
// is not a list, and a non-empty list without a single usable detection are KindRemote
// errors. A JSON object with neither list, a JSON string, or an array of file references is
// the output of an image-to-image service and yields a single acacia detection of unknown
// confidence. ModelVersion and ProcessingTimeSeconds are left for the caller.
func Normalize(raw []byte) (models.DetectionResult, error) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 || bytes.Equal(body, []byte("null")) {
		return models.DetectionResult{}, perr.New(perr.KindRemote, "detection service returned an empty response")
	}
	if !json.Valid(body) {
		return models.DetectionResult{}, perr.Newf(perr.KindRemote, "detection service returned a malformed payload (%d bytes)", len(body))
	}

	switch body[0] {
	case '{':
		var envelope map[string]json.RawMessage
		if err := json.Unmarshal(body, &envelope); err != nil {
			return models.DetectionResult{}, perr.Wrap(err, perr.KindRemote, "detection service returned a malformed payload")
		}
		if msg, ok := errorMessage(envelope["error"]); ok {
			return models.DetectionResult{}, perr.Newf(perr.KindRemote, "detection service error: %s", msg)
		}
		for _, key := range []string{"detections", "predictions"} {
			list, ok := envelope[key]
			if !ok {
				continue
			}
			dets, err := parseList(list, key == "predictions")
			if err != nil {
				return models.DetectionResult{}, perr.Wrapf(err, perr.KindRemote, "detection service returned unusable %s", key)
			}
			res := summarize(dets)
			applyEnvelope(&res, envelope)
			return res, nil
		}
		res := opaque()
		res.OutputImageURL = firstString(envelope, "url", "path", "output_image")
		return res, nil

	case '[':
		dets, err := parseList(body, false)
		if err == nil {
			return summarize(dets), nil
		}
		if url, ok := fileOutput(body); ok {
			res := opaque()
			res.OutputImageURL = url
			return res, nil
		}
		return models.DetectionResult{}, perr.Wrap(err, perr.KindRemote, "detection service returned an unusable list")

	case '"':
		return opaque(), nil
	}
	return models.DetectionResult{}, perr.Newf(perr.KindRemote, "detection service returned an unexpected payload %.40s", body)
}

func opaque() models.DetectionResult {
	return summarize([]models.Detection{{Label: OpaqueLabel}})
}

// fileOutput recognises an output tuple of file references and captions, e.g.
// [{"path": "/tmp/out.png", "url": "..."}, "summary"]. It returns the first url or path.
func fileOutput(body []byte) (string, bool) {
	var items []json.RawMessage
	if json.Unmarshal(body, &items) != nil || len(items) == 0 {
		return "", false
	}
	var (
		url   string
		files int
	)
	for _, item := range items {
		var s string
		if json.Unmarshal(item, &s) == nil {
			continue
		}
		var ref map[string]json.RawMessage
		if json.Unmarshal(item, &ref) != nil {
			return "", false
		}
		u := firstString(ref, "url", "path")
		if u == "" {
			return "", false
		}
		if url == "" {
			url = u
		}
		files++
	}
	return url, files > 0
}

// parseList fails when list is not an array, or is non-empty and holds nothing that
// looks like a detection. Unusable items next to usable ones are dropped.
func parseList(list json.RawMessage, centered bool) ([]models.Detection, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(list, &items); err != nil {
		return nil, perr.Wrap(err, perr.KindRemote, "not a list")
	}
	dets := make([]models.Detection, 0, len(items))
	for _, item := range items {
		var rd rawDetection
		if err := json.Unmarshal(item, &rd); err != nil {
			continue
		}
		label := firstNonEmpty(rd.Label, rd.Class, rd.Name)
		if label == "" {
			continue
		}
		d := models.Detection{Label: label, Confidence: validConfidence(rd.Confidence, rd.Score)}
		d.BBox = parseBox(firstRaw(rd.BBox, rd.Box))
		if d.BBox == nil && rd.X != nil && rd.Y != nil && rd.Width != nil && rd.Height != nil {
			x, y := *rd.X, *rd.Y
			if centered {
				x, y = x-*rd.Width/2, y-*rd.Height/2
			}
			d.BBox = &models.BoundingBox{X: x, Y: y, Width: *rd.Width, Height: *rd.Height}
		}
		dets = append(dets, d)
	}
	if len(items) > 0 && len(dets) == 0 {
		return nil, perr.Newf(perr.KindRemote, "none of %d items is a detection", len(items))
	}
	return dets, nil
}

// parseBox accepts [x1,y1,x2,y2], {x,y,width,height} and {x_min,y_min,x_max,y_max}.
func parseBox(raw json.RawMessage) *models.BoundingBox {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	var corners []float64
	if json.Unmarshal(raw, &corners) == nil {
		if len(corners) != 4 || corners[2] < corners[0] || corners[3] < corners[1] {
			return nil
		}
		return &models.BoundingBox{X: corners[0], Y: corners[1], Width: corners[2] - corners[0], Height: corners[3] - corners[1]}
	}
	var b rawBox
	if json.Unmarshal(raw, &b) != nil {
		return nil
	}
	switch {
	case b.X != nil && b.Y != nil && b.Width != nil && b.Height != nil:
		return &models.BoundingBox{X: *b.X, Y: *b.Y, Width: *b.Width, Height: *b.Height}
	case b.XMin != nil && b.YMin != nil && b.XMax != nil && b.YMax != nil && *b.XMax >= *b.XMin && *b.YMax >= *b.YMin:
		return &models.BoundingBox{X: *b.XMin, Y: *b.YMin, Width: *b.XMax - *b.XMin, Height: *b.YMax - *b.YMin}
	}
	return nil
}

func summarize(dets []models.Detection) models.DetectionResult {
	var (
		sum   float64
		known int
	)
	for _, d := range dets {
		if d.Confidence != nil {
			sum += *d.Confidence
			known++
		}
	}
	res := models.DetectionResult{
		Detections:    dets,
		NumDetections: len(dets),
		Status:        models.DetectionStatusOK,
	}
	if known > 0 {
		res.AverageConfidence = sum / float64(known)
	}
	return res
}

// applyEnvelope copies optional top-level metadata the service may report.
func applyEnvelope(res *models.DetectionResult, envelope map[string]json.RawMessage) {
	var cov float64
	if raw, ok := envelope["coverage_percentage"]; ok && json.Unmarshal(raw, &cov) == nil && cov >= 0 && cov <= 100 {
		res.CoveragePercentage = cov
	}
	res.ModelVersion = firstString(envelope, "model_version")
	res.OutputImageURL = firstString(envelope, "output_image", "url")
}

func errorMessage(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) || bytes.Equal(raw, []byte("false")) {
		return "", false
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		if s = strings.TrimSpace(s); s == "" {
			return "", false
		}
		return s, true
	}
	var obj struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message, true
	}
	return string(raw), true
}

func validConfidence(vals ...*float64) *float64 {
	for _, v := range vals {
		if v == nil {
			continue
		}
		if *v < 0 || *v > 1 {
			return nil
		}
		c := *v
		return &c
	}
	return nil
}

func firstString(envelope map[string]json.RawMessage, keys ...string) string {
	for _, k := range keys {
		var s string
		if raw, ok := envelope[k]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstRaw(vals ...json.RawMessage) json.RawMessage {
	for _, v := range vals {
		if len(v) > 0 {
			return v
		}
	}
	return nil
}
