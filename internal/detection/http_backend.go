package detection

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"

	"github.com/Lllllllleong/detectionflow/internal/models"
	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// maxResponseBytes caps how much of a response body is read.
const maxResponseBytes = 10 << 20

// HTTPBackend posts images to a detection endpoint over HTTP.
// Public URLs are sent as {"image_url": ...}; anything else is uploaded as multipart bytes.
type HTTPBackend struct {
	Endpoint string
	Token    string
	Client   *http.Client
}

// NewHTTPBackend returns a backend using http.DefaultClient semantics; the Invoker enforces the deadline.
func NewHTTPBackend(endpoint, token string) *HTTPBackend {
	return &HTTPBackend{Endpoint: endpoint, Token: token, Client: &http.Client{}}
}

func (b *HTTPBackend) ModelVersion() string { return b.Endpoint }

func (b *HTTPBackend) AcceptsURL(url string) bool { return isHTTPURL(url) }

func (b *HTTPBackend) Detect(ctx context.Context, in models.DetectionInput) ([]byte, error) {
	var (
		body        io.Reader
		contentType string
	)
	if b.AcceptsURL(in.ImageURL) {
		payload, err := json.Marshal(map[string]string{"image_url": in.ImageURL})
		if err != nil {
			return nil, err
		}
		body, contentType = bytes.NewReader(payload), "application/json"
	} else {
		if len(in.Content) == 0 {
			return nil, perr.New(perr.KindInvalidArgument, "image bytes required for non-http image locations")
		}
		buf, ct, err := multipartImage(in)
		if err != nil {
			return nil, err
		}
		body, contentType = buf, ct
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, body)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindInvalidArgument, "build detection request")
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")
	if b.Token != "" {
		req.Header.Set("Authorization", "Bearer "+b.Token)
	}

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, perr.Wrap(err, perr.KindRemote, "detection request failed")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, perr.Wrap(err, perr.KindRemote, "read detection response")
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet := raw
		if len(snippet) > 256 {
			snippet = snippet[:256]
		}
		return nil, perr.Newf(perr.KindRemote, "detection service returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return raw, nil
}

func multipartImage(in models.DetectionInput) (*bytes.Buffer, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	name := in.ImageID
	if name == "" {
		name = "image"
	}
	if in.ImageURL != "" {
		name = path.Base(in.ImageURL)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="image"; filename=%q`, name))
	ct := in.ContentType
	if ct == "" {
		ct = "application/octet-stream"
	}
	h.Set("Content-Type", ct)

	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(in.Content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}
