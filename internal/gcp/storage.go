package gcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/rs/zerolog"
	"google.golang.org/api/googleapi"

	perr "github.com/Lllllllleong/detectionflow/internal/platform/errors"
)

// GCSBlobStore writes objects into one bucket and reads any gs:// URI.
type GCSBlobStore struct {
	client *storage.Client
	bucket string
	log    zerolog.Logger
}

// NewGCSBlobStore binds a storage client to bucket.
func NewGCSBlobStore(client *storage.Client, bucket string, log zerolog.Logger) *GCSBlobStore {
	return &GCSBlobStore{client: client, bucket: bucket, log: log}
}

// Put stores content under object, once. Writing an object that already exists is a no-op.
func (s *GCSBlobStore) Put(ctx context.Context, object string, content []byte, contentType string) (string, error) {
	bucket := s.client.Bucket(s.bucket)
	if err := SaveToGCSAtomically(ctx, s.log, bucket, object, content, contentType); err != nil {
		return "", perr.Wrapf(err, perr.KindArtifact, "put gs://%s/%s", s.bucket, object)
	}
	return GSURI(s.bucket, object), nil
}

// PutJSON marshals v and stores it with an application/json content type.
func (s *GCSBlobStore) PutJSON(ctx context.Context, object string, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", perr.Wrapf(err, perr.KindArtifact, "marshal %s", object)
	}
	return s.Put(ctx, object, b, "application/json")
}

// Get reads the object addressed by a gs:// URI.
func (s *GCSBlobStore) Get(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGSURI(uri)
	if err != nil {
		return nil, err
	}
	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, perr.Wrapf(err, perr.KindNotFound, "object %s", uri)
		}
		return nil, perr.Wrapf(err, perr.KindArtifact, "open %s", uri)
	}
	defer r.Close()
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, perr.Wrapf(err, perr.KindArtifact, "read %s", uri)
	}
	return b, nil
}

// SaveToGCSAtomically writes content to a GCS object only if it doesn't already exist.
// A 412 precondition failure means an earlier attempt already wrote it and is not an error.
func SaveToGCSAtomically(ctx context.Context, log zerolog.Logger, bucket *storage.BucketHandle, objectName string, content []byte, contentType string) error {
	writer := bucket.Object(objectName).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}

	if _, err := io.Copy(writer, bytes.NewReader(content)); err != nil {
		_ = writer.Close()
		if isPreconditionFailed(err) {
			log.Info().Str("object", objectName).Msg("object already exists, skipping")
			return nil
		}
		log.Error().Err(err).Str("object", objectName).Msg("failed to copy content to GCS object")
		return fmt.Errorf("failed to write to GCS: %w", err)
	}

	if err := writer.Close(); err != nil {
		// the precondition is usually reported on Close for small objects
		if isPreconditionFailed(err) {
			log.Info().Str("object", objectName).Msg("object already exists, skipping")
			return nil
		}
		log.Error().Err(err).Str("object", objectName).Msg("failed to close GCS writer")
		return fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// GSURI formats a gs:// locator.
func GSURI(bucket, object string) string { return fmt.Sprintf("gs://%s/%s", bucket, object) }

// ParseGSURI splits gs://bucket/object.
func ParseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", perr.InvalidArgf("not a gs:// uri: %q", uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", perr.InvalidArgf("malformed gs:// uri: %q", uri)
	}
	return bucket, object, nil
}

// MemoryBlobStore keeps objects in a map and hands out mem:// URIs. Writes are set-once like GCS.
type MemoryBlobStore struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte

	// FailPut, when set, is returned by every Put.
	FailPut error
}

// NewMemoryBlobStore returns an empty in-memory bucket.
func NewMemoryBlobStore(bucket string) *MemoryBlobStore {
	return &MemoryBlobStore{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *MemoryBlobStore) uri(object string) string { return "mem://" + m.bucket + "/" + object }

// Put stores content under object unless it already exists.
func (m *MemoryBlobStore) Put(_ context.Context, object string, content []byte, _ string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPut != nil {
		return "", perr.Wrapf(m.FailPut, perr.KindArtifact, "put %s", object)
	}
	if _, ok := m.objects[object]; !ok {
		m.objects[object] = append([]byte(nil), content...)
	}
	return m.uri(object), nil
}

// PutJSON marshals v and stores it.
func (m *MemoryBlobStore) PutJSON(ctx context.Context, object string, v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", perr.Wrapf(err, perr.KindArtifact, "marshal %s", object)
	}
	return m.Put(ctx, object, b, "application/json")
}

// Get reads an object by the URI Put returned.
func (m *MemoryBlobStore) Get(_ context.Context, uri string) ([]byte, error) {
	object, ok := strings.CutPrefix(uri, "mem://"+m.bucket+"/")
	if !ok {
		return nil, perr.InvalidArgf("uri %q does not belong to bucket %s", uri, m.bucket)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[object]
	if !ok {
		return nil, perr.NotFoundf("object %s", uri)
	}
	return append([]byte(nil), b...), nil
}

// Objects lists stored object names.
func (m *MemoryBlobStore) Objects() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	return out
}
