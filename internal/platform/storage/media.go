// Package storage keeps uploaded payment proofs in Cloud Storage.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"

	"github.com/portal-agro/api/internal/services"
)

const (
	// DefaultMaxProofSize bounds a single payment proof upload.
	DefaultMaxProofSize = 10 << 20
	proofCacheControl   = "private, max-age=3600"
)

var (
	errEmptyUpload        = errors.New("storage: upload is empty")
	errUploadTooLarge     = errors.New("storage: upload exceeds the permitted size")
	errContentTypeDenied  = errors.New("storage: content type not allowed")
	errBucketNotSupplied  = errors.New("storage: bucket name is required")
	errClientNotSupplied  = errors.New("storage: client is required")
	defaultAllowedContent = []string{"image/*", "application/pdf"}
)

// objectBucket is the slice of a Cloud Storage bucket the media store needs.
type objectBucket interface {
	Write(ctx context.Context, object, contentType string, data []byte) error
	Delete(ctx context.Context, object string) error
}

// MediaStore implements services.MediaStore on top of a Cloud Storage bucket.
type MediaStore struct {
	bucket       objectBucket
	baseURL      string
	allowedTypes []string
	maxSize      int
	newID        func() string
}

var _ services.MediaStore = (*MediaStore)(nil)

// MediaOption customises a MediaStore.
type MediaOption func(*MediaStore)

// WithPublicBaseURL sets the URL prefix objects are served from, e.g. a CDN in front of the bucket.
func WithPublicBaseURL(base string) MediaOption {
	return func(m *MediaStore) {
		if base = strings.TrimRight(strings.TrimSpace(base), "/"); base != "" {
			m.baseURL = base
		}
	}
}

// WithAllowedContentTypes replaces the accepted content types. Entries may use a "type/*" wildcard.
func WithAllowedContentTypes(types ...string) MediaOption {
	return func(m *MediaStore) {
		if len(types) > 0 {
			m.allowedTypes = append([]string(nil), types...)
		}
	}
}

// WithMaxSize overrides the upload size limit in bytes.
func WithMaxSize(size int) MediaOption {
	return func(m *MediaStore) {
		if size > 0 {
			m.maxSize = size
		}
	}
}

// WithUploadIDGenerator overrides how object names are made unique.
func WithUploadIDGenerator(fn func() string) MediaOption {
	return func(m *MediaStore) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewMediaStore builds a media store writing to bucketName through client.
func NewMediaStore(client *gcs.Client, bucketName string, opts ...MediaOption) (*MediaStore, error) {
	if client == nil {
		return nil, errClientNotSupplied
	}
	bucketName = strings.TrimSpace(bucketName)
	if bucketName == "" {
		return nil, errBucketNotSupplied
	}
	return newMediaStore(gcsBucket{handle: client.Bucket(bucketName)}, bucketName, opts...), nil
}

func newMediaStore(bucket objectBucket, bucketName string, opts ...MediaOption) *MediaStore {
	store := &MediaStore{
		bucket:       bucket,
		baseURL:      "https://storage.googleapis.com/" + bucketName,
		allowedTypes: defaultAllowedContent,
		maxSize:      DefaultMaxProofSize,
		newID:        func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	return store
}

// Upload stores a payment proof and returns its public URL and object name.
func (m *MediaStore) Upload(ctx context.Context, upload services.MediaUpload) (services.MediaObject, error) {
	if len(upload.Data) == 0 {
		return services.MediaObject{}, errEmptyUpload
	}
	if len(upload.Data) > m.maxSize {
		return services.MediaObject{}, errUploadTooLarge
	}
	contentType := strings.ToLower(strings.TrimSpace(upload.ContentType))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if !contentTypeAllowed(contentType, m.allowedTypes) {
		return services.MediaObject{}, errContentTypeDenied
	}

	code := upload.OrderCode
	if strings.TrimSpace(code) == "" {
		code = fmt.Sprintf("order-%d", upload.OrderID)
	}
	object, err := PaymentProofPath(code, m.newID(), upload.FileName)
	if err != nil {
		return services.MediaObject{}, err
	}
	if err := m.bucket.Write(ctx, object, contentType, upload.Data); err != nil {
		return services.MediaObject{}, fmt.Errorf("storage: write %s: %w", object, err)
	}
	return services.MediaObject{URL: m.baseURL + "/" + object, PublicID: object}, nil
}

// Delete removes a previously uploaded object. Missing objects are not an error.
func (m *MediaStore) Delete(ctx context.Context, publicID string) error {
	object := strings.TrimSpace(publicID)
	if object == "" {
		return nil
	}
	if err := m.bucket.Delete(ctx, object); err != nil {
		return fmt.Errorf("storage: delete %s: %w", object, err)
	}
	return nil
}

type gcsBucket struct {
	handle *gcs.BucketHandle
}

func (b gcsBucket) Write(ctx context.Context, object, contentType string, data []byte) error {
	// DoesNotExist keeps a retried upload from replacing an object already in use.
	w := b.handle.Object(object).If(gcs.Conditions{DoesNotExist: true}).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = proofCacheControl
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (b gcsBucket) Delete(ctx context.Context, object string) error {
	err := b.handle.Object(object).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return nil
	}
	return err
}

func contentTypeAllowed(contentType string, allowed []string) bool {
	for _, candidate := range allowed {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		switch {
		case candidate == "":
			continue
		case candidate == "*":
			return true
		case strings.HasSuffix(candidate, "/*"):
			if strings.HasPrefix(contentType, strings.TrimSuffix(candidate, "*")) {
				return true
			}
		case contentType == candidate:
			return true
		}
	}
	return false
}
