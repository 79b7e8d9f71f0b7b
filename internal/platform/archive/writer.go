package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
)

const (
	defaultMaxAttempts = 3
	payloadContentType = "application/json"
)

var (
	errNoBucket = errors.New("archive: bucket is required")
	errNoKey    = errors.New("archive: object key is required")
)

// objectStore abstracts the bucket write so the retry policy is testable
// without a live backend.
type objectStore interface {
	write(ctx context.Context, key, contentType string, payload []byte) error
}

type gcsStore struct {
	bucket *storage.BucketHandle
}

func (s gcsStore) write(ctx context.Context, key, contentType string, payload []byte) error {
	w := s.bucket.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(payload); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Writer archives raw confirmation payloads to a GCS bucket so anomalous
// deliveries can be reviewed against what the gateway actually sent.
type Writer struct {
	store       objectStore
	maxAttempts int
	backoff     func() gax.Backoff
}

// WriterOption customises writer behaviour.
type WriterOption func(*Writer)

// WithMaxAttempts overrides the write attempt budget.
func WithMaxAttempts(attempts int) WriterOption {
	return func(w *Writer) {
		if attempts > 0 {
			w.maxAttempts = attempts
		}
	}
}

// NewWriter constructs a GCS-backed archive writer.
func NewWriter(bucket *storage.BucketHandle, opts ...WriterOption) (*Writer, error) {
	if bucket == nil {
		return nil, errNoBucket
	}
	return newWriter(gcsStore{bucket: bucket}, opts...), nil
}

func newWriter(store objectStore, opts ...WriterOption) *Writer {
	w := &Writer{
		store:       store,
		maxAttempts: defaultMaxAttempts,
		backoff: func() gax.Backoff {
			return gax.Backoff{
				Initial:    100 * time.Millisecond,
				Max:        2 * time.Second,
				Multiplier: 2,
			}
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	return w
}

// ArchiveEvent stores the payload under key, retrying transient backend
// failures with exponential backoff.
func (w *Writer) ArchiveEvent(ctx context.Context, key string, payload []byte) error {
	if w == nil || w.store == nil {
		return errNoBucket
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errNoKey
	}
	if len(payload) == 0 {
		return nil
	}

	backoff := w.backoff()
	for attempt := 1; ; attempt++ {
		err := w.store.write(ctx, key, payloadContentType, payload)
		if err == nil {
			return nil
		}
		if attempt >= w.maxAttempts || !retryable(err) {
			return fmt.Errorf("archive %s: %w", key, err)
		}
		if err := gax.Sleep(ctx, backoff.Pause()); err != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}
	return false
}
