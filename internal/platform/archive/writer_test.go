package archive

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"google.golang.org/api/googleapi"
)

type stubStore struct {
	writes int
	errs   []error
	key    string
	body   []byte
}

func (s *stubStore) write(_ context.Context, key, _ string, payload []byte) error {
	s.writes++
	s.key = key
	s.body = payload
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	return nil
}

func newFastWriter(store objectStore, opts ...WriterOption) *Writer {
	w := newWriter(store, opts...)
	w.backoff = func() gax.Backoff {
		return gax.Backoff{Initial: time.Microsecond, Max: time.Microsecond}
	}
	return w
}

func TestArchiveEventWritesPayload(t *testing.T) {
	store := &stubStore{}
	w := newFastWriter(store)

	if err := w.ArchiveEvent(context.Background(), "confirmations/2025/06/15/cev_1.json", []byte(`{"id":"evt_1"}`)); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if store.writes != 1 {
		t.Fatalf("expected one write, got %d", store.writes)
	}
	if store.key != "confirmations/2025/06/15/cev_1.json" {
		t.Fatalf("unexpected key %s", store.key)
	}
	if string(store.body) != `{"id":"evt_1"}` {
		t.Fatalf("unexpected body %s", store.body)
	}
}

func TestArchiveEventRetriesTransientErrors(t *testing.T) {
	store := &stubStore{
		errs: []error{
			&googleapi.Error{Code: http.StatusServiceUnavailable},
			&googleapi.Error{Code: http.StatusTooManyRequests},
		},
	}
	w := newFastWriter(store)

	if err := w.ArchiveEvent(context.Background(), "k", []byte("x")); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if store.writes != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.writes)
	}
}

func TestArchiveEventStopsAfterAttemptBudget(t *testing.T) {
	store := &stubStore{
		errs: []error{
			&googleapi.Error{Code: http.StatusServiceUnavailable},
			&googleapi.Error{Code: http.StatusServiceUnavailable},
		},
	}
	w := newFastWriter(store, WithMaxAttempts(2))

	if err := w.ArchiveEvent(context.Background(), "k", []byte("x")); err == nil {
		t.Fatalf("expected error after exhausting attempts")
	}
	if store.writes != 2 {
		t.Fatalf("expected 2 attempts, got %d", store.writes)
	}
}

func TestArchiveEventDoesNotRetryPermanentErrors(t *testing.T) {
	store := &stubStore{
		errs: []error{&googleapi.Error{Code: http.StatusForbidden}},
	}
	w := newFastWriter(store)

	if err := w.ArchiveEvent(context.Background(), "k", []byte("x")); err == nil {
		t.Fatalf("expected error")
	}
	if store.writes != 1 {
		t.Fatalf("permanent error was retried: %d attempts", store.writes)
	}
}

func TestArchiveEventValidatesKey(t *testing.T) {
	w := newFastWriter(&stubStore{})
	if err := w.ArchiveEvent(context.Background(), "  ", []byte("x")); !errors.Is(err, errNoKey) {
		t.Fatalf("expected key error, got %v", err)
	}
}

func TestArchiveEventSkipsEmptyPayload(t *testing.T) {
	store := &stubStore{}
	w := newFastWriter(store)
	if err := w.ArchiveEvent(context.Background(), "k", nil); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if store.writes != 0 {
		t.Fatalf("empty payload was written")
	}
}
