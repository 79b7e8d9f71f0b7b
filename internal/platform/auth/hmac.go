package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew = 5 * time.Minute
	defaultNonceTTL  = 5 * time.Minute
)

// SecretProvider resolves the shared secrets used to verify signed calls.
type SecretProvider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// NonceStore remembers nonces long enough to reject replayed deliveries.
type NonceStore interface {
	// UseNonce stores the nonce under the scope until expiry. It returns
	// false when the nonce was already recorded.
	UseNonce(ctx context.Context, scope, nonce string, expiry time.Time) (bool, error)
}

// InMemoryNonceStore keeps nonces in process memory. A single API instance
// is enough for the fallback confirmation path, so this is the production
// default as well as the test double.
type InMemoryNonceStore struct {
	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewInMemoryNonceStore constructs an empty store.
func NewInMemoryNonceStore() *InMemoryNonceStore {
	return &InMemoryNonceStore{nonces: make(map[string]time.Time)}
}

// UseNonce records the nonce until expiry and reports whether it was fresh.
func (s *InMemoryNonceStore) UseNonce(_ context.Context, scope, nonce string, expiry time.Time) (bool, error) {
	if scope == "" || nonce == "" {
		return false, errors.New("auth: scope and nonce are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, exp := range s.nonces {
		if exp.Before(now) {
			delete(s.nonces, key)
		}
	}
	if expiry.Before(now) {
		return false, errors.New("auth: nonce expiry is in the past")
	}

	key := scope + "::" + nonce
	if existing, ok := s.nonces[key]; ok && existing.After(now) {
		return false, nil
	}
	s.nonces[key] = expiry
	return true, nil
}

// HMACValidator guards the internal operations routes. Callers sign the
// method, path, timestamp, nonce and body hash with a shared secret; the
// validator recomputes the signature and tracks nonces against replays.
type HMACValidator struct {
	provider SecretProvider
	nonces   NonceStore
	logger   Logger
	now      func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration

	secretCache sync.Map
}

// HMACOption customises the validator.
type HMACOption func(*HMACValidator)

// WithHMACLogger overrides the validator logger.
func WithHMACLogger(logger Logger) HMACOption {
	return func(v *HMACValidator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithHMACClock injects a clock for tests.
func WithHMACClock(now func() time.Time) HMACOption {
	return func(v *HMACValidator) {
		if now != nil {
			v.now = now
		}
	}
}

// WithHMACHeaders overrides the signature header names.
func WithHMACHeaders(signature, timestamp, nonce string) HMACOption {
	return func(v *HMACValidator) {
		if signature != "" {
			v.signatureHeader = signature
		}
		if timestamp != "" {
			v.timestampHeader = timestamp
		}
		if nonce != "" {
			v.nonceHeader = nonce
		}
	}
}

// WithHMACClockSkew adjusts how far a signature timestamp may drift.
func WithHMACClockSkew(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.clockSkew = d
		}
	}
}

// WithHMACNonceTTL adjusts how long nonces are retained.
func WithHMACNonceTTL(d time.Duration) HMACOption {
	return func(v *HMACValidator) {
		if d > 0 {
			v.nonceTTL = d
		}
	}
}

// NewHMACValidator builds a validator over the secret provider and nonce store.
func NewHMACValidator(provider SecretProvider, nonces NonceStore, opts ...HMACOption) *HMACValidator {
	v := &HMACValidator{
		provider:        provider,
		nonces:          nonces,
		logger:          log.Default(),
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

type hmacFailure struct {
	status  int
	code    string
	message string
	cause   error
}

// RequireHMAC rejects requests whose signature does not verify against the
// named shared secret.
func (v *HMACValidator) RequireHMAC(secretName string) func(http.Handler) http.Handler {
	name := strings.TrimSpace(secretName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if fail := v.verify(r, name); fail != nil {
				if fail.cause != nil && v.logger != nil {
					v.logger.Printf("auth: hmac verification %s: %v", fail.code, fail.cause)
				}
				writeAuthError(w, fail.status, fail.code, fail.message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (v *HMACValidator) verify(r *http.Request, secretName string) *hmacFailure {
	ctx := r.Context()

	if secretName == "" {
		return &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret not configured", nil}
	}
	secret, err := v.loadSecret(ctx, secretName)
	if err != nil {
		return &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "hmac secret unavailable", err}
	}

	signatureValue := strings.TrimSpace(r.Header.Get(v.signatureHeader))
	if signatureValue == "" {
		return &hmacFailure{http.StatusUnauthorized, "signature_missing", "signature header missing", nil}
	}
	timestampValue := strings.TrimSpace(r.Header.Get(v.timestampHeader))
	if timestampValue == "" {
		return &hmacFailure{http.StatusUnauthorized, "timestamp_missing", "signature timestamp missing", nil}
	}
	nonce := strings.TrimSpace(r.Header.Get(v.nonceHeader))
	if nonce == "" {
		return &hmacFailure{http.StatusUnauthorized, "nonce_missing", "signature nonce missing", nil}
	}

	timestamp, err := parseSignatureTimestamp(timestampValue)
	if err != nil {
		return &hmacFailure{http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid", nil}
	}
	if drift := v.now().Sub(timestamp); drift > v.clockSkew || drift < -v.clockSkew {
		return &hmacFailure{http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window", nil}
	}

	body, err := readAndRestoreBody(r)
	if err != nil {
		return &hmacFailure{http.StatusBadRequest, "invalid_body", "unable to read body for signature verification", err}
	}

	provided, err := decodeSignature(signatureValue)
	if err != nil {
		return &hmacFailure{http.StatusUnauthorized, "signature_invalid", "signature encoding invalid", nil}
	}
	expected := computeSignature(secret, r.Method, r.URL.EscapedPath(), timestampValue, nonce, body)
	if !hmac.Equal(provided, expected) {
		return &hmacFailure{http.StatusUnauthorized, "signature_mismatch", "signature verification failed", nil}
	}

	// The signature is only honoured once. Nonces live a little past the
	// skew window so a replay cannot slip in after eviction.
	if v.nonces == nil {
		return &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce store unavailable", nil}
	}
	expiry := timestamp.Add(v.nonceTTL)
	if now := v.now(); expiry.Before(now) {
		expiry = now.Add(v.nonceTTL)
	}
	fresh, err := v.nonces.UseNonce(ctx, secretName, nonce, expiry)
	if err != nil {
		return &hmacFailure{http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error", err}
	}
	if !fresh {
		return &hmacFailure{http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce", nil}
	}
	return nil
}

func (v *HMACValidator) loadSecret(ctx context.Context, name string) ([]byte, error) {
	if v == nil || v.provider == nil {
		return nil, errors.New("auth: secret provider not configured")
	}
	if cached, ok := v.secretCache.Load(name); ok {
		if secret, ok := cached.([]byte); ok && len(secret) > 0 {
			return secret, nil
		}
	}

	raw, err := v.provider.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	secret := []byte(raw)
	if len(secret) == 0 {
		return nil, errors.New("auth: secret is empty")
	}
	v.secretCache.Store(name, secret)
	return secret, nil
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()

	buf, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded, nil
	}
	if decoded, err := hex.DecodeString(value); err == nil {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be base64 or hex encoded")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("auth: unable to parse timestamp %q", value)
}

// computeSignature hashes the canonical request representation: method,
// escaped path, timestamp, nonce and the hex SHA-256 of the body, joined
// with newlines.
func computeSignature(secret []byte, method, path, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	bodyHash := sha256.Sum256(body)
	canonical := strings.Join([]string{
		strings.ToUpper(method),
		path,
		timestamp,
		nonce,
		hex.EncodeToString(bodyHash[:]),
	}, "\n")

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(canonical))
	return mac.Sum(nil)
}
