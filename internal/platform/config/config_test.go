package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func baseEnv() map[string]string {
	return map[string]string{
		"API_FIREBASE_PROJECT_ID": "fixnest-dev",
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(baseEnv()),
	)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.Server.Port != defaultPort {
		t.Fatalf("expected default port %s, got %s", defaultPort, cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Fatalf("expected default read timeout, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Firestore.ProjectID != "fixnest-dev" {
		t.Fatalf("expected firestore project to inherit firebase project, got %s", cfg.Firestore.ProjectID)
	}
	if cfg.Pricing.Currency != "usd" {
		t.Fatalf("expected default currency usd, got %s", cfg.Pricing.Currency)
	}
	if cfg.Pricing.CommuteCharge != defaultCommuteCharge {
		t.Fatalf("expected default commute charge %d, got %d", defaultCommuteCharge, cfg.Pricing.CommuteCharge)
	}
	if cfg.Jobs.RequestPaidTopic != defaultRequestPaidTopic {
		t.Fatalf("expected default topic %s, got %s", defaultRequestPaidTopic, cfg.Jobs.RequestPaidTopic)
	}
	if cfg.Archive.Prefix != defaultArchivePrefix {
		t.Fatalf("expected default archive prefix, got %s", cfg.Archive.Prefix)
	}
	if cfg.Idempotency.TTL != defaultIdempotencyTTL {
		t.Fatalf("expected default idempotency TTL, got %s", cfg.Idempotency.TTL)
	}
	if len(cfg.Security.OIDC.Issuers) != 2 {
		t.Fatalf("expected default issuers, got %v", cfg.Security.OIDC.Issuers)
	}
}

func TestLoadReadsEnvironmentOverrides(t *testing.T) {
	env := baseEnv()
	env["API_SERVER_PORT"] = "9090"
	env["API_SERVER_READ_TIMEOUT"] = "5s"
	env["API_PRICING_CURRENCY"] = "EUR"
	env["API_PRICING_COMMUTE_CHARGE"] = "3100"
	env["API_JOBS_REQUEST_PAID_TOPIC"] = "paid-requests"
	env["API_ARCHIVE_BUCKET"] = "fixnest-confirmations"
	env["API_SECURITY_ENVIRONMENT"] = "PROD"
	env["API_SECURITY_OIDC_AUDIENCES"] = "prod=aud-prod,staging=aud-staging"

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
	)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.Server.Port != "9090" {
		t.Fatalf("expected port 9090, got %s", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout != 5*time.Second {
		t.Fatalf("expected read timeout 5s, got %s", cfg.Server.ReadTimeout)
	}
	if cfg.Pricing.Currency != "eur" {
		t.Fatalf("expected currency lowered to eur, got %s", cfg.Pricing.Currency)
	}
	if cfg.Pricing.CommuteCharge != 3100 {
		t.Fatalf("expected commute charge 3100, got %d", cfg.Pricing.CommuteCharge)
	}
	if cfg.Jobs.RequestPaidTopic != "paid-requests" {
		t.Fatalf("expected topic paid-requests, got %s", cfg.Jobs.RequestPaidTopic)
	}
	if cfg.Archive.Bucket != "fixnest-confirmations" {
		t.Fatalf("expected archive bucket, got %s", cfg.Archive.Bucket)
	}
	if cfg.Security.Environment != "prod" {
		t.Fatalf("expected environment prod, got %s", cfg.Security.Environment)
	}
	if cfg.Security.OIDC.Audience != "aud-prod" {
		t.Fatalf("expected audience selected by environment, got %s", cfg.Security.OIDC.Audience)
	}
}

func TestLoadValidatesRequiredFields(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{
			"API_JOBS_REQUEST_PAID_TOPIC": " ",
		}),
	)
	if err == nil {
		t.Fatalf("expected validation error")
	}

	var validation *ValidationError
	if !errors.As(err, &validation) {
		t.Fatalf("expected ValidationError, got %T: %v", err, err)
	}

	fields := validation.Fields()
	want := map[string]bool{
		"Firebase.ProjectID":    false,
		"Firestore.ProjectID":   false,
		"Jobs.RequestPaidTopic": false,
	}
	for _, field := range fields {
		if _, ok := want[field]; ok {
			want[field] = true
		}
	}
	for field, seen := range want {
		if !seen {
			t.Fatalf("expected missing field %s in %v", field, fields)
		}
	}
}

func TestLoadResolvesSecretReferences(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://projects/fixnest/secrets/stripe-key"
	env["API_PSP_STRIPE_WEBHOOK_SECRET"] = "sm://projects/fixnest/secrets/stripe-webhook"

	resolver := SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
		switch ref {
		case "secret://projects/fixnest/secrets/stripe-key":
			return "sk_test_123", nil
		case "secret://projects/fixnest/secrets/stripe-webhook":
			return "whsec_456", nil
		default:
			return "", errors.New("unknown secret")
		}
	})

	cfg, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(resolver),
	)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.PSP.StripeAPIKey != "sk_test_123" {
		t.Fatalf("expected resolved API key, got %s", cfg.PSP.StripeAPIKey)
	}
	if cfg.PSP.StripeWebhookSecret != "whsec_456" {
		t.Fatalf("expected resolved webhook secret, got %s", cfg.PSP.StripeWebhookSecret)
	}
}

func TestLoadWrapsSecretFailures(t *testing.T) {
	env := baseEnv()
	env["API_PSP_STRIPE_API_KEY"] = "secret://projects/fixnest/secrets/missing"

	resolver := SecretResolverFunc(func(context.Context, string) (string, error) {
		return "", errors.New("permission denied")
	})

	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(env),
		WithSecretResolver(resolver),
	)
	if err == nil {
		t.Fatalf("expected secret error")
	}

	var secretErr *SecretError
	if !errors.As(err, &secretErr) {
		t.Fatalf("expected SecretError, got %T: %v", err, err)
	}
	if secretErr.Ref != "secret://projects/fixnest/secrets/missing" {
		t.Fatalf("unexpected secret ref %s", secretErr.Ref)
	}
}

func TestLoadReportsMissingRequiredSecrets(t *testing.T) {
	_, err := Load(context.Background(),
		WithEnvFile(""),
		WithoutSystemEnv(),
		WithEnvMap(baseEnv()),
		WithRequiredSecrets("PSP.StripeAPIKey"),
	)
	if err == nil {
		t.Fatalf("expected missing secrets error")
	}

	var missing *MissingSecretsError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingSecretsError, got %T: %v", err, err)
	}
	names := missing.Names()
	if len(names) != 1 || names[0] != "PSP.StripeAPIKey" {
		t.Fatalf("unexpected missing secret names %v", names)
	}
	redacted := missing.RedactedNames()
	if len(redacted) != 1 || redacted[0] == "PSP.StripeAPIKey" {
		t.Fatalf("expected redacted identifier, got %v", redacted)
	}
}

func TestLoadReadsDotEnvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	contents := "# local overrides\nexport API_SERVER_PORT=7070\nAPI_FIREBASE_PROJECT_ID=\"fixnest-local\"\n"
	if err := os.WriteFile(envFile, []byte(contents), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	cfg, err := Load(context.Background(),
		WithEnvFile(envFile),
		WithoutSystemEnv(),
	)
	if err != nil {
		t.Fatalf("expected load to succeed, got %v", err)
	}

	if cfg.Server.Port != "7070" {
		t.Fatalf("expected port 7070 from env file, got %s", cfg.Server.Port)
	}
	if cfg.Firebase.ProjectID != "fixnest-local" {
		t.Fatalf("expected project from env file, got %s", cfg.Firebase.ProjectID)
	}
}

func TestEnvironmentValuesPrecedence(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("API_SERVER_PORT=1111\nAPI_ARCHIVE_BUCKET=from-file\n"), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}

	values, err := EnvironmentValues(
		WithEnvFile(envFile),
		WithoutSystemEnv(),
		WithEnvMap(map[string]string{"API_SERVER_PORT": "2222"}),
	)
	if err != nil {
		t.Fatalf("expected environment values, got %v", err)
	}

	if values["API_SERVER_PORT"] != "2222" {
		t.Fatalf("expected explicit map to win, got %s", values["API_SERVER_PORT"])
	}
	if values["API_ARCHIVE_BUCKET"] != "from-file" {
		t.Fatalf("expected env file value, got %s", values["API_ARCHIVE_BUCKET"])
	}
}
