package main

import (
	"slices"
	"testing"
	"time"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/config"
)

func TestRequiredSecretNames(t *testing.T) {
	got := requiredSecretNames(map[string]string{
		"SHOP_LOYALTY_API_KEY": "secret://loyalty/key",
		"SHOP_REDIS_PASSWORD":  " ",
	})
	want := []string{"Loyalty.APIKey", "PSP.StripeAPIKey"}
	if !slices.Equal(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSecretVersionPins(t *testing.T) {
	pins := secretVersionPins("prod:sm://stripe/api=3, loyalty/key=7, broken")
	if pins["prod:secret://stripe/api"] != "3" {
		t.Errorf("expected env scoped pin, got %v", pins)
	}
	if pins["secret://loyalty/key"] != "7" {
		t.Errorf("expected bare pin normalised, got %v", pins)
	}
	if len(pins) != 2 {
		t.Errorf("expected malformed entries skipped, got %v", pins)
	}
}

func TestReadBootstrapPrefersExplicitSecretProject(t *testing.T) {
	env := map[string]string{
		"SHOP_FIREBASE_PROJECT_ID": "shop-fb",
		"SHOP_SECRET_PROJECT_IDS":  "Prod=shop-prod, staging=",
	}
	b := readBootstrap(env)
	if b.project != "shop-fb" || b.environment != "local" || b.fallbackFile != ".secrets.local" {
		t.Fatalf("unexpected defaults %+v", b)
	}
	if len(b.projects) != 1 || b.projects["prod"] != "shop-prod" {
		t.Fatalf("expected lowered project map, got %v", b.projects)
	}
	env["SHOP_SECRET_DEFAULT_PROJECT_ID"] = "shop-secrets"
	if got := readBootstrap(env).project; got != "shop-secrets" {
		t.Fatalf("expected explicit project, got %q", got)
	}
}

func TestBuildInfoFromEnvDefaults(t *testing.T) {
	started := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	info := buildInfoFromEnv(map[string]string{"SHOP_BUILD_VERSION": "1.4.0"}, config.Config{Environment: "staging"}, started)
	if info.Version != "1.4.0" || info.CommitSHA != "unknown" || info.Environment != "staging" || !info.StartedAt.Equal(started) {
		t.Fatalf("unexpected build info %+v", info)
	}
}
