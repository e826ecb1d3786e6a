package main

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/config"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/health"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/secrets"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

// secretProbeRef is read by the readiness probe; a missing secret still proves access.
const secretProbeRef = "secret://system/healthz?version=latest"

// bootstrap holds the settings needed before configuration can be loaded, since
// loading it resolves secret references.
type bootstrap struct {
	environment     string
	project         string
	projects        map[string]string
	pins            map[string]string
	fallbackFile    string
	credentialsFile string
}

func readBootstrap(env map[string]string) bootstrap {
	get := func(key string) string { return strings.TrimSpace(env[key]) }

	b := bootstrap{
		environment:     cmpOr(strings.ToLower(get("SHOP_ENVIRONMENT")), "local"),
		project:         cmpOr(get("SHOP_SECRET_DEFAULT_PROJECT_ID"), get("SHOP_FIREBASE_PROJECT_ID")),
		projects:        map[string]string{},
		pins:            secretVersionPins(get("SHOP_SECRET_VERSION_PINS")),
		fallbackFile:    cmpOr(get("SHOP_SECRET_FALLBACK_FILE"), ".secrets.local"),
		credentialsFile: get("SHOP_FIREBASE_CREDENTIALS_FILE"),
	}
	for label, project := range pairs(get("SHOP_SECRET_PROJECT_IDS")) {
		b.projects[strings.ToLower(label)] = project
	}
	return b
}

func (b bootstrap) secretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	opts := []secrets.Option{
		secrets.WithEnvironment(b.environment),
		secrets.WithLogger(logger),
		secrets.WithFallbackFile(b.fallbackFile),
	}
	if len(b.projects) > 0 {
		opts = append(opts, secrets.WithProjectMap(b.projects))
	}
	if b.project != "" {
		opts = append(opts, secrets.WithDefaultProject(b.project))
	}
	if len(b.pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(b.pins))
	}
	if b.credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(b.credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

func secretManagerCheck(fetcher *secrets.Fetcher) health.DependencyCheck {
	return health.DependencyCheck{
		Name:    "secretManager",
		Timeout: time.Second,
		Check: func(ctx context.Context) error {
			_, err := fetcher.Resolve(ctx, secretProbeRef)
			if status.Code(err) == codes.NotFound {
				return nil
			}
			return err
		},
	}
}

// requiredSecretNames lists config fields that must resolve. Collaborator keys become
// required once an operator configures them.
func requiredSecretNames(env map[string]string) []string {
	names := []string{"PSP.StripeAPIKey"}
	for key, field := range map[string]string{
		"SHOP_PRICING_API_KEY": "Pricing.APIKey",
		"SHOP_LOYALTY_API_KEY": "Loyalty.APIKey",
		"SHOP_REDIS_PASSWORD":  "Redis.Password",
	} {
		if strings.TrimSpace(env[key]) != "" {
			names = append(names, field)
		}
	}
	slices.Sort(names)
	return slices.Compact(names)
}

// secretVersionPins reads "[env:]ref=version" pairs. Refs may use the sm:// shorthand or omit
// the scheme entirely.
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range pairs(raw) {
		scope := ""
		if head, tail, ok := strings.Cut(ref, ":"); ok && !strings.HasPrefix(tail, "//") {
			scope = strings.ToLower(strings.TrimSpace(head)) + ":"
			ref = strings.TrimSpace(tail)
		}
		ref = strings.TrimPrefix(strings.TrimPrefix(ref, "secret://"), "sm://")
		pins[scope+"secret://"+ref] = version
	}
	return pins
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	return services.BuildInfo{
		Version:     cmpOr(strings.TrimSpace(env["SHOP_BUILD_VERSION"]), "dev"),
		CommitSHA:   cmpOr(strings.TrimSpace(env["SHOP_BUILD_COMMIT_SHA"]), "unknown"),
		Environment: cmpOr(strings.TrimSpace(cfg.Environment), "local"),
		StartedAt:   started,
	}
}

// pairs parses "k=v,k2=v2", skipping entries without both sides.
func pairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(entry, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if ok && key != "" && value != "" {
			out[key] = value
		}
	}
	return out
}

// cmpOr mirrors cmp.Or from Go 1.22 for the Go 1.21 toolchain: it returns the
// first argument that is not the zero value.
func cmpOr[T comparable](vals ...T) T {
	var zero T
	for _, v := range vals {
		if v != zero {
			return v
		}
	}
	return zero
}
