package config

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

const envPrefix = "SHOP_"

const (
	defaultEnvFile             = ".env"
	defaultEnvironment         = "local"
	defaultLogLevel            = "info"
	defaultPort                = "8080"
	defaultReadTimeout         = 15 * time.Second
	defaultWriteTimeout        = 30 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultShutdownTimeout     = 20 * time.Second
	defaultRequestTimeout      = 30 * time.Second
	defaultCurrency            = "USD"
	defaultQuietPeriod         = 400 * time.Millisecond
	defaultPointUnitValue      = "0.01"
	defaultFullPointsEpsilon   = "0.01"
	defaultSessionTTL          = 30 * time.Minute
	defaultSubmittingTTL       = 2 * time.Hour
	defaultTerminalRetention   = 10 * time.Minute
	defaultSweepInterval       = time.Minute
	defaultRateLimit           = 120
	defaultRateWindow          = time.Minute
	defaultCollaboratorTimeout = 8 * time.Second
	defaultPricingRetries      = 2
	defaultBreakerFailures     = 5
	defaultBreakerOpenTimeout  = 30 * time.Second
	defaultLocalShippingBase   = "5.00"
	defaultLocalShippingPerKg  = "1.00"
	defaultPaymentProvider     = "stripe"
	defaultIdempotencyBackend  = IdempotencyBackendMemory
	defaultIdempotencyNS       = "checkout_idempotency"
	defaultIdempotencyHeader   = "Idempotency-Key"
	defaultIdempotencyTTL      = 24 * time.Hour
	defaultIdempotencyInterval = time.Hour
	defaultIdempotencyBatch    = 200
	defaultRedisDB             = 0
	defaultEventsBackend       = EventsBackendNone
	defaultKafkaTopic          = "checkout-events"
	defaultMetricsPath         = "/metrics"
	defaultProbeTimeout        = 2 * time.Second
)

// Idempotency store backends.
const (
	IdempotencyBackendMemory    = "memory"
	IdempotencyBackendRedis     = "redis"
	IdempotencyBackendFirestore = "firestore"
)

// Checkout event broker backends.
const (
	EventsBackendNone   = "none"
	EventsBackendPubSub = "pubsub"
	EventsBackendKafka  = "kafka"
)

// Config captures all runtime configuration organised by concern.
type Config struct {
	Environment string
	LogLevel    string
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Checkout    CheckoutConfig
	Pricing     PricingConfig
	Loyalty     LoyaltyConfig
	PSP         PSPConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Events      EventsConfig
	Metrics     MetricsConfig
	Health      HealthConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
	// RequestTimeout bounds checkout API calls; event streams are exempt.
	RequestTimeout time.Duration
	// DrainDelay is how long readiness fails before the listener stops accepting.
	DrainDelay time.Duration
}

// FirebaseConfig stores Firebase project settings. AuthEnabled turns on ID token verification;
// without it, TrustedUserHeader names the header an upstream gateway sets with the verified uid.
type FirebaseConfig struct {
	ProjectID         string
	CredentialsFile   string
	AuthEnabled       bool
	CheckRevoked      bool
	TrustedUserHeader string
}

// FirestoreConfig stores database parameters.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// CheckoutConfig tunes the checkout engines.
type CheckoutConfig struct {
	Currency          string
	QuietPeriod       time.Duration
	PointUnitValue    decimal.Decimal
	FullPointsEpsilon decimal.Decimal
	SessionTTL        time.Duration
	SubmittingTTL     time.Duration
	TerminalRetention time.Duration
	SweepInterval     time.Duration
	SuccessURL        string
	CancelURL         string
	// RateLimit caps checkout requests per owner within RateWindow. Zero disables the limit.
	RateLimit  int
	RateWindow time.Duration
}

// BreakerConfig controls the circuit breaker of a collaborator client.
type BreakerConfig struct {
	Failures    int
	OpenTimeout time.Duration
}

// PricingConfig points at the pricing collaborator. An empty BaseURL selects the local pricer.
type PricingConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	Breaker BreakerConfig
	Local   LocalPricingConfig
}

// LocalPricingConfig parameterises the in-process pricer.
type LocalPricingConfig struct {
	ShippingBase     decimal.Decimal
	ShippingPerKg    decimal.Decimal
	FreeShippingOver decimal.Decimal
	TaxRate          decimal.Decimal
	ServedCountries  []string
}

// LoyaltyConfig points at the points collaborator.
type LoyaltyConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
	Retries int
	Breaker BreakerConfig
}

// PSPConfig collects payment provider settings.
type PSPConfig struct {
	Provider        string
	StripeAPIKey    string
	StripeAccountID string
	CurrencyRoutes  map[string]string
}

// IdempotencyConfig controls idempotency middleware behaviour.
type IdempotencyConfig struct {
	Backend          string
	Namespace        string
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// EventsConfig selects the broker for checkout events.
type EventsConfig struct {
	Backend      string
	PubSubTopic  string
	KafkaBrokers []string
	KafkaTopic   string
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// HealthConfig controls readiness probing.
type HealthConfig struct {
	ProbeTimeout time.Duration
}

// SecretResolver resolves references to external secrets (e.g. Secret Manager URIs).
type SecretResolver interface {
	ResolveSecret(ctx context.Context, ref string) (string, error)
}

// SecretResolverFunc adapts ordinary functions to SecretResolver.
type SecretResolverFunc func(context.Context, string) (string, error)

// ResolveSecret resolves the secret using the wrapped function.
func (f SecretResolverFunc) ResolveSecret(ctx context.Context, ref string) (string, error) {
	return f(ctx, ref)
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// SecretError describes failures while resolving a secret reference.
type SecretError struct {
	Ref string
	Err error
}

func (e *SecretError) Error() string {
	return fmt.Sprintf("secret resolution failed for ref %q: %v", e.Ref, e.Err)
}

func (e *SecretError) Unwrap() error { return e.Err }

// MissingSecretsError indicates that one or more required secrets failed to resolve.
type MissingSecretsError struct {
	names []string
}

func (e *MissingSecretsError) Error() string {
	return fmt.Sprintf("missing required secrets [%s]", strings.Join(e.RedactedNames(), ", "))
}

// RedactedNames returns hashed identifiers safe to log.
func (e *MissingSecretsError) RedactedNames() []string {
	if e == nil {
		return nil
	}
	out := make([]string, 0, len(e.names))
	for _, name := range e.names {
		out = append(out, redactSecretName(name))
	}
	sort.Strings(out)
	return out
}

// Names returns the underlying secret identifiers.
func (e *MissingSecretsError) Names() []string {
	if e == nil {
		return nil
	}
	out := append([]string(nil), e.names...)
	sort.Strings(out)
	return out
}

var errSecretResolverNotConfigured = errors.New("secret resolver not configured")

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile         string
	envMap          map[string]string
	useSystemEnv    bool
	secret          SecretResolver
	requiredSecrets []string
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithEnvMap injects explicit values that take precedence over the process environment.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading the process environment.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// WithSecretResolver sets the resolver used for secret:// and sm:// references.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) {
		o.secret = resolver
	}
}

// WithRequiredSecrets marks config fields (e.g. "PSP.StripeAPIKey") that must resolve to a value.
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) {
		o.requiredSecrets = append(o.requiredSecrets, names...)
	}
}

func defaultOptions(opts []Option) loaderOptions {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// EnvironmentValues returns the merged key/value map (dotenv < OS env < explicit map) so callers
// can build the secret fetcher from the same inputs before calling Load.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	options := defaultOptions(opts)
	lookup, err := options.lookup()
	if err != nil {
		return nil, err
	}
	return lookup.values(), nil
}

type envLookup struct {
	layers []map[string]string
}

func (o loaderOptions) lookup() (envLookup, error) {
	dotEnv, err := loadDotEnv(o.envFile)
	if err != nil {
		return envLookup{}, err
	}
	layers := []map[string]string{o.envMap}
	if o.useSystemEnv {
		system := make(map[string]string)
		for _, entry := range os.Environ() {
			key, value, ok := strings.Cut(entry, "=")
			if ok && strings.TrimSpace(key) != "" {
				system[key] = value
			}
		}
		layers = append(layers, system)
	}
	layers = append(layers, dotEnv)
	return envLookup{layers: layers}, nil
}

func (l envLookup) get(key string) (string, bool) {
	for _, layer := range l.layers {
		if value, ok := layer[key]; ok {
			return value, true
		}
	}
	return "", false
}

func (l envLookup) values() map[string]string {
	out := make(map[string]string)
	for i := len(l.layers) - 1; i >= 0; i-- {
		for key, value := range l.layers[i] {
			out[key] = value
		}
	}
	return out
}

func (l envLookup) str(key, fallback string) string {
	if value, ok := l.get(envPrefix + key); ok && strings.TrimSpace(value) != "" {
		return strings.TrimSpace(value)
	}
	return fallback
}

func (l envLookup) duration(key string, fallback time.Duration) time.Duration {
	if value, ok := l.get(envPrefix + key); ok && value != "" {
		if d, err := time.ParseDuration(strings.TrimSpace(value)); err == nil {
			return d
		}
	}
	return fallback
}

func (l envLookup) integer(key string, fallback int) int {
	if value, ok := l.get(envPrefix + key); ok && value != "" {
		if parsed, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return parsed
		}
	}
	return fallback
}

func (l envLookup) boolean(key string, fallback bool) bool {
	if value, ok := l.get(envPrefix + key); ok && value != "" {
		switch strings.ToLower(strings.TrimSpace(value)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}

// decimalValue records unparsable amounts in invalid so validation can report them.
func (l envLookup) decimalValue(key, fallback string, invalid *[]string) decimal.Decimal {
	raw := l.str(key, fallback)
	if raw == "" {
		return decimal.Zero
	}
	value, err := decimal.NewFromString(raw)
	if err != nil {
		*invalid = append(*invalid, key)
		return decimal.Zero
	}
	return value
}

func (l envLookup) csv(key string) []string {
	raw := l.str(key, "")
	if raw == "" {
		return []string{}
	}
	out := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (l envLookup) pairs(key string) map[string]string {
	values := make(map[string]string)
	for _, entry := range l.csv(key) {
		name, value, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			continue
		}
		values[name] = value
	}
	return values
}

// Load assembles the configuration from defaults, .env, the process environment, explicit
// overrides and Secret Manager references.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := defaultOptions(opts)
	if options.secret == nil {
		options.secret = SecretResolverFunc(func(_ context.Context, ref string) (string, error) {
			return "", errSecretResolverNotConfigured
		})
	}
	env, err := options.lookup()
	if err != nil {
		return Config{}, err
	}

	var invalid []string
	cfg := Config{
		Environment: strings.ToLower(env.str("ENVIRONMENT", defaultEnvironment)),
		LogLevel:    strings.ToLower(env.str("LOG_LEVEL", defaultLogLevel)),
		Server: ServerConfig{
			Port:            env.str("SERVER_PORT", defaultPort),
			ReadTimeout:     env.duration("SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout:    env.duration("SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:     env.duration("SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
			ShutdownTimeout: env.duration("SERVER_SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
			RequestTimeout:  env.duration("SERVER_REQUEST_TIMEOUT", defaultRequestTimeout),
			DrainDelay:      env.duration("SERVER_DRAIN_DELAY", 0),
		},
		Firebase: FirebaseConfig{
			ProjectID:         env.str("FIREBASE_PROJECT_ID", ""),
			CredentialsFile:   env.str("FIREBASE_CREDENTIALS_FILE", ""),
			AuthEnabled:       env.boolean("FIREBASE_AUTH_ENABLED", false),
			CheckRevoked:      env.boolean("FIREBASE_CHECK_REVOKED", false),
			TrustedUserHeader: env.str("FIREBASE_TRUSTED_USER_HEADER", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    env.str("FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: env.str("FIRESTORE_EMULATOR_HOST", ""),
		},
		Checkout: CheckoutConfig{
			Currency:          strings.ToUpper(env.str("CHECKOUT_CURRENCY", defaultCurrency)),
			QuietPeriod:       env.duration("CHECKOUT_QUIET_PERIOD", defaultQuietPeriod),
			PointUnitValue:    env.decimalValue("CHECKOUT_POINT_UNIT_VALUE", defaultPointUnitValue, &invalid),
			FullPointsEpsilon: env.decimalValue("CHECKOUT_FULL_POINTS_EPSILON", defaultFullPointsEpsilon, &invalid),
			SessionTTL:        env.duration("CHECKOUT_SESSION_TTL", defaultSessionTTL),
			SubmittingTTL:     env.duration("CHECKOUT_SUBMITTING_TTL", defaultSubmittingTTL),
			TerminalRetention: env.duration("CHECKOUT_TERMINAL_RETENTION", defaultTerminalRetention),
			SweepInterval:     env.duration("CHECKOUT_SWEEP_INTERVAL", defaultSweepInterval),
			SuccessURL:        env.str("CHECKOUT_SUCCESS_URL", ""),
			CancelURL:         env.str("CHECKOUT_CANCEL_URL", ""),
			RateLimit:         env.integer("CHECKOUT_RATE_LIMIT", defaultRateLimit),
			RateWindow:        env.duration("CHECKOUT_RATE_WINDOW", defaultRateWindow),
		},
		Pricing: PricingConfig{
			BaseURL: env.str("PRICING_BASE_URL", ""),
			APIKey:  env.str("PRICING_API_KEY", ""),
			Timeout: env.duration("PRICING_TIMEOUT", defaultCollaboratorTimeout),
			Retries: env.integer("PRICING_RETRIES", defaultPricingRetries),
			Breaker: BreakerConfig{
				Failures:    env.integer("PRICING_BREAKER_FAILURES", defaultBreakerFailures),
				OpenTimeout: env.duration("PRICING_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
			},
			Local: LocalPricingConfig{
				ShippingBase:     env.decimalValue("PRICING_LOCAL_SHIPPING_BASE", defaultLocalShippingBase, &invalid),
				ShippingPerKg:    env.decimalValue("PRICING_LOCAL_SHIPPING_PER_KG", defaultLocalShippingPerKg, &invalid),
				FreeShippingOver: env.decimalValue("PRICING_LOCAL_FREE_SHIPPING_OVER", "", &invalid),
				TaxRate:          env.decimalValue("PRICING_LOCAL_TAX_RATE", "", &invalid),
				ServedCountries:  env.csv("PRICING_LOCAL_SERVED_COUNTRIES"),
			},
		},
		Loyalty: LoyaltyConfig{
			BaseURL: env.str("LOYALTY_BASE_URL", ""),
			APIKey:  env.str("LOYALTY_API_KEY", ""),
			Timeout: env.duration("LOYALTY_TIMEOUT", defaultCollaboratorTimeout),
			Retries: env.integer("LOYALTY_RETRIES", defaultPricingRetries),
			Breaker: BreakerConfig{
				Failures:    env.integer("LOYALTY_BREAKER_FAILURES", defaultBreakerFailures),
				OpenTimeout: env.duration("LOYALTY_BREAKER_OPEN_TIMEOUT", defaultBreakerOpenTimeout),
			},
		},
		PSP: PSPConfig{
			Provider:        strings.ToLower(env.str("PSP_PROVIDER", defaultPaymentProvider)),
			StripeAPIKey:    env.str("PSP_STRIPE_API_KEY", ""),
			StripeAccountID: env.str("PSP_STRIPE_ACCOUNT_ID", ""),
			CurrencyRoutes:  env.pairs("PSP_CURRENCY_ROUTES"),
		},
		Idempotency: IdempotencyConfig{
			Backend:          strings.ToLower(env.str("IDEMPOTENCY_BACKEND", defaultIdempotencyBackend)),
			Namespace:        env.str("IDEMPOTENCY_NAMESPACE", defaultIdempotencyNS),
			Header:           env.str("IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              env.duration("IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  env.duration("IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: env.integer("IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatch),
		},
		Redis: RedisConfig{
			Addr:     env.str("REDIS_ADDR", ""),
			Password: env.str("REDIS_PASSWORD", ""),
			DB:       env.integer("REDIS_DB", defaultRedisDB),
		},
		Events: EventsConfig{
			Backend:      strings.ToLower(env.str("EVENTS_BACKEND", defaultEventsBackend)),
			PubSubTopic:  env.str("EVENTS_PUBSUB_TOPIC", ""),
			KafkaBrokers: env.csv("EVENTS_KAFKA_BROKERS"),
			KafkaTopic:   env.str("EVENTS_KAFKA_TOPIC", defaultKafkaTopic),
		},
		Metrics: MetricsConfig{
			Enabled: env.boolean("METRICS_ENABLED", true),
			Path:    env.str("METRICS_PATH", defaultMetricsPath),
		},
		Health: HealthConfig{
			ProbeTimeout: env.duration("HEALTH_PROBE_TIMEOUT", defaultProbeTimeout),
		},
	}

	// Firestore project defaults to Firebase project when unspecified.
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}

	resolved := make(map[string]string)
	secretFields := []struct {
		name  string
		field *string
	}{
		{"PSP.StripeAPIKey", &cfg.PSP.StripeAPIKey},
		{"Pricing.APIKey", &cfg.Pricing.APIKey},
		{"Loyalty.APIKey", &cfg.Loyalty.APIKey},
		{"Redis.Password", &cfg.Redis.Password},
	}
	for _, target := range secretFields {
		value, err := resolveSecret(ctx, *target.field, options.secret)
		if err != nil {
			return Config{}, err
		}
		*target.field = value
		resolved[target.name] = value
	}

	if err := validateConfig(cfg, invalid); err != nil {
		return Config{}, err
	}
	if missing := findMissingSecrets(options.requiredSecrets, resolved); missing != nil {
		return Config{}, missing
	}
	return cfg, nil
}

func resolveSecret(ctx context.Context, value string, resolver SecretResolver) (string, error) {
	if !isSecretReference(value) {
		return value, nil
	}
	normalized := normalizeSecretReference(value)
	secret, err := resolver.ResolveSecret(ctx, normalized)
	if err != nil {
		var secretErr *SecretError
		if errors.As(err, &secretErr) {
			return "", secretErr
		}
		return "", &SecretError{Ref: normalized, Err: err}
	}
	return secret, nil
}

func validateConfig(cfg Config, invalid []string) error {
	missing := append([]string(nil), invalid...)
	require := func(ok bool, field string) {
		if !ok {
			missing = append(missing, field)
		}
	}

	require(cfg.Server.Port != "", "Server.Port")
	if _, err := currency.ParseISO(cfg.Checkout.Currency); err != nil {
		missing = append(missing, "Checkout.Currency")
	}
	require(cfg.Checkout.QuietPeriod > 0, "Checkout.QuietPeriod")
	require(cfg.Checkout.PointUnitValue.IsPositive(), "Checkout.PointUnitValue")
	require(cfg.Checkout.SessionTTL > 0, "Checkout.SessionTTL")
	require(cfg.Checkout.SweepInterval > 0, "Checkout.SweepInterval")
	require(cfg.Checkout.RateLimit >= 0, "Checkout.RateLimit")
	require(cfg.Checkout.RateLimit == 0 || cfg.Checkout.RateWindow > 0, "Checkout.RateWindow")
	require(cfg.Loyalty.BaseURL != "", "Loyalty.BaseURL")
	require(cfg.PSP.StripeAPIKey != "", "PSP.StripeAPIKey")
	require(cfg.Pricing.Retries >= 0, "Pricing.Retries")
	if cfg.Firebase.AuthEnabled {
		require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	}

	require(strings.TrimSpace(cfg.Idempotency.Header) != "", "Idempotency.Header")
	require(cfg.Idempotency.TTL > 0, "Idempotency.TTL")
	require(cfg.Idempotency.CleanupInterval > 0, "Idempotency.CleanupInterval")
	require(cfg.Idempotency.CleanupBatchSize > 0, "Idempotency.CleanupBatchSize")
	switch cfg.Idempotency.Backend {
	case IdempotencyBackendMemory:
	case IdempotencyBackendRedis:
		require(cfg.Redis.Addr != "", "Redis.Addr")
	case IdempotencyBackendFirestore:
		require(cfg.Firestore.ProjectID != "", "Firestore.ProjectID")
	default:
		missing = append(missing, "Idempotency.Backend")
	}

	switch cfg.Events.Backend {
	case EventsBackendNone:
	case EventsBackendPubSub:
		require(cfg.Events.PubSubTopic != "", "Events.PubSubTopic")
		require(cfg.Firebase.ProjectID != "", "Firebase.ProjectID")
	case EventsBackendKafka:
		require(len(cfg.Events.KafkaBrokers) > 0, "Events.KafkaBrokers")
		require(cfg.Events.KafkaTopic != "", "Events.KafkaTopic")
	default:
		missing = append(missing, "Events.Backend")
	}

	if cfg.Metrics.Enabled {
		require(strings.HasPrefix(cfg.Metrics.Path, "/"), "Metrics.Path")
	}

	if len(missing) > 0 {
		return &ValidationError{fields: dedupe(missing)}
	}
	return nil
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, value := range values {
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func findMissingSecrets(required []string, resolved map[string]string) *MissingSecretsError {
	var missing []string
	seen := make(map[string]struct{})
	for _, name := range required {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		if strings.TrimSpace(resolved[name]) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return &MissingSecretsError{names: missing}
}

func isSecretReference(value string) bool {
	trimmed := strings.TrimSpace(value)
	return strings.HasPrefix(trimmed, "secret://") || strings.HasPrefix(trimmed, "sm://")
}

func normalizeSecretReference(value string) string {
	trimmed := strings.TrimSpace(value)
	if rest, ok := strings.CutPrefix(trimmed, "sm://"); ok {
		return "secret://" + rest
	}
	return trimmed
}

func redactSecretName(name string) string {
	sum := sha256.Sum256([]byte(name))
	return hex.EncodeToString(sum[:8])
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}
	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}
