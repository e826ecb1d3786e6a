package di

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/handlers"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/loyalty"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/payments"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/auth"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/config"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/events"
	pfirestore "github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/firestore"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/health"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/idempotency"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/observability"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/platform/upstream"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/pricing"
	"github.com/Dev-Teammm/shopshpere-customer-sub000/internal/services"
)

// Container holds the runtime graph of the storefront checkout service.
type Container struct {
	Config      config.Config
	Build       services.BuildInfo
	Logger      *zap.Logger
	Metrics     *observability.Metrics
	Sessions    *services.CheckoutSessions
	System      services.SystemService
	Idempotency idempotency.Store
	Auth        *auth.Authenticator

	checks  []health.DependencyCheck
	closers []closer
}

type closer struct {
	name string
	fn   func() error
}

// Option customises container assembly, mostly for tests.
type Option func(*options)

type options struct {
	clock       func() time.Time
	httpClient  *http.Client
	redisClient redis.UniversalClient
	stripe      payments.Provider
	publisher   services.EventPublisher
	verifier    auth.TokenVerifier
	verifierSet bool
	extraChecks []health.DependencyCheck
}

// WithClock overrides the wall clock used by every component.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithHTTPClient sets the transport used by the pricing and loyalty clients.
func WithHTTPClient(client *http.Client) Option {
	return func(o *options) {
		o.httpClient = client
	}
}

// WithRedisClient supplies a ready Redis client instead of dialling Config.Redis.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(o *options) {
		o.redisClient = client
	}
}

// WithPaymentProvider replaces the Stripe provider.
func WithPaymentProvider(provider payments.Provider) Option {
	return func(o *options) {
		o.stripe = provider
	}
}

// WithEventPublisher replaces the configured broker.
func WithEventPublisher(publisher services.EventPublisher) Option {
	return func(o *options) {
		o.publisher = publisher
	}
}

// WithTokenVerifier replaces the Firebase verifier. A nil verifier disables bearer tokens.
func WithTokenVerifier(verifier auth.TokenVerifier) Option {
	return func(o *options) {
		o.verifier = verifier
		o.verifierSet = true
	}
}

// WithDependencyCheck adds a readiness probe.
func WithDependencyCheck(check health.DependencyCheck) Option {
	return func(o *options) {
		o.extraChecks = append(o.extraChecks, check)
	}
}

// NewContainer dials the collaborators named by cfg and assembles the checkout services. On error
// everything opened so far is closed again.
func NewContainer(ctx context.Context, cfg config.Config, logger *zap.Logger, build services.BuildInfo, opts ...Option) (_ *Container, err error) {
	o := options{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Container{
		Config:  cfg,
		Build:   build,
		Logger:  logger,
		Metrics: observability.NewMetrics(),
	}
	defer func() {
		if err != nil {
			c.Close(context.Background())
		}
	}()

	pricer, err := c.buildPricing(o)
	if err != nil {
		return nil, err
	}
	loyaltyClient, err := loyalty.NewClient(loyalty.Config{
		BaseURL:    cfg.Loyalty.BaseURL,
		APIKey:     cfg.Loyalty.APIKey,
		Timeout:    cfg.Loyalty.Timeout,
		Retries:    cfg.Loyalty.Retries,
		Breaker:    breakerConfig(cfg.Loyalty.Breaker),
		HTTPClient: o.httpClient,
		Observer:   c.Metrics.ObserveUpstream,
		Logger:     observability.EventLogger(logger.Named("loyalty")),
	})
	if err != nil {
		return nil, fmt.Errorf("build loyalty client: %w", err)
	}
	c.checks = append(c.checks, health.DependencyCheck{Name: "loyalty", Check: loyaltyClient.Ping})

	gateway, err := c.buildGateway(o, loyaltyClient)
	if err != nil {
		return nil, err
	}
	dispatcher, err := services.NewSettlementDispatcher(services.SettlementDispatcherDeps{
		Gateway:               gateway,
		Eligibility:           loyaltyClient,
		DefaultPointUnitValue: cfg.Checkout.PointUnitValue,
		FullPointsEpsilon:     cfg.Checkout.FullPointsEpsilon,
		SuccessURL:            cfg.Checkout.SuccessURL,
		CancelURL:             cfg.Checkout.CancelURL,
		Clock:                 o.clock,
		Logger:                observability.EventLogger(logger.Named("settlement")),
	})
	if err != nil {
		return nil, fmt.Errorf("build settlement dispatcher: %w", err)
	}

	publisher, err := c.buildPublisher(ctx, o)
	if err != nil {
		return nil, err
	}

	checkoutLogger := observability.EventLogger(logger.Named("checkout"))
	c.Sessions, err = services.NewCheckoutSessions(services.CheckoutSessionsDeps{
		Engine: services.CheckoutEngineDeps{
			Pricing:     pricer,
			Dispatcher:  dispatcher,
			Events:      publisher,
			Metrics:     c.Metrics,
			QuietPeriod: cfg.Checkout.QuietPeriod,
			Currency:    cfg.Checkout.Currency,
		},
		SessionTTL:        cfg.Checkout.SessionTTL,
		TerminalRetention: cfg.Checkout.TerminalRetention,
		SubmittingTTL:     cfg.Checkout.SubmittingTTL,
		Clock:             o.clock,
		Logger:            checkoutLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("build checkout sessions: %w", err)
	}

	if err := c.buildIdempotency(ctx, o); err != nil {
		return nil, err
	}
	if err := c.buildAuth(ctx, o); err != nil {
		return nil, err
	}

	checks := append(c.checks, o.extraChecks...)
	prober, err := health.NewProber(checks,
		health.WithTimeout(cfg.Health.ProbeTimeout),
		health.WithClock(o.clock),
	)
	if err != nil {
		return nil, fmt.Errorf("build health prober: %w", err)
	}
	c.System, err = services.NewSystemService(services.SystemServiceDeps{
		Health:   prober,
		Sessions: c.Sessions,
		Clock:    o.clock,
		Build:    build,
	})
	if err != nil {
		return nil, fmt.Errorf("build system service: %w", err)
	}
	return c, nil
}

func (c *Container) buildPricing(o options) (services.PricingClient, error) {
	cfg := c.Config.Pricing
	if strings.TrimSpace(cfg.BaseURL) == "" {
		c.Logger.Info("pricing: using local pricer")
		return pricing.NewLocalPricer(pricing.LocalConfig{
			ShippingBase:     cfg.Local.ShippingBase,
			ShippingPerKg:    cfg.Local.ShippingPerKg,
			FreeShippingOver: cfg.Local.FreeShippingOver,
			TaxRate:          cfg.Local.TaxRate,
			ServedCountries:  cfg.Local.ServedCountries,
		}), nil
	}
	client, err := pricing.NewClient(pricing.Config{
		BaseURL:    cfg.BaseURL,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.Timeout,
		Retries:    cfg.Retries,
		Breaker:    breakerConfig(cfg.Breaker),
		HTTPClient: o.httpClient,
		Observer:   c.Metrics.ObserveUpstream,
		Logger:     observability.EventLogger(c.Logger.Named("pricing")),
		Clock:      o.clock,
	})
	if err != nil {
		return nil, fmt.Errorf("build pricing client: %w", err)
	}
	c.checks = append(c.checks, health.DependencyCheck{Name: "pricing", Critical: true, Check: client.Ping})
	return client, nil
}

func (c *Container) buildGateway(o options, points payments.PointsLedger) (*payments.Gateway, error) {
	cfg := c.Config.PSP
	provider := o.stripe
	if provider == nil {
		stripeLogger := observability.EventLogger(c.Logger.Named("payments"))
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:    cfg.StripeAPIKey,
			AccountID: cfg.StripeAccountID,
			Logger:    payments.StripeLogger(stripeLogger),
			Clock:     o.clock,
		})
		if err != nil {
			return nil, fmt.Errorf("build stripe provider: %w", err)
		}
		provider = stripeProvider
	}
	manager, err := payments.NewManager(
		map[string]payments.Provider{"stripe": provider},
		payments.WithDefaultProvider(cfg.Provider),
		payments.WithCurrencyRoutes(cfg.CurrencyRoutes),
	)
	if err != nil {
		return nil, fmt.Errorf("build payment manager: %w", err)
	}
	gateway, err := payments.NewGateway(payments.GatewayDeps{
		Sessions: manager,
		Points:   points,
		Logger:   observability.EventLogger(c.Logger.Named("payments")),
	})
	if err != nil {
		return nil, fmt.Errorf("build payments gateway: %w", err)
	}
	return gateway, nil
}

func (c *Container) buildPublisher(ctx context.Context, o options) (services.EventPublisher, error) {
	if o.publisher != nil {
		return o.publisher, nil
	}
	cfg := c.Config.Events
	switch cfg.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, c.Config.Firebase.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("build pubsub client: %w", err)
		}
		c.addCloser("pubsub", client.Close)
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.PubSubTopic))
		if err != nil {
			return nil, err
		}
		// registered after the client so the topic flushes first
		c.addCloser("pubsub topic", publisher.Close)
		return publisher, nil
	case config.EventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			return nil, err
		}
		c.addCloser("kafka", publisher.Close)
		return publisher, nil
	default:
		return events.Noop{}, nil
	}
}

func (c *Container) buildIdempotency(ctx context.Context, o options) error {
	cfg := c.Config
	rdb := o.redisClient
	if rdb == nil && strings.TrimSpace(cfg.Redis.Addr) != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.addCloser("redis", client.Close)
		rdb = client
	}
	if rdb != nil {
		c.checks = append(c.checks, health.DependencyCheck{
			Name:     "redis",
			Critical: cfg.Idempotency.Backend == config.IdempotencyBackendRedis,
			Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			},
		})
	}

	switch cfg.Idempotency.Backend {
	case config.IdempotencyBackendRedis:
		if rdb == nil {
			return errors.New("idempotency: redis backend selected without a redis client")
		}
		c.Idempotency = idempotency.NewRedisStore(rdb, idempotency.WithKeyPrefix(cfg.Idempotency.Namespace+":"))
	case config.IdempotencyBackendFirestore:
		provider := pfirestore.NewProvider(cfg.Firestore)
		c.addCloser("firestore", provider.Close)
		client, err := provider.Client(ctx)
		if err != nil {
			return fmt.Errorf("build firestore client: %w", err)
		}
		c.Idempotency = idempotency.NewFirestoreStore(client, idempotency.WithCollection(cfg.Idempotency.Namespace))
		c.checks = append(c.checks, health.DependencyCheck{Name: "firestore", Critical: true, Check: provider.Ping})
	default:
		c.Idempotency = idempotency.NewMemoryStore()
	}
	return nil
}

func (c *Container) buildAuth(ctx context.Context, o options) error {
	cfg := c.Config.Firebase
	verifier := o.verifier
	if !o.verifierSet && cfg.AuthEnabled {
		firebase, err := auth.NewFirebaseVerifier(ctx, cfg)
		if err != nil {
			return fmt.Errorf("build firebase verifier: %w", err)
		}
		verifier = firebase
	}
	if verifier == nil {
		c.Logger.Warn("auth: bearer tokens disabled; accepting guests and the trusted user header only",
			zap.String("trustedHeader", cfg.TrustedUserHeader))
	}
	c.Auth = auth.NewAuthenticator(verifier, auth.WithTrustedUserHeader(cfg.TrustedUserHeader))
	return nil
}

// Router builds the HTTP surface over the container's services.
func (c *Container) Router() http.Handler {
	cfg := c.Config
	projectID := traceProjectID(cfg)
	httpLogger := c.Logger.Named("http")

	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(httpLogger),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(httpLogger),
		observability.RequestLoggerMiddleware(projectID),
	}
	opts := []handlers.Option{}
	if cfg.Metrics.Enabled {
		middlewares = append(middlewares, c.Metrics.HTTPMiddleware)
		opts = append(opts, handlers.WithMetricsHandler(cfg.Metrics.Path, c.Metrics.Handler()))
	}

	submitGuard := idempotency.Middleware(c.Idempotency,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(c.Logger.Named("idempotency"))),
	)
	checkout := handlers.NewCheckoutHandlers(c.Sessions, handlers.WithSubmitGuard(submitGuard))
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthSystemService(c.System),
		handlers.WithHealthBuildInfo(c.Build),
	)

	opts = append(opts,
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithRequestTimeout(c.Config.Server.RequestTimeout),
		handlers.WithCheckoutRoutes(checkout.Routes),
		handlers.WithCheckoutMiddlewares(
			c.Auth.RequireShopper(),
			handlers.OwnerRateLimit(cfg.Checkout.RateLimit, cfg.Checkout.RateWindow, nil),
		),
	)
	return handlers.NewRouter(opts...)
}

// Close releases clients in reverse order of creation.
func (c *Container) Close(ctx context.Context) {
	if c == nil {
		return
	}
	for i := len(c.closers) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			c.Logger.Warn("container close interrupted", zap.Error(ctx.Err()))
			return
		}
		entry := c.closers[i]
		if err := entry.fn(); err != nil {
			c.Logger.Warn("close error", zap.String("component", entry.name), zap.Error(err))
		}
	}
	c.closers = nil
}

func (c *Container) addCloser(name string, fn func() error) {
	c.closers = append(c.closers, closer{name: name, fn: fn})
}

func breakerConfig(cfg config.BreakerConfig) upstream.BreakerConfig {
	failures := cfg.Failures
	if failures < 0 {
		failures = 0
	}
	return upstream.BreakerConfig{
		FailureThreshold: uint32(failures),
		OpenTimeout:      cfg.OpenTimeout,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
