package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	domain "github.com/labvial/api/internal/domain"
	"github.com/labvial/api/internal/handlers"
	"github.com/labvial/api/internal/payments"
	"github.com/labvial/api/internal/platform/auth"
	"github.com/labvial/api/internal/platform/config"
	pfirestore "github.com/labvial/api/internal/platform/firestore"
	"github.com/labvial/api/internal/platform/jobs"
	"github.com/labvial/api/internal/platform/observability"
	"github.com/labvial/api/internal/platform/secrets"
	"github.com/labvial/api/internal/repositories"
	firestoreRepo "github.com/labvial/api/internal/repositories/firestore"
	"github.com/labvial/api/internal/repositories/postgres"
	"github.com/labvial/api/internal/services"
	"github.com/labvial/api/internal/shipping"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		return fmt.Errorf("initialise logger: %w", err)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		return fmt.Errorf("read environment: %w", err)
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		return fmt.Errorf("initialise secret fetcher: %w", err)
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.ResolveSecret)),
		config.WithRequiredSecrets("PSP.StripeAPIKey", "Carrier.APIKey", "Audit.HashSalt"),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Error("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		return fmt.Errorf("load configuration: %w", err)
	}

	store, err := postgres.Open(ctx, cfg.Database.URL, postgres.Options{
		MaxConns:      cfg.Database.MaxConns,
		RunMigrations: cfg.Database.RunMigrations,
	})
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer func() {
		_ = store.Close(context.Background())
	}()

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore)
	defer func() {
		if err := firestoreProvider.Close(); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()
	auditRepo, err := firestoreRepo.NewAuditLogRepository(firestoreProvider)
	if err != nil {
		return fmt.Errorf("initialise audit log repository: %w", err)
	}

	pubsubClient, err := pubsub.NewClient(ctx, pubsubProjectID(cfg), pubsubClientOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("initialise pubsub client: %w", err)
	}
	defer func() {
		_ = pubsubClient.Close()
	}()
	publisher, err := jobs.NewPubSubPublisher(pubsubClient.Topic(cfg.PubSub.NotificationsTopic))
	if err != nil {
		return fmt.Errorf("initialise notification publisher: %w", err)
	}
	defer publisher.Stop()

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		return fmt.Errorf("initialise firebase verifier: %w", err)
	}
	authenticator := auth.NewAuthenticator(verifier)

	metrics, err := observability.NewMetrics()
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	svc, err := buildServices(cfg, logger, store, auditRepo, publisher, metrics)
	if err != nil {
		return err
	}

	health, err := repositories.NewDependencyHealthRepository([]repositories.DependencyCheck{
		{Name: "postgres", Check: store.Ping},
		{Name: "firestore", Check: func(ctx context.Context) error {
			_, err := firestoreProvider.Client(ctx)
			return err
		}},
	})
	if err != nil {
		return fmt.Errorf("initialise health checks: %w", err)
	}

	projectID := traceProjectID(cfg)
	router := handlers.NewRouter(
		handlers.WithMiddlewares(
			observability.InjectLoggerMiddleware(logger.Named("http")),
			observability.TraceMiddleware(projectID),
			observability.ClientInfoMiddleware,
			observability.RecoveryMiddleware,
			observability.RequestLoggerMiddleware,
		),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthVersion(envValues["API_VERSION"]),
			handlers.WithHealthRepository(health),
		)),
		handlers.WithCartRoutes(handlers.NewCartHandlers(authenticator, svc.pricing, svc.discounts).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, svc.checkout).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(handlers.AdminOrderDeps{
			Authenticator: authenticator,
			Orders:        svc.orders,
			Fulfillment:   svc.fulfillment,
			Discounts:     svc.discounts,
			Inventory:     svc.inventory,
		}).Routes),
	)

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Named("outbox").Info("outbox dispatcher started",
			zap.Duration("pollInterval", cfg.Outbox.PollInterval), zap.Int("batchSize", cfg.Outbox.BatchSize))
		return svc.dispatcher.Run(groupCtx)
	})
	group.Go(func() error {
		serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
		serverLogger.Info("labvial api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown signal received; draining requests")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", zap.Error(err))
		}
		return nil
	})
	return group.Wait()
}

type serviceSet struct {
	pricing     services.PricingEngine
	discounts   services.DiscountEvaluator
	inventory   services.InventoryService
	checkout    services.CheckoutService
	fulfillment services.FulfillmentService
	orders      services.OrderService
	dispatcher  *services.OutboxDispatcher
}

func buildServices(
	cfg config.Config,
	logger *zap.Logger,
	store *postgres.Store,
	auditRepo repositories.AuditLogRepository,
	publisher services.NotificationPublisher,
	metrics *observability.Metrics,
) (serviceSet, error) {
	clock := func() time.Time { return time.Now().UTC() }
	newID := func() string { return ulid.Make().String() }
	eventLogger := func(name string) func(context.Context, string, map[string]any) {
		return observability.EventLogger(logger, name)
	}

	var set serviceSet
	configStore, err := services.NewConfigStore(services.ConfigStoreDeps{
		Settings: store.Settings(),
		Logger:   eventLogger("config"),
	})
	if err != nil {
		return set, fmt.Errorf("initialise config store: %w", err)
	}

	outbox, err := services.NewOutboxWriter(services.OutboxWriterDeps{
		Outbox:            store.Outbox(),
		NotificationTopic: cfg.PubSub.NotificationsTopic,
		Clock:             clock,
		IDGenerator:       newID,
	})
	if err != nil {
		return set, fmt.Errorf("initialise outbox writer: %w", err)
	}

	auditLog, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository:  auditRepo,
		Clock:       clock,
		IDGenerator: newID,
		HashSalt:    cfg.Audit.HashSalt,
	})
	if err != nil {
		return set, fmt.Errorf("initialise audit log service: %w", err)
	}

	if set.inventory, err = services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: store.Inventory(),
		Clock:     clock,
		Logger:    eventLogger("inventory"),
	}); err != nil {
		return set, fmt.Errorf("initialise inventory service: %w", err)
	}

	if set.pricing, err = services.NewPricingEngine(services.PricingEngineDeps{
		Catalog:    store.Catalog(),
		PriceLists: store.PriceLists(),
		Inventory:  store.Inventory(),
		Config:     configStore,
		Logger:     eventLogger("pricing"),
	}); err != nil {
		return set, fmt.Errorf("initialise pricing engine: %w", err)
	}

	if set.discounts, err = services.NewDiscountEvaluator(services.DiscountEvaluatorDeps{
		Discounts: store.Discounts(),
		Orders:    store.Orders(),
		Clock:     clock,
		Logger:    eventLogger("discounts"),
	}); err != nil {
		return set, fmt.Errorf("initialise discount evaluator: %w", err)
	}

	carrier, err := shipping.NewClient(shipping.Config{
		BaseURL:    cfg.Carrier.BaseURL,
		APIKey:     cfg.Carrier.APIKey,
		Timeout:    cfg.Carrier.Timeout,
		MaxRetries: cfg.Carrier.MaxRetries,
		From:       warehouseAddress(cfg.Carrier),
		Logger:     eventLogger("carrier"),
	})
	if err != nil {
		return set, fmt.Errorf("initialise carrier client: %w", err)
	}

	estimator, err := services.NewShippingEstimator(services.ShippingEstimatorDeps{
		Config: configStore,
		Rates:  carrier,
		Logger: eventLogger("shipping"),
	})
	if err != nil {
		return set, fmt.Errorf("initialise shipping estimator: %w", err)
	}

	paymentManager, err := newPaymentManager(cfg, configStore, eventLogger("payments"))
	if err != nil {
		return set, err
	}

	if set.checkout, err = services.NewCheckoutService(services.CheckoutServiceDeps{
		Pricing:        set.pricing,
		Discounts:      set.discounts,
		Shipping:       estimator,
		Inventory:      set.inventory,
		Config:         configStore,
		Orders:         store.Orders(),
		Compliance:     store.Compliance(),
		Addresses:      store.Addresses(),
		Users:          store.Users(),
		Payments:       store.Payments(),
		UnitOfWork:     store,
		PaymentCreator: paymentManager,
		Audit:          outbox,
		Notifier:       outbox,
		Metrics:        metrics,
		Clock:          clock,
		IDGenerator:    newID,
		Logger:         eventLogger("checkout"),
	}); err != nil {
		return set, fmt.Errorf("initialise checkout service: %w", err)
	}

	if set.fulfillment, err = services.NewFulfillmentService(services.FulfillmentServiceDeps{
		Orders:      store.Orders(),
		Payments:    store.Payments(),
		Shipments:   store.Shipments(),
		Addresses:   store.Addresses(),
		Users:       store.Users(),
		Inventory:   set.inventory,
		Shipping:    estimator,
		Labels:      carrier,
		UnitOfWork:  store,
		Audit:       outbox,
		Notifier:    outbox,
		Metrics:     metrics,
		Clock:       clock,
		IDGenerator: newID,
		Logger:      eventLogger("fulfillment"),
	}); err != nil {
		return set, fmt.Errorf("initialise fulfillment service: %w", err)
	}

	if set.orders, err = services.NewOrderService(services.OrderServiceDeps{
		Orders:     store.Orders(),
		Inventory:  set.inventory,
		UnitOfWork: store,
		Audit:      outbox,
		Clock:      clock,
		Logger:     eventLogger("orders"),
	}); err != nil {
		return set, fmt.Errorf("initialise order service: %w", err)
	}

	if set.dispatcher, err = services.NewOutboxDispatcher(services.OutboxDispatcherDeps{
		Outbox:       store.Outbox(),
		Publisher:    publisher,
		Audit:        auditLog,
		Metrics:      metrics,
		BatchSize:    cfg.Outbox.BatchSize,
		PollInterval: cfg.Outbox.PollInterval,
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		Clock:        clock,
		Logger:       eventLogger("outbox"),
	}); err != nil {
		return set, fmt.Errorf("initialise outbox dispatcher: %w", err)
	}
	return set, nil
}

func newPaymentManager(cfg config.Config, instructions payments.InstructionSource, logger payments.StripeLogger) (*payments.Manager, error) {
	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey: cfg.PSP.StripeAPIKey,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise stripe provider: %w", err)
	}
	manual, err := payments.NewManualProvider(instructions)
	if err != nil {
		return nil, fmt.Errorf("initialise manual payments: %w", err)
	}
	manager, err := payments.NewManager(map[domain.PaymentMethod]payments.Provider{
		domain.PaymentMethodCard:         stripeProvider,
		domain.PaymentMethodBankTransfer: manual,
		domain.PaymentMethodCashApp:      manual,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise payment manager: %w", err)
	}
	return manager, nil
}

func warehouseAddress(cfg config.CarrierConfig) domain.Address {
	return domain.Address{
		Name:       cfg.FromName,
		Line1:      cfg.FromLine1,
		City:       cfg.FromCity,
		State:      cfg.FromState,
		PostalCode: cfg.FromPostal,
		Country:    cfg.FromCountry,
		Phone:      cfg.FromPhone,
	}
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func pubsubProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.PubSub.ProjectID); id != "" {
		return id
	}
	return traceProjectID(cfg)
}

func pubsubClientOptions(cfg config.Config) []option.ClientOption {
	if path := strings.TrimSpace(cfg.Firebase.CredentialsFile); path != "" {
		return []option.ClientOption{option.WithCredentialsFile(path)}
	}
	return nil
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
	}
	if path := lookup("API_SECRET_FALLBACK_FILE"); path != "" {
		opts = append(opts, secrets.WithFallbackFile(path))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewFetcher(ctx, opts...)
}
