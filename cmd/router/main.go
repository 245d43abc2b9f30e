// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments. Consumes
// message pointers from a queue backend (SQS, embedded SQLite, ActiveMQ or
// NATS) and delivers them to webhooks via HTTP mediation, with per-group
// FIFO ordering, pool-level rate limits and circuit breakers, and an
// optional warm-standby pair coordinated through a distributed lock.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	"go.flowcatalyst.tech/internal/common/secrets"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	activemqqueue "go.flowcatalyst.tech/internal/queue/activemq"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqliteq "go.flowcatalyst.tech/internal/queue/sqlite"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	"go.flowcatalyst.tech/internal/router/configfetcher"
	"go.flowcatalyst.tech/internal/router/credentials"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/notification"
	"go.flowcatalyst.tech/internal/router/standby"
	"go.flowcatalyst.tech/internal/router/traffic"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. CONFIG & INFRASTRUCTURE
	// ========================================
	cfg, err := config.LoadWithFile()
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{
		Config:       cfg,
		NeedsMongoDB: cfg.MongoDB.URI != "",
	})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE BACKEND
	// ========================================
	backend, err := setupQueueBackend(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue backend", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================

	// Dashboard statistics services
	poolStats := routermetrics.NewInMemoryPoolMetricsService()
	queueStats := routermetrics.NewInMemoryQueueMetricsService()
	statsAdapter := routermetrics.NewHealthAdapter(poolStats, queueStats)

	// Warning service: persisted in MongoDB when available
	var warningService warning.Service
	if app.DB != nil {
		warningService = warning.NewMongoService(app.DB)
		slog.Info("Warning store: MongoDB")
	} else {
		warningService = warning.NewInMemoryService()
		slog.Info("Warning store: in-memory")
	}
	if notifier := setupNotifications(cfg); notifier != nil {
		warningService = warning.WithNotifier(warningService, notifier)
	}
	warningHandler := warning.NewHandler(warningService)

	// Secrets provider for credential resolution
	secretsProvider := setupSecretsProvider(cfg)

	// Message router core
	mediatorCfg := mediator.DefaultHTTPMediatorConfig()
	if cfg.DevMode {
		mediatorCfg = mediator.DevHTTPMediatorConfig()
	}

	queueManager := manager.NewQueueManager(mediatorCfg)
	queueManager.
		WithWarningService(warningAdapter{warningService}).
		WithPoolStats(poolStats).
		WithQueueStats(queueStats)

	// Credentials client against the first control-plane URL
	if len(cfg.ControlPlane.URLs) > 0 {
		var tokenSource credentials.TokenSource = credentials.NoopTokenSource{}
		if cfg.ControlPlane.OIDC.IssuerURL != "" {
			tokenSource = credentials.NewOIDCTokenSource(
				cfg.ControlPlane.OIDC.IssuerURL,
				cfg.ControlPlane.OIDC.ClientID,
				cfg.ControlPlane.OIDC.ClientSecret)
		}
		credsClient := credentials.NewClient(&credentials.Config{
			BaseURL:     cfg.ControlPlane.URLs[0],
			TTL:         cfg.ControlPlane.CredentialsTTL,
			TokenSource: tokenSource,
			Secrets:     secretsProvider,
		})
		queueManager.WithCredentialsResolver(credsClient)
	}

	// Consumer supervisor driven by control-plane queue config. With
	// standby enabled it starts paused; the standby service resumes it on
	// promotion.
	supervisor := manager.NewSupervisor(queueManager, backend.buildConsumer, manager.DefaultSupervisorConfig())
	if cfg.Standby.Enabled {
		supervisor.Pause()
	}

	// Config fetcher
	if len(cfg.ControlPlane.URLs) > 0 {
		fetcher := configfetcher.New(&configfetcher.Config{
			URLs:         cfg.ControlPlane.URLs,
			Interval:     cfg.ControlPlane.RefreshInterval,
			DrainTimeout: cfg.ControlPlane.DrainTimeout,
		})
		queueManager.WithConfigFetcher(fetcher, &manager.ConfigSyncConfig{
			Enabled:                true,
			Interval:               cfg.ControlPlane.RefreshInterval,
			InitialRetryAttempts:   12,
			InitialRetryDelay:      5 * time.Second,
			FailOnInitialSyncError: false,
		}, supervisor.SyncQueues)
	} else {
		// No control plane: consume the statically configured queue
		supervisor.SyncQueues([]configfetcher.QueueSpec{
			{QueueURI: backend.staticQueueURI, QueueName: backend.staticQueueURI, Connections: 1},
		}, 1)
		slog.Info("No CONFIG_URLS set - using static queue config", "queueUri", backend.staticQueueURI)
	}

	messageRouter := manager.NewSupervisedRouter(queueManager, supervisor)
	routerService := manager.NewRouterService(messageRouter)

	// Infrastructure and broker health
	infraHealth := routerhealth.NewInfrastructureHealthService(true, statsAdapter)
	infraHealth.SetQueueManagerStatus(true)
	brokerHealth := routerhealth.NewBrokerHealthService(true, backend.healthQueueType, backend.connectivity)
	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, statsAdapter)
	healthStatus.SetCircuitBreakerGetter(queueManager)
	healthStatus.SetWarningGetter(warningGetterAdapter{warningService})
	healthStatus.SetQueueStatsGetter(statsAdapter)

	// Traffic coordinator (no-op strategy unless a cloud strategy is configured)
	trafficService := traffic.NewService(traffic.DefaultConfig())

	// Standby coordination
	standbyService := setupStandbyService(app, routerService, trafficService)
	queueManager.WithStandbyChecker(standbyService)

	// Liveness/readiness checks
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(backend.healthCheck)

	// ========================================
	// 4. HTTP SERVER
	// ========================================
	monitoring := api.NewMonitoringHandler(healthStatus, statsAdapter)
	monitoring.SetQueueMetrics(statsAdapter)
	monitoring.SetWarningService(warningGetterAdapter{warningService}, warningMutatorAdapter{warningService})
	monitoring.SetCircuitBreakerService(queueManager, queueManager)
	monitoring.SetInFlightGetter(queueManager)
	monitoring.SetStandbyService(standbyService)
	monitoring.SetTrafficService(trafficStatusAdapter{trafficService})

	httpRouter := setupHTTPRouter(httpRouterDeps{
		cfg:            cfg,
		healthChecker:  healthChecker,
		infraHealth:    infraHealth,
		standbyService: standbyService,
		warningHandler: warningHandler,
		monitoring:     monitoring,
		pools:          api.NewPoolsHandler(queueManager, queueManager),
		publisher:      backend.publisher,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 5. SERVICE STARTUP
	// ========================================
	var services []lifecycle.Service

	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)

	if cfg.Standby.Enabled {
		services = append(services, newStandbyServiceWrapper(standbyService))
	} else {
		services = append(services, routerService)
		// Standalone instances register for traffic immediately
		trafficService.RegisterAsActive()
	}

	slog.Info("Router ready",
		"port", cfg.HTTP.Port,
		"queueType", cfg.Queue.Type,
		"controlPlaneUrls", len(cfg.ControlPlane.URLs),
		"standby", cfg.Standby.Enabled)

	// ========================================
	// 6. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// queueBackend bundles what main needs from a queue implementation: a
// consumer builder for the supervisor, a publisher for dev seeding, a
// readiness check, and the queue URI used when no control plane is
// configured.
type queueBackend struct {
	buildConsumer   manager.ConsumerBuilder
	publisher       queue.Publisher
	healthCheck     health.CheckFunc
	connectivity    routerhealth.BrokerConnectivityChecker
	healthQueueType routerhealth.QueueType
	staticQueueURI  string
}

// funcConnectivity adapts a plain connectivity probe to the broker
// health checker interface.
type funcConnectivity func(ctx context.Context) error

func (f funcConnectivity) CheckConnectivity(ctx context.Context) error {
	return f(ctx)
}

func (f funcConnectivity) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return f(ctx)
}

// brokerCheck wraps a connectivity probe as a readiness check.
func brokerCheck(name string, fn func(context.Context) error) health.CheckFunc {
	return func() health.Check {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := fn(ctx); err != nil {
			return health.Check{
				Name:   name,
				Status: health.StatusDown,
				Data:   map[string]interface{}{"error": err.Error()},
			}
		}
		return health.Check{Name: name, Status: health.StatusUp}
	}
}

// setupQueueBackend initializes the configured queue backend.
func setupQueueBackend(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded", "":
		return setupSQLiteBackend(app)
	case "sqs":
		return setupSQSBackend(ctx, app)
	case "activemq":
		return setupActiveMQBackend(app)
	case "nats":
		return setupNATSBackend(ctx, app)
	default:
		return nil, fmt.Errorf("unknown queue type: %s (use 'sqs', 'embedded', 'activemq' or 'nats')", cfg.Queue.Type)
	}
}

func setupSQLiteBackend(app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	client, err := sqliteq.NewClient(&queue.SQLiteConfig{
		Path:              cfg.Queue.SQLite.Path,
		QueueName:         cfg.Queue.SQLite.QueueName,
		VisibilityTimeout: cfg.Queue.SQLite.VisibilityTimeout,
		PollInterval:      cfg.Queue.SQLite.PollInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded broker: %w", err)
	}
	app.AddCleanup(client.Close)

	return &queueBackend{
		buildConsumer: func(queueURI string, connections int) (queue.Consumer, error) {
			return client.CreateConsumer(context.Background(), queueURI)
		},
		publisher:       client.Publisher(),
		healthCheck:     brokerCheck("EmbeddedBroker", client.HealthCheck),
		connectivity:    funcConnectivity(client.HealthCheck),
		healthQueueType: routerhealth.QueueTypeEmbedded,
		staticQueueURI:  cfg.Queue.SQLite.QueueName,
	}, nil
}

func setupSQSBackend(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create SQS client: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	return &queueBackend{
		buildConsumer: func(queueURI string, connections int) (queue.Consumer, error) {
			return sqsClient.CreateConsumerForQueue(context.Background(), "router-consumer", queueURI)
		},
		publisher: sqsClient.Publisher(),
		healthCheck: health.SQSCheck(func() error {
			checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return sqsClient.HealthCheck(checkCtx)
		}),
		connectivity:    funcConnectivity(sqsClient.HealthCheck),
		healthQueueType: routerhealth.QueueTypeSQS,
		staticQueueURI:  cfg.Queue.SQS.QueueURL,
	}, nil
}

func setupActiveMQBackend(app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	client, err := activemqqueue.NewClient(&queue.ActiveMQConfig{
		BrokerAddr:  cfg.Queue.ActiveMQ.BrokerAddr,
		Destination: cfg.Queue.ActiveMQ.Destination,
		Username:    cfg.Queue.ActiveMQ.Username,
		Password:    cfg.Queue.ActiveMQ.Password,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ActiveMQ: %w", err)
	}
	app.AddCleanup(client.Close)

	return &queueBackend{
		buildConsumer: func(queueURI string, connections int) (queue.Consumer, error) {
			return client.CreateConsumer(context.Background(), "router-consumer")
		},
		publisher:       client.Publisher(),
		healthCheck:     brokerCheck("ActiveMQ", client.HealthCheck),
		connectivity:    funcConnectivity(client.HealthCheck),
		healthQueueType: routerhealth.QueueTypeActiveMQ,
		staticQueueURI:  cfg.Queue.ActiveMQ.Destination,
	}, nil
}

func setupNATSBackend(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	// An empty URL starts an in-process JetStream server, so a single-node
	// NATS deployment needs no external broker.
	if cfg.Queue.NATS.URL == "" {
		return setupEmbeddedNATSBackend(ctx, app)
	}

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	return &queueBackend{
		buildConsumer: func(queueURI string, connections int) (queue.Consumer, error) {
			return natsClient.CreateConsumer(context.Background(), "router-consumer", queueURI)
		},
		publisher: natsClient.Publisher(),
		healthCheck: health.NATSCheck(func() bool {
			return true
		}),
		connectivity: funcConnectivity(func(ctx context.Context) error {
			return nil
		}),
		healthQueueType: routerhealth.QueueTypeNATS,
		staticQueueURI:  "dispatch.>",
	}, nil
}

func setupEmbeddedNATSBackend(ctx context.Context, app *lifecycle.App) (*queueBackend, error) {
	cfg := app.Config

	embCfg := natsqueue.DefaultEmbeddedConfig()
	embCfg.DataDir = cfg.Queue.NATS.DataDir

	server, err := natsqueue.NewEmbeddedServer(embCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	app.AddCleanup(func() error {
		slog.Info("Stopping embedded NATS server")
		return server.Close()
	})

	natsCfg := &queue.NATSConfig{StreamName: embCfg.StreamName}

	return &queueBackend{
		buildConsumer: func(queueURI string, connections int) (queue.Consumer, error) {
			return server.CreateConsumer(context.Background(), "router-consumer", queueURI, natsCfg)
		},
		publisher: server.Publisher(),
		healthCheck: health.NATSCheck(func() bool {
			return server.Connection() != nil && server.Connection().IsConnected()
		}),
		connectivity: funcConnectivity(func(ctx context.Context) error {
			if server.Connection() == nil || !server.Connection().IsConnected() {
				return fmt.Errorf("embedded NATS connection lost")
			}
			return nil
		}),
		healthQueueType: routerhealth.QueueTypeNATS,
		staticQueueURI:  "dispatch.>",
	}, nil
}

// setupNotifications builds the operator notification chain: enabled
// channels behind a severity-filtered batching service. Returns nil when
// no channel is configured.
func setupNotifications(cfg *config.Config) notification.Service {
	var delegates []notification.Service

	if cfg.Notifications.TeamsWebhookURL != "" {
		delegates = append(delegates, notification.NewTeamsService(&notification.TeamsConfig{
			WebhookURL: cfg.Notifications.TeamsWebhookURL,
			Enabled:    true,
		}))
	}

	if cfg.Notifications.EmailSMTPHost != "" {
		delegates = append(delegates, notification.NewEmailService(&notification.EmailConfig{
			SMTPHost:    cfg.Notifications.EmailSMTPHost,
			SMTPPort:    cfg.Notifications.EmailSMTPPort,
			Username:    cfg.Notifications.EmailUsername,
			Password:    cfg.Notifications.EmailPassword,
			FromAddress: cfg.Notifications.EmailFrom,
			ToAddress:   cfg.Notifications.EmailTo,
			Enabled:     true,
		}))
	}

	if len(delegates) == 0 {
		return nil
	}

	batching := notification.NewBatchingService(delegates, &notification.BatchingConfig{
		MinSeverity: cfg.Notifications.MinSeverity,
		BatchWindow: cfg.Notifications.BatchWindow,
	})

	window := cfg.Notifications.BatchWindow
	if window <= 0 {
		window = 5 * time.Minute
	}
	go func() {
		for range time.Tick(window) {
			batching.SendBatch()
		}
	}()

	return batching
}

// setupSecretsProvider builds the secrets provider from config; falls back
// to the env provider when the configured one cannot initialize.
func setupSecretsProvider(cfg *config.Config) secrets.Provider {
	providerType := secrets.ProviderType(cfg.Secrets.Provider)
	switch cfg.Secrets.Provider {
	case "aws":
		providerType = secrets.ProviderTypeAWSSM
	case "gcp":
		providerType = secrets.ProviderTypeGCPSM
	}

	provider, err := secrets.NewProvider(&secrets.Config{
		Provider:       providerType,
		EncryptionKey:  cfg.Secrets.EncryptionKey,
		DataDir:        cfg.Secrets.DataDir,
		AWSRegion:      cfg.Secrets.AWSRegion,
		AWSPrefix:      cfg.Secrets.AWSPrefix,
		AWSEndpoint:    cfg.Secrets.AWSEndpoint,
		VaultAddr:      cfg.Secrets.VaultAddr,
		VaultPath:      cfg.Secrets.VaultPath,
		VaultNamespace: cfg.Secrets.VaultNamespace,
		GCPProject:     cfg.Secrets.GCPProject,
		GCPPrefix:      cfg.Secrets.GCPPrefix,
	})
	if err != nil {
		slog.Warn("Secrets provider unavailable - falling back to env provider",
			"provider", cfg.Secrets.Provider,
			"error", err)
		return secrets.NewEnvProvider("FLOWCATALYST_SECRET_")
	}

	slog.Info("Secrets provider ready", "provider", provider.Name())
	return provider
}

// setupStandbyService configures warm-standby coordination and hooks role
// transitions into the router and the traffic coordinator.
func setupStandbyService(app *lifecycle.App, routerService *manager.RouterService, trafficService *traffic.Service) *standby.Service {
	cfg := app.Config

	standbyCfg := &standby.Config{
		Enabled:         cfg.Standby.Enabled,
		InstanceID:      cfg.Standby.InstanceID,
		LockKey:         cfg.Standby.LockKey,
		LockTTL:         cfg.Standby.LockTTL,
		RefreshInterval: cfg.Standby.RefreshInterval,
		RedisURL:        cfg.Standby.RedisURL,
	}

	callbacks := &standby.Callbacks{
		OnBecomePrimary: func() {
			slog.Info("Became PRIMARY - registering for traffic and starting consumers")
			trafficService.RegisterAsActive()
			routerService.Resume()
		},
		OnBecomeStandby: func() {
			slog.Info("Became STANDBY - deregistering from traffic and stopping consumers")
			routerService.Pause()
			trafficService.DeregisterFromActive()
		},
	}

	svc := standby.NewService(standbyCfg, callbacks)

	if !cfg.Standby.Enabled {
		return svc
	}

	switch cfg.Standby.Store {
	case "mongo":
		if app.DB == nil {
			slog.Error("STANDBY_STORE=mongo requires MONGODB_URI - standby will run without a lock provider")
			return svc
		}
		svc.SetLockProvider(standby.NewMongoLockProvider(app.DB))
		slog.Info("Standby coordination store: MongoDB")
	default:
		provider, err := standby.NewRedisLockProvider(cfg.Standby.RedisURL)
		if err != nil {
			slog.Error("Failed to connect standby Redis - standby will run without a lock provider",
				"error", err)
			return svc
		}
		svc.SetLockProvider(provider)
		slog.Info("Standby coordination store: Redis")
	}

	return svc
}

// httpRouterDeps carries everything the HTTP layer mounts.
type httpRouterDeps struct {
	cfg            *config.Config
	healthChecker  *health.Checker
	infraHealth    *routerhealth.InfrastructureHealthService
	standbyService *standby.Service
	warningHandler *warning.Handler
	monitoring     *api.MonitoringHandler
	pools          *api.PoolsHandler
	publisher      queue.Publisher
}

// setupHTTPRouter creates the HTTP router with health, metrics, monitoring
// and admin endpoints.
func setupHTTPRouter(deps httpRouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: deps.cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Health endpoints: /health reflects infrastructure state only
	healthHandler := api.NewHealthCheckHandler(deps.infraHealth)
	r.Method(http.MethodGet, "/health", healthHandler)
	r.Get("/q/health", deps.healthChecker.HandleHealth)
	r.Get("/q/health/live", deps.healthChecker.HandleLive)
	r.Get("/q/health/ready", deps.healthChecker.HandleReady)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Monitoring dashboard API
	monitoringMux := http.NewServeMux()
	deps.monitoring.RegisterRoutes(monitoringMux)
	r.Handle("/monitoring/*", monitoringMux)

	// Pool and circuit breaker admin API
	deps.pools.RegisterRoutes(r)

	// Standby status endpoint
	r.Get("/router/status", func(w http.ResponseWriter, req *http.Request) {
		status := deps.standbyService.GetStatus()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"role":"%s","instanceId":"%s","standbyEnabled":%v}`,
			deps.standbyService.GetRole(), deps.standbyService.GetInstanceID(), status.StandbyEnabled)
	})

	// Warning endpoints
	deps.warningHandler.RegisterRoutes(r)

	// Dev-only seeding endpoint
	if deps.cfg.DevMode {
		r.Method(http.MethodPost, "/api/seed/messages", api.NewSeedHandler(deps.publisher))
		slog.Info("Dev seeding endpoint enabled: POST /api/seed/messages")
	}

	return r
}

// warningAdapter narrows warning.Service to the manager's WarningService.
type warningAdapter struct {
	svc warning.Service
}

func (a warningAdapter) AddWarning(category, severity, message, source string) {
	a.svc.AddWarning(category, severity, message, source)
}

// warningGetterAdapter converts warning.Service results to health shapes.
type warningGetterAdapter struct {
	svc warning.Service
}

func (a warningGetterAdapter) GetAllWarnings() []*routerhealth.Warning {
	return toHealthWarnings(a.svc.GetAllWarnings())
}

func (a warningGetterAdapter) GetUnacknowledgedWarnings() []*routerhealth.Warning {
	return toHealthWarnings(a.svc.GetUnacknowledgedWarnings())
}

func (a warningGetterAdapter) GetWarningsBySeverity(severity string) []*routerhealth.Warning {
	return toHealthWarnings(a.svc.GetWarningsBySeverity(severity))
}

func toHealthWarnings(in []warning.Warning) []*routerhealth.Warning {
	out := make([]*routerhealth.Warning, 0, len(in))
	for i := range in {
		w := in[i]
		out = append(out, &routerhealth.Warning{
			ID:           w.ID,
			Category:     w.Category,
			Severity:     w.Severity,
			Message:      w.Message,
			Source:       w.Source,
			Timestamp:    w.Timestamp,
			Acknowledged: w.Acknowledged,
		})
	}
	return out
}

// warningMutatorAdapter adapts warning.Service mutations for the API.
type warningMutatorAdapter struct {
	svc warning.Service
}

func (a warningMutatorAdapter) AcknowledgeWarning(id string) bool {
	return a.svc.AcknowledgeWarning(id)
}

func (a warningMutatorAdapter) ClearAllWarnings() {
	a.svc.ClearAllWarnings()
}

func (a warningMutatorAdapter) ClearOldWarnings(hours int) {
	a.svc.ClearOldWarnings(hours)
}

// trafficStatusAdapter converts the traffic service status to the
// monitoring API's health shape.
type trafficStatusAdapter struct {
	svc *traffic.Service
}

func (a trafficStatusAdapter) IsEnabled() bool {
	return a.svc.IsEnabled()
}

func (a trafficStatusAdapter) GetStatus() *routerhealth.TrafficStatus {
	st := a.svc.GetStatus()
	if st == nil {
		return &routerhealth.TrafficStatus{Enabled: a.svc.IsEnabled()}
	}
	return &routerhealth.TrafficStatus{
		Enabled:       a.svc.IsEnabled(),
		StrategyType:  st.StrategyType,
		Registered:    st.Registered,
		TargetInfo:    st.TargetInfo,
		LastOperation: st.LastOperation,
		LastError:     st.LastError,
	}
}

// standbyServiceWrapper adapts standby.Service to lifecycle.Service.
type standbyServiceWrapper struct {
	service *standby.Service
}

func newStandbyServiceWrapper(svc *standby.Service) *standbyServiceWrapper {
	return &standbyServiceWrapper{service: svc}
}

func (s *standbyServiceWrapper) Name() string { return "standby-service" }

func (s *standbyServiceWrapper) Start(ctx context.Context) error {
	if err := s.service.Start(); err != nil {
		return err
	}
	// Block until context cancelled
	<-ctx.Done()
	return nil
}

func (s *standbyServiceWrapper) Stop(ctx context.Context) error {
	s.service.Stop()
	return nil
}

func (s *standbyServiceWrapper) Health() error {
	if !s.service.Healthy() {
		return fmt.Errorf("coordination store unreachable")
	}
	return nil
}
