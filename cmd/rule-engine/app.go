package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"golang.org/x/sync/errgroup"

	"ruleengine/internal/broker"
	"ruleengine/internal/chains"
	"ruleengine/internal/config"
	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/ingest"
	"ruleengine/internal/logger"
	"ruleengine/internal/nodes"
	"ruleengine/internal/ops"
	"ruleengine/internal/services"
	"ruleengine/pkg/bootstrap"
	rulecel "ruleengine/pkg/cel"
	"ruleengine/pkg/circuitbreaker"
	"ruleengine/pkg/health"
	"ruleengine/pkg/ids"
	"ruleengine/pkg/logging"
	"ruleengine/pkg/metrics"
	"ruleengine/pkg/migrations"
	"ruleengine/pkg/ratelimit"
	"ruleengine/pkg/tracing"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector
	db          *sql.DB
	rdb         *redis.Client
	mongoClient *mongo.Client

	tracerProvider *tracing.TracerProvider
	health         *health.CheckerRegistry

	chainRepo       chains.Repository
	chainEvents     *chains.EventPublisher
	lifecycle       *chains.LifecycleNotifier
	services        services.Service
	serviceBreakers func() map[string]string

	registry      *engine.Registry
	engine        *engine.Engine
	tenantLimiter *ratelimit.Registry[uuid.UUID]
	apiLimiter    *ratelimit.Registry[string]

	ingest    *ingest.Consumer
	opsServer *ops.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName(constants.ServiceName)
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
		health:      health.NewCheckerRegistry(),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	tp, err := tracing.Init(a.Config.Tracing, a.Config.Tracing.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	a.tracerProvider = tp

	metrics.RegisterRuleEngineMetrics()
	metrics.RegisterBrokerMetrics()
	metrics.RegisterServiceMetrics()
	if a.Config.CircuitBreaker.Enabled || a.Config.CircuitBreaker.Services.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.InitBroker(constants.ServiceName, instanceName()); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	a.RegisterBrokerHealth(a.health)

	if err := a.initDatabases(ctx); err != nil {
		return fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := a.initChainStore(ctx); err != nil {
		return fmt.Errorf("failed to initialize chain store: %w", err)
	}

	a.initServices()

	if err := a.initEngine(); err != nil {
		return fmt.Errorf("failed to initialize rule engine: %w", err)
	}

	if err := a.initIngest(); err != nil {
		return fmt.Errorf("failed to initialize ingest consumer: %w", err)
	}

	if err := a.initOpsServer(); err != nil {
		return fmt.Errorf("failed to initialize ops server: %w", err)
	}

	return nil
}

func instanceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return ids.NewMessageID()
	}
	return host
}

func (a *App) initDatabases(ctx context.Context) error {
	var err error

	if a.db, err = a.dbConnector.InitPostgreSQL(ctx); err != nil {
		return err
	}
	if a.db != nil && a.Config.Database.RunMigrations {
		version, err := migrations.RunPostgres(a.db)
		if err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		a.Logger.Infow("PostgreSQL schema up to date", "version", version)
	}

	if a.rdb, err = a.dbConnector.InitRedis(ctx); err != nil {
		return err
	}

	if a.mongoClient, err = a.dbConnector.InitMongoDB(ctx); err != nil {
		return err
	}

	a.dbConnector.RegisterHealth(a.health, a.rdb, a.db, a.mongoClient)
	return nil
}

func (a *App) initChainStore(ctx context.Context) error {
	var repo chains.Repository

	switch a.Config.Chains.Store {
	case "postgres":
		if a.db == nil {
			return fmt.Errorf("postgres chain store requires database.postgres")
		}
		repo = chains.NewPostgresRepository(a.db)
	case "mongodb":
		if a.mongoClient == nil {
			return fmt.Errorf("mongodb chain store requires database.mongodb")
		}
		dbName := a.Config.Database.MongoDB.Database
		if dbName == "" {
			dbName = constants.DefaultMongoDBName
		}
		db := a.mongoClient.Database(dbName)
		if err := migrations.EnsureChainCollection(ctx, db, a.Config.Chains.Collection); err != nil {
			return err
		}
		mongoRepo, err := chains.NewMongoRepository(ctx, db, a.Config.Chains.Collection)
		if err != nil {
			return err
		}
		repo = mongoRepo
	case "file":
		fileRepo, err := chains.NewFileRepository(a.Config.Chains.Dir)
		if err != nil {
			return err
		}
		repo = fileRepo
	default:
		return fmt.Errorf("unknown chain store: %s", a.Config.Chains.Store)
	}

	tier := a.Config.Service.Tier
	a.chainEvents = chains.NewEventPublisher(a.Broker.Producer, constants.Topic(tier, constants.TopicChainEvents))
	a.chainRepo = chains.NewNotifyingRepository(repo, a.chainEvents, "ops-api")
	a.lifecycle = chains.NewLifecycleNotifier(a.Broker.Producer, constants.Topic(tier, constants.TopicLifecycle), a.Logger)

	a.Logger.Infow("Chain store ready", "store", a.Config.Chains.Store)
	return nil
}

// initServices picks the attribute and telemetry backend: PostgreSQL when
// configured, otherwise in memory. Redis, when present, caches attribute reads.
func (a *App) initServices() {
	var svc services.Service
	if a.db != nil {
		svc = services.NewPostgresService(a.db)
	} else {
		a.Logger.Warn("No database configured, telemetry and attributes are kept in memory")
		svc = services.NewMemoryService()
	}
	if a.rdb != nil && a.Config.Services.AttributeCacheTTL > 0 {
		svc = services.NewCachedService(svc, a.rdb, a.Config.Services.AttributeCacheTTL, a.Logger)
	}

	svc = services.WrapWithCircuitBreaker(svc, "services", a.Config.CircuitBreaker.Services)
	if bs, ok := svc.(*services.BreakerService); ok {
		a.serviceBreakers = bs.States
	}
	a.services = svc
}

func (a *App) nodeDependencies(scripts *rulecel.Evaluator) nodes.Dependencies {
	deps := nodes.Dependencies{
		Services:   a.services,
		Publisher:  a.Broker.Producer,
		HTTPClient: &http.Client{Timeout: a.Config.Services.HTTPTimeout},
		Scripts:    scripts,
	}
	if a.rdb != nil {
		deps.Redis = a.rdb
	}
	return deps
}

func (a *App) initEngine() error {
	scripts, err := rulecel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create script evaluator: %w", err)
	}

	a.registry = engine.NewRegistry()
	if err := nodes.Register(a.registry, a.nodeDependencies(scripts)); err != nil {
		return err
	}

	a.tenantLimiter = ratelimit.NewRegistry[uuid.UUID]("tenant", a.Config.RateLimit.Tenant())
	a.apiLimiter = ratelimit.NewRegistry[string]("ops_api", a.Config.RateLimit.OpsAPI())

	eng, err := engine.New(engine.Options{
		Settings: engine.SettingsFromConfig(a.Config),
		Registry: a.registry,
		Loader:   a.chainRepo,
		Notifier: a.lifecycle,
		Breakers: circuitbreaker.NewRegistry(a.Config.CircuitBreaker.NodeConfig()),
		Limiter:  a.tenantLimiter,
		Scripts:  scripts,
		Logger:   a.Logger,
	})
	if err != nil {
		return err
	}
	a.engine = eng

	a.health.RegisterOptional(health.NewCheckFunc("rule_engine", func(ctx context.Context) error {
		if !a.engine.Running() {
			return fmt.Errorf("rule engine is not running")
		}
		return nil
	}))
	return nil
}

func (a *App) initIngest() error {
	opts := ingest.OptionsFromConfig(a.Config)
	consumer, err := ingest.NewConsumer(a.Broker.NewSource(opts.Topic), a.engine, a.Broker.Producer, opts, a.Logger)
	if err != nil {
		return err
	}
	a.ingest = consumer
	return nil
}

func (a *App) initOpsServer() error {
	server, err := ops.NewServer(a.Config.Server, ops.Options{
		Engine:          a.engine,
		Ingest:          a.ingest,
		Health:          a.health,
		Chains:          a.chainRepo,
		Validator:       a.registry,
		Tenants:         a.chainEvents,
		ServiceBreakers: a.serviceBreakers,
		APILimiter:      a.apiLimiter,
		Tracing:         a.Config.Tracing.Enabled,
		Logger:          a.Logger,
	})
	if err != nil {
		return err
	}
	a.opsServer = server
	return nil
}

// Run blocks until ctx is cancelled or one of the components fails. The ingest
// consumer stops before the engine so pending records stay uncommitted.
func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine.Run(engineCtx) }()

	g.Go(func() error {
		return a.ingest.Run(gCtx)
	})

	eventsTopic := constants.Topic(a.Config.Service.Tier, constants.TopicChainEvents)
	eventHandler := chains.NewEventHandler(a.engine, a.Logger)
	g.Go(func() error {
		eventsCtx := logging.WithServiceName(gCtx, constants.ServiceName)
		a.Logger.InfowCtx(eventsCtx, "Starting chain event consumer", "topic", eventsTopic)
		err := a.Broker.Broadcast.Consume(gCtx, eventsTopic, eventHandler.HandleMessage)
		if errors.Is(err, broker.ErrBrokerClosed) || gCtx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return a.opsServer.Run(gCtx)
	})

	g.Go(func() error {
		a.tenantLimiter.Run(gCtx)
		return nil
	})
	g.Go(func() error {
		a.apiLimiter.Run(gCtx)
		return nil
	})

	err := g.Wait()

	stopEngine()
	if engineErr := <-engineDone; engineErr != nil && err == nil {
		err = engineErr
	}
	return err
}

func (a *App) Shutdown(ctx context.Context) error {
	shutdownCtx := logging.WithServiceName(ctx, constants.ServiceName)
	a.Logger.InfowCtx(shutdownCtx, "Shutting down rule engine")

	additionalShutdown := func(ctx context.Context) []error {
		var errs []error

		if a.lifecycle != nil {
			if err := a.lifecycle.Close(); err != nil {
				errs = append(errs, fmt.Errorf("lifecycle notifier close error: %w", err))
			}
		}

		if a.tracerProvider != nil {
			if err := a.tracerProvider.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("tracer provider shutdown error: %w", err))
			}
		}

		errs = append(errs, a.dbConnector.ShutdownDatabases(ctx, a.rdb, a.db, a.mongoClient)...)

		return errs
	}

	return a.Base.Shutdown(ctx, additionalShutdown)
}

// newValidationRegistry builds a node registry for offline chain checks. Node
// kinds backed by a store see in-memory stand-ins.
func newValidationRegistry(cfg *config.Config) (*engine.Registry, error) {
	scripts, err := rulecel.NewEvaluator()
	if err != nil {
		return nil, err
	}

	deps := nodes.Dependencies{
		Services:  services.NewMemoryService(),
		Publisher: broker.NewMemoryBroker(1, logger.NopLogger()),
		Scripts:   scripts,
	}
	if cfg.Database.Redis.Enabled() {
		deps.Redis = redis.NewClient(&redis.Options{
			Addr: fmt.Sprintf("%s:%d", cfg.Database.Redis.Host, cfg.Database.Redis.Port),
		})
	}

	registry := engine.NewRegistry()
	if err := nodes.Register(registry, deps); err != nil {
		return nil, err
	}
	return registry, nil
}
