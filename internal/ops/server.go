// Package ops serves the operational HTTP API of the rule engine: health and
// readiness checks, Prometheus metrics, engine and breaker introspection and
// chain management.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"ruleengine/internal/chains"
	"ruleengine/internal/config"
	"ruleengine/internal/constants"
	"ruleengine/internal/engine"
	"ruleengine/internal/ingest"
	"ruleengine/internal/logger"
	"ruleengine/pkg/circuitbreaker"
	"ruleengine/pkg/health"
	"ruleengine/pkg/middleware"
	"ruleengine/pkg/models"
	"ruleengine/pkg/ratelimit"
	"ruleengine/pkg/tracing"
)

// EngineView is the read side of the engine the ops API reports on.
type EngineView interface {
	Running() bool
	InFlight() int64
	Stats(ctx context.Context) (engine.Stats, error)
	Breakers() *circuitbreaker.Registry
}

// IngestView reports the intake state of the partitions this instance consumes.
type IngestView interface {
	Pending() map[int]ingest.PartitionStats
}

// ChainValidator rejects chain definitions the engine could not start.
type ChainValidator interface {
	Check(graph *models.ChainGraph) error
}

// TenantPublisher announces tenant removal to every engine instance.
type TenantPublisher interface {
	PublishTenantDeleted(ctx context.Context, tenantID uuid.UUID, changedBy string) error
}

type Options struct {
	Engine EngineView
	Ingest IngestView
	Health *health.CheckerRegistry
	// Chains enables the chain management endpoints when set.
	Chains    chains.Repository
	Validator ChainValidator
	Tenants   TenantPublisher
	// ServiceBreakers reports the external service facade breakers.
	ServiceBreakers func() map[string]string
	APILimiter      *ratelimit.Registry[string]
	Tracing         bool
	Logger          logger.Logger
}

type Server struct {
	cfg    config.ServerConfig
	opts   Options
	logger logger.Logger
	router *gin.Engine
	server *http.Server
}

func NewServer(cfg config.ServerConfig, opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if opts.Chains != nil && opts.Validator == nil {
		return nil, fmt.Errorf("chain validator is required with chain management")
	}
	if opts.Health == nil {
		opts.Health = health.NewCheckerRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NopLogger()
	}

	s := &Server{cfg: cfg, opts: opts, logger: opts.Logger}
	s.router = s.newRouter()
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) newRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	if s.opts.Tracing {
		router.Use(tracing.GinMiddleware(constants.ServiceName))
	}
	router.Use(middleware.RequestContext())
	router.Use(middleware.Recovery(s.logger))
	router.Use(middleware.Logger(s.logger))

	router.GET("/health", s.health)
	router.GET("/ready", s.ready)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	v1 := router.Group("/api/v1")
	if s.opts.APILimiter != nil {
		v1.Use(ratelimit.Middleware(s.opts.APILimiter))
	}
	{
		v1.GET("/engine/stats", s.engineStats)
		v1.GET("/breakers", s.breakers)

		if s.opts.Chains != nil {
			tenant := v1.Group("/tenants/:tenantId")
			{
				tenant.GET("/chains", s.listChains)
				tenant.POST("/chains", s.saveChain)
				tenant.GET("/chains/:chainId", s.getChain)
				tenant.PUT("/chains/:chainId", s.saveChain)
				tenant.DELETE("/chains/:chainId", s.deleteChain)
				if s.opts.Tenants != nil {
					tenant.DELETE("", s.deleteTenant)
				}
			}
		}
	}

	return router
}

// Run serves until ctx is cancelled, then shuts the listener down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infow("Ops server starting", "port", s.cfg.Port)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("ops server error: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ops server shutdown error: %w", err)
	}
	return <-errCh
}
