package server

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	//nolint:gosec // only exposed if pprofAddr config is set
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	r "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tokenworks/token-processor/internal/version"
	"github.com/tokenworks/token-processor/pkg/api"
	"github.com/tokenworks/token-processor/pkg/cache"
	"github.com/tokenworks/token-processor/pkg/chain"
	"github.com/tokenworks/token-processor/pkg/datastore"
	"github.com/tokenworks/token-processor/pkg/leaderelection"
	"github.com/tokenworks/token-processor/pkg/observability"
	"github.com/tokenworks/token-processor/pkg/redis"
	"github.com/tokenworks/token-processor/pkg/scheduler"
	"github.com/tokenworks/token-processor/pkg/scheduler/worker"
	"github.com/tokenworks/token-processor/pkg/strategy"
)

// leaderKey is the redis key all instances compete on.
const leaderKey = "token-processor:leader"

type Server struct {
	log       logrus.FieldLogger
	config    *Config
	namespace string

	redis         *r.Client
	adminStore    datastore.Store
	strategyCache *strategy.TwoTier
	scheduler     *scheduler.Manager

	memoryStats *MemoryStatsCollector

	apiServer    *http.Server
	pprofServer  *http.Server
	healthServer *http.Server
}

func NewServer(ctx context.Context, log logrus.FieldLogger, namespace string, config *Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	redisClient, err := redis.New(config.Redis)
	if err != nil {
		return nil, fmt.Errorf("failed to create redis client: %w", err)
	}

	adminStore, err := datastore.New(ctx, config.Admin.Engine, config.Admin.Connection)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin store: %w", err)
	}

	sharedCache := cache.NewRedisWithClient(redisClient, config.Redis.Prefix)

	strategyCache := strategy.NewTwoTier(log, sharedCache, &config.Strategy)
	resolver := strategy.NewResolver(log,
		strategy.NewStore(log, adminStore, &config.Strategy), strategyCache)

	chainClient, err := chain.NewTokenClient(log, config.Chain)
	if err != nil {
		return nil, fmt.Errorf("failed to create chain client: %w", err)
	}

	elector, err := leaderelection.NewRedisElector(redisClient, log, leaderKey, &config.Scheduler.Election)
	if err != nil {
		return nil, fmt.Errorf("failed to create leader elector: %w", err)
	}

	schedulerManager := scheduler.NewManager(log, &config.Scheduler, adminStore, sharedCache,
		resolver, worker.NewChainProcessor(log, chainClient), redisClient, elector)

	return &Server{
		log:           log,
		config:        config,
		namespace:     namespace,
		redis:         redisClient,
		adminStore:    adminStore,
		strategyCache: strategyCache,
		scheduler:     schedulerManager,
		memoryStats:   NewMemoryStatsCollector(log, config.MemoryMonitor),
	}, nil
}

func (s *Server) Start(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s.log.WithField("version", version.Full()).Info("Starting token processor")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observability.StartMetricsServer(ctx, s.config.MetricsAddr)

		return nil
	})

	g.Go(func() error {
		if err := s.startAPI(); err != nil && err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	if s.config.PProfAddr != nil {
		g.Go(func() error {
			if err := s.startPProf(); err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		})
	}

	if s.config.HealthCheckAddr != nil {
		g.Go(func() error {
			if err := s.startHealthCheck(); err != nil && err != http.ErrServerClosed {
				return err
			}

			return nil
		})
	}

	g.Go(func() error {
		return s.scheduler.Start(ctx)
	})

	if err := s.memoryStats.Start(ctx); err != nil {
		return fmt.Errorf("failed to start memory stats collector: %w", err)
	}

	g.Go(func() error {
		<-ctx.Done()

		return s.stop(ctx)
	})

	return g.Wait()
}

func (s *Server) stop(ctx context.Context) error {
	cleanupCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	s.log.Info("Starting graceful shutdown...")

	if s.memoryStats != nil {
		if err := s.memoryStats.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop memory stats collector")
		}
	}

	if s.scheduler != nil {
		if err := s.scheduler.Stop(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to stop scheduler")
		}
	}

	if s.adminStore != nil {
		if err := s.adminStore.Close(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to close admin store")
		}
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Error("failed to close redis")
		}
	}

	if s.apiServer != nil {
		if err := s.apiServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown api server")
		}
	}

	if s.pprofServer != nil {
		if err := s.pprofServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown pprof server")
		}
	}

	if s.healthServer != nil {
		if err := s.healthServer.Shutdown(cleanupCtx); err != nil {
			s.log.WithError(err).Error("failed to shutdown health server")
		}
	}

	if err := observability.StopMetricsServer(ctx); err != nil {
		s.log.WithError(err).Error("failed to stop metrics server")
	}

	s.log.Info("Server stopped gracefully")

	return nil
}

func (s *Server) startAPI() error {
	s.log.WithField("addr", s.config.APIAddr).Info("Starting api server")

	router := mux.NewRouter()
	api.NewHandler(s.log, s.scheduler, s.strategyCache).RegisterRoutes(router)

	s.apiServer = &http.Server{
		Addr:              s.config.APIAddr,
		Handler:           router,
		ReadHeaderTimeout: 120 * time.Second,
	}

	return s.apiServer.ListenAndServe()
}

func (s *Server) startPProf() error {
	s.log.WithField("addr", *s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              *s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	return s.pprofServer.ListenAndServe()
}

func (s *Server) startHealthCheck() error {
	s.log.WithField("addr", *s.config.HealthCheckAddr).Info("Starting healthcheck server")

	s.healthServer = &http.Server{
		Addr:              *s.config.HealthCheckAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	s.healthServer.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return s.healthServer.ListenAndServe()
}
