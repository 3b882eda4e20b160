package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"anti_vpn/pkg/api"
	"anti_vpn/pkg/config"
	"anti_vpn/pkg/database"
	"anti_vpn/pkg/engine"
	"anti_vpn/pkg/messaging"
	"anti_vpn/pkg/messaging/p2p"
	"anti_vpn/pkg/messaging/redis"
	"anti_vpn/pkg/metrics"
	"anti_vpn/pkg/platform"
	"anti_vpn/pkg/scheduler"
	"anti_vpn/pkg/source"
	"anti_vpn/pkg/utils"
)

const taskRetryDelay = 5 * time.Second

// App owns every long-lived component of a node
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	backends   *database.Backends
	dispatcher *messaging.Dispatcher
	ips        *engine.IPManager
	players    *engine.PlayerManager
	platform   *platform.Platform
	scheduler  *scheduler.Scheduler
	redis      *goredis.Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewApp opens storage and builds the engine and messaging layers. Nothing
// runs until Start.
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		platform: platform.New(time.Now()),
	}

	m := metrics.NopMetrics()
	if cfg.Metrics.Enabled {
		m = metrics.PrometheusMetrics(cfg.Metrics.Namespace)
	}

	ipSources, err := source.FromConfig(cfg.Sources)
	if err != nil {
		return nil, fmt.Errorf("building ip sources: %w", err)
	}
	playerSources, err := source.FromConfig(cfg.PlayerSources)
	if err != nil {
		return nil, fmt.Errorf("building player sources: %w", err)
	}

	serverID := uuid.Nil
	if cfg.Messaging.ServerID != "" {
		if serverID, err = uuid.Parse(cfg.Messaging.ServerID); err != nil {
			return nil, fmt.Errorf("parsing server id: %w", err)
		}
	}

	a.backends, err = database.Open(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	a.dispatcher = messaging.NewDispatcher(messaging.Config{
		ServerID:      serverID,
		Stores:        a.backends.Stores,
		FlushInterval: cfg.Messaging.FlushInterval,
		Metrics:       m,
	}, logger)

	opts, err := engine.OptionsFromConfig(cfg, a.backends.Stores, m)
	if err != nil {
		a.backends.Close(ctx)
		return nil, err
	}
	opts.Broadcaster = a.dispatcher

	a.ips = engine.NewIPManager(opts, ipSources, logger)
	a.players = engine.NewPlayerManager(opts, playerSources, logger)
	a.dispatcher.BindIPCache(a.ips)
	a.dispatcher.BindPlayerCache(a.players)

	caches := map[string]scheduler.Cache{"ip": a.ips, "player": a.players}
	a.scheduler = scheduler.NewScheduler(cfg.Maintenance.MaxConcurrent, taskRetryDelay, logger)
	for _, task := range []*scheduler.Task{
		scheduler.NewEvictionTask(cfg.Maintenance.EvictionSchedule, caches, logger),
		scheduler.NewStatsTask(cfg.Maintenance.StatsSchedule, scheduler.StatsSources{
			Platform:  a.platform,
			Caches:    caches,
			Scheduler: a.scheduler,
			Metrics:   m,
		}, logger),
	} {
		if err := a.scheduler.ScheduleTask(task); err != nil {
			a.backends.Close(ctx)
			return nil, fmt.Errorf("scheduling %s: %w", task.ID, err)
		}
	}

	logger.Info("Node initialized",
		zap.Stringer("serverID", a.dispatcher.ServerID()),
		zap.String("algorithm", opts.Algorithm.String()),
		zap.Int("ipSources", ipSources.Len()),
		zap.Int("playerSources", playerSources.Len()),
		zap.Int("stores", len(a.backends.Stores)))

	return a, nil
}

// Start connects the messaging services and starts the background loops.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	if err := a.startServices(ctx); err != nil {
		a.dispatcher.Close()
		return fmt.Errorf("starting messaging: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel

	a.goRun(func() { a.dispatcher.Run(runCtx) })
	a.scheduler.Start()

	if a.cfg.API.Enabled {
		srv := api.NewServer(a.ips, a.players, a.platform, a.dispatcher.ServerID(), a.cfg.API.AllowedOrigins, a.logger)
		a.goRun(func() {
			if err := srv.Serve(runCtx, a.cfg.API.Listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("API server stopped", zap.Error(err))
			}
		})
	}

	if a.cfg.Metrics.Enabled {
		a.goRun(func() { a.serveMetrics(runCtx) })
	}

	a.running = true
	a.logger.Info("All services started successfully")
	return nil
}

func (a *App) goRun(fn func()) {
	a.wg.Add(1)
	utils.SafeGo(a.logger, func() {
		defer a.wg.Done()
		fn()
	})
}

func (a *App) startServices(ctx context.Context) error {
	var signer *messaging.Signer
	if a.cfg.Messaging.Secret != "" {
		var err error
		if signer, err = messaging.NewSigner(a.cfg.Messaging.Secret); err != nil {
			return err
		}
	}
	codec := messaging.NewCodec(signer)

	var bus *messaging.LocalBus
	for _, sc := range a.cfg.Messaging.Services {
		var svc messaging.Service
		switch sc.Type {
		case config.MessagingLocal:
			if bus == nil {
				bus = messaging.NewLocalBus(codec)
			}
			svc = bus.Join(sc.Name, a.dispatcher)

		case config.MessagingP2P:
			s, err := p2p.New(ctx, p2p.Options{Name: sc.Name, P2PConfig: a.cfg.P2P}, codec, a.dispatcher, a.logger)
			if err != nil {
				return fmt.Errorf("service %q: %w", sc.Name, err)
			}
			svc = s

		case config.MessagingRedis:
			if a.redis == nil {
				a.redis = goredis.NewClient(&goredis.Options{
					Addr:     a.cfg.Redis.Addr,
					Password: a.cfg.Redis.Password,
					DB:       a.cfg.Redis.DB,
				})
			}
			s, err := redis.New(ctx, sc.Name, sc.Channel, a.redis, codec, a.dispatcher, a.logger)
			if err != nil {
				return fmt.Errorf("service %q: %w", sc.Name, err)
			}
			svc = s

		default:
			return fmt.Errorf("service %q: unknown type %q", sc.Name, sc.Type)
		}

		a.dispatcher.AddService(svc)
		a.logger.Info("Messaging service ready",
			zap.String("name", sc.Name),
			zap.String("type", sc.Type))
	}

	if len(a.cfg.Messaging.Services) == 0 {
		a.logger.Warn("No messaging services configured, verdicts stay local")
	}
	return nil
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	a.logger.Info("Starting metrics server", zap.String("listen", a.cfg.Metrics.Listen))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		a.logger.Error("Metrics server stopped", zap.Error(err))
	}
}

// Stop shuts components down in reverse start order. Pending broadcasts are
// flushed before the messaging services close.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var errs []error

	if a.running {
		a.scheduler.Stop()
		a.cancel()
		a.wg.Wait()
		a.running = false
	}

	if err := a.dispatcher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing messaging: %w", err))
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing redis: %w", err))
		}
	}
	if err := a.backends.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing storage: %w", err))
	}

	for _, err := range errs {
		a.logger.Error("Shutdown error", zap.Error(err))
	}

	a.logger.Info("All services stopped")
	return errors.Join(errs...)
}
