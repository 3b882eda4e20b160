package database

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	postgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"anti_vpn/pkg/config"
	"anti_vpn/pkg/data"
	"anti_vpn/pkg/utils"
)

const embeddedDatabase = "anti_vpn"

// Service manages one postgres backend: the optional embedded server, the
// connection pool, schema migration and the store built on top of them.
type Service struct {
	pool     *pgxpool.Pool
	embedded *postgres.EmbeddedPostgres
	logger   *zap.Logger
	config   config.StorageConfig
	store    *data.PostgresStore
	schema   *data.SchemaManager

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg config.StorageConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger.With(zap.String("backend", cfg.Name)),
	}
}

// Start initializes the database connection and schema
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.Embedded.Enabled {
		if err := s.startEmbedded(); err != nil {
			return err
		}
	}

	pool, err := s.createPool(ctx)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	s.schema = data.NewSchemaManager(pool)
	if err := s.schema.InitializeSchema(ctx); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}

	s.store = data.NewPostgresStore(s.config.Name, pool, s.logger)

	s.isRunning = true
	s.logger.Info("Database service started successfully")
	return nil
}

// Stop closes database connections and the embedded server
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return nil
}

// Store returns the verdict store backed by this database
func (s *Service) Store() *data.PostgresStore {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.store
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx) == nil
}

func (s *Service) startEmbedded() error {
	pg := postgres.NewDatabase(
		postgres.DefaultConfig().
			Username("postgres").
			Password("postgres").
			Database(embeddedDatabase).
			Version(postgres.V12).
			Port(s.config.Embedded.Port).
			RuntimePath(s.config.Embedded.RuntimePath).
			Logger(utils.NewLogWriter(s.logger.Named("embedded-postgres"))))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started", zap.Uint32("port", s.config.Embedded.Port))
	return nil
}

// connString returns the configured URL, or the embedded server's URL when
// none is set.
func (s *Service) connString() string {
	if s.config.URL != "" || !s.config.Embedded.Enabled {
		return s.config.URL
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword("postgres", "postgres"),
		Host:     "localhost:" + strconv.FormatUint(uint64(s.config.Embedded.Port), 10),
		Path:     embeddedDatabase,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

func (s *Service) createPool(ctx context.Context) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(s.connString())
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	poolConfig.MaxConns = int32(s.config.MaxConns)
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second

	var pool *pgxpool.Pool
	err = utils.RetryWithBackoff(ctx, func() error {
		p, err := pgxpool.NewWithConfig(ctx, poolConfig)
		if err != nil {
			return fmt.Errorf("creating connection pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			s.logger.Warn("Database not reachable yet", zap.Error(err))
			return fmt.Errorf("pinging connection pool: %w", err)
		}
		pool = p
		return nil
	}, nil)
	if err != nil {
		return nil, err
	}

	return pool, nil
}

func (s *Service) cleanup() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	if s.embedded != nil {
		if err := s.embedded.Stop(); err != nil {
			s.logger.Error("Failed to stop embedded postgres", zap.Error(err))
		}
		s.embedded = nil
	}
}
