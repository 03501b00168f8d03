package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"auth-serverless/internal/admin"
	"auth-serverless/internal/audit"
	"auth-serverless/internal/auth"
	"auth-serverless/internal/config"
	"auth-serverless/internal/db"
	"auth-serverless/internal/maintenance"
	"auth-serverless/internal/observability"
	"auth-serverless/internal/stepup"
)

const memoryDatabaseURL = "memory://"

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	// Config skips environment loading when set.
	Config *config.Config
}

type Runtime struct {
	Handler   http.Handler
	Config    *config.Config
	Scheduler *maintenance.Scheduler
	Close     func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	cfg := options.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	trustProxies, err := observability.TrustedProxies(cfg.TrustedProxies())
	if err != nil {
		return nil, err
	}

	var closers []func() error
	closeAll := func() error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		observability.FlushSentry()
		return firstErr
	}

	store, database, err := openStore(cfg, options.RunMigrations || cfg.RunMigrationsOnStartup, logger)
	if err != nil {
		return nil, err
	}
	if database != nil {
		closers = append(closers, database.Close)
	}

	emitter, sinkClosers, err := buildAudit(cfg, logger)
	if err != nil {
		_ = closeAll()
		return nil, err
	}
	closers = append(closers, sinkClosers...)

	issuer := auth.NewTokenIssuer(cfg.JWTSecret)
	authService := auth.NewService(store, issuer, auth.NewPasswordHasher(cfg.BcryptCost))
	authService.WithSecurityConfig(cfg.LoginMaxAttempts, cfg.LockDuration(), cfg.AttemptWindow(), cfg.BackoffBase())
	authService.WithObservers(emitter, logger)

	if err := authService.BootstrapAdmin(context.Background(), cfg.AdminEmail, cfg.AdminPassword); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	limiter, limiterClose := buildLoginLimiter(cfg, logger)
	if limiterClose != nil {
		closers = append(closers, limiterClose)
	}

	protocol := stepup.NewProtocol(cfg.ConfirmationSecret)
	cleaner := maintenance.NewCleaner(
		store,
		logger,
		cfg.RefreshTokenRetention(),
		cfg.LoginAttemptRetention(),
		cfg.CleanupBatchSize,
	)
	scheduler := maintenance.NewScheduler(cleaner, logger, cfg.CleanupSchedule)
	closers = append(closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		scheduler.Stop(ctx)
		return nil
	})

	router := newRouter(routerDeps{
		config:       cfg,
		logger:       logger,
		trustProxies: trustProxies,
		store:        store,
		issuer:       issuer,
		limiter:      limiter,
		authHandler:  auth.NewHandler(authService, cfg.CookieSecure),
		adminHandler: admin.NewHandler(admin.NewService(authService, emitter)),
		stepupGuard:  stepup.NewGuard(protocol, emitter, "id"),
		stepupIssuer: stepup.NewHandler(protocol, emitter),
		cleanup:      maintenance.NewCleanupHandler(cleaner, cfg.CronSecret),
		health:       healthHandler(database),
	})

	return &Runtime{
		Handler:   router,
		Config:    cfg,
		Scheduler: scheduler,
		Close:     closeAll,
	}, nil
}

// openStore returns the SQL repository, or the in-memory store for memory:// (no
// database handle then).
func openStore(cfg *config.Config, runMigrations bool, logger *observability.Logger) (auth.Store, *sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == memoryDatabaseURL {
		logger.Warn("memory_store_enabled", map[string]any{"app_env": cfg.AppEnv})
		return auth.NewMemoryStore(), nil, nil
	}

	database, dialect, err := db.Open(cfg.DatabaseURL, db.PoolOptions{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetimeMinute) * time.Minute,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTimeMinute) * time.Minute,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if runMigrations {
		if err := db.RunMigrations(database, dialect); err != nil {
			_ = database.Close()
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	logger.Info("database_ready", map[string]any{"dialect": dialect.String(), "migrations": runMigrations})
	return auth.NewRepository(database, dialect), database, nil
}

func buildAudit(cfg *config.Config, logger *observability.Logger) (*audit.Emitter, []func() error, error) {
	sinks := []audit.Sink{audit.NewLogSink(logger)}
	var closers []func() error

	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		sink, err := audit.NewAMQPSink(cfg.RabbitMQURL, cfg.AuditExchange)
		if err != nil {
			return nil, nil, fmt.Errorf("init audit sink: %w", err)
		}
		sinks = append(sinks, sink)
		closers = append(closers, func() error {
			sink.Close()
			return nil
		})
		logger.Info("audit_amqp_enabled", map[string]any{"exchange": cfg.AuditExchange})
	}

	return audit.NewEmitter(logger, sinks...), closers, nil
}

// buildLoginLimiter prefers the shared Redis counter and falls back to in-process
// buckets when Redis is not configured or unreachable.
func buildLoginLimiter(cfg *config.Config, logger *observability.Logger) (auth.LoginLimiter, func() error) {
	window := cfg.LoginRateLimitWindow()
	fallback := auth.NewLoginRateLimiter(cfg.LoginRateLimitMax, window)

	if strings.TrimSpace(cfg.RedisURL) == "" {
		return fallback, nil
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis_url_invalid", map[string]any{"error": err.Error()})
		return fallback, nil
	}

	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis_ping_failed", map[string]any{"error": err.Error()})
		_ = client.Close()
		return fallback, nil
	}

	logger.Info("redis_login_rate_limit_enabled", nil)
	return auth.NewRedisLoginRateLimiter(client, cfg.RedisRateLimitPrefix, cfg.LoginRateLimitMax, window), client.Close
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if database != nil {
			if err := database.PingContext(ctx); err != nil {
				status = http.StatusServiceUnavailable
				body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
