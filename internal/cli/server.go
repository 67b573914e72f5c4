package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"classroom-quiz-service/internal/app"
	"classroom-quiz-service/internal/config"
	"classroom-quiz-service/internal/infra/memory"
	"classroom-quiz-service/internal/infra/postgres"
	redisinfra "classroom-quiz-service/internal/infra/redis"
	"classroom-quiz-service/internal/observability"
	transport "classroom-quiz-service/internal/transport/http"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the classroom quiz server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

// feed is what the server needs from a change feed: stores publish to it,
// the service subscribes to it.
type feed interface {
	app.ChangeFeed
	app.ChangePublisher
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, log, err := loadConfigAndLogger(configPath)
	if err != nil {
		return err
	}
	defer log.Closer()
	logger := log.Base

	flush, err := observability.InitSentry(cfg.Sentry.DSN, cfg.Env, cfg.Sentry.Release)
	if err != nil {
		logger.Warn("sentry disabled", zap.Error(err))
	}
	defer flush()

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	health := map[string]transport.HealthCheck{}
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer redisClient.Close()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return err
		}
		health["redis"] = func(ctx context.Context) error { return redisClient.Ping(ctx).Err() }
	}

	var changes feed = memory.NewBroker()
	if redisClient != nil {
		changes = redisinfra.NewChangeFeed(redisClient, logger.Named("feed"))
	}

	var pool *pgxpool.Pool
	var gateway app.Gateway
	if cfg.Postgres.URL != "" {
		if err := runMigrationsWithConfig(ctx, cfg, logger); err != nil {
			return err
		}
		db, err := openDB(cfg)
		if err != nil {
			return err
		}
		defer db.Close()
		health["postgres"] = db.PingContext
		gateway = postgres.NewStore(db, changes, logger.Named("store"))

		pool, err = pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return err
		}
		defer pool.Close()
	} else {
		logger.Warn("postgres not configured, sessions are kept in memory")
		gateway = memory.NewStore(changes, logger.Named("store"))
	}

	var loader app.QuizBankLoader = memory.NewStaticQuizBankLoader(sampleBankItems())
	if pool != nil {
		loader = postgres.NewQuizBankLoader(pool)
	}
	bankTTL := config.TTLDuration(cfg.QuizBank.TTL, 10*time.Minute)
	var bank app.QuizBankRepository = memory.NewQuizBank(loader, bankTTL)
	if redisClient != nil {
		bank = redisinfra.NewQuizBankCache(redisClient, loader, bankTTL)
	}

	service := app.NewClassroomService(gateway, bank, changes, logger,
		app.WithGradeConcurrency(cfg.Grading.Concurrency))

	rest := transport.NewRESTHandler(service, logger)
	wsOpts := []transport.WSOption{
		transport.WithMessageRate(cfg.Server.MessagesPerSecond, cfg.Server.MessageBurst),
	}
	if redisClient != nil {
		presence := redisinfra.NewPresence(redisClient, config.TTLDuration(cfg.Redis.TTL, 2*time.Minute))
		wsOpts = append(wsOpts, transport.WithPresence(presence))
		rest.WithPresence(presence)
	}
	router := transport.NewRouter(
		transport.RouterConfig{AllowedOrigins: cfg.Server.AllowedOrigins, HealthChecks: health},
		rest,
		transport.NewWSHandler(service, logger, wsOpts...),
		logger,
	)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		logger.Info("starting classroom quiz service", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped", zap.Error(err))
			observability.CaptureErr(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(stop)

	select {
	case <-stop:
		logger.Info("shutting down server")
	case <-ctx.Done():
		logger.Info("context canceled, shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
