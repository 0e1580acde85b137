package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/civicpulse/backend/internal/analytics"
	"github.com/civicpulse/backend/internal/auth"
	"github.com/civicpulse/backend/internal/catalog"
	"github.com/civicpulse/backend/internal/config"
	"github.com/civicpulse/backend/internal/database"
	"github.com/civicpulse/backend/internal/ids"
	"github.com/civicpulse/backend/internal/logging"
	"github.com/civicpulse/backend/internal/metrics"
	"github.com/civicpulse/backend/internal/rank"
	"github.com/civicpulse/backend/internal/server"
	"github.com/civicpulse/backend/internal/txn"
	"github.com/civicpulse/backend/internal/votes"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "civicpulse-api",
		Short: "CivicPulse vote aggregation backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newRollupCommand(), newIdempotencyCommand(), newSessionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().Bool("database-tracing", defaults.GetBool("database.tracing"), "Emit OpenTelemetry spans for SQL statements")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("shard-count", defaults.GetInt("votes.shard_count"), "Counter shards per bucket")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.tracing", "database-tracing")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "votes.shard_count", "shard-count")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime holds what every command needs: validated config, a logger and an open store.
type runtime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogDevelopment)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.OpenSQLite(database.Options{
		Path:    appConfig.DatabasePath,
		Tracing: appConfig.DatabaseTracing,
		Logger:  logger,
	})
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	closeFn := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return &runtime{config: appConfig, logger: logger, db: db}, closeFn, nil
}

func (r *runtime) retryPolicy() txn.Policy {
	return txn.DefaultPolicy().WithAttempts(r.config.Votes.RetryAttempts)
}

func runServer(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeRuntime()
	appConfig := rt.config
	logger := rt.logger

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := metrics.New()
	engineMetrics.Register(registry)

	catalogService, err := catalog.NewService(catalog.ServiceConfig{
		Database:   rt.db,
		Clock:      time.Now,
		IDProvider: ids.NewUUIDProvider(),
		Ranks:      rank.NewEngine(appConfig.RankMaxLength),
		Retry:      rt.retryPolicy(),
		Metrics:    engineMetrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewTallyDispatcher()

	writeMode := votes.WritePerVote
	if appConfig.Votes.AtomicBatches {
		writeMode = votes.WriteAtomic
	}
	voteEngine, err := votes.NewEngine(votes.EngineConfig{
		Database:     rt.db,
		Subjects:     catalogService,
		Clock:        time.Now,
		ShardCount:   appConfig.Votes.ShardCount,
		MaxBatchSize: appConfig.Votes.MaxBatchSize,
		MaxClockSkew: appConfig.Votes.MaxClockSkew,
		Mode:         writeMode,
		Retry:        rt.retryPolicy(),
		Publisher:    dispatcher,
		Metrics:      engineMetrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	analyticsReader, err := analytics.NewReader(analytics.ReaderConfig{
		Database:     rt.db,
		DefaultLimit: appConfig.Analytics.DefaultLimit,
		MaxLimit:     appConfig.Analytics.MaxLimit,
		Metrics:      engineMetrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
		CookieName:    appConfig.Auth.CookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Catalog:        catalogService,
		Votes:          voteEngine,
		Analytics:      analyticsReader,
		Sessions:       sessionValidator,
		AdminRole:      appConfig.Auth.AdminRole,
		Realtime:       dispatcher,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		RateLimit: server.RateLimitConfig{
			RequestsPerSecond: appConfig.RateLimit.RequestsPerSecond,
			Burst:             appConfig.RateLimit.Burst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.Int("shard_count", appConfig.Votes.ShardCount),
			zap.Bool("atomic_batches", appConfig.Votes.AtomicBatches))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
