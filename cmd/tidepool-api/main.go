package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/tidepool/internal/auth"
	"github.com/MarcoPoloResearchLab/tidepool/internal/broker"
	"github.com/MarcoPoloResearchLab/tidepool/internal/catalog"
	"github.com/MarcoPoloResearchLab/tidepool/internal/config"
	"github.com/MarcoPoloResearchLab/tidepool/internal/crud"
	"github.com/MarcoPoloResearchLab/tidepool/internal/database"
	"github.com/MarcoPoloResearchLab/tidepool/internal/logging"
	"github.com/MarcoPoloResearchLab/tidepool/internal/metrics"
	"github.com/MarcoPoloResearchLab/tidepool/internal/server"
	"github.com/MarcoPoloResearchLab/tidepool/internal/store"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidepool-api",
		Short: "Tidepool realtime CRUD backend service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

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
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Access token TTL in minutes")
	cmd.PersistentFlags().Int("default-page-size", defaults.GetInt("crud.default_page_size"), "Default collection page size")
	cmd.PersistentFlags().Int("cache-duration-ms", defaults.GetInt("crud.cache_duration_ms"), "Resource cache TTL in milliseconds")
	cmd.PersistentFlags().Bool("cache-disabled", defaults.GetBool("crud.cache_disabled"), "Disable the resource cache")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "crud.default_page_size", "default-page-size")
	bindFlag(cmd, "crud.cache_duration_ms", "cache-duration-ms")
	bindFlag(cmd, "crud.cache_disabled", "cache-disabled")
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

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	adapter, err := store.NewGorm(store.GormConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	registry, err := catalog.Registry()
	if err != nil {
		return err
	}

	transport := broker.NewMemory(broker.MemoryConfig{Logger: logger})
	appMetrics := metrics.New()
	cacheDisabled := appConfig.CacheDisabled
	orchestrator, err := crud.New(crud.Config{
		Schema:                registry,
		Store:                 adapter,
		Broker:                transport,
		Logger:                logger,
		Subscriptions:         appMetrics,
		DefaultPageSize:       appConfig.DefaultPageSize,
		CacheDuration:         appConfig.CacheDuration,
		CacheDisabled:         &cacheDisabled,
		BlockInboundByDefault: appConfig.BlockInboundByDefault,
		BlockPreByDefault:     appConfig.BlockPreByDefault,
		BlockPostByDefault:    appConfig.BlockPostByDefault,
	})
	if err != nil {
		return err
	}

	appMetrics.BindCache(orchestrator.Cache())

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Broker:       transport,
		Orchestrator: orchestrator,
		TokenManager: tokenManager,
		Metrics:      appMetrics,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
