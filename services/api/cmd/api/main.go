package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"bookclub/internal/util"
	"bookclub/pkg/storage"
	"bookclub/pkg/store"
	"bookclub/services/api/internal/app"
	"bookclub/services/api/internal/config"
	"bookclub/services/api/internal/server"
)

const (
	Version         = "0.1.0"
	appName         = "bookclub-api"
	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:          "bookclub-api",
		Short:        "Book club lending and review API",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, logLevel)
		},
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path (YAML)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override log level (debug, info, warn, error)")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), configPath, logLevel)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create or update the Postgres schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return migrate(configPath, logLevel)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s version %s\n", appName, Version)
		},
	})
	return cmd
}

func loadConfig(configPath, logLevel string) (config.FileConfig, *slog.Logger, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return config.FileConfig{}, nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, util.InitLogger(cfg.LogLevel), nil
}

func serve(ctx context.Context, configPath, logLevel string) error {
	cfg, logger, err := loadConfig(configPath, logLevel)
	if err != nil {
		return err
	}
	appCfg, err := appConfig(cfg)
	if err != nil {
		return err
	}

	appCore, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer appCore.Close()

	limiterRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	defer limiterRedis.Close()

	httpServer, err := server.New(server.Config{
		App:                      appCore,
		Redis:                    limiterRedis,
		Development:              cfg.IsDevelopment(),
		CORSAllowedOrigins:       cfg.CORSAllowedOrigins,
		TrustedProxyCIDRs:        cfg.TrustedProxyCIDRs,
		SignupRateLimitPerMinute: cfg.SignupRateLimitPerMinute,
		LoginRateLimitPerMinute:  cfg.LoginRateLimitPerMinute,
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:         addr,
		Handler:      httpServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", addr, "environment", cfg.Environment, "storage", appCfg.StorageDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func migrate(configPath, logLevel string) error {
	cfg, logger, err := loadConfig(configPath, logLevel)
	if err != nil {
		return err
	}
	if cfg.StorageDriver == config.StorageDriverMemory {
		return errors.New("migrate requires the postgres storage driver")
	}
	dataStore, err := store.NewGormStore(cfg.DatabaseURL, store.WithAutoMigrate(true))
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	defer dataStore.Close()
	logger.Info("schema up to date")
	return nil
}

func appConfig(cfg config.FileConfig) (app.Config, error) {
	sessionTTL, err := config.ParseDuration("sessionTTL", cfg.SessionTTL)
	if err != nil {
		return app.Config{}, err
	}
	leeway, err := config.ParseDuration("jwtLeeway", cfg.JWTLeeway)
	if err != nil {
		return app.Config{}, err
	}
	loanPeriod, err := config.ParseDuration("loanPeriod", cfg.LoanPeriod)
	if err != nil {
		return app.Config{}, err
	}
	return app.Config{
		StorageDriver: cfg.StorageDriver,
		DatabaseURL:   cfg.DatabaseURL,
		AutoMigrate:   cfg.AutoMigrateEnabled(),
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		JWTSecret:     cfg.JWTSecret,
		JWTIssuer:     cfg.JWTIssuer,
		JWTAudience:   cfg.JWTAudience,
		JWTLeeway:     leeway,
		SessionTTL:    sessionTTL,
		Minio: storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.MinioBucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.MinioPublicBaseURL,
		},
		ObjectBaseURL: cfg.ObjectBaseURL,
		CoverMaxBytes: cfg.CoverMaxBytes,
		AMQPURL:       cfg.AMQPURL,
		AMQPExchange:  cfg.AMQPExchange,
		LoanPeriod:    loanPeriod,
	}, nil
}
