package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/undertow/internal/access"
	"github.com/MarcoPoloResearchLab/undertow/internal/auth"
	"github.com/MarcoPoloResearchLab/undertow/internal/collab"
	"github.com/MarcoPoloResearchLab/undertow/internal/config"
	"github.com/MarcoPoloResearchLab/undertow/internal/database"
	"github.com/MarcoPoloResearchLab/undertow/internal/document"
	"github.com/MarcoPoloResearchLab/undertow/internal/logging"
	"github.com/MarcoPoloResearchLab/undertow/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/undertow/internal/server"
	"github.com/MarcoPoloResearchLab/undertow/internal/store"
	redis "github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "undertow",
		Short: "Undertow collaborative document sync service",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

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
	cmd.PersistentFlags().String("signing-secret", "", "Connection token signing secret (overrides env)")
	cmd.PersistentFlags().String("token-issuer", defaults.GetString("auth.issuer"), "Expected connection token issuer")
	cmd.PersistentFlags().String("redis-addr", defaults.GetString("redis.addr"), "Redis address for rate limit counters (empty for in-process)")
	cmd.PersistentFlags().Int("snapshot-edit-threshold", defaults.GetInt("sync.snapshot_edit_threshold"), "Edits between snapshot compactions")
	cmd.PersistentFlags().Int("snapshot-idle-seconds", defaults.GetInt("sync.snapshot_idle_seconds"), "Idle seconds before snapshot compaction")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.issuer", "token-issuer")
	bindFlag(cmd, "redis.addr", "redis-addr")
	bindFlag(cmd, "sync.snapshot_edit_threshold", "snapshot-edit-threshold")
	bindFlag(cmd, "sync.snapshot_idle_seconds", "snapshot-idle-seconds")
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

func newTokenCommand() *cobra.Command {
	var identity string
	var ttlMinutes int

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development connection token",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.TokenIssuer,
				TokenTTL:      time.Duration(ttlMinutes) * time.Minute,
			})
			token, expiresIn, err := issuer.IssueConnectionToken(identity)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}

	tokenCmd.Flags().StringVar(&identity, "identity", "", "Identity to embed in the token")
	tokenCmd.Flags().IntVar(&ttlMinutes, "ttl-minutes", 30, "Token lifetime in minutes")
	_ = tokenCmd.MarkFlagRequired("identity")

	return tokenCmd
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

	roomStore, err := store.New(store.Config{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	gate, err := access.NewGate(access.GateConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	var counters ratelimit.CounterStore
	if appConfig.RedisAddress != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: appConfig.RedisAddress})
		counters = ratelimit.NewRedisCounterStore(redisClient)
		logger.Info("rate limit counters on redis", zap.String("addr", appConfig.RedisAddress))
	} else {
		counters = ratelimit.NewMemoryCounterStore()
	}
	limiter, err := ratelimit.New(ratelimit.Config{
		Store:  counters,
		Limit:  int64(appConfig.RateLimitCount),
		Window: appConfig.RateLimitWindow,
		Logger: logger,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.TokenIssuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Validator: validator,
		Store:     roomStore,
		Hub:       collab.NewHub(logger),
		Limiter:   limiter,
		Gate:      gate,
		Factory:   document.NewLog,
		Sync:      appConfig.Sync(),
		Logger:    logger,
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
