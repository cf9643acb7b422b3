package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/comments"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/config"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/database"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/feed"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/server"
	"github.com/MarcoPoloResearchLab/commentfeed/backend/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "commentfeed-api",
		Short: "Real-time comment feed backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create the schema and apply pending data migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrations()
		},
	}
	rootCmd.AddCommand(migrateCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Duration("access-ttl", defaults.GetDuration("auth.access_ttl"), "Access token lifetime")
	cmd.PersistentFlags().Duration("refresh-ttl", defaults.GetDuration("auth.refresh_ttl"), "Refresh token lifetime")
	cmd.PersistentFlags().Bool("secure-cookies", defaults.GetBool("auth.secure_cookies"), "Mark the refresh cookie Secure")
	cmd.PersistentFlags().Duration("recovery-window", defaults.GetDuration("feed.recovery_window"), "How long a dropped session can be resumed (0 disables)")
	cmd.PersistentFlags().String("most-liked-scope", defaults.GetString("feed.most_liked_scope"), "Most-liked recipients (broadcast, requester)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.access_ttl", "access-ttl")
	bindFlag(cmd, "auth.refresh_ttl", "refresh-ttl")
	bindFlag(cmd, "auth.secure_cookies", "secure-cookies")
	bindFlag(cmd, "feed.recovery_window", "recovery-window")
	bindFlag(cmd, "feed.most_liked_scope", "most-liked-scope")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

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

// runMigrations needs only the database settings, so secrets are not required.
func runMigrations() error {
	logger, err := logging.NewLogger(viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(viper.GetString("database.path"), logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
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

	accounts, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		BcryptCost: appConfig.BcryptCost,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	sessions, err := auth.NewService(auth.ServiceConfig{
		AccessSecret:  []byte(appConfig.AccessSecret),
		RefreshSecret: []byte(appConfig.RefreshSecret),
		AccessTTL:     appConfig.AccessTTL,
		RefreshTTL:    appConfig.RefreshTTL,
	})
	if err != nil {
		return err
	}

	store, err := comments.NewGormStore(comments.StoreConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	scope, err := feed.ParseMostLikedScope(appConfig.MostLikedScope)
	if err != nil {
		return err
	}
	recoveryWindow := appConfig.RecoveryWindow
	if recoveryWindow == 0 {
		// a zero window disables recovery
		recoveryWindow = -1
	}
	engine, err := feed.NewEngine(feed.EngineConfig{
		Store:          store,
		Resolver:       sessions,
		Logger:         logger,
		RecoveryWindow: recoveryWindow,
		JournalSize:    appConfig.JournalSize,
		MostLikedScope: scope,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Accounts:       accounts,
		Sessions:       sessions,
		Engine:         engine,
		Logger:         logger,
		Realtime:       server.RealtimeConfig{OutboxSize: appConfig.OutboxSize},
		AllowedOrigins: appConfig.AllowedOrigins,
		SecureCookies:  appConfig.SecureCookies,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// websocket sessions derive from this context and close on shutdown
		BaseContext: func(net.Listener) context.Context { return groupCtx },
	}

	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
