package main

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/config"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/database"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/enrich"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/gallery"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/ingest"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/live"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/logging"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/records"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/retention"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/server"
	"github.com/MarcoPoloResearchLab/radio-bonsai/internal/snapshot"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "radio-api",
		Short: "Radio Bonsai requests and comments service",
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
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to an optional dotenv file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database path or connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Int("snapshot-limit", defaults.GetInt("snapshot.limit"), "Requests and comments shown on first load")
	cmd.PersistentFlags().Duration("retention-horizon", defaults.GetDuration("retention.horizon"), "Age after which records are deleted")
	cmd.PersistentFlags().String("gallery-directory", defaults.GetString("gallery.directory"), "Directory of carousel images")
	cmd.PersistentFlags().String("uploads-directory", defaults.GetString("uploads.directory"), "Directory for comment attachments")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "snapshot.limit", "snapshot-limit")
	bindFlag(cmd, "retention.horizon", "retention-horizon")
	bindFlag(cmd, "gallery.directory", "gallery-directory")
	bindFlag(cmd, "uploads.directory", "uploads-directory")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
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

	db, err := database.Open(database.Config{
		Driver:         appConfig.DatabaseDriver,
		DSN:            appConfig.DatabaseDSN,
		LegacyLocation: appConfig.LegacyLocation,
	}, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	store, err := records.NewStore(records.StoreConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	hub := live.NewHub(live.HubConfig{BufferSize: appConfig.LiveBufferSize, Logger: logger})

	catalog := gallery.NewCatalog(gallery.CatalogConfig{
		Directory:       appConfig.GalleryDirectory,
		RefreshInterval: appConfig.GalleryRefresh,
		Logger:          logger,
	})

	ingestConfig := ingest.ServiceConfig{
		Store:        store,
		Publisher:    hub,
		RequestTopic: appConfig.RequestTopic,
		CommentTopic: appConfig.CommentTopic,
		Attachments: enrich.NewDiskAttachmentStore(enrich.DiskAttachmentStoreConfig{
			Directory: appConfig.UploadsDirectory,
			MaxBytes:  appConfig.UploadsMaxBytes,
		}),
		EnrichmentTimeout: appConfig.PreviewTimeout,
		Logger:            logger,
	}
	if appConfig.PreviewEnabled {
		ingestConfig.Previews = enrich.NewLinkPreviewer(enrich.LinkPreviewerConfig{Timeout: appConfig.PreviewTimeout})
	}
	ingestService, err := ingest.NewService(ingestConfig)
	if err != nil {
		return err
	}

	snapshotBuilder, err := snapshot.NewBuilder(store, catalog, appConfig.SnapshotLimit)
	if err != nil {
		return err
	}

	sweeper, err := retention.NewSweeper(retention.SweeperConfig{
		Store:    store,
		Horizon:  appConfig.RetentionHorizon,
		Interval: appConfig.RetentionInterval,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Submissions: ingestService,
		Snapshots:   snapshotBuilder,
		Live:        hub,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
		RequestTopic:     appConfig.RequestTopic,
		CommentTopic:     appConfig.CommentTopic,
		UploadsDirectory: appConfig.UploadsDirectory,
		GalleryDirectory: catalog.Directory(),
		MaxUploadBytes:   appConfig.UploadsMaxBytes,
		AllowedOrigins:   appConfig.AllowedOrigins,
		Stream: server.StreamConfig{
			WriteTimeout:      appConfig.LiveWriteTimeout,
			HeartbeatInterval: appConfig.LiveHeartbeat,
		},
		RateLimit: server.RateLimitConfig{
			PerMinute: appConfig.RateLimitPerMinute,
			Burst:     appConfig.RateLimitBurst,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Boot sweep completes before the first request is served.
	if _, err := sweeper.Sweep(signalCtx); err != nil {
		logger.Warn("initial retention sweep failed", zap.Error(err))
	}
	if err := catalog.Refresh(); err != nil {
		logger.Warn("initial gallery refresh failed", zap.Error(err))
	}

	backgroundCtx, cancelBackground := context.WithCancel(signalCtx)
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		runAfterFirstTick(backgroundCtx, appConfig.RetentionInterval, sweeper.Run)
	}()
	go func() {
		defer background.Done()
		runAfterFirstTick(backgroundCtx, appConfig.GalleryRefresh, catalog.Run)
	}()
	defer func() {
		cancelBackground()
		background.Wait()
	}()

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		// Live streams end when the process is signalled so Shutdown can drain them.
		BaseContext: func(net.Listener) context.Context {
			return signalCtx
		},
	}

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
		logger.Info("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runAfterFirstTick waits one interval before starting a task whose Run
// performs an immediate pass, since that pass already happened at boot.
func runAfterFirstTick(ctx context.Context, interval time.Duration, run func(context.Context)) {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
		run(ctx)
	}
}
