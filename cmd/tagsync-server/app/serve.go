package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/clouddeck/tagsync-server/internal/api"
	"github.com/clouddeck/tagsync-server/internal/config"
	"github.com/clouddeck/tagsync-server/internal/store"
	"github.com/clouddeck/tagsync-server/internal/tagservice"
	"github.com/clouddeck/tagsync-server/internal/tokenstore"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tagsync server",
	Long: `Start the tagsync server to aggregate and serve multi-region
resource data.

The server requires a configuration file (--config) that specifies:
- The API root and the region catalog
- Fetch scheduler settings
- Document store and token store selection

See examples/ directory for sample configurations.`,
	RunE: runServe,
}

const (
	defaultGracefulTimeout = 30 * time.Second
	serverReadTimeout      = 10 * time.Second
	serverIdleTimeout      = 60 * time.Second

	// No write timeout: the snapshot stream endpoint holds its response
	// open for the lifetime of the subscription.
	serverWriteTimeout = 0
)

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format, required)")
	serveCmd.Flags().Bool("refresh-on-start", false, "Run a full refresh immediately after startup")

	if err := viper.BindPFlag("config", serveCmd.Flags().Lookup("config")); err != nil {
		panic(fmt.Sprintf("failed to bind config flag: %v", err))
	}
	if err := viper.BindPFlag("refresh-on-start", serveCmd.Flags().Lookup("refresh-on-start")); err != nil {
		panic(fmt.Sprintf("failed to bind refresh-on-start flag: %v", err))
	}

	if err := serveCmd.MarkFlagRequired("config"); err != nil {
		panic(fmt.Sprintf("failed to mark config flag as required: %v", err))
	}
}

// newOpener builds the document store backend selected by the config
func newOpener(ctx context.Context, cfg *config.Config) (store.Opener, error) {
	switch cfg.Store.Type {
	case config.StoreTypePostgres:
		connString, err := cfg.Store.Postgres.GetConnectionString()
		if err != nil {
			return nil, err
		}
		return store.NewPostgresOpener(ctx, connString)
	default:
		return store.NewMemoryOpener(), nil
	}
}

// newTokenStore builds the token store selected by the config
func newTokenStore(cfg *config.Config) tokenstore.Store {
	if cfg.TokenStore.Type == config.TokenStoreTypeFile {
		return tokenstore.NewFileStore(cfg.TokenStore.Path)
	}
	return tokenstore.NewKeyringStore()
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx := logr.NewContext(context.Background(), logger)

	configPath := viper.GetString("config")
	cfg, err := config.LoadConfig(config.WithConfigPath(configPath))
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger.Info("Loaded configuration",
		"path", configPath,
		"apiRoot", cfg.APIRoot,
		"regions", len(cfg.Regions),
		"store", cfg.Store.Type)

	opener, err := newOpener(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open document store: %w", err)
	}

	svc, err := tagservice.New(ctx, cfg, opener, newTokenStore(cfg))
	if err != nil {
		return fmt.Errorf("failed to create tag service: %w", err)
	}
	defer svc.Close()

	// Surface what the store already holds before any refresh runs.
	if err := svc.Reload(ctx); err != nil {
		return fmt.Errorf("failed to load persisted entities: %w", err)
	}

	// Drain the engine's error stream into the log.
	go func() {
		for err := range svc.Errors() {
			logger.Error(err, "Engine error")
		}
	}()

	if viper.GetBool("refresh-on-start") {
		go func() {
			if err := svc.Refresh(ctx); err != nil && !errors.Is(err, tagservice.ErrRefreshInFlight) {
				logger.Error(err, "Startup refresh failed")
			}
		}()
	}

	router := api.NewServer(svc,
		api.WithMiddlewares(
			middleware.RealIP,
			middleware.Recoverer,
			api.LoggingMiddleware(logger),
		),
	)

	server := &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
		IdleTimeout:  serverIdleTimeout,
	}

	go func() {
		logger.Info("Server listening", "address", cfg.Address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Failed to start server")
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shut the server down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Server forced to shutdown")
		return err
	}

	logger.Info("Server shutdown complete")
	return nil
}
