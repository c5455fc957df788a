// Command hashmail runs the hash run email gateway and its admin tooling.
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nonatech-uk/hash-calendar-email/internal/api"
	"github.com/nonatech-uk/hash-calendar-email/internal/auth"
	"github.com/nonatech-uk/hash-calendar-email/internal/bulk"
	"github.com/nonatech-uk/hash-calendar-email/internal/cfg"
	"github.com/nonatech-uk/hash-calendar-email/internal/db"
	"github.com/nonatech-uk/hash-calendar-email/internal/dispatch"
	"github.com/nonatech-uk/hash-calendar-email/internal/extract"
	"github.com/nonatech-uk/hash-calendar-email/internal/logging"
	"github.com/nonatech-uk/hash-calendar-email/internal/metrics"
	"github.com/nonatech-uk/hash-calendar-email/internal/reconcile"
	"github.com/nonatech-uk/hash-calendar-email/internal/settings"
)

var rootCmd = &cobra.Command{
	Use:           "hashmail",
	Short:         "Email gateway for the hash run calendar",
	Long:          `hashmail turns emails from authorised hares into hash run records and answers help, export and import requests by email.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var (
	dbURL     string
	listen    string
	debugFlag bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "Database URL (default: $HASHMAIL_DB_URL or hashmail.db)")
	rootCmd.PersistentFlags().BoolVar(&debugFlag, "debug", false, "Enable debug logging")
	serveCmd.Flags().StringVar(&listen, "listen", "", "Address to listen on (default: $HASHMAIL_LISTEN or :8080)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(extractCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() *cfg.Config {
	config := cfg.FromEnv()
	if dbURL != "" {
		config.DBURL = dbURL
	}
	if listen != "" {
		config.Listen = listen
	}
	if debugFlag {
		config.Debug = true
	}
	return config
}

// openDatabase opens the database and applies the seed file, if any.
func openDatabase(ctx context.Context, config *cfg.Config) (*db.DB, error) {
	database, err := db.Open(config.DBURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if config.SeedFile != "" {
		if err := settings.Seed(ctx, database, config.SeedFile); err != nil {
			database.Close()
			return nil, err
		}
	}
	return database, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	config := loadConfig()

	logger, err := logging.New(config.Debug, config.LogFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("hashmail starting",
		zap.String("listen", config.Listen),
		zap.String("version", config.Version),
		zap.String("model", config.ExtractModel),
		zap.Bool("debug", config.Debug),
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := openDatabase(ctx, config)
	if err != nil {
		return err
	}
	defer database.Close()

	// Generates the webhook secret on first start so it can be read back.
	if _, err := settings.Load(ctx, database); err != nil {
		return err
	}

	if !config.AdminEnabled() {
		logger.Warn("HASHMAIL_JWT_SIGNING_KEY is not set, admin API disabled")
	}
	tokens := auth.NewTokenService(config.JWTSigningKey, config.JWTIssuer, config.AdminTokenTTL)
	m := metrics.New()
	engine := reconcile.New(database, logger.Named("reconcile"))
	processor := bulk.New(engine, database, logger.Named("bulk"))
	dispatcher := dispatch.New(dispatch.Deps{
		Extractor: extract.New(config.ExtractModel, config.ExtractTimeout),
		Engine:    engine,
		Bulk:      processor,
		Audit:     database,
		Metrics:   m,
		Logger:    logger.Named("dispatch"),
	})

	handler := api.NewHandler(database, config, tokens, dispatcher, processor, m, logger.Named("api"))
	srv := &http.Server{
		Addr:         config.Listen,
		Handler:      api.WithDefaults(api.NewRouter(handler), logger.Named("http"), config.Debug),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // extraction plus reply delivery
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", zap.String("addr", config.Listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		pruneAudit(gctx, database, config.AuditRetention, logger)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("hashmail stopped")
	return nil
}

// pruneAudit deletes expired audit entries hourly until ctx is done.
func pruneAudit(ctx context.Context, database *db.DB, retention time.Duration, logger *zap.Logger) {
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := database.PruneAudit(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Error("failed to prune audit log", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("pruned audit log", zap.Int64("entries", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
