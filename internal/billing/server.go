package billing

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/rcourtman/pulse-billing/internal/billing/catalog"
	"github.com/rcourtman/pulse-billing/internal/billing/entitlement"
	"github.com/rcourtman/pulse-billing/internal/billing/notify"
	"github.com/rcourtman/pulse-billing/internal/billing/registry"
	bstripe "github.com/rcourtman/pulse-billing/internal/billing/stripe"
	"github.com/rcourtman/pulse-billing/internal/logging"
)

// Run starts the billing HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "billing",
	})

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logging.Init(logging.Config{
		Format:    cfg.LogFormat,
		Level:     cfg.LogLevel,
		Component: "billing",
	})

	log.Info().Str("version", version).Msg("Starting Pulse billing service")

	reg, err := openRegistry(cfg.StoreDir())
	if err != nil {
		return err
	}
	defer reg.Close()

	if err := seedCatalog(ctx, reg, cfg.PlansFile); err != nil {
		return err
	}

	plans, err := catalog.New(reg, catalog.Config{Size: cfg.PlanCacheSize, TTL: cfg.PlanCacheTTL})
	if err != nil {
		return fmt.Errorf("init plan catalog: %w", err)
	}
	engine := entitlement.NewEngine(reg, plans)

	// Initialize email sender
	var sender notify.Sender
	if cfg.PostmarkServerToken != "" {
		sender = notify.NewPostmarkSender(cfg.PostmarkServerToken)
		log.Info().Msg("Email sender configured (Postmark)")
	} else {
		sender = notify.LogSender{}
		log.Info().Msg("Email sender: log-only (set POSTMARK_SERVER_TOKEN to enable)")
	}
	notifier := notify.NewEmailNotifier(sender, cfg.EmailFrom, cfg.ManageURL)
	defer notifier.Wait()

	if cfg.StripeWebhookSecret == "" {
		log.Warn().Msg("STRIPE_WEBHOOK_SECRET is not set; webhook deliveries will fail until it is configured")
	}
	reconciler := bstripe.NewReconciler(reg, plans, notifier, cfg.StripeWebhookSecret)

	// Build HTTP routes
	mux := http.NewServeMux()
	handler := RegisterRoutes(mux, &Deps{
		Config:     cfg,
		Registry:   reg,
		Catalog:    plans,
		Engine:     engine,
		Reconciler: reconciler,
		Version:    version,
	})

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Create derived context for background goroutines
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go entitlement.NewRolloverWorker(engine, cfg.RolloverInterval).Run(ctx)
	go runLicenseStateMetrics(ctx, reg)
	if cfg.PlansFile != "" {
		go catalog.NewFileWatcher(cfg.PlansFile, reg, plans).Run(ctx)
	}

	// Start server in background
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("Billing service listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	// Signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	case err := <-serveErr:
		log.Error().Err(err).Msg("Server failed")
		runErr = fmt.Errorf("serve: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	log.Info().Msg("Billing service stopped")
	return runErr
}

func openRegistry(dir string) (*registry.Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	reg, err := registry.NewRegistry(dir)
	if err != nil {
		return nil, fmt.Errorf("open billing registry: %w", err)
	}
	return reg, nil
}

// seedCatalog imports plansFile (or the built-in catalog) when no plans exist yet.
func seedCatalog(ctx context.Context, reg *registry.Registry, plansFile string) error {
	var (
		plans []registry.Plan
		err   error
	)
	if plansFile != "" {
		plans, err = catalog.LoadFile(plansFile)
	} else {
		plans, err = catalog.DefaultPlans()
	}
	if err != nil {
		return fmt.Errorf("load plan catalog: %w", err)
	}

	seeded, err := catalog.SeedIfEmpty(ctx, reg, plans)
	if err != nil {
		return fmt.Errorf("seed plan catalog: %w", err)
	}
	if seeded {
		log.Info().Int("plans", len(plans)).Str("source", sourceName(plansFile)).Msg("Plan catalog seeded")
	}
	return nil
}

func sourceName(plansFile string) string {
	if plansFile == "" {
		return "built-in"
	}
	return plansFile
}
