package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/dativo-io/warden/internal/audit"
	"github.com/dativo-io/warden/internal/config"
	"github.com/dativo-io/warden/internal/delivery"
	"github.com/dativo-io/warden/internal/egress"
	"github.com/dativo-io/warden/internal/injection"
	"github.com/dativo-io/warden/internal/intent"
	"github.com/dativo-io/warden/internal/redrive"
	"github.com/dativo-io/warden/internal/server"
	"github.com/dativo-io/warden/internal/translate"
)

const (
	auditDrainSpec  = "*/5 * * * *"
	dlqBacklogSpec  = "*/15 * * * *"
	targetLocaleEnv = "WARDEN_TARGET_LOCALE"
)

var serveListenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Warden gateway with gating, egress, and recovery jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListenAddr, "listen", "", "HTTP listen address (overrides WARDEN_LISTEN_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> tenant_id from WARDEN_API_KEYS (comma-separated; each entry key or key:tenant_id).
func parseAPIKeys(env string) map[string]string {
	m := make(map[string]string)
	if env == "" {
		return m
	}
	for _, part := range strings.Split(env, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tenantID := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			tenantID = strings.TrimSpace(part[idx+1:])
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = tenantID
	}
	return m
}

// targetLocale resolves the delivery-side locale. Events are translated to
// this locale before the integrity check; unset means English.
func targetLocale() language.Tag {
	raw := os.Getenv(targetLocaleEnv)
	if raw == "" {
		return language.English
	}
	tag, err := language.Parse(raw)
	if err != nil {
		log.Warn().Str("locale", raw).Msg("target_locale_unparseable_using_english")
		return language.English
	}
	return tag
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	cfg.WarnIfDefaultKeys()

	auditStore, err := audit.NewStore(cfg.AuditDBPath(), cfg.SigningKey)
	if err != nil {
		return fmt.Errorf("initializing audit store: %w", err)
	}
	defer auditStore.Close()

	queuedSink, err := audit.NewQueuedSink(filepath.Join(cfg.DataDir, "audit_queue.db"), auditStore)
	if err != nil {
		return fmt.Errorf("initializing audit queue: %w", err)
	}
	defer queuedSink.Close()

	registry := intent.NewRegistry()
	detector := injection.NewDetector(injection.WithThreshold(cfg.InjectionThreshold))
	validator := intent.NewValidator(detector, registry, queuedSink)
	engine := intent.NewEngine(validator, registry, queuedSink)

	egressEngine, err := egress.NewEngine(ctx, egress.WithAuditSink(queuedSink))
	if err != nil {
		return fmt.Errorf("initializing egress engine: %w", err)
	}
	profiles, err := egress.LoadProfileDir(cfg.ProfileDir)
	if err != nil {
		return fmt.Errorf("loading filter profiles: %w", err)
	}
	for _, p := range profiles {
		if err := egressEngine.SetProfile(p); err != nil {
			return fmt.Errorf("registering profile %s: %w", p.AppID, err)
		}
	}

	dlq, err := delivery.OpenDLQ(cfg.DLQDBPath())
	if err != nil {
		return fmt.Errorf("initializing dead-letter store: %w", err)
	}
	defer dlq.Close()

	deliverer := delivery.NewManager(cfg.IngestBaseURL, dlq,
		delivery.WithMaxAttempts(cfg.DeliveryMaxAttempts),
		delivery.WithBackoff(cfg.DeliveryBaseDelay, cfg.DeliveryMaxDelay))

	translator := translate.NewTranslator(nil, targetLocale())

	scheduler := redrive.NewScheduler(queuedSink, dlq)
	if err := scheduler.Register(auditDrainSpec, dlqBacklogSpec); err != nil {
		return fmt.Errorf("registering recovery jobs: %w", err)
	}
	// Recover anything queued before the last shutdown.
	scheduler.DrainNow(ctx)
	scheduler.Start()
	defer scheduler.Stop()

	apiKeys := parseAPIKeys(os.Getenv("WARDEN_API_KEYS"))
	if cfg.APIKey != "" {
		apiKeys[cfg.APIKey] = "default"
	}
	if len(apiKeys) == 0 {
		log.Warn().Msg("WARDEN_API_KEYS not set — all API endpoints will return 401. Set for production.")
	}

	srv := server.NewServer(
		engine,
		egressEngine,
		translator,
		deliverer,
		apiKeys,
		server.WithDLQ(dlq),
		server.WithAuditStore(auditStore),
		server.WithCORSOrigins([]string{"*"}),
	)

	addr := cfg.ListenAddr
	if serveListenAddr != "" {
		addr = serveListenAddr
	}
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      srv.Routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Str("ingest_base_url", cfg.IngestBaseURL).
		Int("profiles", len(profiles)).
		Int("cron_entries", scheduler.Entries()).
		Msg("warden_serve_started")

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown_signal_received")
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Info().Msg("server_stopped")
	return nil
}
