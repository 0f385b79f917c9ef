package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dativo-io/mentor/internal/risk"
	"github.com/dativo-io/mentor/internal/server"
)

var (
	servePort        int
	serveCORSOrigins string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API with background risk analysis",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (default: MENTOR_HTTP_PORT or 8080)")
	serveCmd.Flags().StringVar(&serveCORSOrigins, "cors-origins", "*", "comma-separated allowed CORS origins")
	rootCmd.AddCommand(serveCmd)
}

// parseAPIKeys returns a map of key -> client name from MENTOR_API_KEYS
// (comma-separated; each entry key or key:client).
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
		client := "default"
		if idx := strings.Index(part, ":"); idx > 0 {
			if c := strings.TrimSpace(part[idx+1:]); c != "" {
				client = c
			}
			part = strings.TrimSpace(part[:idx])
		}
		m[part] = client
	}
	return m
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.Close(closeCtx); err != nil {
			log.Error().Err(err).Msg("shutdown_incomplete")
		}
	}()

	scheduler := risk.NewScheduler(a.store, a.dispatcher, time.Hour)
	if a.cfg.RiskSweepCron != "" {
		if err := scheduler.Register(a.cfg.RiskSweepCron); err != nil {
			return fmt.Errorf("registering risk sweep: %w", err)
		}
		scheduler.Start()
		defer scheduler.Stop()
	}

	apiKeys := parseAPIKeys(os.Getenv("MENTOR_API_KEYS"))
	if len(apiKeys) == 0 {
		log.Warn().Msg("MENTOR_API_KEYS not set — the API is unauthenticated. Set for production.")
	}

	srv := server.NewServer(a.orchestrator, a.recorder, a.scorer, a.policy,
		server.WithAPIKeys(apiKeys),
		server.WithCORSOrigins(splitList(serveCORSOrigins)),
		server.WithRateLimiter(server.NewRateLimiter(a.cfg.RateLimitRPM, a.cfg.RateLimitSessionRPM)),
	)

	port := servePort
	if port == 0 {
		port = a.cfg.HTTPPort
	}
	addr := fmt.Sprintf(":%d", port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.cfg.GenerationTimeout + 30*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Info().
		Str("addr", addr).
		Int("cron_entries", scheduler.Entries()).
		Str("policy", a.policy.VersionTag).
		Strs("providers", a.providers).
		Int("risk_workers", a.cfg.RiskWorkers).
		Msg("mentor_serve_started")

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
