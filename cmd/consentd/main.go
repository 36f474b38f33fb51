// Command consentd serves the bank consent broker over HTTP.
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

	consent "github.com/giantswarm/bank-consent"
)

// Version information set via ldflags at build time
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "consentd",
		Short:         "Bank data consent broker",
		Long:          `Runs the OAuth authorization code + PKCE flow against a bank and keeps a ledger of the resulting consents.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("consentd version {{.Version}}\n")
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the consent HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			applyFlags(cmd, cfg)
			if err := cfg.validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to YAML configuration file")
	cmd.Flags().String("listen", "", "Address to listen on (default :8080)")
	cmd.Flags().Int("consent-ttl-days", 0, "Consent lifetime in days (default 90)")
	cmd.Flags().String("log-level", "", "Log level: debug, info, warn or error")
	cmd.Flags().Bool("metrics", false, "Enable OpenTelemetry metrics and tracing")
	return cmd
}

// applyFlags lets CLI flags override file and environment settings.
func applyFlags(cmd *cobra.Command, cfg *fileConfig) {
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v, _ := cmd.Flags().GetInt("consent-ttl-days"); v > 0 {
		cfg.Ledger.ConsentTTLDays = v
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		cfg.Log.Level = v
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics, _ = cmd.Flags().GetBool("metrics")
	}
}

func serve(ctx context.Context, cfg *fileConfig) error {
	logger := newLogger(cfg.Log.Level, cfg.Log.JSON)

	svc, err := consent.New(cfg.serviceConfig(logger))
	if err != nil {
		return fmt.Errorf("failed to create consent service: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	svc.Start(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           consent.NewHandler(svc).Routes(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting consent server",
			"addr", cfg.ListenAddr,
			"provider", cfg.Provider.AuthorizationEndpoint,
			"token_sealing", !cfg.Security.DisableTokenSealing,
			"require_audit", cfg.Security.RequireAudit)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = svc.Shutdown(context.Background())
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down consent server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
