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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/docukit/docsync/internal/auth"
	"github.com/docukit/docsync/internal/logging"
	"github.com/docukit/docsync/internal/monitoring"
	"github.com/docukit/docsync/internal/provider"
	"github.com/docukit/docsync/internal/relay"
	"github.com/docukit/docsync/internal/tracing"
	"github.com/docukit/docsync/internal/treedoc"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "docsyncd",
		Short: "Document synchronization relay server",
	}
	cmd.AddCommand(startCmd())
	return cmd
}

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return start()
		},
	}

	flags := cmd.Flags()
	flags.String("listen", ":8799", "listen address")
	flags.String("data-dir", "", "data directory (defaults to ~/.docsync)")
	flags.String("jwt-secret", "", "HS256 secret for token validation")
	flags.Int("squash-threshold", provider.DefaultSquashThreshold, "batches accumulated before a server-side squash")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "json", "log format (json or console)")
	flags.String("jaeger-endpoint", "", "jaeger collector endpoint (tracing disabled when empty)")
	flags.Float64("rate-limit", 100, "per-socket requests per second (0 disables)")
	flags.StringSlice("doc-types", []string{"indexDoc"}, "registered doc type names")

	viper.SetEnvPrefix("DOCSYNC")
	viper.AutomaticEnv()
	_ = viper.BindPFlags(flags)

	return cmd
}

func start() error {
	log, err := logging.NewLogger(viper.GetString("log-level"), viper.GetString("log-format"))
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Sync()

	secret := viper.GetString("jwt-secret")
	if secret == "" {
		return fmt.Errorf("jwt-secret is required")
	}

	dataDir := viper.GetString("data-dir")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("getting home directory: %w", err)
		}
		dataDir = home + "/.docsync"
	}

	if endpoint := viper.GetString("jaeger-endpoint"); endpoint != "" {
		tp, err := tracing.InitTracer("docsyncd", endpoint)
		if err != nil {
			return fmt.Errorf("initializing tracer: %w", err)
		}
		defer tp.Shutdown(context.Background())
	}

	bind, err := treedoc.New(viper.GetStringSlice("doc-types")...)
	if err != nil {
		return fmt.Errorf("building binding: %w", err)
	}

	store, err := provider.NewBadger(dataDir+"/server", bind, viper.GetInt("squash-threshold"))
	if err != nil {
		return fmt.Errorf("opening server store: %w", err)
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	metrics := monitoring.NewMetrics(registry)

	r, err := relay.New(relay.Options{
		Provider:     store,
		Authenticate: relay.JWTAuthenticator(auth.NewTokenManager(secret)),
		Logger:       log,
		Metrics:      metrics,
		RateLimit:    rate.Limit(viper.GetFloat64("rate-limit")),
		RateBurst:    20,
	})
	if err != nil {
		return fmt.Errorf("building relay: %w", err)
	}

	srv := &http.Server{
		Addr:    viper.GetString("listen"),
		Handler: relay.Handler(r, registry),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("relay listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
