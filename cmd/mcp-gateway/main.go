// Command mcp-gateway serves the MCP gateway over streaming HTTP.
//
// Configuration is read from the environment, optionally seeded from a .env
// file. See package config for the recognised variables.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ggoodman/mcp-gateway-go/config"
	"github.com/ggoodman/mcp-gateway-go/internal/logctx"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Set via ldflags at build time.
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "mcp-gateway",
		Short:        "MCP gateway with rate limiting, authentication and wellness tracking",
		SilenceUsage: true,
		Version:      version,
		RunE:         runServe,
	}
	cmd.Flags().String("env-file", ".env", "Environment file loaded before configuration")
	cmd.Flags().String("listen", "", "Listen address; overrides LISTEN_ADDR")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	envFile, _ := cmd.Flags().GetString("env-file")
	listen, _ := cmd.Flags().GetString("listen")

	bootLog := slog.New(slog.NewJSONHandler(cmd.ErrOrStderr(), nil))
	if err := godotenv.Load(envFile); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", envFile, err)
		}
		bootLog.Info("config.env_file.missing", slog.String("path", envFile))
	}

	cfg, err := config.Load()
	if err != nil {
		bootLog.Error("config.load.fail", slog.String("err", err.Error()))
		return err
	}
	if listen != "" {
		cfg.ListenAddr = listen
	}
	if cfg.ServerVersion == "dev" {
		cfg.ServerVersion = version
	}

	level, _ := cfg.SlogLevel()
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := newGateway(ctx, cfg, log)
	if err != nil {
		log.ErrorContext(ctx, "gateway.init.fail", slog.String("err", err.Error()))
		return err
	}
	if err := gw.start(ctx); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     gw.Handler(),
		ReadTimeout: 30 * time.Second,
		// Event streams are long-lived; exchanges are bounded by the
		// transport timeout instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.InfoContext(ctx, "gateway.listen",
			slog.String("addr", cfg.ListenAddr),
			slog.String("endpoint", cfg.Endpoint),
			slog.String("env", cfg.Env),
			slog.String("auth_mode", cfg.Auth.Mode),
			slog.String("sessions", cfg.Sessions.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.ErrorContext(ctx, "gateway.serve.fail", slog.String("err", err.Error()))
			_ = gw.coordinator.Shutdown(context.Background())
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Transport.ShutdownMaxDrain+5*time.Second)
	defer cancel()

	drainErr := gw.coordinator.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		drainErr = errors.Join(drainErr, err)
	}
	if drainErr != nil {
		log.WarnContext(shutdownCtx, "gateway.shutdown.incomplete", slog.String("err", drainErr.Error()))
		return drainErr
	}
	log.InfoContext(shutdownCtx, "gateway.shutdown.complete")
	return nil
}
