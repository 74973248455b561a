package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/antoniostano/stresslab/internal/app"
	"github.com/antoniostano/stresslab/internal/auth"
	"github.com/antoniostano/stresslab/internal/config"
	"github.com/antoniostano/stresslab/internal/logging"
)

var bindAddr string

func main() {
	root := &cobra.Command{
		Use:           "stresslab-server",
		Short:         "Trial sink, push hub and admin API for stresslab",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and push server",
		RunE:  runServe,
	}
	serve.Flags().StringVar(&bindAddr, "bind", "", "listen address (overrides APP_BIND_ADDR)")
	root.Flags().AddFlagSet(serve.Flags())

	hash := &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for ADMIN_PASSWORD_HASH",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runHashPassword,
	}

	root.AddCommand(serve, hash)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	if bindAddr != "" {
		cfg.BindAddr = bindAddr
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.BuildServer(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := built.Cleanup(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
	}()

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	built.StartBackground(runCtx)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: built.API.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.BindAddr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("listen error: %w", err)
	case <-ctx.Done():
	}
	log.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
	return nil
}

func runHashPassword(cmd *cobra.Command, args []string) error {
	var password string
	if len(args) == 1 {
		password = args[0]
	} else {
		fmt.Fprint(cmd.ErrOrStderr(), "password: ")
		line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hash)
	return nil
}
