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

	"github.com/sheerbytes/diceduel/internal/config"
	"github.com/sheerbytes/diceduel/internal/logging"
	"github.com/sheerbytes/diceduel/internal/rendezvous"
	"github.com/sheerbytes/diceduel/internal/termio"
)

const serverVersion = "v0.1.0"

func main() {
	termio.Init()
	err := newCmd().Execute()
	termio.Flush()
	if err != nil {
		os.Exit(1)
	}
}

func newCmd() *cobra.Command {
	cfg := config.DefaultServerConfig()
	cmd := &cobra.Command{
		Use:   "diceserv",
		Short: "Rendezvous server for dice duels",
		Long: `diceserv reserves peer addresses and relays signaling between them so
dice players can open direct links. It keeps no room or game state.`,
		Version:      serverVersion,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.ApplyEnv(cmd.Flags()); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	config.BindServerFlags(cmd.Flags(), &cfg)
	return cmd
}

func serve(ctx context.Context, cfg config.ServerConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := logging.New("diceserv", cfg.LogLevel)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           rendezvous.New(cfg, serverVersion, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(termio.Stdout(), "starting server addr=%s version=%s\n", srv.Addr, serverVersion)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "error", err)
		return err
	}
	return nil
}
