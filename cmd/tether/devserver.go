package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hyperengineering/tether/internal/config"
	"github.com/hyperengineering/tether/internal/devserver"
)

var devserverCmd = &cobra.Command{
	Use:   "devserver",
	Short: "Run a local sync backend for development and integration testing",
	RunE:  runDevserver,
}

func runDevserver(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(newLogHandler(cfg.Log))
	slog.SetDefault(logger)

	apiKey := cfg.Remote.APIKey
	if apiKey == "" {
		apiKey = "dev"
		slog.Warn("no API key configured, using \"dev\"")
	}

	srv := devserver.NewServer(apiKey)
	addr := fmt.Sprintf(":%d", cfg.DevServer.Port)
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      srv.Router(),
		ReadTimeout:  time.Duration(cfg.DevServer.ReadTimeout),
		WriteTimeout: time.Duration(cfg.DevServer.WriteTimeout),
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		slog.Info("devserver starting", "address", addr)
		if err := httpSrv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("devserver error", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("devserver shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.DevServer.ShutdownTimeout))
	defer cancel()

	return httpSrv.Shutdown(shutdownCtx)
}
