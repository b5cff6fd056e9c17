package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/nova-chat/internal/handlers"
	"github.com/MegaGrindStone/nova-chat/internal/session"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long: `Run the HTTP server: POST /chat proxies completions to the configured LLM, and the browser
interface at / streams replies through it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	llm, err := cfg.llm(logger)
	if err != nil {
		return err
	}

	db, err := cfg.Store.open(cmd.Context())
	if err != nil {
		return err
	}
	defer db.Close()

	sessionCfg := session.Config{
		Endpoint: cfg.ChatURL,
		APIKey:   cfg.ChatAPIKey,
		Greeting: cfg.Greeting,
		Timeout:  cfg.RequestTimeout,
	}
	m, err := handlers.NewMain(llm, db, sessionCfg, nil, logger)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           m.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdownDone := make(chan struct{})
	srv.RegisterOnShutdown(func() {
		defer close(shutdownDone)
		if err := m.Shutdown(context.Background()); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String(errLoggerKey, err.Error()))
		}
	})

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	go func() {
		logger.Info("Server starting",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Backend))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String(errLoggerKey, err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String(errLoggerKey, err.Error()))
			}
		}

		// Pending message writes must land before the store closes.
		select {
		case <-shutdownDone:
		case <-ctx.Done():
		}
	}
	return nil
}
