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

	"waterWise/config"
	"waterWise/internal/app"
	"waterWise/internal/lib/logger/handlers/slogpretty"
	"waterWise/internal/lib/logger/sl"
	"waterWise/pkg/utils"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := setupLogger(cfg.Env)

	// Create cancellable context
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize app
	log.Info("initializing app",
		slog.String("env", cfg.Env),
		slog.String("store", cfg.StoreDriver),
		slog.String("remote", cfg.RemoteDriver),
	)
	a, err := app.NewApp(ctx, log, cfg)
	if err != nil {
		log.Error("failed to initialize app", sl.Err(err))
		os.Exit(1)
	}

	// !!! For DEMO purposes, generate random readings
	// This is not for production use!
	if cfg.DemoMode {
		go runDemo(ctx, log, a)
	}

	// Set up HTTP server
	httpAddr := fmt.Sprintf(":%s", cfg.HTTPPort)
	httpServer := a.NewHTTPServer(httpAddr)
	go func() {
		log.Info("HTTP server listening", slog.String("addr", httpAddr))
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", sl.Err(err))
			cancel()
		}
	}()

	runErr := a.Run(ctx)
	if runErr != nil {
		log.Error("engine stopped", sl.Err(runErr))
	}
	cancel()

	// Create a timeout context for graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	log.Info("shutting down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", sl.Err(err))
	}

	log.Info("cleaning up app resources...")
	a.Cleanup()

	log.Info("service stopped")
	if runErr != nil {
		os.Exit(1)
	}
}

func runDemo(ctx context.Context, log *slog.Logger, a *app.AppContext) {
	gen := utils.NewReadingGenerator(a.Config.DeviceIDs, time.Now().UnixNano())
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	log.Info("starting reading generator...")
	for {
		select {
		case <-ctx.Done():
			log.Info("reading generator stopped")
			return
		case now := <-ticker.C:
			if err := a.PublishDemo(ctx, gen.Generate(10, now)); err != nil && ctx.Err() == nil {
				log.Warn("demo publish failed", sl.Err(err))
			}
		}
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = setupPrettySlog()
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envProd:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}

func setupPrettySlog() *slog.Logger {
	opts := slogpretty.PrettyHandlerOptions{
		SlogOpts: &slog.HandlerOptions{
			Level: slog.LevelDebug,
		},
	}

	handler := opts.NewPrettyHandler(os.Stdout)

	return slog.New(handler)
}
