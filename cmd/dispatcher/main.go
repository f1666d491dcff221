// Command dispatcher claims pending load-test tasks and launches one
// Task Runner subprocess per task, serving a health/metrics HTTP API
// alongside. Mirrors the teacher's cmd/tarsy/main.go wiring shape:
// load .env, build Config, open the database, wire services, start the
// gin server.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/MigoXLab/lmeterx/pkg/config"
	"github.com/MigoXLab/lmeterx/pkg/database"
	"github.com/MigoXLab/lmeterx/pkg/dispatcher"
	"github.com/MigoXLab/lmeterx/pkg/store"
)

func main() {
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "path to a .env file to load")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			log.Printf("warning: could not load %s: %v", *envFile, err)
		}
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("loading configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg)
	if err != nil {
		log.Fatalf("opening database: %v", err)
	}
	defer db.Close()

	st := store.New(db)
	launcher := dispatcher.NewOSProcessLauncher(cfg)
	d := dispatcher.New(cfg, st, launcher)

	if err := d.Start(ctx); err != nil {
		log.Fatalf("starting dispatcher: %v", err)
	}

	router := dispatcher.NewHTTPServer(d, db)
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: router}

	go func() {
		slog.Info("dispatcher HTTP server listening", "port", cfg.HTTPPort, "dispatcher_id", d.ID())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.GracefulShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}

	d.Stop()
	slog.Info("dispatcher stopped")
}
