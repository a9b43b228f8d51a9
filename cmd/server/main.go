package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"feedrunner/internal/api"
	"feedrunner/internal/config"
	"feedrunner/internal/runner"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the feedrunner config file")
	listenAddr := flag.String("listen", "", "Optional listen address override (falls back to config)")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Secrets live in .env or the environment, never in the YAML file.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	cfg.ApplyEnv()
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}
	if cfg.Server.SharedSecret == "" {
		log.Fatal("shared secret is required; set FEEDRUNNER_SHARED_SECRET or server.shared_secret")
	}

	if cfg.Server.LogFile != "" {
		logFile, err := os.OpenFile(cfg.Server.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err == nil {
			log.SetOutput(logFile)
			defer logFile.Close()
		} else {
			log.Printf("could not open log file %s, keeping stderr: %v", cfg.Server.LogFile, err)
		}
	}

	ctrl := runner.NewController(cfg)
	handler := api.NewHandler(ctrl, cfg.Server.SharedSecret)

	srv := &http.Server{
		Addr:        cfg.Server.ListenAddr,
		Handler:     handler.Router(),
		ReadTimeout: 30 * time.Second,
		// Start blocks through navigation retries and login waits, so
		// writes must not time out underneath it.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("%s %s control API listening on %s", cfg.Server.Name, cfg.Server.Version, srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("control API exited with error: %v", err)
		}
	}()

	<-ctx.Done()
	stop()
	log.Printf("shutting down")

	// Wind the session down first so artifacts are flushed before the
	// listener closes.
	if _, err := ctrl.Stop(); err != nil && !errors.Is(err, runner.ErrNoSession) {
		log.Printf("session stop during shutdown: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("control API forced to shut down: %v", err)
	}
}
