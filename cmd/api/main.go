package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	_ "github.com/joho/godotenv/autoload"

	"github.com/codecloud/vps-control-plane/internal/api"
	"github.com/codecloud/vps-control-plane/internal/app"
	"github.com/codecloud/vps-control-plane/internal/config"
)

func main() {
	cfg, err := config.Load(os.Getenv("CC_CONFIG_FILE"))
	if err != nil {
		log.Fatal("load config", "err", err)
	}
	if err := config.ConfigureLogging(cfg); err != nil {
		log.Fatal("configure logging", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	services, err := app.Open(ctx, cfg)
	if err != nil {
		log.Error("open services", "err", err)
		os.Exit(1)
	}
	defer services.Close()

	srv := newServer(cfg, api.NewRouter(cfg, services.Deps()))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("vps-control-plane listening", "addr", cfg.ListenAddr, "kv", cfg.KVBackend, "host", cfg.HostProvider)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server", "err", err)
		services.Close()
		os.Exit(1)
	}
}

func newServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:        cfg.ListenAddr,
		Handler:     handler,
		ReadTimeout: 30 * time.Second,
		// Provisioning holds the response until the workflow has started.
		WriteTimeout: 3*time.Minute + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
