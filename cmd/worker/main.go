// Command worker runs batch workers without the HTTP API. Any number of
// them may share one Redis queue.
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

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/analyzer-engine/internal/bootstrap"
	"github.com/bryanwahyu/analyzer-engine/internal/config"
	"github.com/bryanwahyu/analyzer-engine/internal/logging"
	"github.com/bryanwahyu/analyzer-engine/internal/middleware"
)

func main() {
	path := "config.yaml"
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		path = v
	}

	cfg, err := config.Load(path)
	if err != nil {
		logrus.WithError(err).Fatal("config load error")
	}
	logging.Configure(cfg.Logging)
	log := logging.For("worker")

	if cfg.Queue.Driver != "redis" {
		log.Fatal("a standalone worker needs queue.driver=redis; the memory queue only serves embedded workers")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("startup failed")
	}
	defer app.Close()

	// health and metrics only
	mux := http.NewServeMux()
	mux.Handle("/health", middleware.HealthHandler(app.Checkers))
	mux.HandleFunc("/livez", middleware.LivenessHandler)
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(app.Registry, promhttp.HandlerOpts{}))
	}
	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Server.Port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("health server error")
		}
	}()

	app.Worker.Start(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	log.Info("worker stopped")
}
