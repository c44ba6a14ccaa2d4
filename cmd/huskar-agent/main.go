package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/huskar/internal/audit"
	"github.com/ocx/huskar/internal/config"
	"github.com/ocx/huskar/internal/eventsink"
	"github.com/ocx/huskar/internal/telemetry"
	"github.com/ocx/huskar/pkg/huskar"
)

func main() {
	configPath := flag.String("config", "", "path to huskar-agent YAML config (optional; env vars always apply)")
	metricsAddr := flag.String("metrics-addr", ":9091", "address to serve /metrics and /healthz on")
	flag.Parse()

	slog.Info("starting huskar-agent")

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("load configuration", "err", err)
		os.Exit(1)
	}

	var auditLog *audit.Log
	if cfg.Audit.Enabled {
		auditLog, err = audit.Open(cfg.Audit.DSN)
		if err != nil {
			slog.Error("open audit log", "err", err)
			os.Exit(1)
		}
		defer auditLog.Close()
	}

	var events eventsink.Sink
	if cfg.Events.PubSubProjectID != "" {
		sink, err := eventsink.NewPubSubSink(cfg.Events.PubSubProjectID, cfg.Events.PubSubTopicID)
		if err != nil {
			slog.Error("open event sink", "err", err)
			os.Exit(1)
		}
		defer sink.Close()
		events = sink
	}

	registry := prometheus.NewRegistry()
	collector := telemetry.NewCollector(registry)

	client, err := huskar.NewClient(huskar.ClientConfig{
		Loaded:  cfg,
		Metrics: collector,
		Events:  events,
		Audit:   auditLog,
	})
	if err != nil {
		slog.Error("start huskar client", "err", err)
		os.Exit(1)
	}
	defer client.Close()

	router := mux.NewRouter()
	router.Handle("/metrics", collector.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: *metricsAddr, Handler: router}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server failed", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("huskar-agent running", "metrics_addr", *metricsAddr, "app_id", cfg.Backend.AppID, "cluster", cfg.Backend.Cluster)
	<-ctx.Done()

	slog.Info("huskar-agent shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(shutdownCtx)
}
