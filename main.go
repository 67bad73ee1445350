package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/evilmartians/clinicsync/config"
	"github.com/evilmartians/clinicsync/internal/apiclient"
	"github.com/evilmartians/clinicsync/internal/connectivity"
	"github.com/evilmartians/clinicsync/internal/journal"
	"github.com/evilmartians/clinicsync/internal/offline"
	"github.com/evilmartians/clinicsync/internal/proxy"
	"github.com/evilmartians/clinicsync/server"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	wd, err := os.Getwd()
	if err != nil {
		log.Fatal(err)
	}

	configDir := flag.String("config", wd, "directory holding config.yaml")
	flag.Parse()

	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.WithError(err).Fatal("reading config")
	}

	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.WithError(err).Fatal("log level")
	}
	log.SetLevel(level)

	client, err := apiclient.NewClient(cfg)
	if err != nil {
		log.WithError(err).Fatal("api client")
	}

	var (
		opts      []offline.Option
		proxyOpts []proxy.Option
	)

	var replayJournal *journal.SQLiteJournal
	if cfg.Journal.Path != "" {
		replayJournal, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			log.WithError(err).Fatal("opening journal")
		}
		opts = append(opts, offline.WithJournal(replayJournal))
		proxyOpts = append(proxyOpts, proxy.WithJournal(replayJournal))
	}

	// Offline until the first probe says otherwise
	queue := offline.New(client, cfg, append(opts, offline.WithOnline(false))...)

	monitor, err := connectivity.NewMonitor(cfg, &http.Client{Timeout: cfg.API.RequestTimeout}, queue.SetOnline)
	if err != nil {
		log.WithError(err).Fatal("connectivity monitor")
	}

	p := proxy.NewProxy(cfg, queue, proxyOpts...)
	metrics := server.NewMetrics(cfg, queue, prometheus.DefaultRegisterer)

	srv := &http.Server{
		Addr:         cfg.Server.Bind,
		Handler:      server.Middleware(p),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.API.RequestTimeout + 5*time.Second,
	}

	ctx, stopMonitor := context.WithCancel(context.Background())
	go monitor.Run(ctx)

	metrics.Start()

	go func() {
		log.WithField("bind", cfg.Server.Bind).Info("Starting server...")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.WithError(err).Fatal("server error")
		}
	}()

	// Handle shutdowns gracefully
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM)

	<-signalChan
	log.Info("Shutting down gracefully...")

	gracefulCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	stopMonitor()

	if err := srv.Shutdown(gracefulCtx); err != nil {
		log.WithError(err).Error("stopping server")
	}
	if err := p.Stop(gracefulCtx); err != nil {
		log.WithError(err).Error("stopping proxy")
	}
	queueErr := queue.Shutdown(gracefulCtx)
	if queueErr != nil {
		log.WithError(queueErr).Error("stopping offline queue")
	}
	if err := client.Shutdown(gracefulCtx); err != nil {
		log.WithError(err).Error("stopping api client")
	}
	if err := metrics.Shutdown(gracefulCtx); err != nil {
		log.WithError(err).Error("stopping metrics")
	}

	if pending := queue.PendingCount(); pending > 0 {
		log.WithField("pending", pending).Warn("pending requests are lost on exit")
	}

	// A cancelled pass may still be recording
	if replayJournal != nil && queueErr == nil {
		if err := replayJournal.Shutdown(); err != nil {
			log.WithError(err).Error("closing journal")
		}
	}

	log.Info("Gracefully stopped")
}
