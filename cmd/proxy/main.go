package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chimera-pool/chimera-proxy-core/internal/api"
	"github.com/chimera-pool/chimera-proxy-core/internal/config"
	"github.com/chimera-pool/chimera-proxy-core/internal/control"
	"github.com/chimera-pool/chimera-proxy-core/internal/logging"
	"github.com/chimera-pool/chimera-proxy-core/internal/monitoring"
	"github.com/chimera-pool/chimera-proxy-core/internal/oracle"
	"github.com/chimera-pool/chimera-proxy-core/internal/proxy"
)

const shutdownGrace = 5 * time.Second

func main() {
	configPath := flag.String("config", config.GetEnv("DPMP_CONFIG", "config_v2.json"), "path to the proxy config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logging.New(logging.Options{
		Level: cfg.Logging.Level,
		Allow: cfg.Logging.Allow,
		Deny:  cfg.Logging.Deny,
	})
	for _, w := range cfg.Warnings {
		log.Event("config_safety_clamped", logging.Fields{"detail": w})
	}
	log.Event("config_loaded", logging.Fields{
		"config": *configPath,
		"listen": fmt.Sprintf("%s:%d", cfg.Listen.Host, cfg.Listen.Port),
	})

	// The mode flag and chart history are runtime artifacts of the last run;
	// each boot starts from the config defaults.
	for _, rmErr := range control.RemoveStartupFiles(cfg.OracleModePath(), cfg.ChartHistoryPath()) {
		log.Event("startup_file_remove_failed", logging.Fields{"err": rmErr.Error()})
	}

	met := monitoring.New()
	srv := proxy.NewServer(cfg, log, met)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics + status API share one HTTP listener. A bind failure here is
	// tolerated; the proxy keeps serving miners.
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", met.Handler())
		mux.Handle("/api/", api.NewHandler(cfg, srv))
		httpSrv := &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			log.Event("metrics_started", logging.Fields{"addr": httpSrv.Addr})
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Event("metrics_start_failed", logging.Fields{"addr": httpSrv.Addr, "err": err.Error()})
			}
		}()
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			httpSrv.Shutdown(shutdownCtx)
		}()
	}

	// The oracle runs whenever the chain labels are valid; whether it writes
	// weights is arbitrated per cycle by the mode file.
	if worker, err := oracle.New(cfg, log, met); err == nil {
		go worker.Run(ctx)
		log.Event("oracle_task_started", logging.Fields{"auto_balance": cfg.Scheduler.AutoBalance})
	} else {
		log.Event("oracle_disabled_invalid_chains", logging.Fields{
			"chain_a": cfg.PoolA.Chain, "chain_b": cfg.PoolB.Chain,
		})
	}

	if err := srv.ListenAndServe(ctx); err != nil {
		log.Event("fatal_listen_error", logging.Fields{"err": err.Error()})
		os.Exit(1)
	}

	log.Event("shutdown_begin", nil)
	srv.Shutdown(shutdownGrace)
	log.Event("process_exiting", nil)
}
