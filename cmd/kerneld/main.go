// Command kerneld is the minimal runnable entry point for the kernel
// façade: load a cluster config, open the store, launch the subcluster it
// describes, and keep the crank loop running until terminated (spec §4
// MODULE LAYOUT: "cmd/kerneld/ ... not a control surface, just func main").
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ocapkernel/kernel/config"
	"github.com/ocapkernel/kernel/kernel"
	"github.com/ocapkernel/kernel/klog"
	"github.com/ocapkernel/kernel/store"
)

func main() {
	var (
		configPath  = flag.String("config", "kerneld.yaml", "path to the kernel config (storePath, reconnect policy, verbosity)")
		clusterPath = flag.String("cluster", "", "path to a ClusterConfig to launch on startup (yaml); optional")
		metricsAddr = flag.String("metrics-addr", ":9090", "address to serve /metrics on")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorw("kerneld: load config", "path", *configPath, "err", err)
		os.Exit(1)
	}
	klog.SetVerbosity(cfg.Verbosity)

	s, err := store.Open(cfg.StorePath)
	if err != nil {
		log.Errorw("kerneld: open store", "path", cfg.StorePath, "err", err)
		os.Exit(1)
	}
	defer func() { _ = s.Close() }()

	reg := prometheus.NewRegistry()
	k := kernel.New(s, config.NewOwner(cfg), newSubprocessLauncher(), nil, nil, reg)
	if err := k.Init(); err != nil {
		log.Errorw("kerneld: init", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	k.Start(ctx)

	if *clusterPath != "" {
		cc, err := loadClusterConfig(*clusterPath)
		if err != nil {
			log.Errorw("kerneld: load cluster config", "path", *clusterPath, "err", err)
			os.Exit(1)
		}
		if _, err := k.LaunchSubcluster(ctx, "default", cc); err != nil {
			log.Errorw("kerneld: launch subcluster", "err", err)
			os.Exit(1)
		}
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		log.Infow("kerneld: serving metrics", "addr", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, mux); err != nil && ctx.Err() == nil {
			log.Errorw("kerneld: metrics server", "err", err)
		}
	}()

	<-ctx.Done()
	log.Infow("kerneld: shutting down")
	k.Stop()
}
