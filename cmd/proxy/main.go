// Command proxy runs the Cardano node proxy: a TLS-terminating,
// multi-tenant reverse proxy that admits connections against a live
// consumer/tier registry and forwards bytes to the resolved upstream node.
package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/demeter-run/cardano-node-proxy/internal/admission"
	"github.com/demeter-run/cardano-node-proxy/internal/adminserver"
	"github.com/demeter-run/cardano-node-proxy/internal/config"
	"github.com/demeter-run/cardano-node-proxy/internal/consumerwatch"
	"github.com/demeter-run/cardano-node-proxy/internal/listener"
	"github.com/demeter-run/cardano-node-proxy/internal/metrics"
	"github.com/demeter-run/cardano-node-proxy/internal/registry"
	"github.com/demeter-run/cardano-node-proxy/internal/tierwatch"
	"github.com/demeter-run/cardano-node-proxy/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.WithErrKind(logging.Default, err).Fatal("loading configuration")
	}

	kubeCfg, err := loadKubeConfig()
	if err != nil {
		logging.WithErrKind(logging.Default, err).Fatal("loading kubernetes config")
	}
	clientset, err := kubernetes.NewForConfig(kubeCfg)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Fatal("building kubernetes clientset")
	}
	dynClient, err := dynamic.NewForConfig(kubeCfg)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Fatal("building dynamic kubernetes client")
	}

	reg := registry.New()
	promReg := prometheus.NewRegistry()
	mx := metrics.New(promReg)
	adm := admission.New(reg, cfg, mx)

	ln, err := listener.New(cfg.ProxyAddr, cfg.SSLCrtPath, cfg.SSLKeyPath, reg, mx, adm)
	if err != nil {
		logging.WithErrKind(logging.Default, err).Fatal("binding proxy listener")
	}

	admin := adminserver.New(cfg.PrometheusAddr, promReg, reg)

	consumerWatcher := consumerwatch.New(dynClient, cfg.ProxyNamespace, reg)
	tierWatcher := tierwatch.New(clientset, cfg.ProxyNamespace, cfg.ProxyTiersName, cfg.ProxyTiersKey, reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := tierWatcher.Run(ctx); err != nil {
			logging.WithErrKind(logging.Default, err).Fatal("tier watcher exited fatally")
		}
	}()

	go func() {
		if err := consumerWatcher.Run(ctx); err != nil {
			logging.WithErrKind(logging.Default, err).Fatal("consumer watcher exited fatally")
		}
	}()

	go func() {
		if err := admin.ListenAndServe(); err != nil {
			logging.WithErrKind(logging.Default, err).Error("admin server exited")
		}
	}()

	go func() {
		if err := ln.Serve(ctx); err != nil {
			logging.WithErrKind(logging.Default, err).Error("proxy listener exited")
			cancel()
		}
	}()

	<-sigCh
	logging.Default.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = admin.Shutdown(shutdownCtx)

	time.Sleep(2 * time.Second)
	logging.Default.Info("shutdown complete")
}

// loadKubeConfig prefers in-cluster config (the proxy's normal deployment
// mode) and falls back to the local kubeconfig for development.
func loadKubeConfig() (*rest.Config, error) {
	if cfg, err := rest.InClusterConfig(); err == nil {
		return cfg, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return clientcmd.BuildConfigFromFlags("", filepath.Join(home, ".kube", "config"))
}
