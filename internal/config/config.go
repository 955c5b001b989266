// Package config loads the proxy's environment-driven configuration.
package config

import (
	"fmt"
	"os"

	"github.com/demeter-run/cardano-node-proxy/pkg/proxyerr"
)

// Config holds every environment-sourced setting the proxy needs at startup.
// All fields are required; Load fails fast if any is absent, matching the
// original implementation's "must be set" startup contract.
type Config struct {
	ProxyAddr      string
	PrometheusAddr string
	SSLCrtPath     string
	SSLKeyPath     string
	NodeDNS        string
	NodePort       string
	ProxyNamespace string
	ProxyTiersName string
	ProxyTiersKey  string
}

// Load reads Config from the process environment, returning a ConfigError
// for the first missing required variable.
func Load() (*Config, error) {
	get := func(name string) (string, error) {
		v := os.Getenv(name)
		if v == "" {
			return "", proxyerr.New(proxyerr.ConfigError, fmt.Sprintf("%s must be set", name))
		}
		return v, nil
	}

	var cfg Config
	var err error
	fields := []struct {
		name string
		dst  *string
	}{
		{"PROXY_ADDR", &cfg.ProxyAddr},
		{"PROMETHEUS_ADDR", &cfg.PrometheusAddr},
		{"SSL_CRT_PATH", &cfg.SSLCrtPath},
		{"SSL_KEY_PATH", &cfg.SSLKeyPath},
		{"NODE_DNS", &cfg.NodeDNS},
		{"NODE_PORT", &cfg.NodePort},
		{"PROXY_NAMESPACE", &cfg.ProxyNamespace},
		{"PROXY_TIERS_NAME", &cfg.ProxyTiersName},
		{"PROXY_TIERS_KEY", &cfg.ProxyTiersKey},
	}
	for _, f := range fields {
		*f.dst, err = get(f.name)
		if err != nil {
			return nil, err
		}
	}

	return &cfg, nil
}

// UpstreamHostname composes the bare DNS name of the node instance serving a
// given (network, version) pair, per the upstream naming scheme in §6. It
// carries no port; callers needing an addr pair it with c.NodePort via
// net.JoinHostPort.
func (c *Config) UpstreamHostname(network, version string) string {
	return fmt.Sprintf("node-%s-%s.%s", network, version, c.NodeDNS)
}
