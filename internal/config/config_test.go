package config

import "testing"

func setEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	for k, v := range vars {
		t.Setenv(k, v)
	}
}

func TestLoadSucceedsWithAllVarsSet(t *testing.T) {
	setEnv(t, map[string]string{
		"PROXY_ADDR":       "0.0.0.0:8443",
		"PROMETHEUS_ADDR":  "0.0.0.0:9090",
		"SSL_CRT_PATH":     "/etc/tls/tls.crt",
		"SSL_KEY_PATH":     "/etc/tls/tls.key",
		"NODE_DNS":         "svc.cluster.local",
		"NODE_PORT":        "3001",
		"PROXY_NAMESPACE":  "demeter",
		"PROXY_TIERS_NAME": "tiers-config",
		"PROXY_TIERS_KEY":  "tiers.toml",
	})

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ProxyAddr != "0.0.0.0:8443" {
		t.Errorf("ProxyAddr = %q", cfg.ProxyAddr)
	}
	if cfg.UpstreamHostname("mainnet", "10") != "node-mainnet-10.svc.cluster.local" {
		t.Errorf("UpstreamHostname = %q", cfg.UpstreamHostname("mainnet", "10"))
	}
}

func TestLoadFailsOnFirstMissingVar(t *testing.T) {
	setEnv(t, map[string]string{
		"PROXY_ADDR":      "0.0.0.0:8443",
		"PROMETHEUS_ADDR": "0.0.0.0:9090",
	})
	// Remaining required vars are intentionally left unset.
	if _, err := Load(); err == nil {
		t.Fatal("expected an error when required vars are missing")
	}
}
