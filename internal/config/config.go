// Package config loads the relay's runtime configuration. Values come from
// the environment first; when VAULT_ADDR is set, secrets stored in Vault
// (KV v2) override their environment counterparts so connection strings
// never have to live in deployment manifests.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// Defaults applied when neither the environment nor Vault provides a value.
const (
	DefaultPort                = "8080"
	DefaultReplicationInterval = 5 * time.Second
	DefaultVaultSecretPath     = "secret/data/tisane/relay"
)

// Config is the fully resolved relay configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port string
	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string
	// RelayID identifies this relay in the loop-suppression header. Generated
	// per process when not configured, which is fine for single-instance
	// deployments; meshes should pin it so restarts keep the same identity.
	RelayID uuid.UUID
	// ReplicationInterval is the pause between replication fan-out cycles.
	ReplicationInterval time.Duration
	// NATSURL enables the ingest feed when non-empty.
	NATSURL string
	// OTELEndpoint enables tracing when non-empty (e.g. "jaeger:4317").
	OTELEndpoint string
}

// Load resolves the configuration from the environment, overlaying Vault
// secrets when VAULT_ADDR is set.
func Load() (Config, error) {
	vals := map[string]string{}
	for _, key := range []string{"PORT", "DATABASE_URL", "RELAY_ID", "REPLICATION_INTERVAL", "NATS_URL", "OTEL_EXPORTER_OTLP_ENDPOINT"} {
		vals[key] = os.Getenv(key)
	}

	if vaultAddr := os.Getenv("VAULT_ADDR"); vaultAddr != "" {
		vaultToken := os.Getenv("VAULT_TOKEN")
		secretPath := os.Getenv("VAULT_SECRET_PATH")
		if secretPath == "" {
			secretPath = DefaultVaultSecretPath
		}
		secrets, err := secretsFromVault(vaultAddr, vaultToken, secretPath)
		if err != nil {
			return Config{}, fmt.Errorf("load vault secrets: %w", err)
		}
		for k, v := range secrets {
			if v != "" {
				vals[k] = v
			}
		}
	}

	cfg := Config{
		Port:                vals["PORT"],
		DatabaseURL:         vals["DATABASE_URL"],
		ReplicationInterval: DefaultReplicationInterval,
		NATSURL:             vals["NATS_URL"],
		OTELEndpoint:        vals["OTEL_EXPORTER_OTLP_ENDPOINT"],
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	if v := vals["RELAY_ID"]; v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid RELAY_ID %q: %w", v, err)
		}
		cfg.RelayID = id
	} else {
		cfg.RelayID = uuid.New()
	}

	if v := vals["REPLICATION_INTERVAL"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid REPLICATION_INTERVAL %q", v)
		}
		cfg.ReplicationInterval = d
	}

	return cfg, nil
}
