package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// ErrMissingEndpoints is the fatal configuration error: without a store
// endpoint there is no degraded mode, the process must not start.
var ErrMissingEndpoints = fmt.Errorf("configuration error: etcd_endpoints is required")

// Config holds all configuration for the broker and worker nodes.
// The mapstructure tags are used by Viper to unmarshal the data.
type Config struct {
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	EtcdTimeout   time.Duration `mapstructure:"etcd_timeout"`

	// EtcdInsecureSkipTLSVerify accepts server certificates that cannot be
	// chain-validated. Some managed etcd deployments present such certs;
	// this is a deliberate, scoped trust relaxation, not a default.
	EtcdInsecureSkipTLSVerify bool `mapstructure:"etcd_insecure_skip_tls_verify"`

	HttpListenAddr string `mapstructure:"http_listen_addr"`

	// ClaimTTL is the lease duration a worker holds on an active job.
	// If the worker dies and stops refreshing the lease, the job is
	// requeued by the maintenance sweep.
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`

	// MaintenanceInterval is how often the leader promotes due delayed
	// jobs and requeues orphaned active ones.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`
	// RetentionInterval is how often the leader runs the eviction sweep.
	RetentionInterval time.Duration `mapstructure:"retention_interval"`

	LeaderElectionTTL time.Duration `mapstructure:"leader_election_ttl"`

	// CompressorURL is the compression service endpoint the reference
	// worker posts claimed payloads to.
	CompressorURL string `mapstructure:"compressor_url"`
}

// Load loads configuration from file and environment variables.
// A missing etcd endpoint is a hard error: callers are expected to exit.
func Load() (*Config, error) {
	viper.SetDefault("etcd_timeout", "5s")
	viper.SetDefault("http_listen_addr", ":8080")
	viper.SetDefault("claim_ttl", "30s")
	viper.SetDefault("maintenance_interval", "30s")
	viper.SetDefault("retention_interval", "5m")
	viper.SetDefault("leader_election_ttl", "10s")

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// No config file is fine, defaults and env vars still apply.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.EtcdEndpoints) == 0 {
		return nil, ErrMissingEndpoints
	}

	return &cfg, nil
}
