// Package config loads the process configuration every coordinatord
// Node starts from: deployment topology, the Shared Store DSN, the
// Membership Service endpoints, retry tuning, and logging.
package config

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config holds every setting a Node needs at startup.
type Config struct {
	NumDeployments      int      `yaml:"numDeployments"`
	LocalDeployment     int      `yaml:"localDeployment"`
	MembershipHosts     []string `yaml:"membershipHosts"`
	SharedStoreDSN      string   `yaml:"sharedStoreDSN"`
	HeartbeatIntervalMs int      `yaml:"heartbeatIntervalMs"`
	EventRetryBackoffMs int      `yaml:"eventRetryBackoffMs"`
	EventRetryMax       int      `yaml:"eventRetryMax"`
	LogLevel            string   `yaml:"logLevel"`
	LogJSON             bool     `yaml:"logJSON"`
}

// Defaults returns the baseline Config, overridden by file and flags.
func Defaults() Config {
	return Config{
		NumDeployments:      1,
		LocalDeployment:     0,
		MembershipHosts:     []string{"127.0.0.1:2379"},
		SharedStoreDSN:      "postgres://localhost:5432/metasync",
		HeartbeatIntervalMs: 1000,
		EventRetryBackoffMs: 500,
		EventRetryMax:       5,
		LogLevel:            "info",
		LogJSON:             false,
	}
}

// Load reads a YAML file into Config, starting from Defaults. An empty
// path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyFlags overlays any cobra flags the caller explicitly set onto
// cfg, so command-line overrides win over the YAML file without
// clobbering unset fields with flag defaults.
func ApplyFlags(cfg Config, flags *pflag.FlagSet) Config {
	if flags.Changed("num-deployments") {
		cfg.NumDeployments, _ = flags.GetInt("num-deployments")
	}
	if flags.Changed("local-deployment") {
		cfg.LocalDeployment, _ = flags.GetInt("local-deployment")
	}
	if flags.Changed("membership-hosts") {
		cfg.MembershipHosts, _ = flags.GetStringSlice("membership-hosts")
	}
	if flags.Changed("shared-store-dsn") {
		cfg.SharedStoreDSN, _ = flags.GetString("shared-store-dsn")
	}
	if flags.Changed("heartbeat-interval-ms") {
		cfg.HeartbeatIntervalMs, _ = flags.GetInt("heartbeat-interval-ms")
	}
	if flags.Changed("event-retry-backoff-ms") {
		cfg.EventRetryBackoffMs, _ = flags.GetInt("event-retry-backoff-ms")
	}
	if flags.Changed("event-retry-max") {
		cfg.EventRetryMax, _ = flags.GetInt("event-retry-max")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.LogJSON, _ = flags.GetBool("log-json")
	}
	return cfg
}

// RegisterFlags adds every overridable Config field as a persistent
// flag on cmd, matching the teacher's global-flags idiom.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Defaults()
	flags.Int("num-deployments", d.NumDeployments, "Number of deployments in the cluster")
	flags.Int("local-deployment", d.LocalDeployment, "Deployment number this Node serves")
	flags.StringSlice("membership-hosts", d.MembershipHosts, "Membership Service (etcd) endpoints")
	flags.String("shared-store-dsn", d.SharedStoreDSN, "Shared Store (Postgres) connection string")
	flags.Int("heartbeat-interval-ms", d.HeartbeatIntervalMs, "Membership Service heartbeat interval, in milliseconds (coordinatord sets the lease TTL to ten times this)")
	flags.Int("event-retry-backoff-ms", d.EventRetryBackoffMs, "Event Subscriber reconnect backoff, in milliseconds")
	flags.Int("event-retry-max", d.EventRetryMax, "Event Subscriber max reconnect attempts before giving up")
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	flags.Bool("log-json", d.LogJSON, "Output logs in JSON format")
}

// Validate reports the first configuration error found, checked before
// any component is constructed.
func (c Config) Validate() error {
	if c.NumDeployments <= 0 {
		return fmt.Errorf("config: numDeployments must be positive, got %d", c.NumDeployments)
	}
	if c.LocalDeployment < 0 || c.LocalDeployment >= c.NumDeployments {
		return fmt.Errorf("config: localDeployment %d out of range [0,%d)", c.LocalDeployment, c.NumDeployments)
	}
	if len(c.MembershipHosts) == 0 {
		return fmt.Errorf("config: membershipHosts must not be empty")
	}
	if c.SharedStoreDSN == "" {
		return fmt.Errorf("config: sharedStoreDSN must not be empty")
	}
	if c.EventRetryMax <= 0 {
		return fmt.Errorf("config: eventRetryMax must be positive, got %d", c.EventRetryMax)
	}
	return nil
}
