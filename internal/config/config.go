package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// DefaultConfigFile is read when LIVEDATA_CONFIG is not set
const DefaultConfigFile = "livedata.hcl"

// Config is the process configuration, decoded from an HCL file
type Config struct {
	Database   DatabaseConfig    `hcl:"database,block"`
	Source     SourceConfig      `hcl:"source,block"`
	Lock       *LockConfig       `hcl:"lock,block"`
	Dispatcher *DispatcherConfig `hcl:"dispatcher,block"`
	Sink       *SinkConfig       `hcl:"sink,block"`
	Metrics    *MetricsConfig    `hcl:"metrics,block"`
	Log        *LogConfig        `hcl:"log,block"`
	Watches    []WatchConfig     `hcl:"watch,block"`
}

// DatabaseConfig is the database the backend fetches from and the source captures
type DatabaseConfig struct {
	Driver string `hcl:"driver"`
	DSN    string `hcl:"dsn"`
}

// SourceConfig selects and tunes the change capture source
type SourceConfig struct {
	// Type is "mysql" (statement binlog) or "sqlserver" (CDC change tables)
	Type string `hcl:"type"`

	// mysql
	DSN      string `hcl:"dsn,optional"`
	ServerID int    `hcl:"server_id,optional"`
	Flavor   string `hcl:"flavor,optional"`

	// sqlserver
	PollInterval    string `hcl:"poll_interval,optional"`
	MaxPollInterval string `hcl:"max_poll_interval,optional"`
	MaxBatchBytes   int    `hcl:"max_batch_bytes,optional"`
}

// GetPollInterval returns the PollInterval as a time.Duration, 1s when unset
func (s SourceConfig) GetPollInterval() (time.Duration, error) {
	return parseDuration(s.PollInterval, time.Second)
}

// GetMaxPollInterval returns the MaxPollInterval as a time.Duration, 30s when unset
func (s SourceConfig) GetMaxPollInterval() (time.Duration, error) {
	return parseDuration(s.MaxPollInterval, 30*time.Second)
}

// LockConfig represents the configuration for distributed locking
type LockConfig struct {
	Type             string `hcl:"type"` // "azure_blob" or "none"
	ConnectionString string `hcl:"connection_string,optional"`
	ContainerName    string `hcl:"container_name,optional"`
	TTL              string `hcl:"ttl,optional"`
}

// GetTTL returns the lease TTL, 60s when unset
func (l LockConfig) GetTTL() (time.Duration, error) {
	return parseDuration(l.TTL, 60*time.Second)
}

// DispatcherConfig tunes the dispatcher
type DispatcherConfig struct {
	FetchTimeout string `hcl:"fetch_timeout,optional"`
}

// GetFetchTimeout returns the fetch timeout, zero (unbounded) when unset
func (d DispatcherConfig) GetFetchTimeout() (time.Duration, error) {
	return parseDuration(d.FetchTimeout, 0)
}

// SinkConfig selects where watched changes are delivered
type SinkConfig struct {
	Type          string `hcl:"type"` // "nats" or "log"
	URL           string `hcl:"url,optional"`
	SubjectPrefix string `hcl:"subject_prefix,optional"`
}

// MetricsConfig enables the prometheus endpoint
type MetricsConfig struct {
	Listen string `hcl:"listen"`
}

// LogConfig configures the process logger
type LogConfig struct {
	Level string `hcl:"level,optional"`
	JSON  bool   `hcl:"json,optional"`
}

// WatchConfig watches the rows of a table whose key column takes one of Keys. A join follows
// the watched rows to a related table and may itself hold one join.
type WatchConfig struct {
	Name      string       `hcl:"name,label"`
	Schema    string       `hcl:"schema"`
	Table     string       `hcl:"table"`
	KeyColumn string       `hcl:"key_column,optional"`
	Keys      []string     `hcl:"keys,optional"`
	Joins     []JoinConfig `hcl:"join,block"`
}

// JoinConfig follows the ids matched by the enclosing view into another table
type JoinConfig struct {
	Schema   string       `hcl:"schema"`
	Table    string       `hcl:"table"`
	JoinedOn string       `hcl:"joined_on"`
	Joins    []JoinConfig `hcl:"join,block"`
}

// ConfigFile returns the config path from LIVEDATA_CONFIG or the default
func ConfigFile() string {
	if path := os.Getenv("LIVEDATA_CONFIG"); path != "" {
		return path
	}
	return DefaultConfigFile
}

// LoadConfig decodes and validates the HCL file at path
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes and validates HCL source; filename only names the source in diagnostics and
// must end in .hcl
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first missing or malformed setting
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return missing("database.driver")
	}
	if c.Database.DSN == "" {
		return missing("database.dsn")
	}

	switch c.Source.Type {
	case "mysql":
	case "sqlserver":
		if _, err := c.Source.GetPollInterval(); err != nil {
			return fmt.Errorf("invalid source.poll_interval: %w", err)
		}
		if _, err := c.Source.GetMaxPollInterval(); err != nil {
			return fmt.Errorf("invalid source.max_poll_interval: %w", err)
		}
	case "":
		return missing("source.type")
	default:
		return fmt.Errorf("unsupported source type: %s", c.Source.Type)
	}

	if c.Lock != nil {
		switch c.Lock.Type {
		case "none":
		case "azure_blob":
			if c.Lock.ConnectionString == "" {
				return missing("lock.connection_string")
			}
			if c.Lock.ContainerName == "" {
				return missing("lock.container_name")
			}
			if _, err := c.Lock.GetTTL(); err != nil {
				return fmt.Errorf("invalid lock.ttl: %w", err)
			}
		default:
			return fmt.Errorf("unsupported lock type: %s", c.Lock.Type)
		}
	}

	if c.Dispatcher != nil {
		if _, err := c.Dispatcher.GetFetchTimeout(); err != nil {
			return fmt.Errorf("invalid dispatcher.fetch_timeout: %w", err)
		}
	}

	if c.Sink != nil {
		switch c.Sink.Type {
		case "log":
		case "nats":
			if c.Sink.URL == "" {
				return missing("sink.url")
			}
		default:
			return fmt.Errorf("unsupported sink type: %s", c.Sink.Type)
		}
	}

	names := make(map[string]bool, len(c.Watches))
	for _, w := range c.Watches {
		if names[w.Name] {
			return fmt.Errorf("duplicate watch %q", w.Name)
		}
		names[w.Name] = true
		if w.Schema == "" || w.Table == "" {
			return missing(fmt.Sprintf("watch %q schema and table", w.Name))
		}
		if err := validateJoins(w.Name, w.Joins); err != nil {
			return err
		}
	}
	return nil
}

func validateJoins(watch string, joins []JoinConfig) error {
	if len(joins) > 1 {
		return fmt.Errorf("watch %q: a view joins at most one table", watch)
	}
	for _, j := range joins {
		if j.Schema == "" || j.Table == "" || j.JoinedOn == "" {
			return missing(fmt.Sprintf("watch %q join schema, table and joined_on", watch))
		}
		if err := validateJoins(watch, j.Joins); err != nil {
			return err
		}
	}
	return nil
}

// SinkType returns the configured sink, "log" when none is configured
func (c *Config) SinkType() string {
	if c.Sink == nil {
		return "log"
	}
	return strings.ToLower(c.Sink.Type)
}

// LockType returns the configured lock, "none" when none is configured
func (c *Config) LockType() string {
	if c.Lock == nil {
		return "none"
	}
	return c.Lock.Type
}

func missing(name string) error {
	return fmt.Errorf("missing required config: %s", name)
}

func parseDuration(value string, fallback time.Duration) (time.Duration, error) {
	if value == "" {
		return fallback, nil
	}
	return time.ParseDuration(value)
}
