// Package config loads docsync settings from a config file, DOCSYNC_*
// environment variables and command-line flags, in increasing priority.
//
// Example:
//
//	v := viper.New()
//	_ = v.BindPFlags(cmd.Flags())
//	settings, err := config.Load(v, "docsync.yaml")
//	if err != nil {
//	    return err
//	}
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "DOCSYNC"

// Backend names.
const (
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// GCDisabled as the cache size threshold turns garbage collection off.
const GCDisabled int64 = -1

// Settings is the complete docsync configuration.
type Settings struct {
	Persistence PersistenceSettings `mapstructure:"persistence" yaml:"persistence"`
	GC          GCSettings          `mapstructure:"gc" yaml:"gc"`
	Lease       LeaseSettings       `mapstructure:"lease" yaml:"lease"`
	Backfill    BackfillSettings    `mapstructure:"backfill" yaml:"backfill"`
	Sync        SyncSettings        `mapstructure:"sync" yaml:"sync"`
	QueryEngine QueryEngineSettings `mapstructure:"query_engine" yaml:"query_engine"`
	Logging     LoggingSettings     `mapstructure:"logging" yaml:"logging"`
	Dashboard   DashboardSettings   `mapstructure:"dashboard" yaml:"dashboard"`
}

// PersistenceSettings selects and locates the local store.
type PersistenceSettings struct {
	// Backend is "sqlite" or "memory".
	Backend string `mapstructure:"backend" yaml:"backend"`
	// Path is the SQLite database file.
	Path string `mapstructure:"path" yaml:"path"`
	// SynchronizeClients lets several processes share the store. When false
	// the first client takes exclusive ownership.
	SynchronizeClients bool `mapstructure:"synchronize_clients" yaml:"synchronize_clients"`
	// ForceOwnership takes the primary lease even if another client holds it.
	ForceOwnership bool `mapstructure:"force_ownership" yaml:"force_ownership"`
}

// GCSettings configures the LRU garbage collector.
type GCSettings struct {
	// CacheSizeBytes is the size above which collection runs; -1 disables.
	CacheSizeBytes int64 `mapstructure:"cache_size_bytes" yaml:"cache_size_bytes"`
	// Percentile of sequence numbers collected per run.
	Percentile int `mapstructure:"percentile" yaml:"percentile"`
	// MaxSequenceNumbers caps the sequence numbers collected per run.
	MaxSequenceNumbers int           `mapstructure:"max_sequence_numbers" yaml:"max_sequence_numbers"`
	InitialDelay       time.Duration `mapstructure:"initial_delay" yaml:"-"`
	Interval           time.Duration `mapstructure:"interval" yaml:"-"`
}

// LeaseSettings configures the primary lease.
type LeaseSettings struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval" yaml:"-"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"-"`
	// ClientMaxAge is how long an unrefreshed client row is kept.
	ClientMaxAge time.Duration `mapstructure:"client_max_age" yaml:"-"`
	// PollInterval is how often other clients' changes are checked for in
	// addition to file notifications.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"-"`
}

// BackfillSettings configures the index backfiller.
type BackfillSettings struct {
	InitialDelay time.Duration `mapstructure:"initial_delay" yaml:"-"`
	Interval     time.Duration `mapstructure:"interval" yaml:"-"`
	MaxDocuments int           `mapstructure:"max_documents" yaml:"max_documents"`
}

// SyncSettings configures the sync engine.
type SyncSettings struct {
	MaxConcurrentLimboResolutions int `mapstructure:"max_concurrent_limbo_resolutions" yaml:"max_concurrent_limbo_resolutions"`
}

// QueryEngineSettings tunes local query execution.
type QueryEngineSettings struct {
	// IndexAutoCreation builds indexes for queries that scanned too much.
	IndexAutoCreation bool `mapstructure:"index_auto_creation" yaml:"index_auto_creation"`
	// MinCollectionSize is the smallest collection considered for an
	// automatic index.
	MinCollectionSize int `mapstructure:"min_collection_size" yaml:"min_collection_size"`
	// RelativeIndexReadCost is the cost of reading one document through an
	// index relative to a full scan read.
	RelativeIndexReadCost float64 `mapstructure:"relative_index_read_cost" yaml:"relative_index_read_cost"`
}

// LoggingSettings configures the root logger.
type LoggingSettings struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
	File   string `mapstructure:"file" yaml:"file,omitempty"`
}

// DashboardSettings configures the dashboard server.
type DashboardSettings struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// DefaultSettings returns the built-in defaults.
func DefaultSettings() *Settings {
	return &Settings{
		Persistence: PersistenceSettings{
			Backend:            BackendSQLite,
			Path:               ".docsync/docsync.db",
			SynchronizeClients: true,
		},
		GC: GCSettings{
			CacheSizeBytes:     40 * 1024 * 1024,
			Percentile:         10,
			MaxSequenceNumbers: 1000,
			InitialDelay:       time.Minute,
			Interval:           5 * time.Minute,
		},
		Lease: LeaseSettings{
			RefreshInterval: 4 * time.Second,
			MaxAge:          5 * time.Second,
			ClientMaxAge:    30 * time.Minute,
			PollInterval:    time.Second,
		},
		Backfill: BackfillSettings{
			InitialDelay: 15 * time.Second,
			Interval:     time.Minute,
			MaxDocuments: 50,
		},
		Sync: SyncSettings{
			MaxConcurrentLimboResolutions: 100,
		},
		QueryEngine: QueryEngineSettings{
			MinCollectionSize:     100,
			RelativeIndexReadCost: 2,
		},
		Logging: LoggingSettings{
			Level:  "info",
			Format: "console",
		},
		Dashboard: DashboardSettings{
			Addr: "127.0.0.1:7777",
		},
	}
}

// SetDefaults registers every default with v so that environment variables
// are picked up for keys that appear in no config file.
func SetDefaults(v *viper.Viper) {
	d := DefaultSettings()
	v.SetDefault("persistence.backend", d.Persistence.Backend)
	v.SetDefault("persistence.path", d.Persistence.Path)
	v.SetDefault("persistence.synchronize_clients", d.Persistence.SynchronizeClients)
	v.SetDefault("persistence.force_ownership", d.Persistence.ForceOwnership)
	v.SetDefault("gc.cache_size_bytes", d.GC.CacheSizeBytes)
	v.SetDefault("gc.percentile", d.GC.Percentile)
	v.SetDefault("gc.max_sequence_numbers", d.GC.MaxSequenceNumbers)
	v.SetDefault("gc.initial_delay", d.GC.InitialDelay)
	v.SetDefault("gc.interval", d.GC.Interval)
	v.SetDefault("lease.refresh_interval", d.Lease.RefreshInterval)
	v.SetDefault("lease.max_age", d.Lease.MaxAge)
	v.SetDefault("lease.client_max_age", d.Lease.ClientMaxAge)
	v.SetDefault("lease.poll_interval", d.Lease.PollInterval)
	v.SetDefault("backfill.initial_delay", d.Backfill.InitialDelay)
	v.SetDefault("backfill.interval", d.Backfill.Interval)
	v.SetDefault("backfill.max_documents", d.Backfill.MaxDocuments)
	v.SetDefault("sync.max_concurrent_limbo_resolutions", d.Sync.MaxConcurrentLimboResolutions)
	v.SetDefault("query_engine.index_auto_creation", d.QueryEngine.IndexAutoCreation)
	v.SetDefault("query_engine.min_collection_size", d.QueryEngine.MinCollectionSize)
	v.SetDefault("query_engine.relative_index_read_cost", d.QueryEngine.RelativeIndexReadCost)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.file", d.Logging.File)
	v.SetDefault("dashboard.addr", d.Dashboard.Addr)
}

// Load reads settings into a fresh Settings. file may be empty, in which
// case only defaults, environment and values already bound to v apply. The
// file type follows its extension (yaml, toml or json).
func Load(v *viper.Viper, file string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read configuration file %s: %w", file, err)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks ranges and enumerations.
func (s *Settings) Validate() error {
	switch s.Persistence.Backend {
	case BackendSQLite:
		if s.Persistence.Path == "" {
			return fmt.Errorf("persistence.path is required for the sqlite backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown persistence.backend %q (want %s or %s)",
			s.Persistence.Backend, BackendSQLite, BackendMemory)
	}
	if s.GC.CacheSizeBytes != GCDisabled && s.GC.CacheSizeBytes < 1024*1024 {
		return fmt.Errorf("gc.cache_size_bytes must be at least 1MiB or %d to disable collection", GCDisabled)
	}
	if s.GC.Percentile < 0 || s.GC.Percentile > 100 {
		return fmt.Errorf("gc.percentile must be between 0 and 100, got %d", s.GC.Percentile)
	}
	if s.Lease.RefreshInterval <= 0 || s.Lease.MaxAge <= s.Lease.RefreshInterval {
		return fmt.Errorf("lease.max_age (%s) must exceed lease.refresh_interval (%s)",
			s.Lease.MaxAge, s.Lease.RefreshInterval)
	}
	if s.Backfill.MaxDocuments <= 0 {
		return fmt.Errorf("backfill.max_documents must be positive")
	}
	if s.Sync.MaxConcurrentLimboResolutions <= 0 {
		return fmt.Errorf("sync.max_concurrent_limbo_resolutions must be positive")
	}
	return nil
}

// yamlDurations renders the duration fields as strings, which yaml.v3 would
// otherwise write as nanosecond integers.
type yamlDurations map[string]string

func durations(kv ...any) yamlDurations {
	out := make(yamlDurations)
	for i := 0; i+1 < len(kv); i += 2 {
		out[kv[i].(string)] = kv[i+1].(time.Duration).String()
	}
	return out
}

// MarshalYAML implements yaml.Marshaler.
func (g GCSettings) MarshalYAML() (any, error) {
	return struct {
		CacheSizeBytes     int64         `yaml:"cache_size_bytes"`
		Percentile         int           `yaml:"percentile"`
		MaxSequenceNumbers int           `yaml:"max_sequence_numbers"`
		Timers             yamlDurations `yaml:",inline"`
	}{g.CacheSizeBytes, g.Percentile, g.MaxSequenceNumbers,
		durations("initial_delay", g.InitialDelay, "interval", g.Interval)}, nil
}

// MarshalYAML implements yaml.Marshaler.
func (l LeaseSettings) MarshalYAML() (any, error) {
	return durations(
		"refresh_interval", l.RefreshInterval,
		"max_age", l.MaxAge,
		"client_max_age", l.ClientMaxAge,
		"poll_interval", l.PollInterval,
	), nil
}

// MarshalYAML implements yaml.Marshaler.
func (b BackfillSettings) MarshalYAML() (any, error) {
	return struct {
		MaxDocuments int           `yaml:"max_documents"`
		Timers       yamlDurations `yaml:",inline"`
	}{b.MaxDocuments, durations("initial_delay", b.InitialDelay, "interval", b.Interval)}, nil
}

// WriteYAML writes s in the format Load accepts.
func WriteYAML(w io.Writer, s *Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return enc.Close()
}
