package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	AllowAutoCreateNamespaces bool              `json:"allowAutoCreateNamespaces" yaml:"allowAutoCreateNamespaces"`
	DefaultNamespaceName      string            `json:"defaultNamespaceName" yaml:"defaultNamespaceName"`
	NamespaceNameRegex        string            `json:"namespaceNameRegex" yaml:"namespaceNameRegex"`
	NamespaceDefaults         NamespaceDefaults `json:"namespaceDefaults" yaml:"namespaceDefaults"`
	MaxNamespaces             int               `json:"maxNamespaces" yaml:"maxNamespaces"`
	AllowedNamespaces         []string          `json:"allowedNamespaces" yaml:"allowedNamespaces"`

	Transport  TransportConfig  `json:"transport" yaml:"transport"`
	StateStore StateStoreConfig `json:"stateStore" yaml:"stateStore"`
	Sweeper    SweeperConfig    `json:"sweeper" yaml:"sweeper"`
	Archiver   ArchiverConfig   `json:"archiver" yaml:"archiver"`
}

// NamespaceDefaults captures per-namespace baseline limits.
type NamespaceDefaults struct {
	Partitions      int `json:"partitions" yaml:"partitions"`
	PayloadMaxBytes int `json:"payloadMaxBytes" yaml:"payloadMaxBytes"`
	HeadersMaxBytes int `json:"headersMaxBytes" yaml:"headersMaxBytes"`
}

// RedisConfig addresses a single Redis connection shared by whichever
// backends are configured to use it.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// TransportConfig selects and configures the Transport backend (§4.4).
type TransportConfig struct {
	// Backend is one of "memory", "pebble", "redis".
	Backend         string      `json:"backend" yaml:"backend"`
	Redis           RedisConfig `json:"redis" yaml:"redis"`
	MaxPayloadBytes int         `json:"maxPayloadBytes" yaml:"maxPayloadBytes"`
}

// StateStoreConfig selects and configures the State Store backend (§4.3).
type StateStoreConfig struct {
	// Backend is one of "memory", "pebble", "redis".
	Backend string      `json:"backend" yaml:"backend"`
	Redis   RedisConfig `json:"redis" yaml:"redis"`
}

// RetentionRuleConfig mirrors sweeper.RetentionRule for file/env loading.
type RetentionRuleConfig struct {
	Subject       string `json:"subject" yaml:"subject"`
	MaxAgeSeconds int    `json:"maxAgeSeconds" yaml:"maxAgeSeconds"`
	Archival      bool   `json:"archival" yaml:"archival"`
	ArchiverGroup string `json:"archiverGroup" yaml:"archiverGroup"`
}

// SweeperConfig configures the Sweeper (§4.5): its distributed lock backend
// and the tick parameters passed through to sweeper.Config.
type SweeperConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// LockBackend is one of "pebble", "redis"; it need not match
	// StateStore.Backend or Transport.Backend.
	LockBackend           string                `json:"lockBackend" yaml:"lockBackend"`
	IntervalSeconds       int                   `json:"intervalSeconds" yaml:"intervalSeconds"`
	LockTTLSeconds        int                   `json:"lockTTLSeconds" yaml:"lockTTLSeconds"`
	StuckThresholdSeconds int                   `json:"stuckThresholdSeconds" yaml:"stuckThresholdSeconds"`
	LagThreshold          int                   `json:"lagThreshold" yaml:"lagThreshold"`
	Retention             []RetentionRuleConfig `json:"retention" yaml:"retention"`
}

// ArchiverStreamConfig mirrors archiver.StreamConfig for file/env loading.
type ArchiverStreamConfig struct {
	Subject            string `json:"subject" yaml:"subject"`
	BatchSize          int    `json:"batchSize" yaml:"batchSize"`
	BatchTimeoutSeconds int   `json:"batchTimeoutSeconds" yaml:"batchTimeoutSeconds"`
}

// ArchiverConfig configures the Archiver (§4.6): which ArchiveWriter backs
// cold storage and which streams it drains.
type ArchiverConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// Writer is one of "fs", "objectstore", "postgres".
	Writer  string                 `json:"writer" yaml:"writer"`
	Root    string                 `json:"root" yaml:"root"`
	Streams []ArchiverStreamConfig `json:"streams" yaml:"streams"`

	FSBaseDir string `json:"fsBaseDir" yaml:"fsBaseDir"`

	ObjectStoreBaseURL string `json:"objectStoreBaseURL" yaml:"objectStoreBaseURL"`

	PostgresDSN   string `json:"postgresDSN" yaml:"postgresDSN"`
	PostgresTable string `json:"postgresTable" yaml:"postgresTable"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		AllowAutoCreateNamespaces: true,
		DefaultNamespaceName:      "default",
		NamespaceNameRegex:        "[a-z0-9-_]{1,64}",
		NamespaceDefaults: NamespaceDefaults{
			Partitions:      16,
			PayloadMaxBytes: 1 << 20,
			HeadersMaxBytes: 16 << 10,
		},
		Transport: TransportConfig{
			Backend:         "memory",
			MaxPayloadBytes: 1 << 20,
		},
		StateStore: StateStoreConfig{
			Backend: "memory",
		},
		Sweeper: SweeperConfig{
			Enabled:               false,
			LockBackend:           "pebble",
			IntervalSeconds:       30,
			LockTTLSeconds:        60,
			StuckThresholdSeconds: 300,
			LagThreshold:          1000,
		},
		Archiver: ArchiverConfig{
			Enabled:       false,
			Writer:        "fs",
			Root:          "gbe",
			FSBaseDir:     "./data/archive",
			PostgresTable: "archive_batches",
		},
	}
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	ext := filepath.Ext(path)
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}
