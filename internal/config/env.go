package config

import (
	"os"
	"strconv"
	"strings"
)

// FromEnv overlays GBE_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("GBE_ALLOW_AUTO_CREATE_NAMESPACES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.AllowAutoCreateNamespaces = b
		}
	}
	if v := os.Getenv("GBE_DEFAULT_NAMESPACE_NAME"); v != "" {
		cfg.DefaultNamespaceName = v
	}
	if v := os.Getenv("GBE_NAMESPACE_NAME_REGEX"); v != "" {
		cfg.NamespaceNameRegex = v
	}
	if v := os.Getenv("GBE_NAMESPACE_DEFAULTS_PARTITIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.Partitions = n
		}
	}
	if v := os.Getenv("GBE_NAMESPACE_DEFAULTS_PAYLOAD_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.PayloadMaxBytes = n
		}
	}
	if v := os.Getenv("GBE_NAMESPACE_DEFAULTS_HEADERS_MAX_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.NamespaceDefaults.HeadersMaxBytes = n
		}
	}
	if v := os.Getenv("GBE_MAX_NAMESPACES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxNamespaces = n
		}
	}
	if v := os.Getenv("GBE_ALLOWED_NAMESPACES"); v != "" {
		parts := strings.Split(v, ",")
		cfg.AllowedNamespaces = nil
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cfg.AllowedNamespaces = append(cfg.AllowedNamespaces, p)
			}
		}
	}

	fromEnvTransport(cfg)
	fromEnvStateStore(cfg)
	fromEnvSweeper(cfg)
	fromEnvArchiver(cfg)
}

func fromEnvTransport(cfg *Config) {
	if v := os.Getenv("GBE_TRANSPORT_BACKEND"); v != "" {
		cfg.Transport.Backend = v
	}
	if v := os.Getenv("GBE_TRANSPORT_REDIS_ADDR"); v != "" {
		cfg.Transport.Redis.Addr = v
	}
	if v := os.Getenv("GBE_TRANSPORT_REDIS_PASSWORD"); v != "" {
		cfg.Transport.Redis.Password = v
	}
	if v := os.Getenv("GBE_TRANSPORT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.Redis.DB = n
		}
	}
	if v := os.Getenv("GBE_TRANSPORT_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Transport.MaxPayloadBytes = n
		}
	}
}

func fromEnvStateStore(cfg *Config) {
	if v := os.Getenv("GBE_STATESTORE_BACKEND"); v != "" {
		cfg.StateStore.Backend = v
	}
	if v := os.Getenv("GBE_STATESTORE_REDIS_ADDR"); v != "" {
		cfg.StateStore.Redis.Addr = v
	}
	if v := os.Getenv("GBE_STATESTORE_REDIS_PASSWORD"); v != "" {
		cfg.StateStore.Redis.Password = v
	}
	if v := os.Getenv("GBE_STATESTORE_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.StateStore.Redis.DB = n
		}
	}
}

func fromEnvSweeper(cfg *Config) {
	if v := os.Getenv("GBE_SWEEPER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Sweeper.Enabled = b
		}
	}
	if v := os.Getenv("GBE_SWEEPER_LOCK_BACKEND"); v != "" {
		cfg.Sweeper.LockBackend = v
	}
	if v := os.Getenv("GBE_SWEEPER_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweeper.IntervalSeconds = n
		}
	}
	if v := os.Getenv("GBE_SWEEPER_LOCK_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweeper.LockTTLSeconds = n
		}
	}
	if v := os.Getenv("GBE_SWEEPER_STUCK_THRESHOLD_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweeper.StuckThresholdSeconds = n
		}
	}
	if v := os.Getenv("GBE_SWEEPER_LAG_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Sweeper.LagThreshold = n
		}
	}
}

func fromEnvArchiver(cfg *Config) {
	if v := os.Getenv("GBE_ARCHIVER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Archiver.Enabled = b
		}
	}
	if v := os.Getenv("GBE_ARCHIVER_WRITER"); v != "" {
		cfg.Archiver.Writer = v
	}
	if v := os.Getenv("GBE_ARCHIVER_ROOT"); v != "" {
		cfg.Archiver.Root = v
	}
	if v := os.Getenv("GBE_ARCHIVER_FS_BASE_DIR"); v != "" {
		cfg.Archiver.FSBaseDir = v
	}
	if v := os.Getenv("GBE_ARCHIVER_OBJECTSTORE_BASE_URL"); v != "" {
		cfg.Archiver.ObjectStoreBaseURL = v
	}
	if v := os.Getenv("GBE_ARCHIVER_POSTGRES_DSN"); v != "" {
		cfg.Archiver.PostgresDSN = v
	}
	if v := os.Getenv("GBE_ARCHIVER_POSTGRES_TABLE"); v != "" {
		cfg.Archiver.PostgresTable = v
	}
}
