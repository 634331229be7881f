// Package config provides loading and environment overlay for gbe-nexus
// runtime configuration. It exposes a Default() baseline, Load for JSON or
// YAML files, and FromEnv to overlay environment variables.
//
// Example:
//
//	cfg := config.Default()
//	// Optionally load from file (JSON or YAML, by extension) and overlay env vars
//	if fileCfg, err := config.Load("/etc/gbe-nexus.yaml"); err == nil {
//	    cfg = fileCfg
//	}
//	config.FromEnv(&cfg)
//	// Pass cfg into runtime.Options
//	rt, _ := runtime.Open(runtime.Options{DataDir: "/var/lib/gbe-nexus", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
package config
