// Package runtime wires storage, config, the Transport and State Store
// backends, and the Sweeper/Archiver into a single-node gbe-nexus instance.
// It exposes Open/Close, basic health checks, and accessors for the wired
// components used by cmd/gbenexusd.
//
// Example:
//
//	cfg := config.Default()
//	cfg.Transport.Backend = "pebble"
//	rt, _ := runtime.Open(runtime.Options{DataDir: "./data", Fsync: pebblestore.FsyncModeAlways, Config: cfg})
//	defer rt.Close()
//	// Health
//	_ = rt.CheckHealth(context.Background())
//	// Publish through the configured Transport
//	_, _ = rt.Transport().Publish(context.Background(), "gbe.events.orders.created", []byte("hello"), transport.PublishOpts{})
package runtime
