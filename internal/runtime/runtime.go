package runtime

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/graybear-io/gbe-nexus/internal/archiver"
	fswriter "github.com/graybear-io/gbe-nexus/internal/archiver/archivewriter/fs"
	objectstorewriter "github.com/graybear-io/gbe-nexus/internal/archiver/archivewriter/objectstore"
	postgreswriter "github.com/graybear-io/gbe-nexus/internal/archiver/archivewriter/postgres"
	cfgpkg "github.com/graybear-io/gbe-nexus/internal/config"
	"github.com/graybear-io/gbe-nexus/internal/eventlog"
	"github.com/graybear-io/gbe-nexus/internal/namespace"
	"github.com/graybear-io/gbe-nexus/internal/resilience"
	"github.com/graybear-io/gbe-nexus/internal/statestore"
	memstate "github.com/graybear-io/gbe-nexus/internal/statestore/memory"
	pebblestate "github.com/graybear-io/gbe-nexus/internal/statestore/pebble"
	"github.com/graybear-io/gbe-nexus/internal/statestore/redisstore"
	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
	"github.com/graybear-io/gbe-nexus/internal/sweeper"
	"github.com/graybear-io/gbe-nexus/internal/transport"
	memtransport "github.com/graybear-io/gbe-nexus/internal/transport/memory"
	pebbletransport "github.com/graybear-io/gbe-nexus/internal/transport/pebble"
	"github.com/graybear-io/gbe-nexus/internal/transport/redistransport"
	"github.com/graybear-io/gbe-nexus/internal/workqueue"
	"github.com/graybear-io/gbe-nexus/pkg/id"
	"github.com/graybear-io/gbe-nexus/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	DataDir string
	Fsync   pebblestore.FsyncMode
	// FsyncInterval controls group-commit when Fsync == FsyncModeInterval.
	FsyncInterval time.Duration
	Config        cfgpkg.Config
	Logger        log.Logger
}

// Runtime wires storage, config, Transport/State Store backends, and the
// Sweeper/Archiver into a single-node gbe-nexus instance.
type Runtime struct {
	db     *pebblestore.DB
	config cfgpkg.Config
	logger log.Logger
	idGen  *id.Generator

	store statestore.Store
	tp    transport.Transport

	sweeper  *sweeper.Sweeper
	archiver *archiver.Archiver

	closers []func() error
}

// Open initializes the underlying storage and every backend named in
// opts.Config, then wires the Sweeper and Archiver (if enabled) on top.
func Open(opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewLogger()
	}

	db, err := pebblestore.Open(pebblestore.Options{DataDir: opts.DataDir, Fsync: opts.Fsync, FsyncInterval: opts.FsyncInterval})
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		db:     db,
		config: opts.Config,
		logger: logger,
		idGen:  id.NewGenerator(),
	}
	rt.closers = append(rt.closers, db.Close)

	if err := rt.openStateStore(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("runtime: state store: %w", err)
	}
	if err := rt.openTransport(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("runtime: transport: %w", err)
	}
	if err := rt.openSweeper(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("runtime: sweeper: %w", err)
	}
	if err := rt.openArchiver(); err != nil {
		rt.Close()
		return nil, fmt.Errorf("runtime: archiver: %w", err)
	}

	return rt, nil
}

func (r *Runtime) namespaceKey() string {
	if r.config.DefaultNamespaceName != "" {
		return r.config.DefaultNamespaceName
	}
	return "default"
}

func newRedisClient(c cfgpkg.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
}

func (r *Runtime) openStateStore() error {
	switch r.config.StateStore.Backend {
	case "", "memory":
		r.store = memstate.New()
	case "pebble":
		r.store = pebblestate.New(r.db)
	case "redis":
		client := newRedisClient(r.config.StateStore.Redis)
		r.closers = append(r.closers, client.Close)
		breaker := resilience.New(resilience.Settings{Name: "statestore-redis"}, r.logger)
		r.store = redisstore.New(client, breaker)
	default:
		return fmt.Errorf("unknown state store backend %q", r.config.StateStore.Backend)
	}
	return nil
}

func (r *Runtime) openTransport() error {
	switch r.config.Transport.Backend {
	case "", "memory":
		r.tp = memtransport.New()
	case "pebble":
		r.tp = pebbletransport.New(r.db, r.namespaceKey(), r.idGen, r.logger)
	case "redis":
		client := newRedisClient(r.config.Transport.Redis)
		r.closers = append(r.closers, client.Close)
		breaker := resilience.New(resilience.Settings{Name: "transport-redis"}, r.logger)
		r.tp = redistransport.New(client, breaker, r.logger)
	default:
		return fmt.Errorf("unknown transport backend %q", r.config.Transport.Backend)
	}
	return nil
}

func (r *Runtime) redisConfigForLock() (cfgpkg.RedisConfig, error) {
	if r.config.Transport.Backend == "redis" {
		return r.config.Transport.Redis, nil
	}
	if r.config.StateStore.Backend == "redis" {
		return r.config.StateStore.Redis, nil
	}
	return cfgpkg.RedisConfig{}, errors.New("sweeper lockBackend \"redis\" requires transport or stateStore to be configured against redis")
}

func (r *Runtime) openSweeper() error {
	sc := r.config.Sweeper
	if !sc.Enabled {
		return nil
	}

	instanceID := sweeper.InstanceID()
	var lock sweeper.Lock
	switch sc.LockBackend {
	case "", "pebble":
		lock = sweeper.NewPebbleLock(r.db, "sweeper/lock/"+r.namespaceKey(), instanceID, secondsOr(sc.LockTTLSeconds, 60))
	case "redis":
		redisCfg, err := r.redisConfigForLock()
		if err != nil {
			return err
		}
		client := newRedisClient(redisCfg)
		r.closers = append(r.closers, client.Close)
		lock = sweeper.NewRedisLock(client, r.namespaceKey()+":lock:sweeper", instanceID, int64(secondsOr(sc.LockTTLSeconds, 60).Milliseconds()))
	default:
		return fmt.Errorf("unknown sweeper lockBackend %q", sc.LockBackend)
	}

	retention := make([]sweeper.RetentionRule, 0, len(sc.Retention))
	for _, rule := range sc.Retention {
		retention = append(retention, sweeper.RetentionRule{
			Subject:       rule.Subject,
			MaxAge:        secondsOr(rule.MaxAgeSeconds, 0),
			Archival:      rule.Archival,
			ArchiverGroup: rule.ArchiverGroup,
		})
	}

	r.sweeper = sweeper.New(sweeper.Config{
		Root:           r.namespaceKey(),
		Interval:       secondsOr(sc.IntervalSeconds, 30),
		LockTTL:        secondsOr(sc.LockTTLSeconds, 60),
		StuckThreshold: secondsOr(sc.StuckThresholdSeconds, 300),
		LagThreshold:   sc.LagThreshold,
		Retention:      retention,
	}, r.store, r.tp, lock, r.logger)
	return nil
}

func (r *Runtime) openArchiver() error {
	ac := r.config.Archiver
	if !ac.Enabled {
		return nil
	}

	writer, err := r.buildArchiveWriter(ac)
	if err != nil {
		return err
	}

	streams := make([]archiver.StreamConfig, 0, len(ac.Streams))
	for _, sc := range ac.Streams {
		streams = append(streams, archiver.StreamConfig{
			Subject:      sc.Subject,
			BatchSize:    sc.BatchSize,
			BatchTimeout: secondsOr(sc.BatchTimeoutSeconds, 30),
		})
	}

	r.archiver = archiver.New(archiver.Config{Root: ac.Root, Streams: streams}, r.tp, writer, r.logger)
	return nil
}

func (r *Runtime) buildArchiveWriter(ac cfgpkg.ArchiverConfig) (archiver.ArchiveWriter, error) {
	switch ac.Writer {
	case "", "fs":
		dir := ac.FSBaseDir
		if dir == "" {
			dir = "./data/archive"
		}
		return fswriter.New(dir), nil
	case "objectstore":
		if ac.ObjectStoreBaseURL == "" {
			return nil, errors.New("archiver writer \"objectstore\" requires objectStoreBaseURL")
		}
		base := strings.TrimRight(ac.ObjectStoreBaseURL, "/")
		uploader := &objectstorewriter.HTTPPutUploader{
			URLFor: func(path string) string { return base + "/" + path },
		}
		return objectstorewriter.New(uploader), nil
	case "postgres":
		if ac.PostgresDSN == "" {
			return nil, errors.New("archiver writer \"postgres\" requires postgresDSN")
		}
		table := ac.PostgresTable
		if table == "" {
			table = "archive_batches"
		}
		w, err := postgreswriter.New(ac.PostgresDSN, table)
		if err != nil {
			return nil, err
		}
		r.closers = append(r.closers, w.Close)
		return w, nil
	default:
		return nil, fmt.Errorf("unknown archiver writer %q", ac.Writer)
	}
}

// Close tears down every backend opened by Open, in reverse order, best
// effort: it always runs every closer and returns the first error seen.
func (r *Runtime) Close() error {
	var firstErr error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.closers = nil
	return firstErr
}

// CheckHealth performs a simple health check against the underlying store.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.db == nil {
		return errors.New("db not open")
	}
	it, err := r.db.NewIter(nil)
	if err != nil {
		return err
	}
	it.Close()
	return nil
}

// EnsureNamespace creates a namespace record if absent.
func (r *Runtime) EnsureNamespace(name string) (namespace.Meta, error) {
	return namespace.EnsureNamespace(r.db, name)
}

// OpenLog opens an event log for given namespace/topic/partition. Kept for
// lower-level access to the raw per-stream log underneath transport/pebble.
func (r *Runtime) OpenLog(ns, topic string, partition uint32) (*eventlog.Log, error) {
	return eventlog.OpenLog(r.db, ns, topic, partition)
}

// OpenQueue opens a work queue for given namespace/queue/partition. Kept
// for lower-level access to the lease/PEL primitives transport/pebble reuses.
func (r *Runtime) OpenQueue(ns, queue string, partition uint32) (*workqueue.WorkQueue, error) {
	return workqueue.OpenQueue(r.db, ns, queue, partition)
}

// DB exposes the underlying DB for advanced operations (internal use only).
func (r *Runtime) DB() *pebblestore.DB { return r.db }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }

// StateStore returns the configured State Store backend.
func (r *Runtime) StateStore() statestore.Store { return r.store }

// Transport returns the configured Transport backend.
func (r *Runtime) Transport() transport.Transport { return r.tp }

// Sweeper returns the configured Sweeper, or nil if config.Sweeper.Enabled
// is false.
func (r *Runtime) Sweeper() *sweeper.Sweeper { return r.sweeper }

// Archiver returns the configured Archiver, or nil if config.Archiver.Enabled
// is false.
func (r *Runtime) Archiver() *archiver.Archiver { return r.archiver }

// secondsOr converts a config seconds value to a time.Duration, substituting
// fallback (also in seconds) when seconds is zero or negative.
func secondsOr(seconds int, fallback int) time.Duration {
	if seconds <= 0 {
		seconds = fallback
	}
	return time.Duration(seconds) * time.Second
}
