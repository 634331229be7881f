package runtime

import (
	"context"
	"testing"

	cfgpkg "github.com/graybear-io/gbe-nexus/internal/config"
	pebblestore "github.com/graybear-io/gbe-nexus/internal/storage/pebble"
)

func TestOpenCloseHealth(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestEnsureAndOpen(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if _, err := rt.EnsureNamespace("default"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := rt.OpenLog("default", "orders", 0); err != nil {
		t.Fatalf("open log: %v", err)
	}
	if _, err := rt.OpenQueue("default", "jobs", 0); err != nil {
		t.Fatalf("open queue: %v", err)
	}
}

func TestSweeperAndArchiverWiredWhenEnabled(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Sweeper.Enabled = true
	cfg.Archiver.Enabled = true
	cfg.Archiver.Writer = "fs"
	cfg.Archiver.FSBaseDir = dir + "/archive"
	cfg.Archiver.Streams = []cfgpkg.ArchiverStreamConfig{
		{Subject: "gbe.events.audit.change", BatchSize: 10, BatchTimeoutSeconds: 5},
	}

	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfg})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if rt.Sweeper() == nil {
		t.Fatal("expected sweeper to be wired when enabled")
	}
	if rt.Archiver() == nil {
		t.Fatal("expected archiver to be wired when enabled")
	}
	if rt.StateStore() == nil {
		t.Fatal("expected state store to be wired")
	}
	if rt.Transport() == nil {
		t.Fatal("expected transport to be wired")
	}
}

func TestSweeperAndArchiverNilWhenDisabled(t *testing.T) {
	dir := t.TempDir()
	rt, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfgpkg.Default()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	if rt.Sweeper() != nil {
		t.Fatal("expected sweeper to stay nil when disabled")
	}
	if rt.Archiver() != nil {
		t.Fatal("expected archiver to stay nil when disabled")
	}
}

func TestUnknownBackendRejected(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgpkg.Default()
	cfg.Transport.Backend = "carrier-pigeon"
	if _, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Config: cfg}); err == nil {
		t.Fatal("expected Open to reject an unknown transport backend")
	}
}
