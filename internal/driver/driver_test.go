package driver

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jbweber/storaged/internal/pool"
)

func writeDefFile(t *testing.T, path, doc string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestRecoverActivePool(t *testing.T) {
	b := newMockBackend()
	refreshed := 0
	b.refreshFn = func(ctx context.Context, obj *pool.Object) error {
		refreshed++
		return nil
	}
	d := newTestDriver(t, b)

	writeDefFile(t, d.stateFilePath("images"), poolXML(t, "mock", "images", "/mock/images"))

	if err := d.loadAllState(); err != nil {
		t.Fatal(err)
	}
	if err := d.loadAllConfigs(); err != nil {
		t.Fatal(err)
	}
	d.updateAllState(context.Background())

	ref, err := d.LookupPoolByName("images")
	if err != nil {
		t.Fatalf("recovered pool not found: %v", err)
	}
	if active, _ := d.PoolIsActive(ref); !active {
		t.Fatal("recovered pool not active")
	}
	if refreshed != 1 {
		t.Fatalf("refresh count = %d, want 1", refreshed)
	}
}

func TestRecoverVanishedTransientPool(t *testing.T) {
	b := newMockBackend()
	b.checkFn = func(obj *pool.Object) (bool, error) { return false, nil }
	d := newTestDriver(t, b)

	statePath := d.stateFilePath("gone")
	writeDefFile(t, statePath, poolXML(t, "mock", "gone", "/mock/gone"))

	if err := d.loadAllState(); err != nil {
		t.Fatal(err)
	}
	d.updateAllState(context.Background())

	// No config file: the pool was transient, so it is forgotten entirely
	// and its stale state file removed.
	if _, err := d.LookupPoolByName("gone"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatalf("vanished transient pool still known: %v", err)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Fatal("stale state file not removed")
	}
}

func TestRecoverVanishedPersistentPool(t *testing.T) {
	b := newMockBackend()
	b.checkFn = func(obj *pool.Object) (bool, error) { return false, nil }
	d := newTestDriver(t, b)

	doc := poolXML(t, "mock", "images", "/mock/images")
	writeDefFile(t, d.stateFilePath("images"), doc)
	writeDefFile(t, d.configFilePath("images"), doc)

	if err := d.loadAllState(); err != nil {
		t.Fatal(err)
	}
	if err := d.loadAllConfigs(); err != nil {
		t.Fatal(err)
	}
	d.updateAllState(context.Background())

	ref, err := d.LookupPoolByName("images")
	if err != nil {
		t.Fatalf("persistent pool vanished: %v", err)
	}
	if active, _ := d.PoolIsActive(ref); active {
		t.Fatal("uncheckable pool recovered as active")
	}
	if persistent, _ := d.PoolIsPersistent(ref); !persistent {
		t.Fatal("pool lost its persistence")
	}
}

func TestLoadConfigsDerivesAutostart(t *testing.T) {
	d := newTestDriver(t, newMockBackend())

	doc := poolXML(t, "mock", "images", "/mock/images")
	writeDefFile(t, d.configFilePath("images"), doc)
	if err := os.Symlink(d.configFilePath("images"), d.autostartLinkPath("images")); err != nil {
		t.Fatal(err)
	}

	if err := d.loadAllConfigs(); err != nil {
		t.Fatal(err)
	}

	ref, err := d.LookupPoolByName("images")
	if err != nil {
		t.Fatal(err)
	}
	if on, _ := d.GetAutostart(ref); !on {
		t.Fatal("autostart symlink not honored")
	}
}

func TestAutostartAll(t *testing.T) {
	d := newTestDriver(t, newMockBackend())

	doc := poolXML(t, "mock", "auto", "/mock/auto")
	writeDefFile(t, d.configFilePath("auto"), doc)
	if err := os.Symlink(d.configFilePath("auto"), d.autostartLinkPath("auto")); err != nil {
		t.Fatal(err)
	}
	writeDefFile(t, d.configFilePath("manual"), poolXML(t, "mock", "manual", "/mock/manual"))

	if err := d.loadAllConfigs(); err != nil {
		t.Fatal(err)
	}
	d.AutostartAll(context.Background())

	if active, _ := d.PoolIsActive(PoolRef{Name: "auto"}); !active {
		t.Fatal("autostart pool not started")
	}
	if active, _ := d.PoolIsActive(PoolRef{Name: "manual"}); active {
		t.Fatal("non-autostart pool started")
	}
}

func TestLoadDirSkipsMismatchedName(t *testing.T) {
	d := newTestDriver(t, newMockBackend())

	// The file claims pool "images" but is stored under another name.
	writeDefFile(t, d.configFilePath("other"), poolXML(t, "mock", "images", "/mock/images"))

	if err := d.loadAllConfigs(); err != nil {
		t.Fatal(err)
	}
	if _, err := d.LookupPoolByName("images"); !errors.Is(err, pool.ErrNotFound) {
		t.Fatal("mismatched definition file was loaded")
	}
}
