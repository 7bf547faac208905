package driver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/config"
	"github.com/jbweber/storaged/internal/event"
	"github.com/jbweber/storaged/internal/pool"
)

// mockCore implements only the mandatory backend surface, for exercising
// the optional-capability error paths.
type mockCore struct {
	typeName string
}

func (m *mockCore) TypeName() string { return m.typeName }

func (m *mockCore) RefreshPool(ctx context.Context, obj *pool.Object) error { return nil }

// mockBackend implements every capability, each overridable per test.
type mockBackend struct {
	typeName string

	checkFn      func(obj *pool.Object) (bool, error)
	startFn      func(ctx context.Context, obj *pool.Object) error
	stopFn       func(ctx context.Context, obj *pool.Object) error
	buildPoolFn  func(ctx context.Context, obj *pool.Object, flags libvirt.StoragePoolBuildFlags) error
	deletePoolFn func(ctx context.Context, obj *pool.Object) error
	refreshFn    func(ctx context.Context, obj *pool.Object) error

	createVolFn  func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error
	buildVolFn   func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error
	buildFromFn  func(ctx context.Context, obj *pool.Object, def, srcDef *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error
	deleteVolFn  func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolDeleteFlags) error
	refreshVolFn func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error
	resizeVolFn  func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, capacity uint64, flags libvirt.StorageVolResizeFlags) error
	wipeVolFn    func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, alg libvirt.StorageVolWipeAlgorithm) error
	uploadFn     func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.WriteCloser, error)
	downloadFn   func(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.ReadCloser, error)
}

func newMockBackend() *mockBackend {
	return &mockBackend{typeName: "mock"}
}

func (m *mockBackend) TypeName() string { return m.typeName }

func (m *mockBackend) CheckPool(obj *pool.Object) (bool, error) {
	if m.checkFn != nil {
		return m.checkFn(obj)
	}
	return true, nil
}

func (m *mockBackend) StartPool(ctx context.Context, obj *pool.Object) error {
	if m.startFn != nil {
		return m.startFn(ctx, obj)
	}
	return nil
}

func (m *mockBackend) StopPool(ctx context.Context, obj *pool.Object) error {
	if m.stopFn != nil {
		return m.stopFn(ctx, obj)
	}
	return nil
}

func (m *mockBackend) BuildPool(ctx context.Context, obj *pool.Object, flags libvirt.StoragePoolBuildFlags) error {
	if m.buildPoolFn != nil {
		return m.buildPoolFn(ctx, obj, flags)
	}
	return nil
}

func (m *mockBackend) DeletePool(ctx context.Context, obj *pool.Object) error {
	if m.deletePoolFn != nil {
		return m.deletePoolFn(ctx, obj)
	}
	return nil
}

func (m *mockBackend) RefreshPool(ctx context.Context, obj *pool.Object) error {
	if m.refreshFn != nil {
		return m.refreshFn(ctx, obj)
	}
	return nil
}

func (m *mockBackend) CreateVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error {
	if m.createVolFn != nil {
		return m.createVolFn(ctx, obj, def)
	}
	path := "/mock/" + obj.Name() + "/" + def.Name
	def.Type = "file"
	def.Key = path
	pool.SetVolTargetPath(def, path)
	return nil
}

func (m *mockBackend) BuildVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error {
	if m.buildVolFn != nil {
		return m.buildVolFn(ctx, obj, def, flags)
	}
	return nil
}

func (m *mockBackend) BuildVolFrom(ctx context.Context, obj *pool.Object, def, srcDef *libvirtxml.StorageVolume, flags libvirt.StorageVolCreateFlags) error {
	if m.buildFromFn != nil {
		return m.buildFromFn(ctx, obj, def, srcDef, flags)
	}
	return nil
}

func (m *mockBackend) DeleteVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, flags libvirt.StorageVolDeleteFlags) error {
	if m.deleteVolFn != nil {
		return m.deleteVolFn(ctx, obj, def, flags)
	}
	return nil
}

func (m *mockBackend) RefreshVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume) error {
	if m.refreshVolFn != nil {
		return m.refreshVolFn(ctx, obj, def)
	}
	return nil
}

func (m *mockBackend) ResizeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, capacity uint64, flags libvirt.StorageVolResizeFlags) error {
	if m.resizeVolFn != nil {
		return m.resizeVolFn(ctx, obj, def, capacity, flags)
	}
	return nil
}

func (m *mockBackend) WipeVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, alg libvirt.StorageVolWipeAlgorithm) error {
	if m.wipeVolFn != nil {
		return m.wipeVolFn(ctx, obj, def, alg)
	}
	return nil
}

func (m *mockBackend) UploadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.WriteCloser, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, obj, def, offset, length)
	}
	return nopWriteCloser{}, nil
}

func (m *mockBackend) DownloadVol(ctx context.Context, obj *pool.Object, def *libvirtxml.StorageVolume, offset, length uint64) (io.ReadCloser, error) {
	if m.downloadFn != nil {
		return m.downloadFn(ctx, obj, def, offset, length)
	}
	return io.NopCloser(nil), nil
}

type nopWriteCloser struct{}

func (nopWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (nopWriteCloser) Close() error                { return nil }

// newTestDriver builds a driver over temp directories whose backend lookup
// resolves only the given backends.
func newTestDriver(t *testing.T, backends ...backend.Backend) *Driver {
	t.Helper()

	root := t.TempDir()
	cfg := &config.Config{
		Privileged:   true,
		ConfigDir:    filepath.Join(root, "config"),
		AutostartDir: filepath.Join(root, "config", "autostart"),
		StateDir:     filepath.Join(root, "state"),
	}
	for _, dir := range []string{cfg.ConfigDir, cfg.AutostartDir, cfg.StateDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}

	d := &Driver{
		cfg:    cfg,
		pools:  pool.NewList(),
		events: event.NewState(),
		backendFor: func(typeName string) (backend.Backend, error) {
			for _, b := range backends {
				if b.TypeName() == typeName {
					return b, nil
				}
			}
			return nil, fmt.Errorf("no storage backend for pool type %q: %w", typeName, backend.ErrNotSupported)
		},
	}
	t.Cleanup(d.Cleanup)
	return d
}

func poolXML(t *testing.T, typeName, name, target string) string {
	t.Helper()
	def := &libvirtxml.StoragePool{
		Type: typeName,
		Name: name,
		UUID: uuid.NewString(),
	}
	if target != "" {
		def.Target = &libvirtxml.StoragePoolTarget{Path: target}
	}
	doc, err := def.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func volXML(t *testing.T, name string, capacity, allocation uint64) string {
	t.Helper()
	def := &libvirtxml.StorageVolume{Name: name}
	pool.SetVolCapacity(def, capacity)
	pool.SetVolAllocation(def, allocation)
	doc, err := def.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

// addPool inserts a pool object directly into the registry, bypassing the
// create path, for tests that only need registry state.
func addPool(t *testing.T, d *Driver, def *libvirtxml.StoragePool, active bool) *pool.Object {
	t.Helper()
	if def.UUID == "" {
		def.UUID = uuid.NewString()
	}
	id, err := uuid.Parse(def.UUID)
	if err != nil {
		t.Fatal(err)
	}

	d.pools.Lock()
	obj := d.pools.AssignDef(id, def)
	d.pools.Unlock()
	obj.SetActive(active)
	obj.Unlock()
	return obj
}

func addVol(t *testing.T, obj *pool.Object, def *libvirtxml.StorageVolume) *pool.Volume {
	t.Helper()
	obj.Lock()
	defer obj.Unlock()
	v := pool.NewVolume(def)
	if err := obj.AddVolume(v); err != nil {
		t.Fatal(err)
	}
	return v
}

// mustCreateActivePool drives a transient mock pool through CreatePool.
func mustCreateActivePool(t *testing.T, d *Driver, name string) PoolRef {
	t.Helper()
	ref, err := d.CreatePool(context.Background(), poolXML(t, "mock", name, "/mock/"+name), 0)
	if err != nil {
		t.Fatalf("CreatePool(%s) = %v", name, err)
	}
	return ref
}
