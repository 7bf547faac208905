package driver

import (
	"context"
	"fmt"
	"os"

	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/event"
	"github.com/jbweber/storaged/internal/naming"
	"github.com/jbweber/storaged/internal/pool"
)

// parsePoolDef validates a pool definition document and fills in a UUID when
// the caller left it out.
func (d *Driver) parsePoolDef(doc string) (*libvirtxml.StoragePool, uuid.UUID, error) {
	def := &libvirtxml.StoragePool{}
	if err := def.Unmarshal(doc); err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: parsing pool definition: %v", ErrInvalidArgument, err)
	}
	if err := naming.CheckPoolName(def.Name); err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	if def.UUID == "" {
		id := uuid.New()
		def.UUID = id.String()
		return def, id, nil
	}
	id, err := uuid.Parse(def.UUID)
	if err != nil {
		return nil, uuid.Nil, fmt.Errorf("%w: pool uuid: %v", ErrInvalidArgument, err)
	}
	return def, id, nil
}

// checkCreateFlags rejects contradictory build requests up front.
func checkCreateFlags(flags libvirt.StoragePoolCreateFlags) error {
	both := libvirt.StoragePoolCreateWithBuildOverwrite | libvirt.StoragePoolCreateWithBuildNoOverwrite
	if flags&both == both {
		return fmt.Errorf("%w: overwrite and no-overwrite are mutually exclusive", ErrInvalidArgument)
	}
	return nil
}

func checkBuildFlags(flags libvirt.StoragePoolBuildFlags) error {
	both := libvirt.StoragePoolBuildOverwrite | libvirt.StoragePoolBuildNoOverwrite
	if flags&both == both {
		return fmt.Errorf("%w: overwrite and no-overwrite are mutually exclusive", ErrInvalidArgument)
	}
	return nil
}

// CreatePool defines and starts a transient pool in one step. The pool is
// gone again once destroyed or once its storage fails.
func (d *Driver) CreatePool(ctx context.Context, doc string, flags libvirt.StoragePoolCreateFlags) (PoolRef, error) {
	if err := checkCreateFlags(flags); err != nil {
		return PoolRef{}, err
	}
	def, id, err := d.parsePoolDef(doc)
	if err != nil {
		return PoolRef{}, err
	}
	b, err := d.backendFor(def.Type)
	if err != nil {
		return PoolRef{}, err
	}

	d.pools.Lock()
	defer d.pools.Unlock()

	if err := d.pools.CheckDuplicate(id, def, true); err != nil {
		return PoolRef{}, err
	}
	if err := d.pools.FindSourceConflict(def); err != nil {
		return PoolRef{}, err
	}

	obj := d.pools.AssignDef(id, def)
	defer obj.Unlock()

	cleanup := func() {
		if !obj.IsPersistent() {
			d.pools.Remove(obj)
		}
	}

	if flags&(libvirt.StoragePoolCreateWithBuild|
		libvirt.StoragePoolCreateWithBuildOverwrite|
		libvirt.StoragePoolCreateWithBuildNoOverwrite) != 0 {
		var buildFlags libvirt.StoragePoolBuildFlags
		if flags&libvirt.StoragePoolCreateWithBuildOverwrite != 0 {
			buildFlags |= libvirt.StoragePoolBuildOverwrite
		}
		if flags&libvirt.StoragePoolCreateWithBuildNoOverwrite != 0 {
			buildFlags |= libvirt.StoragePoolBuildNoOverwrite
		}
		if err := d.buildPool(ctx, b, obj, buildFlags); err != nil {
			cleanup()
			return PoolRef{}, err
		}
	}

	if err := d.startPool(ctx, b, obj); err != nil {
		cleanup()
		return PoolRef{}, err
	}
	if err := d.refreshPool(ctx, b, obj); err != nil {
		d.stopPool(ctx, b, obj)
		cleanup()
		return PoolRef{}, err
	}

	if err := d.savePoolState(obj); err != nil {
		d.stopPool(ctx, b, obj)
		cleanup()
		return PoolRef{}, err
	}
	obj.SetActive(true)

	d.events.Queue(event.Lifecycle{
		Pool:  obj.Name(),
		UUID:  obj.UUID(),
		Event: libvirt.StoragePoolEventStarted,
	})
	return poolRef(obj), nil
}

// DefinePool registers a persistent pool without starting it. Defining an
// existing pool again stages the new definition; it takes effect when the
// pool is next inactive.
func (d *Driver) DefinePool(ctx context.Context, doc string) (PoolRef, error) {
	def, id, err := d.parsePoolDef(doc)
	if err != nil {
		return PoolRef{}, err
	}
	if _, err := d.backendFor(def.Type); err != nil {
		return PoolRef{}, err
	}

	d.pools.Lock()
	defer d.pools.Unlock()

	if err := d.pools.CheckDuplicate(id, def, false); err != nil {
		return PoolRef{}, err
	}
	if err := d.pools.FindSourceConflict(def); err != nil {
		return PoolRef{}, err
	}

	wasKnown := false
	if existing := d.pools.FindByName(def.Name); existing != nil {
		wasKnown = true
		existing.Unlock()
	}

	obj := d.pools.AssignDef(id, def)
	defer obj.Unlock()

	if err := d.saveConfig(obj); err != nil {
		if !wasKnown {
			d.pools.Remove(obj)
		}
		return PoolRef{}, err
	}

	d.events.Queue(event.Lifecycle{
		Pool:  obj.Name(),
		UUID:  obj.UUID(),
		Event: libvirt.StoragePoolEventDefined,
	})
	return poolRef(obj), nil
}

// UndefinePool removes an inactive pool's persistent configuration and
// forgets the pool.
func (d *Driver) UndefinePool(ctx context.Context, ref PoolRef) error {
	d.pools.Lock()
	defer d.pools.Unlock()

	obj, err := d.findLocked(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if obj.IsActive() {
		return fmt.Errorf("undefining pool %s: pool is active: %w", obj.Name(), ErrInvalidState)
	}
	if obj.AsyncJobs() > 0 {
		return fmt.Errorf("undefining pool %s: volume operations in flight: %w", obj.Name(), ErrBusy)
	}
	if !obj.IsPersistent() {
		return fmt.Errorf("undefining pool %s: pool is transient: %w", obj.Name(), ErrInvalidState)
	}

	if err := d.deleteConfig(obj); err != nil {
		return err
	}

	name, id := obj.Name(), obj.UUID()
	d.pools.Remove(obj)

	d.events.Queue(event.Lifecycle{
		Pool:  name,
		UUID:  id,
		Event: libvirt.StoragePoolEventUndefined,
	})
	return nil
}

// StartPool activates a defined pool, optionally building its storage first
// when a with-build flag is given.
func (d *Driver) StartPool(ctx context.Context, ref PoolRef, flags libvirt.StoragePoolCreateFlags) error {
	if err := checkCreateFlags(flags); err != nil {
		return err
	}

	obj, err := d.lookupPool(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if obj.IsActive() {
		return fmt.Errorf("starting pool %s: pool is already active: %w", obj.Name(), ErrInvalidState)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}

	if flags&(libvirt.StoragePoolCreateWithBuild|
		libvirt.StoragePoolCreateWithBuildOverwrite|
		libvirt.StoragePoolCreateWithBuildNoOverwrite) != 0 {
		var buildFlags libvirt.StoragePoolBuildFlags
		if flags&libvirt.StoragePoolCreateWithBuildOverwrite != 0 {
			buildFlags |= libvirt.StoragePoolBuildOverwrite
		}
		if flags&libvirt.StoragePoolCreateWithBuildNoOverwrite != 0 {
			buildFlags |= libvirt.StoragePoolBuildNoOverwrite
		}
		if err := d.buildPool(ctx, b, obj, buildFlags); err != nil {
			return err
		}
	}

	if err := d.startPool(ctx, b, obj); err != nil {
		return err
	}
	if err := d.refreshPool(ctx, b, obj); err != nil {
		d.stopPool(ctx, b, obj)
		return err
	}
	if err := d.savePoolState(obj); err != nil {
		d.stopPool(ctx, b, obj)
		return err
	}
	obj.SetActive(true)

	d.events.Queue(event.Lifecycle{
		Pool:  obj.Name(),
		UUID:  obj.UUID(),
		Event: libvirt.StoragePoolEventStarted,
	})
	return nil
}

// BuildPool constructs an inactive pool's underlying storage.
func (d *Driver) BuildPool(ctx context.Context, ref PoolRef, flags libvirt.StoragePoolBuildFlags) error {
	if err := checkBuildFlags(flags); err != nil {
		return err
	}

	obj, err := d.lookupPool(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if obj.IsActive() {
		return fmt.Errorf("building pool %s: pool is active: %w", obj.Name(), ErrInvalidState)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	if err := d.buildPool(ctx, b, obj, flags); err != nil {
		return err
	}

	d.events.Queue(event.Lifecycle{
		Pool:  obj.Name(),
		UUID:  obj.UUID(),
		Event: libvirt.StoragePoolEventCreated,
	})
	return nil
}

func (d *Driver) buildPool(ctx context.Context, b backend.Backend, obj *pool.Object, flags libvirt.StoragePoolBuildFlags) error {
	builder, ok := b.(backend.PoolBuilder)
	if !ok {
		return fmt.Errorf("building pool %s: %w", obj.Name(), backend.ErrNotSupported)
	}
	return builder.BuildPool(ctx, obj, flags)
}

// DestroyPool deactivates a pool. Its volumes are forgotten, not removed;
// a transient pool is forgotten entirely.
func (d *Driver) DestroyPool(ctx context.Context, ref PoolRef) error {
	d.pools.Lock()
	defer d.pools.Unlock()

	obj, err := d.findLocked(ref)
	if err != nil {
		return err
	}

	if !obj.IsActive() {
		name := obj.Name()
		obj.Unlock()
		return fmt.Errorf("destroying pool %s: pool is not active: %w", name, ErrInvalidState)
	}
	if obj.AsyncJobs() > 0 {
		name := obj.Name()
		obj.Unlock()
		return fmt.Errorf("destroying pool %s: volume operations in flight: %w", name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		obj.Unlock()
		return err
	}

	d.deletePoolState(obj)
	d.stopPool(ctx, b, obj)
	obj.ClearVolumes()
	obj.SetActive(false)

	name, id := obj.Name(), obj.UUID()
	d.updateInactive(obj)
	obj.Unlock()

	d.events.Queue(event.Lifecycle{
		Pool:  name,
		UUID:  id,
		Event: libvirt.StoragePoolEventStopped,
	})
	return nil
}

// DeletePool removes an inactive pool's underlying storage.
func (d *Driver) DeletePool(ctx context.Context, ref PoolRef) error {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if obj.IsActive() {
		return fmt.Errorf("deleting pool %s: pool is active: %w", obj.Name(), ErrInvalidState)
	}
	if obj.AsyncJobs() > 0 {
		return fmt.Errorf("deleting pool %s: volume operations in flight: %w", obj.Name(), ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		return err
	}
	deleter, ok := b.(backend.PoolDeleter)
	if !ok {
		return fmt.Errorf("deleting pool %s: %w", obj.Name(), backend.ErrNotSupported)
	}

	d.deletePoolState(obj)
	if err := deleter.DeletePool(ctx, obj); err != nil {
		return err
	}

	d.events.Queue(event.Lifecycle{
		Pool:  obj.Name(),
		UUID:  obj.UUID(),
		Event: libvirt.StoragePoolEventDeleted,
	})
	return nil
}

// RefreshPool rescans an active pool. A failed rescan deactivates the pool.
func (d *Driver) RefreshPool(ctx context.Context, ref PoolRef) error {
	d.pools.Lock()
	defer d.pools.Unlock()

	obj, err := d.findLocked(ref)
	if err != nil {
		return err
	}

	if !obj.IsActive() {
		name := obj.Name()
		obj.Unlock()
		return fmt.Errorf("refreshing pool %s: pool is not active: %w", name, ErrInvalidState)
	}
	if obj.AsyncJobs() > 0 {
		name := obj.Name()
		obj.Unlock()
		return fmt.Errorf("refreshing pool %s: volume operations in flight: %w", name, ErrBusy)
	}

	b, err := d.backendFor(obj.Def().Type)
	if err != nil {
		obj.Unlock()
		return err
	}

	name, id := obj.Name(), obj.UUID()
	if err := d.refreshPool(ctx, b, obj); err != nil {
		d.stopPool(ctx, b, obj)
		d.deletePoolState(obj)
		obj.SetActive(false)
		d.updateInactive(obj)
		obj.Unlock()

		d.events.Queue(event.Lifecycle{
			Pool:  name,
			UUID:  id,
			Event: libvirt.StoragePoolEventStopped,
		})
		return fmt.Errorf("refreshing pool %s: %w", name, err)
	}
	obj.Unlock()

	d.events.Queue(event.Refresh{Pool: name, UUID: id})
	return nil
}

// SetAutostart marks or unmarks a persistent pool for start on daemon boot,
// maintaining the autostart symlink.
func (d *Driver) SetAutostart(ref PoolRef, autostart bool) error {
	d.pools.Lock()
	defer d.pools.Unlock()

	obj, err := d.findLocked(ref)
	if err != nil {
		return err
	}
	defer obj.Unlock()

	if !obj.IsPersistent() {
		return fmt.Errorf("pool %s is transient: %w", obj.Name(), ErrInvalidState)
	}
	if obj.IsAutostart() == autostart {
		return nil
	}

	link := obj.AutostartLink()
	if autostart {
		if err := os.MkdirAll(d.cfg.AutostartDir, 0o755); err != nil {
			return fmt.Errorf("creating autostart directory: %w", err)
		}
		if err := os.Symlink(obj.ConfigFile(), link); err != nil {
			return fmt.Errorf("creating autostart link %s: %w", link, err)
		}
	} else {
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing autostart link %s: %w", link, err)
		}
	}
	obj.SetAutostart(autostart)
	return nil
}

// GetAutostart reports whether the pool starts on daemon boot.
func (d *Driver) GetAutostart(ref PoolRef) (bool, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return false, err
	}
	defer obj.Unlock()
	return obj.IsAutostart(), nil
}

// PoolIsActive reports whether the pool is running.
func (d *Driver) PoolIsActive(ref PoolRef) (bool, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return false, err
	}
	defer obj.Unlock()
	return obj.IsActive(), nil
}

// PoolIsPersistent reports whether the pool survives deactivation.
func (d *Driver) PoolIsPersistent(ref PoolRef) (bool, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return false, err
	}
	defer obj.Unlock()
	return obj.IsPersistent(), nil
}

// PoolInfo returns the pool's state and size figures.
func (d *Driver) PoolInfo(ref PoolRef) (PoolInfo, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return PoolInfo{}, err
	}
	defer obj.Unlock()

	info := PoolInfo{
		Type:       obj.Def().Type,
		State:      libvirt.StoragePoolInactive,
		Capacity:   pool.PoolCapacity(obj.Def()),
		Allocation: pool.PoolAllocation(obj.Def()),
		Available:  pool.PoolAvailable(obj.Def()),
	}
	if obj.IsActive() {
		info.State = libvirt.StoragePoolRunning
	}
	return info, nil
}

// PoolXML returns the pool definition document. With the inactive flag set
// the persistent definition is returned even while a redefinition is staged.
func (d *Driver) PoolXML(ref PoolRef, flags libvirt.StorageXMLFlags) (string, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return "", err
	}
	defer obj.Unlock()

	def := obj.Def()
	if flags&libvirt.StorageXMLInactive != 0 && obj.NewDef() != nil {
		def = obj.NewDef()
	}
	doc, err := def.Marshal()
	if err != nil {
		return "", fmt.Errorf("serializing pool %s: %w", obj.Name(), err)
	}
	return doc, nil
}
