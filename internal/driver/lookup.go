package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jbweber/storaged/internal/backend"
	"github.com/jbweber/storaged/internal/pool"
)

// findLocked resolves a pool reference to its locked object. The caller
// holds the registry lock. UUID wins when both fields are set.
func (d *Driver) findLocked(ref PoolRef) (*pool.Object, error) {
	var obj *pool.Object
	if ref.UUID != uuid.Nil {
		obj = d.pools.FindByUUID(ref.UUID)
	} else if ref.Name != "" {
		obj = d.pools.FindByName(ref.Name)
	}
	if obj == nil {
		return nil, fmt.Errorf("pool %s%s: %w", ref.Name, uuidSuffix(ref.UUID), pool.ErrNotFound)
	}
	return obj, nil
}

func uuidSuffix(id uuid.UUID) string {
	if id == uuid.Nil {
		return ""
	}
	return " (" + id.String() + ")"
}

// lookupPool resolves a pool reference, holding the registry lock only for
// the lookup itself. The returned object is locked.
func (d *Driver) lookupPool(ref PoolRef) (*pool.Object, error) {
	d.pools.Lock()
	defer d.pools.Unlock()
	return d.findLocked(ref)
}

// LookupPoolByName resolves a pool name to a full reference.
func (d *Driver) LookupPoolByName(name string) (PoolRef, error) {
	obj, err := d.lookupPool(PoolRef{Name: name})
	if err != nil {
		return PoolRef{}, err
	}
	defer obj.Unlock()
	return poolRef(obj), nil
}

// LookupPoolByUUID resolves a pool UUID to a full reference.
func (d *Driver) LookupPoolByUUID(id uuid.UUID) (PoolRef, error) {
	obj, err := d.lookupPool(PoolRef{UUID: id})
	if err != nil {
		return PoolRef{}, err
	}
	defer obj.Unlock()
	return poolRef(obj), nil
}

// LookupPoolByTargetPath resolves the pool whose target path matches.
func (d *Driver) LookupPoolByTargetPath(path string) (PoolRef, error) {
	d.pools.Lock()
	defer d.pools.Unlock()

	var found PoolRef
	ok := false
	d.pools.ForEach(func(obj *pool.Object) {
		if !ok && pool.PoolTargetPath(obj.Def()) == path {
			found = poolRef(obj)
			ok = true
		}
	})
	if !ok {
		return PoolRef{}, fmt.Errorf("pool with target path %s: %w", path, pool.ErrNotFound)
	}
	return found, nil
}

// LookupPoolByVolume resolves the pool holding the given volume.
func (d *Driver) LookupPoolByVolume(vol VolumeRef) (PoolRef, error) {
	obj, err := d.lookupPool(PoolRef{Name: vol.Pool})
	if err != nil {
		return PoolRef{}, err
	}
	defer obj.Unlock()

	if obj.FindVolumeByName(vol.Name) == nil {
		return PoolRef{}, fmt.Errorf("volume %s in pool %s: %w", vol.Name, vol.Pool, pool.ErrNotFound)
	}
	return poolRef(obj), nil
}

// LookupVolumeByName resolves a volume within a pool. The pool must be
// active; inactive pools have no volume set.
func (d *Driver) LookupVolumeByName(ref PoolRef, name string) (VolumeRef, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return VolumeRef{}, err
	}
	defer obj.Unlock()

	if !obj.IsActive() {
		return VolumeRef{}, fmt.Errorf("pool %s is not active: %w", obj.Name(), ErrInvalidState)
	}
	v := obj.FindVolumeByName(name)
	if v == nil {
		return VolumeRef{}, fmt.Errorf("volume %s in pool %s: %w", name, obj.Name(), pool.ErrNotFound)
	}
	return volumeRef(obj, v.Def()), nil
}

// LookupVolumeByKey searches every active pool for the volume with the
// given key.
func (d *Driver) LookupVolumeByKey(key string) (VolumeRef, error) {
	d.pools.Lock()
	defer d.pools.Unlock()

	var found VolumeRef
	ok := false
	d.pools.ForEach(func(obj *pool.Object) {
		if ok || !obj.IsActive() {
			return
		}
		if v := obj.FindVolumeByKey(key); v != nil {
			found = volumeRef(obj, v.Def())
			ok = true
		}
	})
	if !ok {
		return VolumeRef{}, fmt.Errorf("volume with key %s: %w", key, pool.ErrNotFound)
	}
	return found, nil
}

// LookupVolumeByPath searches every active pool for the volume whose target
// path matches, after letting each pool's backend stabilize the path. Pools
// whose backend rejects the path are skipped, not fatal.
func (d *Driver) LookupVolumeByPath(path string) (VolumeRef, error) {
	d.pools.Lock()
	defer d.pools.Unlock()

	var found VolumeRef
	ok := false
	d.pools.ForEach(func(obj *pool.Object) {
		if ok || !obj.IsActive() {
			return
		}

		candidate := path
		if b, err := d.backendFor(obj.Def().Type); err == nil {
			if sp, isStable := b.(backend.StablePather); isStable {
				stable, err := sp.StablePath(obj, path)
				if err != nil {
					return
				}
				candidate = stable
			}
		}

		if v := obj.FindVolumeByPath(candidate); v != nil {
			found = volumeRef(obj, v.Def())
			ok = true
		}
	})
	if !ok {
		return VolumeRef{}, fmt.Errorf("volume with path %s: %w", path, pool.ErrNotFound)
	}
	return found, nil
}

// NumPools counts pools, active or inactive per the flag.
func (d *Driver) NumPools(active bool) int {
	d.pools.Lock()
	defer d.pools.Unlock()

	n := 0
	d.pools.ForEach(func(obj *pool.Object) {
		if obj.IsActive() == active {
			n++
		}
	})
	return n
}

// ListPoolNames returns the names of pools, active or inactive per the
// flag, in no particular order.
func (d *Driver) ListPoolNames(active bool) []string {
	d.pools.Lock()
	defer d.pools.Unlock()

	var names []string
	d.pools.ForEach(func(obj *pool.Object) {
		if obj.IsActive() == active {
			names = append(names, obj.Name())
		}
	})
	return names
}

// ListAllPools returns references to every known pool.
func (d *Driver) ListAllPools() []PoolRef {
	d.pools.Lock()
	defer d.pools.Unlock()

	var refs []PoolRef
	d.pools.ForEach(func(obj *pool.Object) {
		refs = append(refs, poolRef(obj))
	})
	return refs
}

// NumVolumes counts the volumes of an active pool.
func (d *Driver) NumVolumes(ref PoolRef) (int, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return 0, err
	}
	defer obj.Unlock()

	if !obj.IsActive() {
		return 0, fmt.Errorf("pool %s is not active: %w", obj.Name(), ErrInvalidState)
	}
	return obj.NumVolumes(), nil
}

// ListVolumes returns references to an active pool's volumes, sorted by
// name.
func (d *Driver) ListVolumes(ref PoolRef) ([]VolumeRef, error) {
	obj, err := d.lookupPool(ref)
	if err != nil {
		return nil, err
	}
	defer obj.Unlock()

	if !obj.IsActive() {
		return nil, fmt.Errorf("pool %s is not active: %w", obj.Name(), ErrInvalidState)
	}

	vols := obj.Volumes()
	refs := make([]VolumeRef, 0, len(vols))
	for _, v := range vols {
		refs = append(refs, volumeRef(obj, v.Def()))
	}
	return refs, nil
}

// FindPoolSources asks a backend to discover candidate pool sources on the
// host. No registry state is involved.
func (d *Driver) FindPoolSources(ctx context.Context, typeName, srcSpec string) (string, error) {
	b, err := d.backendFor(typeName)
	if err != nil {
		return "", err
	}
	finder, ok := b.(backend.SourceFinder)
	if !ok {
		return "", fmt.Errorf("discovering %s pool sources: %w", typeName, backend.ErrNotSupported)
	}
	return finder.FindPoolSources(ctx, srcSpec)
}
