package pool

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// List is the registry of all known pool objects, active and inactive,
// keyed by UUID and by name.
//
// Lock discipline: the List lock (the "driver lock") guards the maps and
// must be held by callers of every method below. Lookups return the object
// locked. The List lock is held only around registry work, never across a
// backend call; the one sanctioned place it is taken for lock re-acquisition
// after a dropped-lock build is Driver's reacquire sequence, which takes it
// while holding no object lock.
type List struct {
	mu     sync.Mutex
	byUUID map[uuid.UUID]*Object
	byName map[string]*Object
}

// NewList returns an empty registry.
func NewList() *List {
	return &List{
		byUUID: make(map[uuid.UUID]*Object),
		byName: make(map[string]*Object),
	}
}

// Lock acquires the registry lock.
func (l *List) Lock() { l.mu.Lock() }

// Unlock releases the registry lock.
func (l *List) Unlock() { l.mu.Unlock() }

// Count returns the number of registered pools.
func (l *List) Count() int { return len(l.byUUID) }

// FindByUUID returns the pool with the given UUID, locked, or nil.
func (l *List) FindByUUID(id uuid.UUID) *Object {
	obj := l.byUUID[id]
	if obj != nil {
		obj.Lock()
	}
	return obj
}

// FindByName returns the pool with the given name, locked, or nil.
func (l *List) FindByName(name string) *Object {
	obj := l.byName[name]
	if obj != nil {
		obj.Lock()
	}
	return obj
}

// CheckDuplicate rejects a definition whose name or UUID collides with a
// different existing pool. With checkActive set (transient create), an
// existing active pool with the same identity is also rejected.
func (l *List) CheckDuplicate(id uuid.UUID, def *libvirtxml.StoragePool, checkActive bool) error {
	if obj := l.byUUID[id]; obj != nil {
		obj.Lock()
		name := obj.Name()
		active := obj.IsActive()
		obj.Unlock()

		if name != def.Name {
			return fmt.Errorf("pool '%s' %w with uuid %s", name, ErrExists, id)
		}
		if checkActive && active {
			return fmt.Errorf("pool '%s' %w and is active", def.Name, ErrExists)
		}
		return nil
	}

	if obj := l.byName[def.Name]; obj != nil {
		obj.Lock()
		other := obj.UUID()
		obj.Unlock()
		return fmt.Errorf("pool '%s' %w with uuid %s", def.Name, ErrExists, other)
	}

	return nil
}

// AssignDef binds a definition into the registry: a new object for an unseen
// identity, a definition swap for an existing inactive pool, or a staged
// redefinition for an existing active pool. The returned object is locked.
//
// Callers must have passed CheckDuplicate first, so an existing object here
// is known to share both name and UUID with def.
func (l *List) AssignDef(id uuid.UUID, def *libvirtxml.StoragePool) *Object {
	if obj := l.byUUID[id]; obj != nil {
		obj.Lock()
		if obj.IsActive() {
			obj.SetNewDef(def)
		} else {
			obj.def = def
			obj.SetNewDef(nil)
		}
		return obj
	}

	obj := newObject(id, def)
	obj.Lock()
	l.byUUID[id] = obj
	l.byName[def.Name] = obj
	return obj
}

// Remove drops a pool from the registry. The caller holds both the registry
// lock and the object lock, and remains responsible for unlocking the
// object.
func (l *List) Remove(obj *Object) {
	delete(l.byUUID, obj.UUID())
	delete(l.byName, obj.Name())
}

// ForEach visits every pool, locking each object around fn. fn must not
// acquire the registry lock or unlock the object.
func (l *List) ForEach(fn func(obj *Object)) {
	for _, obj := range l.byUUID {
		obj.Lock()
		fn(obj)
		obj.Unlock()
	}
}
