package pool

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"
)

// Object is one pool's live state: its definition, activity flags, volume
// set, and async-job counter, guarded by a per-object lock.
//
// Lock discipline: List lookups return the object locked; the caller must
// unlock on every exit path. Unless noted otherwise, every method below
// requires the object lock to be held.
type Object struct {
	mu sync.Mutex

	id  uuid.UUID
	def *libvirtxml.StoragePool

	// newDef is a staged redefinition applied when the pool next becomes
	// inactive. Only persistent pools carry one.
	newDef *libvirtxml.StoragePool

	active    bool
	autostart bool

	// configFile is the persisted definition path. Non-empty iff the pool is
	// persistent.
	configFile    string
	autostartLink string

	// asyncJobs counts long-running volume operations proceeding with the
	// object lock dropped.
	asyncJobs int

	volumes map[string]*Volume
}

func newObject(id uuid.UUID, def *libvirtxml.StoragePool) *Object {
	return &Object{
		id:      id,
		def:     def,
		volumes: make(map[string]*Volume),
	}
}

// Lock acquires the object lock. Never acquire the registry lock while
// holding an object lock; see List.
func (o *Object) Lock() { o.mu.Lock() }

// Unlock releases the object lock.
func (o *Object) Unlock() { o.mu.Unlock() }

// UUID returns the pool's identity. Immutable, safe without the lock.
func (o *Object) UUID() uuid.UUID { return o.id }

// Name returns the current definition's name.
func (o *Object) Name() string { return o.def.Name }

// Def returns the current definition.
func (o *Object) Def() *libvirtxml.StoragePool { return o.def }

// NewDef returns the staged redefinition, if any.
func (o *Object) NewDef() *libvirtxml.StoragePool { return o.newDef }

// SetNewDef stages a redefinition to take effect on deactivation.
func (o *Object) SetNewDef(def *libvirtxml.StoragePool) { o.newDef = def }

// UseNewDef promotes the staged redefinition to current.
func (o *Object) UseNewDef() {
	if o.newDef != nil {
		o.def = o.newDef
		o.newDef = nil
	}
}

// IsActive reports whether the pool is running.
func (o *Object) IsActive() bool { return o.active }

// SetActive marks the pool running or stopped.
func (o *Object) SetActive(active bool) { o.active = active }

// IsAutostart reports whether the pool starts with the daemon.
func (o *Object) IsAutostart() bool { return o.autostart }

// SetAutostart records the autostart flag. The filesystem symlink is the
// driver's business.
func (o *Object) SetAutostart(autostart bool) { o.autostart = autostart }

// IsPersistent reports whether a config file backs the pool.
func (o *Object) IsPersistent() bool { return o.configFile != "" }

// ConfigFile returns the persisted definition path, or "" for transient
// pools.
func (o *Object) ConfigFile() string { return o.configFile }

// AutostartLink returns the autostart symlink path, or "".
func (o *Object) AutostartLink() string { return o.autostartLink }

// SetConfigFile records the persisted definition and autostart link paths.
func (o *Object) SetConfigFile(configFile, autostartLink string) {
	o.configFile = configFile
	o.autostartLink = autostartLink
}

// AsyncJobs returns the number of in-flight dropped-lock volume operations.
func (o *Object) AsyncJobs() int { return o.asyncJobs }

// IncAsyncJobs records the start of a dropped-lock volume operation.
func (o *Object) IncAsyncJobs() { o.asyncJobs++ }

// DecAsyncJobs records the end of a dropped-lock volume operation.
func (o *Object) DecAsyncJobs() {
	if o.asyncJobs > 0 {
		o.asyncJobs--
	}
}

// AddVolume adds a volume to the set. Ownership of the Volume transfers to
// the set; on success the creator must not separately discard it.
func (o *Object) AddVolume(v *Volume) error {
	name := v.Def().Name
	if _, ok := o.volumes[name]; ok {
		return fmt.Errorf("volume '%s': %w", name, ErrExists)
	}
	o.volumes[name] = v
	return nil
}

// RemoveVolume drops a volume from the set.
func (o *Object) RemoveVolume(v *Volume) {
	delete(o.volumes, v.Def().Name)
}

// ClearVolumes empties the volume set, e.g. ahead of a backend refresh.
func (o *Object) ClearVolumes() {
	o.volumes = make(map[string]*Volume)
}

// NumVolumes returns the size of the volume set.
func (o *Object) NumVolumes() int { return len(o.volumes) }

// Volumes returns the volume set sorted by name.
func (o *Object) Volumes() []*Volume {
	vols := make([]*Volume, 0, len(o.volumes))
	for _, v := range o.volumes {
		vols = append(vols, v)
	}
	sort.Slice(vols, func(i, j int) bool {
		return vols[i].Def().Name < vols[j].Def().Name
	})
	return vols
}

// FindVolumeByName returns the named volume, or nil.
func (o *Object) FindVolumeByName(name string) *Volume {
	return o.volumes[name]
}

// FindVolumeByKey returns the volume with the given key, or nil.
func (o *Object) FindVolumeByKey(key string) *Volume {
	for _, v := range o.volumes {
		if v.Def().Key == key {
			return v
		}
	}
	return nil
}

// FindVolumeByPath returns the volume with the given target path, or nil.
func (o *Object) FindVolumeByPath(path string) *Volume {
	for _, v := range o.volumes {
		if VolTargetPath(v.Def()) == path {
			return v
		}
	}
	return nil
}
