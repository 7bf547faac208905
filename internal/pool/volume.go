package pool

import libvirtxml "libvirt.org/go/libvirtxml"

// Volume is one volume known to belong to a pool: its definition plus the
// two pieces of concurrency bookkeeping the driver maintains around it.
//
// A Volume is owned by the pool object's volume set once added; every method
// must be called with the owning pool object's lock held. The only exception
// is reading the definition of a shallow build copy that has not been added
// to any set.
type Volume struct {
	def *libvirtxml.StorageVolume

	// inUse counts operations reading the volume's contents, e.g. a clone
	// using it as source. A volume with users cannot be deleted, resized,
	// wiped, or uploaded to.
	inUse int

	// building is set while a backend build runs against the volume with the
	// pool lock dropped.
	building bool
}

// NewVolume wraps a volume definition. Ownership of the definition passes to
// the returned Volume.
func NewVolume(def *libvirtxml.StorageVolume) *Volume {
	return &Volume{def: def}
}

// Def returns the volume definition.
func (v *Volume) Def() *libvirtxml.StorageVolume {
	return v.def
}

// Building reports whether a backend build is in flight for this volume.
func (v *Volume) Building() bool {
	return v.building
}

// SetBuilding marks or clears the in-flight build flag.
func (v *Volume) SetBuilding(building bool) {
	v.building = building
}

// InUse returns the number of operations currently reading the volume.
func (v *Volume) InUse() int {
	return v.inUse
}

// AcquireUser records one more operation reading the volume.
func (v *Volume) AcquireUser() {
	v.inUse++
}

// ReleaseUser drops one reader recorded by AcquireUser.
func (v *Volume) ReleaseUser() {
	if v.inUse > 0 {
		v.inUse--
	}
}

// ShadowDef returns a shallow copy of the definition for handing to a
// backend build while the pool lock is dropped. The copy freezes the
// requested sizes; the live definition keeps changing as pollers refresh it.
func (v *Volume) ShadowDef() *libvirtxml.StorageVolume {
	shadow := *v.def
	return &shadow
}
