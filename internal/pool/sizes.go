package pool

import libvirtxml "libvirt.org/go/libvirtxml"

// Definition size fields are optional pointers in the XML schema; the
// helpers below treat a missing element as zero and create elements on
// write. All values are bytes.

// PoolCapacity returns the pool definition's capacity in bytes.
func PoolCapacity(def *libvirtxml.StoragePool) uint64 {
	if def.Capacity == nil {
		return 0
	}
	return def.Capacity.Value
}

// PoolAllocation returns the pool definition's allocation in bytes.
func PoolAllocation(def *libvirtxml.StoragePool) uint64 {
	if def.Allocation == nil {
		return 0
	}
	return def.Allocation.Value
}

// PoolAvailable returns the pool definition's available space in bytes.
func PoolAvailable(def *libvirtxml.StoragePool) uint64 {
	if def.Available == nil {
		return 0
	}
	return def.Available.Value
}

// SetPoolCapacity sets the pool definition's capacity in bytes.
func SetPoolCapacity(def *libvirtxml.StoragePool, v uint64) {
	def.Capacity = &libvirtxml.StoragePoolSize{Unit: "bytes", Value: v}
}

// SetPoolAllocation sets the pool definition's allocation in bytes.
func SetPoolAllocation(def *libvirtxml.StoragePool, v uint64) {
	def.Allocation = &libvirtxml.StoragePoolSize{Unit: "bytes", Value: v}
}

// SetPoolAvailable sets the pool definition's available space in bytes.
func SetPoolAvailable(def *libvirtxml.StoragePool, v uint64) {
	def.Available = &libvirtxml.StoragePoolSize{Unit: "bytes", Value: v}
}

// VolCapacity returns the volume definition's capacity in bytes.
func VolCapacity(def *libvirtxml.StorageVolume) uint64 {
	if def.Capacity == nil {
		return 0
	}
	return def.Capacity.Value
}

// VolAllocation returns the volume definition's allocation in bytes.
func VolAllocation(def *libvirtxml.StorageVolume) uint64 {
	if def.Allocation == nil {
		return 0
	}
	return def.Allocation.Value
}

// VolHasAllocation reports whether the definition carries an explicit
// allocation element. Clone defaults allocation to capacity when it doesn't.
func VolHasAllocation(def *libvirtxml.StorageVolume) bool {
	return def.Allocation != nil
}

// VolPhysical returns the volume definition's physical size in bytes,
// falling back to allocation when no physical element is present.
func VolPhysical(def *libvirtxml.StorageVolume) uint64 {
	if def.Physical == nil {
		return VolAllocation(def)
	}
	return def.Physical.Value
}

// SetVolCapacity sets the volume definition's capacity in bytes.
func SetVolCapacity(def *libvirtxml.StorageVolume, v uint64) {
	def.Capacity = &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: v}
}

// SetVolAllocation sets the volume definition's allocation in bytes.
func SetVolAllocation(def *libvirtxml.StorageVolume, v uint64) {
	def.Allocation = &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: v}
}

// SetVolPhysical sets the volume definition's physical size in bytes.
func SetVolPhysical(def *libvirtxml.StorageVolume, v uint64) {
	def.Physical = &libvirtxml.StorageVolumeSize{Unit: "bytes", Value: v}
}

// VolTargetPath returns the volume definition's target path, or "".
func VolTargetPath(def *libvirtxml.StorageVolume) string {
	if def.Target == nil {
		return ""
	}
	return def.Target.Path
}

// SetVolTargetPath sets the volume definition's target path.
func SetVolTargetPath(def *libvirtxml.StorageVolume, path string) {
	if def.Target == nil {
		def.Target = &libvirtxml.StorageVolumeTarget{}
	}
	def.Target.Path = path
}

// PoolTargetPath returns the pool definition's target path, or "".
func PoolTargetPath(def *libvirtxml.StoragePool) string {
	if def.Target == nil {
		return ""
	}
	return def.Target.Path
}
