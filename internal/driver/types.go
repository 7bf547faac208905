package driver

import (
	"github.com/digitalocean/go-libvirt"
	"github.com/google/uuid"
	libvirtxml "libvirt.org/go/libvirtxml"

	"github.com/jbweber/storaged/internal/pool"
)

// PoolRef identifies a pool to callers. Lookups accept either field; results
// carry both.
type PoolRef struct {
	Name string
	UUID uuid.UUID
}

// VolumeRef identifies a volume within a pool.
type VolumeRef struct {
	Pool string
	Name string
	Key  string
}

// PoolInfo is the point-in-time summary of a pool.
type PoolInfo struct {
	Type       string
	State      libvirt.StoragePoolState
	Capacity   uint64
	Allocation uint64
	Available  uint64
}

// VolumeInfo is the point-in-time summary of a volume.
type VolumeInfo struct {
	Type       libvirt.StorageVolType
	Capacity   uint64
	Allocation uint64
}

func poolRef(obj *pool.Object) PoolRef {
	return PoolRef{Name: obj.Name(), UUID: obj.UUID()}
}

func volumeRef(obj *pool.Object, def *libvirtxml.StorageVolume) VolumeRef {
	return VolumeRef{Pool: obj.Name(), Name: def.Name, Key: def.Key}
}

func volType(def *libvirtxml.StorageVolume) libvirt.StorageVolType {
	switch def.Type {
	case "block":
		return libvirt.StorageVolBlock
	case "dir":
		return libvirt.StorageVolDir
	case "network":
		return libvirt.StorageVolNetwork
	case "netdir":
		return libvirt.StorageVolNetdir
	case "ploop":
		return libvirt.StorageVolPloop
	default:
		return libvirt.StorageVolFile
	}
}
