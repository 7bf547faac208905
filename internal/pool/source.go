package pool

import (
	"fmt"

	libvirtxml "libvirt.org/go/libvirtxml"
)

// FindSourceConflict rejects a definition whose storage source overlaps an
// existing pool of the same type: two pools must not manage the same
// directory, device set, or network export. Pools with the UUID being
// (re)defined are skipped so redefinition doesn't collide with itself.
func (l *List) FindSourceConflict(def *libvirtxml.StoragePool) error {
	var conflict string

	l.ForEach(func(obj *Object) {
		if conflict != "" {
			return
		}
		other := obj.Def()
		if other.UUID == def.UUID {
			return
		}
		if sourcesConflict(def, other) {
			conflict = other.Name
		}
	})

	if conflict != "" {
		return fmt.Errorf("storage source of pool '%s' %w in pool '%s'", def.Name, ErrExists, conflict)
	}
	return nil
}

func sourcesConflict(a, b *libvirtxml.StoragePool) bool {
	if a.Type != b.Type {
		return false
	}

	switch a.Type {
	case "dir", "fs":
		path := PoolTargetPath(a)
		return path != "" && path == PoolTargetPath(b)

	case "netfs", "gluster":
		return sourceHost(a) != "" && sourceHost(a) == sourceHost(b) &&
			sourceDir(a) == sourceDir(b)

	case "logical":
		if a.Source != nil && b.Source != nil &&
			a.Source.Name != "" && a.Source.Name == b.Source.Name {
			return true
		}
		return devicesOverlap(a, b)

	case "disk", "scsi", "zfs", "mpath", "vstorage":
		return devicesOverlap(a, b)

	case "iscsi":
		return sourceHost(a) == sourceHost(b) && devicesOverlap(a, b)

	case "rbd", "sheepdog":
		return a.Source != nil && b.Source != nil &&
			a.Source.Name != "" && a.Source.Name == b.Source.Name &&
			sourceHost(a) == sourceHost(b)
	}

	return false
}

func sourceHost(def *libvirtxml.StoragePool) string {
	if def.Source == nil || len(def.Source.Host) == 0 {
		return ""
	}
	return def.Source.Host[0].Name
}

func sourceDir(def *libvirtxml.StoragePool) string {
	if def.Source == nil || def.Source.Dir == nil {
		return ""
	}
	return def.Source.Dir.Path
}

func devicesOverlap(a, b *libvirtxml.StoragePool) bool {
	if a.Source == nil || b.Source == nil {
		return false
	}
	for _, da := range a.Source.Device {
		for _, db := range b.Source.Device {
			if da.Path != "" && da.Path == db.Path {
				return true
			}
		}
	}
	return false
}
